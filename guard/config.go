package guard

import (
	"fmt"
	"time"
)

// RateLimitAlgorithm 限流算法
type RateLimitAlgorithm string

const (
	AlgorithmFixedWindow RateLimitAlgorithm = "fixed_window"
	AlgorithmTokenBucket RateLimitAlgorithm = "token_bucket"
)

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	Algorithm RateLimitAlgorithm `yaml:"algorithm" env:"ALGORITHM" json:"algorithm"`
	Window    time.Duration      `yaml:"window" env:"WINDOW" json:"window"`
	Limit     int                `yaml:"limit" env:"LIMIT" json:"limit"`
}

// BreakerConfig 熔断配置
type BreakerConfig struct {
	// Threshold 连续失败次数阈值
	Threshold int `yaml:"threshold" env:"THRESHOLD" json:"threshold"`
	// Timeout 打开后的冷却时间
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" json:"timeout"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	// MaxRetries 总尝试次数上限（含首次），小于 1 时按 1 次
	MaxRetries int           `yaml:"max_retries" env:"MAX_RETRIES" json:"max_retries"`
	Delay      time.Duration `yaml:"delay" env:"DELAY" json:"delay"`
	Multiplier float64       `yaml:"multiplier" env:"MULTIPLIER" json:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay" env:"MAX_DELAY" json:"max_delay"`
}

// Config 保护层配置
type Config struct {
	RateLimit      RateLimitConfig `yaml:"rate_limit" env:"RATE_LIMIT" json:"rate_limit"`
	CircuitBreaker BreakerConfig   `yaml:"circuit_breaker" env:"CIRCUIT_BREAKER" json:"circuit_breaker"`
	Retry          RetryConfig     `yaml:"retry" env:"RETRY" json:"retry"`

	// SweepInterval 过期条目清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL" json:"sweep_interval"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{
			Algorithm: AlgorithmFixedWindow,
			Window:    60 * time.Second,
			Limit:     60,
		},
		CircuitBreaker: BreakerConfig{
			Threshold: 5,
			Timeout:   300 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			Delay:      time.Second,
			Multiplier: 2,
			MaxDelay:   30 * time.Second,
		},
		SweepInterval: time.Minute,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	switch c.RateLimit.Algorithm {
	case "", AlgorithmFixedWindow, AlgorithmTokenBucket:
	default:
		return fmt.Errorf("unknown rate limit algorithm %q", c.RateLimit.Algorithm)
	}
	if c.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RateLimit.Limit)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.RateLimit.Window)
	}
	if c.CircuitBreaker.Threshold <= 0 {
		return fmt.Errorf("circuit breaker threshold must be positive, got %d", c.CircuitBreaker.Threshold)
	}
	if c.CircuitBreaker.Timeout <= 0 {
		return fmt.Errorf("circuit breaker timeout must be positive, got %s", c.CircuitBreaker.Timeout)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Delay < 0 {
		return fmt.Errorf("retry delay must be >= 0, got %s", c.Retry.Delay)
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	return nil
}
