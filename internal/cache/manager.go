// Package cache provides internal cache management.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/internal/tlsutil"
)

// =============================================================================
// 💾 缓存管理器
// =============================================================================

// Manager 持有共享的 Redis 客户端，供守卫计数存储与流程定义缓存复用。
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// Config 缓存配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" env:"ADDR" json:"addr"`

	// 密码
	Password string `yaml:"password" env:"PASSWORD" json:"-"`

	// 数据库编号
	DB int `yaml:"db" env:"DB" json:"db"`

	// 默认过期时间，Set/SetJSON 传入 ttl<=0 时使用
	DefaultTTL time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL" json:"default_ttl"`

	MaxRetries   int `yaml:"max_retries" env:"MAX_RETRIES" json:"max_retries"`
	PoolSize     int `yaml:"pool_size" env:"POOL_SIZE" json:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS" json:"min_idle_conns"`

	// 健康检查间隔，0 关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL" json:"health_check_interval"`

	// 启用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS" json:"tls"`
}

// DefaultConfig 返回默认缓存配置
func DefaultConfig() Config {
	return Config{
		Addr:                "localhost:6379",
		DefaultTTL:          5 * time.Minute,
		MaxRetries:          3,
		PoolSize:            10,
		MinIdleConns:        2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// ErrManagerClosed 管理器已关闭
var ErrManagerClosed = errors.New("cache manager is closed")

// NewManager 创建缓存管理器，连接不可用时直接返回错误。
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	}
	if config.TLS {
		opts.TLSConfig = tlsutil.RedisConfig(config.Addr)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	} else {
		close(m.done)
	}

	m.logger.Info("cache manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

// Client 返回底层客户端，用于 guard.NewRedisStore 等需要原生命令的场景。
func (m *Manager) Client() redis.UniversalClient {
	return m.redis
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Get 获取缓存值，键不存在时返回 ErrCacheMiss
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}

	val, err := m.redis.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("cache get %q: %w", key, err)
	}
	return val, nil
}

// Set 设置缓存值
func (m *Manager) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.redis.Set(ctx, key, value, m.ttl(ttl)).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// GetJSON 读取并反序列化
func (m *Manager) GetJSON(ctx context.Context, key string, dest any) error {
	val, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache decode %q: %w", key, err)
	}
	return nil
}

// SetJSON 序列化后写入
func (m *Manager) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	return m.Set(ctx, key, string(data), ttl)
}

// Delete 删除缓存
func (m *Manager) Delete(ctx context.Context, keys ...string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return m.redis.Del(ctx, keys...).Err()
}

// Ping 检查连接
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

// Close 停止健康检查并关闭连接，可重复调用
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("closing cache manager")
	return m.redis.Close()
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

func (m *Manager) ttl(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return m.config.DefaultTTL
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (m *Manager) healthCheckLoop() {
	defer close(m.done)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.redis.Ping(ctx).Err(); err != nil {
				m.logger.Error("cache health check failed", zap.Error(err))
			} else {
				m.logger.Debug("cache health check passed")
			}
			cancel()
		}
	}
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// Stats 连接池统计
type Stats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
}

// GetStats 返回客户端连接池统计
func (m *Manager) GetStats() Stats {
	ps := m.redis.PoolStats()
	return Stats{
		Hits:       ps.Hits,
		Misses:     ps.Misses,
		Timeouts:   ps.Timeouts,
		TotalConns: ps.TotalConns,
		IdleConns:  ps.IdleConns,
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// ErrCacheMiss 缓存未命中错误
var ErrCacheMiss = errors.New("cache miss")

// IsCacheMiss 判断是否为缓存未命中错误
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
