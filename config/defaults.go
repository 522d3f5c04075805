// =============================================================================
// 📦 BotFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/internal/database"
	"github.com/BaSui01/botflow/internal/pool"
	"github.com/BaSui01/botflow/workflow"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Engine:    DefaultEngineConfig(),
		Guard:     guard.DefaultConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置，开箱使用本地 sqlite 文件
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:    "sqlite",
		Host:      "localhost",
		Port:      5432,
		User:      "botflow",
		Name:      "botflow.db",
		SSLMode:   "disable",
		Pool:      database.DefaultPoolConfig(),
		TxRetries: 3,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:            false,
		Addr:               "localhost:6379",
		PoolSize:           10,
		MinIdleConns:       2,
		KeyPrefix:          "botflow:",
		DefinitionCacheTTL: 5 * time.Second,
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultTimeout: workflow.DefaultInstanceTimeout,
		MaxNodeVisits:  workflow.DefaultMaxNodeVisits,
		Workers:        pool.DefaultExecutionPoolConfig(),
		HTTPTimeout:    30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "botflow",
		SampleRate:     0.1,
		Insecure:       true,
		ExportInterval: 15 * time.Second,
	}
}
