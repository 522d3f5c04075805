// =============================================================================
// 📦 BotFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("botflow.yaml").
//	    WithEnvPrefix("BOTFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/internal/cache"
	"github.com/BaSui01/botflow/internal/database"
	"github.com/BaSui01/botflow/internal/pool"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 BotFlow 的完整配置结构
type Config struct {
	// Server HTTP 服务配置（健康检查与指标）
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database 流程存储数据库
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 共享计数与定义缓存
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Engine 流程引擎
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Guard AI 调用保护层
	Guard guard.Config `yaml:"guard" env:"GUARD"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 最大并发连接数，0 不限制
	MaxConns int `yaml:"max_conns" env:"MAX_CONNS"`
	// 每 IP 每秒请求数，0 不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// /api 路由的 X-API-Key 白名单，空表示不鉴权
	APIKeys []string `yaml:"api_keys" env:"API_KEYS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// DSN 非空时直接使用，忽略下面的分项
	DSN string `yaml:"dsn" env:"DSN"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名；sqlite 下为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 连接池
	Pool database.PoolConfig `yaml:"pool" env:"POOL"`
	// 事务冲突重试次数
	TxRetries int `yaml:"tx_retries" env:"TX_RETRIES"`
}

// RedisConfig Redis 配置。未启用时守卫使用进程内计数，定义列表不缓存。
type RedisConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// 启用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
	// 定义列表缓存时间，0 不缓存
	DefinitionCacheTTL time.Duration `yaml:"definition_cache_ttl" env:"DEFINITION_CACHE_TTL"`
}

// EngineConfig 流程引擎配置
type EngineConfig struct {
	// 定义未设置 timeout_ms 时的实例超时
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// 单实例节点访问上限
	MaxNodeVisits int `yaml:"max_node_visits" env:"MAX_NODE_VISITS"`
	// 异步执行工作池
	Workers pool.ExecutionPoolConfig `yaml:"workers" env:"WORKERS"`
	// http_request 节点默认客户端超时
	HTTPTimeout time.Duration `yaml:"http_timeout" env:"HTTP_TIMEOUT"`
	// 启动时导入的定义目录
	FlowsDir string `yaml:"flows_dir" env:"FLOWS_DIR"`
	// 监听 FlowsDir 变更并重新导入
	WatchFlows bool `yaml:"watch_flows" env:"WATCH_FLOWS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率，0-1，服从上游已采样的 trace
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// Insecure 为 true 时 OTLP 使用明文 gRPC
	Insecure bool `yaml:"insecure" env:"INSECURE"`
	// 指标导出周期
	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "BOTFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键名为 PREFIX_SECTION_FIELD
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 单独解析
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.RateLimitRPS < 0 || (c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0) {
		errs = append(errs, "server.rate_limit_burst must be positive when rate limiting is enabled")
	}
	if c.Server.MaxConns < 0 {
		errs = append(errs, "server.max_conns must not be negative")
	}

	switch c.Database.Driver {
	case "postgres", "postgresql", "mysql", "sqlite", "sqlite3":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if err := c.Database.Pool.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Engine.MaxNodeVisits <= 0 {
		errs = append(errs, "engine.max_node_visits must be positive")
	}
	if c.Engine.Workers.MaxWorkers <= 0 {
		errs = append(errs, "engine.workers.max_workers must be positive")
	}
	if c.Engine.WatchFlows && c.Engine.FlowsDir == "" {
		errs = append(errs, "engine.watch_flows requires engine.flows_dir")
	}

	if err := c.Guard.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required when redis is enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Sprintf("telemetry.sample_rate must be within [0, 1], got %v", c.Telemetry.SampleRate))
		}
		if c.Telemetry.OTLPEndpoint == "" {
			errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSNString 返回数据库连接字符串
func (d *DatabaseConfig) DSNString() string {
	if d.DSN != "" {
		return d.DSN
	}
	switch d.Driver {
	case "postgres", "postgresql":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}

// CacheConfig 转换为缓存管理器配置
func (r RedisConfig) CacheConfig() cache.Config {
	c := cache.DefaultConfig()
	c.Addr = r.Addr
	c.Password = r.Password
	c.DB = r.DB
	c.TLS = r.TLS
	if r.PoolSize > 0 {
		c.PoolSize = r.PoolSize
	}
	if r.MinIdleConns > 0 {
		c.MinIdleConns = r.MinIdleConns
	}
	return c
}
