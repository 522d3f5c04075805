// =============================================================================
// BotFlow 主入口
// =============================================================================
// 服务入口点，包含流程 HTTP API、健康检查、Prometheus 指标
//
// 使用方法:
//
//	botflow serve                            # 启动服务
//	botflow serve --config config.yaml       # 指定配置文件
//	botflow import --config c.yaml flows/    # 导入定义文件或目录
//	botflow migrate --config config.yaml     # 建表/升级表结构
//	botflow version                          # 显示版本信息
//	botflow health                           # 健康检查
// =============================================================================

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/botflow/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// errUsage 参数错误，已打印用法
var errUsage = errors.New("invalid usage")

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		printUsage(out)
		return errUsage
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "import":
		return runImport(args[1:], out)
	case "migrate":
		return runMigrate(args[1:], out)
	case "version":
		printVersion(out)
		return nil
	case "health":
		return runHealthCheck(args[1:], out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting BotFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app, err := NewApp(cfg, logger, registry)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := app.Serve(ctx, BuildTime, GitCommit)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		logger.Error("shutdown finished with errors", zap.Error(err))
		serveErr = errors.Join(serveErr, err)
	}

	logger.Info("BotFlow stopped")
	return serveErr
}

// =============================================================================
// 📥 import / migrate 命令
// =============================================================================

func runImport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("import: at least one file or directory is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	app, err := NewApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	res, err := ImportPaths(context.Background(), app.Runtime(), fs.Args())
	if res != nil {
		fmt.Fprintf(out, "created: %d, updated: %d\n", len(res.Created), len(res.Updated))
	}
	return err
}

func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	// NewApp 打开存储时执行 AutoMigrate
	app, err := NewApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "database schema is up to date (%s)\n", cfg.Database.Driver)
	return app.Close(context.Background())
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	ready := fs.Bool("ready", false, "Check /readyz instead of /healthz")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + path)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Fprintln(out, "OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "BotFlow %s\n", Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `BotFlow - Chatbot Flow Orchestration Engine

Usage:
  botflow <command> [options]

Commands:
  serve     Start the BotFlow server
  import    Import flow definitions (YAML/JSON files or directories)
  migrate   Create or upgrade database tables
  version   Show version information
  health    Check server health
  help      Show this help message

Options for 'serve', 'import', 'migrate':
  --config <path>   Path to configuration file (YAML)

Options for 'health':
  --addr <url>      Server address (default http://localhost:8080)
  --ready           Check readiness instead of liveness

Examples:
  botflow serve --config /etc/botflow/config.yaml
  botflow import --config config.yaml ./flows
  botflow migrate --config config.yaml
  botflow health --addr http://localhost:8080 --ready
  botflow version`)
}

// =============================================================================
// 🔧 配置与日志
// =============================================================================

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
