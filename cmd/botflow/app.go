package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow"
	"github.com/BaSui01/botflow/api/handlers"
	"github.com/BaSui01/botflow/config"
	"github.com/BaSui01/botflow/guard"
	"github.com/BaSui01/botflow/internal/cache"
	"github.com/BaSui01/botflow/internal/database"
	"github.com/BaSui01/botflow/internal/metrics"
	"github.com/BaSui01/botflow/internal/pool"
	"github.com/BaSui01/botflow/internal/server"
	"github.com/BaSui01/botflow/internal/telemetry"
	"github.com/BaSui01/botflow/internal/tlsutil"
	"github.com/BaSui01/botflow/workflow"
	"github.com/BaSui01/botflow/workflow/nodes"
	"github.com/BaSui01/botflow/workflow/persistence"
	"github.com/BaSui01/botflow/workflow/selector"
)

// flowExtensions 定义文件扩展名
var flowExtensions = []string{".yaml", ".yml", ".json"}

// skipAuthPaths 探针与指标端点不鉴权
var skipAuthPaths = []string{"/healthz", "/readyz", "/version", "/metrics"}

// =============================================================================
// 🧩 App 组装
// =============================================================================

// App 持有 serve 命令的全部组件
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	telemetry *telemetry.Providers
	collector *metrics.Collector

	db      *database.PoolManager
	cache   *cache.Manager // Redis 未启用时为 nil
	guard   *guard.Guard
	pool    *pool.ExecutionPool
	engine  *workflow.Engine
	runtime *botflow.Runtime
	watcher *config.FileWatcher

	// 后台任务（熔断清理、限流清理、文件监听）
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewApp 按配置连接存储并组装引擎。失败时已打开的资源会被关闭。
func NewApp(cfg *config.Config, logger *zap.Logger, registry *prometheus.Registry) (app *App, err error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.telemetry, err = telemetry.Init(cfg.Telemetry, Version, logger)
	if err != nil {
		// 遥测不可用不阻止启动
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		a.telemetry, err = &telemetry.Providers{}, nil
	}
	a.collector = metrics.NewCollector("botflow", registry, logger)

	store, err := a.openStore(bgCtx)
	if err != nil {
		return nil, err
	}

	var (
		counters guard.CounterStore = guard.NewMemoryStore()
		source   selector.DefinitionSource = store
	)
	if cfg.Redis.Enabled {
		a.cache, err = cache.NewManager(cfg.Redis.CacheConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		counters = guard.NewRedisStore(a.cache.Client(), cfg.Redis.KeyPrefix+"guard:")
		if cfg.Redis.DefinitionCacheTTL > 0 {
			source = selector.NewCachedSource(store, a.cache, cfg.Redis.DefinitionCacheTTL, cfg.Redis.KeyPrefix+"defs:", logger)
		}
	}

	a.guard, err = guard.New(cfg.Guard, counters, logger, guard.WithObserver(a.collector))
	if err != nil {
		return nil, fmt.Errorf("create guard: %w", err)
	}
	a.guard.Start(bgCtx)

	ports := nodes.LoggingPorts(logger)
	ports.HTTP = nodes.NewNetHTTPPort(tlsutil.NodeHTTPClient(cfg.Engine.HTTPTimeout))
	registryNodes := nodes.NewRegistry(ports, nodes.WithGuard(a.guard), nodes.WithLogger(logger))

	flowMetrics, err := telemetry.NewFlowMetrics(a.telemetry.Meter("botflow/workflow"))
	if err != nil {
		return nil, fmt.Errorf("register flow metrics: %w", err)
	}

	a.pool = pool.NewExecutionPool(cfg.Engine.Workers, logger)
	a.engine = workflow.NewEngine(store, registryNodes,
		workflow.WithLogger(logger),
		workflow.WithTracer(a.telemetry.Tracer("botflow/workflow")),
		workflow.WithMetrics(engineMetrics{a.collector, flowMetrics}),
		workflow.WithSubmitter(a.pool),
		workflow.WithDefaultTimeout(cfg.Engine.DefaultTimeout),
		workflow.WithMaxNodeVisits(cfg.Engine.MaxNodeVisits),
	)
	a.runtime = botflow.New(a.engine, selector.New(source, logger), logger)
	return a, nil
}

// openStore 连接数据库并迁移表结构
func (a *App) openStore(ctx context.Context) (*persistence.GormStore, error) {
	dbCfg := a.cfg.Database
	pm, err := database.Open(dbCfg.Driver, dbCfg.DSNString(), dbCfg.Pool, a.logger,
		database.WithStatsObserver(a.collector))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = pm

	store := persistence.NewGormStore(pm.DB(),
		persistence.WithTransactor(pm, dbCfg.TxRetries),
		persistence.WithLogger(a.logger),
	)
	if err := store.AutoMigrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// Runtime 返回流程运行时
func (a *App) Runtime() *botflow.Runtime {
	return a.runtime
}

// =============================================================================
// 🌐 HTTP
// =============================================================================

// Handler 构建带中间件的 HTTP 处理器
func (a *App) Handler(buildTime, gitCommit string) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(Version, a.logger)
	health.RegisterCheck(handlers.NewPingCheck("database", a.db.Ping))
	if a.cache != nil {
		health.RegisterCheck(handlers.NewPingCheck("redis", a.cache.Ping))
	}
	mux.HandleFunc("GET /healthz", health.HandleHealthz)
	mux.HandleFunc("GET /readyz", health.HandleReady)
	mux.HandleFunc("GET /version", health.HandleVersion(buildTime, gitCommit))
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))

	handlers.NewFlowHandler(a.runtime, a.guard, a.logger).Register(mux)

	srv := a.cfg.Server
	var limiter, auth Middleware
	if srv.RateLimitRPS > 0 {
		limiter = RateLimiter(a.bgCtx, srv.RateLimitRPS, srv.RateLimitBurst, a.logger)
	}
	if len(srv.APIKeys) > 0 {
		auth = APIKeyAuth(srv.APIKeys, skipAuthPaths, a.logger)
	}

	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(a.logger),
		OTelTracing(),
		MetricsMiddleware(a.collector),
		limiter,
		auth,
	)
}

// Serve 导入定义目录、启动监听并运行 HTTP 服务直到 ctx 结束
func (a *App) Serve(ctx context.Context, buildTime, gitCommit string) error {
	if dir := a.cfg.Engine.FlowsDir; dir != "" {
		res, err := ImportPaths(ctx, a.runtime, []string{dir})
		if err != nil {
			return fmt.Errorf("import %s: %w", dir, err)
		}
		a.logger.Info("flow definitions imported",
			zap.String("dir", dir),
			zap.Int("created", len(res.Created)),
			zap.Int("updated", len(res.Updated)),
		)
		if a.cfg.Engine.WatchFlows {
			if err := a.watchFlows(dir); err != nil {
				return err
			}
		}
	}

	srv := a.cfg.Server
	manager := server.NewManager(a.Handler(buildTime, gitCommit), server.Config{
		Addr:            fmt.Sprintf(":%d", srv.HTTPPort),
		ReadTimeout:     srv.ReadTimeout,
		WriteTimeout:    srv.WriteTimeout,
		IdleTimeout:     2 * srv.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: srv.ShutdownTimeout,
		MaxConns:        srv.MaxConns,
	}, a.logger)
	if err := manager.Start(); err != nil {
		return err
	}
	a.logger.Info("botflow started",
		zap.String("addr", manager.ListenAddr()),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
	)
	return manager.Run(ctx)
}

// watchFlows 定义文件变化时重新导入该文件；删除文件不影响已存储的定义
func (a *App) watchFlows(dir string) error {
	w, err := config.NewFileWatcher([]string{dir},
		config.WithExtensions(flowExtensions...),
		config.WithWatcherLogger(a.logger),
	)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.OnChange(func(ev config.FileEvent) {
		if ev.Op == config.FileOpRemove {
			a.logger.Info("flow file removed, stored definitions kept", zap.String("path", ev.Path))
			return
		}
		res, err := ImportPaths(a.bgCtx, a.runtime, []string{ev.Path})
		if err != nil {
			a.logger.Error("flow re-import failed", zap.String("path", ev.Path), zap.Error(err))
			return
		}
		a.logger.Info("flow file re-imported",
			zap.String("path", ev.Path),
			zap.Strings("created", res.Created),
			zap.Strings("updated", res.Updated),
		)
	})
	if err := w.Start(a.bgCtx); err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// Close 按依赖逆序释放资源：先排空执行池，最后关闭数据库与遥测
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if a.guard != nil {
		a.guard.Stop()
	}
	a.bgCancel()
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// =============================================================================
// 📥 导入
// =============================================================================

// ImportPaths 读取文件或目录（不递归）中的全部定义并按 ID upsert。
// 目录内文件按名称排序，遇到第一个错误即停止。
func ImportPaths(ctx context.Context, rt *botflow.Runtime, paths []string) (*botflow.ImportResult, error) {
	files, err := expandFlowFiles(paths)
	if err != nil {
		return nil, err
	}

	total := &botflow.ImportResult{}
	for _, f := range files {
		defs, err := workflow.LoadDefinitionFile(f)
		if err != nil {
			return total, fmt.Errorf("%s: %w", f, err)
		}
		res, err := rt.Import(ctx, defs)
		total.Created = append(total.Created, res.Created...)
		total.Updated = append(total.Updated, res.Updated...)
		if err != nil {
			return total, fmt.Errorf("%s: %w", f, err)
		}
	}
	return total, nil
}

func expandFlowFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !slices.Contains(flowExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
				continue
			}
			found = append(found, filepath.Join(p, e.Name()))
		}
		slices.Sort(found)
		files = append(files, found...)
	}
	return files, nil
}

// =============================================================================
// 📊 引擎指标扇出
// =============================================================================

// engineMetrics 同时写入 Prometheus 与 OTel
type engineMetrics []workflow.MetricsRecorder

func (m engineMetrics) RecordFlowInstance(status string, d time.Duration) {
	for _, r := range m {
		r.RecordFlowInstance(status, d)
	}
}

func (m engineMetrics) RecordNodeAttempt(nodeType, status string, d time.Duration) {
	for _, r := range m {
		r.RecordNodeAttempt(nodeType, status, d)
	}
}
