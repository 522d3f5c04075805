package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/botflow/types"
)

// 拒绝原因，用于指标标签
const (
	ReasonRateLimit   = "rate_limit"
	ReasonCircuitOpen = "circuit_open"
)

// Observer 接收保护层事件，由指标模块实现。
type Observer interface {
	RecordGuardRejection(reason string)
	RecordGuardCall(provider, model, status string, d time.Duration)
}

type noopObserver struct{}

func (noopObserver) RecordGuardRejection(string) {}
func (noopObserver) RecordGuardCall(string, string, string, time.Duration) {}

// Option 配置 Guard
type Option func(*Guard)

// WithObserver 设置事件观察者
func WithObserver(o Observer) Option {
	return func(g *Guard) {
		if o != nil {
			g.observer = o
		}
	}
}

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// CallOption 调整单次受保护调用的重试行为
type CallOption func(*callOptions)

type callOptions struct {
	retry       RetryConfig
	shouldRetry ShouldRetryFunc
}

// WithShouldRetry 替换重试谓词。限流与熔断拒绝始终不重试。
func WithShouldRetry(fn ShouldRetryFunc) CallOption {
	return func(o *callOptions) {
		if fn != nil {
			o.shouldRetry = fn
		}
	}
}

// WithMaxRetries 覆盖最大尝试次数（含首次），0 表示只调用一次
func WithMaxRetries(n int) CallOption {
	return func(o *callOptions) {
		if n >= 0 {
			o.retry.MaxRetries = n
		}
	}
}

// WithRetryDelay 覆盖初始重试延迟
func WithRetryDelay(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d >= 0 {
			o.retry.Delay = d
		}
	}
}

// =============================================================================
// 🛡️ Guard
// =============================================================================

// Guard 组合限流、熔断与重试。所有计数通过 CounterStore 共享。
type Guard struct {
	cfg      Config
	store    CounterStore
	limiter  RateLimiter
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 创建 Guard。store 为 nil 时使用 MemoryStore。
func New(cfg Config, store CounterStore, logger *zap.Logger, opts ...Option) (*Guard, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid guard config: %w", err)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Guard{
		cfg:      cfg,
		store:    store,
		logger:   logger.With(zap.String("component", "ai_guard")),
		observer: noopObserver{},
		now:      time.Now,
	}
	switch cfg.RateLimit.Algorithm {
	case AlgorithmTokenBucket:
		g.limiter = newTokenBucketLimiter(cfg.RateLimit)
	default:
		g.limiter = newFixedWindowLimiter(store, cfg.RateLimit)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ExecuteWithProtection 依次经过限流（providerID）、熔断（modelID）与重试执行 fn。
// 重试耗尽时记录一次熔断失败并返回最后一次错误。
func (g *Guard) ExecuteWithProtection(ctx context.Context, providerID, modelID string, fn func(ctx context.Context) error, opts ...CallOption) error {
	co := callOptions{retry: g.cfg.Retry, shouldRetry: DefaultShouldRetry}
	for _, opt := range opts {
		opt(&co)
	}

	status, err := g.CheckRateLimit(ctx, providerID)
	if err != nil {
		return err
	}
	if !status.Allowed {
		g.observer.RecordGuardRejection(ReasonRateLimit)
		g.logger.Warn("rate limit exceeded",
			zap.String("provider", providerID),
			zap.Time("reset_at", status.ResetAt),
		)
		return types.Errorf(types.ErrRateLimitExceeded, "rate limit exceeded for provider %s", providerID).
			WithResetAt(status.ResetAt)
	}

	bs, allowed, err := g.store.AcquireBreaker(ctx, modelID, g.cfg.CircuitBreaker.Timeout, g.now())
	if err != nil {
		return types.NewError(types.ErrInternalError, "circuit breaker store unavailable").WithCause(err)
	}
	if !allowed {
		g.observer.RecordGuardRejection(ReasonCircuitOpen)
		return types.Errorf(types.ErrCircuitBreakerOpen, "circuit breaker open for model %s", modelID).
			WithResetAt(bs.ResetAt)
	}
	if bs.State == BreakerHalfOpen {
		g.logger.Info("circuit breaker half-open trial", zap.String("model", modelID))
	}

	shouldRetry := func(err error) bool {
		return !IsRejection(err) && co.shouldRetry(err)
	}
	onRetry := func(attempt int, err error, delay time.Duration) {
		g.logger.Debug("retrying guarded call",
			zap.String("provider", providerID),
			zap.String("model", modelID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	start := g.now()
	attempts, callErr := retryLoop(ctx, co.retry, shouldRetry, onRetry, fn)
	elapsed := g.now().Sub(start)

	storeCtx := context.WithoutCancel(ctx)
	switch {
	case callErr == nil:
		if err := g.store.RecordSuccess(storeCtx, modelID); err != nil {
			g.logger.Warn("failed to reset circuit breaker", zap.String("model", modelID), zap.Error(err))
		}
	case isContextError(callErr) && ctx.Err() != nil:
		// 调用方取消，本次不计结果；半开试探交还给下一次调用
		if bs.State == BreakerHalfOpen {
			if err := g.store.ReleaseTrial(storeCtx, modelID); err != nil {
				g.logger.Warn("failed to release half-open trial", zap.String("model", modelID), zap.Error(err))
			}
		}
	default:
		g.recordFailure(storeCtx, modelID)
	}

	outcome := "success"
	if callErr != nil {
		outcome = "failure"
		g.logger.Warn("guarded call failed",
			zap.String("provider", providerID),
			zap.String("model", modelID),
			zap.Int("attempts", attempts),
			zap.Error(callErr),
		)
	}
	g.observer.RecordGuardCall(providerID, modelID, outcome, elapsed)
	return callErr
}

// Execute 是 ExecuteWithProtection 的类型化包装
func Execute[T any](ctx context.Context, g *Guard, providerID, modelID string, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var result T
	err := g.ExecuteWithProtection(ctx, providerID, modelID, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// CheckRateLimit 为 providerID 占用一个名额并返回窗口状态。
func (g *Guard) CheckRateLimit(ctx context.Context, providerID string) (RateLimitStatus, error) {
	status, err := g.limiter.Take(ctx, providerID, g.now())
	if err != nil {
		return RateLimitStatus{}, types.NewError(types.ErrInternalError, "rate limit store unavailable").WithCause(err)
	}
	return status, nil
}

// RecordSuccess 清零 modelID 的失败计数并关闭熔断器
func (g *Guard) RecordSuccess(ctx context.Context, modelID string) error {
	return g.store.RecordSuccess(ctx, modelID)
}

// RecordFailure 记录 modelID 的一次失败
func (g *Guard) RecordFailure(ctx context.Context, modelID string) (BreakerStatus, error) {
	return g.store.RecordFailure(ctx, modelID, g.cfg.CircuitBreaker.Threshold, g.cfg.CircuitBreaker.Timeout, g.now())
}

// BreakerStatus 读取 modelID 的熔断器状态
func (g *Guard) BreakerStatus(ctx context.Context, modelID string) (BreakerStatus, error) {
	return g.store.Breaker(ctx, modelID)
}

func (g *Guard) recordFailure(ctx context.Context, modelID string) {
	st, err := g.RecordFailure(ctx, modelID)
	if err != nil {
		g.logger.Warn("failed to record circuit breaker failure", zap.String("model", modelID), zap.Error(err))
		return
	}
	if st.State == BreakerOpen {
		g.logger.Warn("circuit breaker open",
			zap.String("model", modelID),
			zap.Int("failure_count", st.Failures),
			zap.Time("reset_at", st.ResetAt),
		)
	}
}

// =============================================================================
// 🧹 过期清理
// =============================================================================

// Sweep 清理过期的限流与熔断条目
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	now := g.now()
	n, err := g.store.Sweep(ctx, now, g.cfg.CircuitBreaker.Timeout)
	if err != nil {
		return n, err
	}
	m, err := g.limiter.Sweep(ctx, now)
	return n + m, err
}

// Start 启动周期性清理，重复调用无副作用
func (g *Guard) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopCh != nil || g.cfg.SweepInterval <= 0 {
		return
	}
	g.stopCh = make(chan struct{})
	stop := g.stopCh

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				n, err := g.Sweep(ctx)
				if err != nil {
					g.logger.Warn("guard sweep failed", zap.Error(err))
					continue
				}
				if n > 0 {
					g.logger.Debug("guard sweep purged entries", zap.Int("purged", n))
				}
			}
		}
	}()
}

// Stop 停止清理并等待后台协程退出
func (g *Guard) Stop() {
	g.mu.Lock()
	if g.stopCh != nil {
		close(g.stopCh)
		g.stopCh = nil
	}
	g.mu.Unlock()
	g.wg.Wait()
}

// IsRejection 判断错误是否为限流或熔断拒绝
func IsRejection(err error) bool {
	code := types.GetErrorCode(err)
	return code == types.ErrRateLimitExceeded || code == types.ErrCircuitBreakerOpen
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
