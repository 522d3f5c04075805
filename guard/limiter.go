package guard

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitStatus 一次限流判定的结果
type RateLimitStatus struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// RateLimiter 按 key 占用调用名额
type RateLimiter interface {
	Take(ctx context.Context, key string, now time.Time) (RateLimitStatus, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// =============================================================================
// 🪟 固定窗口
// =============================================================================

type fixedWindowLimiter struct {
	store  CounterStore
	limit  int
	window time.Duration
}

func newFixedWindowLimiter(store CounterStore, cfg RateLimitConfig) *fixedWindowLimiter {
	return &fixedWindowLimiter{store: store, limit: cfg.Limit, window: cfg.Window}
}

func (l *fixedWindowLimiter) Take(ctx context.Context, key string, now time.Time) (RateLimitStatus, error) {
	w, allowed, err := l.store.TakeWindow(ctx, key, l.limit, l.window, now)
	if err != nil {
		return RateLimitStatus{}, err
	}
	remaining := l.limit - w.Count
	if remaining < 0 || !allowed {
		remaining = 0
	}
	return RateLimitStatus{Allowed: allowed, Remaining: remaining, ResetAt: w.ResetAt}, nil
}

// 窗口清理由 Guard 对 CounterStore 的 Sweep 统一完成
func (l *fixedWindowLimiter) Sweep(context.Context, time.Time) (int, error) { return 0, nil }

// =============================================================================
// 🪣 令牌桶（进程内）
// =============================================================================

// tokenBucketLimiter 每个 key 一个 rate.Limiter，速率为 limit/window，突发容量为 limit。
type tokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

func newTokenBucketLimiter(cfg RateLimitConfig) *tokenBucketLimiter {
	return &tokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(cfg.Window / time.Duration(cfg.Limit)),
		burst:    cfg.Limit,
	}
}

func (l *tokenBucketLimiter) Take(_ context.Context, key string, now time.Time) (RateLimitStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.every, l.burst)
		l.limiters[key] = lim
	}
	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)
	st := RateLimitStatus{Allowed: allowed, Remaining: int(tokens)}
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	if tokens >= 1 {
		st.ResetAt = now
	} else {
		missing := 1 - tokens
		st.ResetAt = now.Add(time.Duration(missing / float64(l.every) * float64(time.Second)))
	}
	return st, nil
}

func (l *tokenBucketLimiter) Sweep(_ context.Context, now time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	purged := 0
	for key, lim := range l.limiters {
		// 令牌已回满的桶与新建的桶等价
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, key)
			purged++
		}
	}
	return purged, nil
}
