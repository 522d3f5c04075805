package guard

import (
	"context"
	"time"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// WindowStatus 固定窗口的当前计数
type WindowStatus struct {
	Count   int
	ResetAt time.Time
}

// BreakerStatus 单个熔断器的快照
type BreakerStatus struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	LastFailureAt time.Time    `json:"last_failure_at"`
	// ResetAt 打开状态下冷却结束的时间
	ResetAt time.Time `json:"reset_at"`
}

// CounterStore 保存限流窗口与熔断状态。所有方法必须是原子的读改写，
// 以便多个 worker 或多个进程共享同一份计数。
type CounterStore interface {
	// TakeWindow 在 key 的固定窗口中占用一个名额。窗口在首次调用时开启，
	// 到期后的第一次调用惰性重置。计数已达 limit 时不递增并返回 false。
	TakeWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowStatus, bool, error)

	// AcquireBreaker 判断调用能否通过熔断器。冷却结束后只放行一次半开试探，
	// 试探未结束前的其他调用被拒绝。
	AcquireBreaker(ctx context.Context, key string, cooldown time.Duration, now time.Time) (BreakerStatus, bool, error)

	// RecordFailure 递增连续失败计数；达到阈值或半开试探失败时打开熔断器。
	RecordFailure(ctx context.Context, key string, threshold int, cooldown time.Duration, now time.Time) (BreakerStatus, error)

	// ReleaseTrial 放弃未得出结果的半开试探，下一次调用可立即成为新的试探。
	// 非半开状态下不做任何事。
	ReleaseTrial(ctx context.Context, key string) error

	// RecordSuccess 清零失败计数并关闭熔断器。
	RecordSuccess(ctx context.Context, key string) error

	// Breaker 读取熔断器状态，不存在时返回关闭状态。
	Breaker(ctx context.Context, key string) (BreakerStatus, error)

	// Sweep 清理已过期的窗口和闲置超过两个冷却周期的熔断条目，返回清理数量。
	Sweep(ctx context.Context, now time.Time, cooldown time.Duration) (int, error)
}
