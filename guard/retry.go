package guard

import (
	"context"
	"math"
	"time"

	"github.com/BaSui01/botflow/types"
)

// ShouldRetryFunc 判断错误是否值得重试
type ShouldRetryFunc func(err error) bool

// DefaultShouldRetry 拒绝显式标记为不可重试的错误、客户端错误以及上下文取消。
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if isContextError(err) {
		return false
	}
	if IsRejection(err) {
		return false
	}
	if types.IsClientError(err) {
		return false
	}
	if e, ok := types.AsError(err); ok && !e.Retryable {
		// 未设置 Retryable 的 upstream 错误视为瞬时错误
		switch e.Code {
		case types.ErrUpstreamError, types.ErrServiceUnavailable, types.ErrTimeout:
			return true
		}
		return false
	}
	return true
}

// backoffDelay 计算第 attempt 次重试前的等待：delay * multiplier^(attempt-1)
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 || cfg.Delay <= 0 {
		return 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.Delay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// maxAttempts 是一次受保护调用的总尝试次数（含首次），至少 1 次。
func maxAttempts(cfg RetryConfig) int {
	if cfg.MaxRetries < 1 {
		return 1
	}
	return cfg.MaxRetries
}

// retryLoop 执行 fn，最多 MaxRetries 次（含首次）。等待期间监听 ctx。
// 返回最后一次错误与实际尝试次数。
func retryLoop(ctx context.Context, cfg RetryConfig, shouldRetry ShouldRetryFunc, onRetry func(attempt int, err error, delay time.Duration), fn func(ctx context.Context) error) (int, error) {
	limit := maxAttempts(cfg)
	var lastErr error
	for attempt := 0; attempt < limit; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			if onRetry != nil {
				onRetry(attempt, lastErr, delay)
			}
			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return attempt, lastErr
				case <-timer.C:
				}
			} else if ctx.Err() != nil {
				return attempt, lastErr
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !shouldRetry(lastErr) {
			return attempt + 1, lastErr
		}
	}
	return limit, lastErr
}
