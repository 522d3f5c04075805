package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// 固定窗口：未达上限时 INCR，首个计数设置过期时间
var takeWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cur = tonumber(redis.call('GET', key) or '0')
local allowed = 0
if cur < limit then
	cur = redis.call('INCR', key)
	allowed = 1
end
local ttl = redis.call('PTTL', key)
if ttl < 0 then
	redis.call('PEXPIRE', key, window)
	ttl = window
end
return {allowed, cur, ttl}
`)

var acquireBreakerScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])
local h = redis.call('HMGET', key, 'state', 'failures', 'last_failure', 'reset_at', 'trial_at')
local state = h[1]
if not state then
	return {1, 'closed', 0, 0, 0}
end
local failures = tonumber(h[2]) or 0
local last = tonumber(h[3]) or 0
local resetAt = tonumber(h[4]) or 0
local trialAt = tonumber(h[5]) or 0
if state == 'open' then
	if now < resetAt then
		return {0, state, failures, last, resetAt}
	end
	redis.call('HSET', key, 'state', 'half_open', 'trial_at', now)
	return {1, 'half_open', failures, last, resetAt}
elseif state == 'half_open' then
	if now < trialAt + cooldown then
		return {0, state, failures, last, resetAt}
	end
	redis.call('HSET', key, 'trial_at', now)
	return {1, state, failures, last, resetAt}
end
return {1, state, failures, last, resetAt}
`)

var recordFailureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local cooldown = tonumber(ARGV[3])
local state = redis.call('HGET', key, 'state') or 'closed'
local failures = redis.call('HINCRBY', key, 'failures', 1)
local resetAt = tonumber(redis.call('HGET', key, 'reset_at') or '0')
if state == 'half_open' or (state == 'closed' and failures >= threshold) then
	state = 'open'
	resetAt = now + cooldown
end
redis.call('HSET', key, 'state', state, 'last_failure', now, 'reset_at', resetAt)
redis.call('PEXPIRE', key, cooldown * 2)
return {state, failures, now, resetAt}
`)

var releaseTrialScript = redis.NewScript(`
local key = KEYS[1]
if redis.call('HGET', key, 'state') == 'half_open' then
	redis.call('HSET', key, 'trial_at', 0)
	return 1
end
return 0
`)

// RedisStore 基于 Redis 的共享计数存储，读改写通过 Lua 脚本保证原子性。
// 窗口与熔断条目依赖 Redis 过期时间自动清理。
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore 创建 Redis 计数存储
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "botflow:guard:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) windowKey(key string) string { return s.prefix + "rl:" + key }
func (s *RedisStore) breakerKey(key string) string { return s.prefix + "cb:" + key }

func (s *RedisStore) TakeWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (WindowStatus, bool, error) {
	res, err := takeWindowScript.Run(ctx, s.client, []string{s.windowKey(key)}, limit, window.Milliseconds()).Slice()
	if err != nil {
		return WindowStatus{}, false, fmt.Errorf("take window %s: %w", key, err)
	}
	if len(res) != 3 {
		return WindowStatus{}, false, fmt.Errorf("take window %s: unexpected reply %v", key, res)
	}
	ttl := toInt64(res[2])
	return WindowStatus{
		Count:   int(toInt64(res[1])),
		ResetAt: now.Add(time.Duration(ttl) * time.Millisecond),
	}, toInt64(res[0]) == 1, nil
}

func (s *RedisStore) AcquireBreaker(ctx context.Context, key string, cooldown time.Duration, now time.Time) (BreakerStatus, bool, error) {
	res, err := acquireBreakerScript.Run(ctx, s.client, []string{s.breakerKey(key)}, now.UnixMilli(), cooldown.Milliseconds()).Slice()
	if err != nil {
		return BreakerStatus{}, false, fmt.Errorf("acquire breaker %s: %w", key, err)
	}
	if len(res) != 5 {
		return BreakerStatus{}, false, fmt.Errorf("acquire breaker %s: unexpected reply %v", key, res)
	}
	st := BreakerStatus{
		State:         BreakerState(toString(res[1])),
		Failures:      int(toInt64(res[2])),
		LastFailureAt: fromMillis(toInt64(res[3])),
	}
	if st.State != BreakerClosed {
		st.ResetAt = fromMillis(toInt64(res[4]))
	}
	return st, toInt64(res[0]) == 1, nil
}

func (s *RedisStore) RecordFailure(ctx context.Context, key string, threshold int, cooldown time.Duration, now time.Time) (BreakerStatus, error) {
	res, err := recordFailureScript.Run(ctx, s.client, []string{s.breakerKey(key)}, now.UnixMilli(), threshold, cooldown.Milliseconds()).Slice()
	if err != nil {
		return BreakerStatus{}, fmt.Errorf("record failure %s: %w", key, err)
	}
	if len(res) != 4 {
		return BreakerStatus{}, fmt.Errorf("record failure %s: unexpected reply %v", key, res)
	}
	st := BreakerStatus{
		State:         BreakerState(toString(res[0])),
		Failures:      int(toInt64(res[1])),
		LastFailureAt: fromMillis(toInt64(res[2])),
	}
	if st.State != BreakerClosed {
		st.ResetAt = fromMillis(toInt64(res[3]))
	}
	return st, nil
}

func (s *RedisStore) ReleaseTrial(ctx context.Context, key string) error {
	if err := releaseTrialScript.Run(ctx, s.client, []string{s.breakerKey(key)}).Err(); err != nil {
		return fmt.Errorf("release trial %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RecordSuccess(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.breakerKey(key)).Err(); err != nil {
		return fmt.Errorf("record success %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Breaker(ctx context.Context, key string) (BreakerStatus, error) {
	vals, err := s.client.HMGet(ctx, s.breakerKey(key), "state", "failures", "last_failure", "reset_at").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return BreakerStatus{}, fmt.Errorf("read breaker %s: %w", key, err)
	}
	if len(vals) == 0 || vals[0] == nil {
		return BreakerStatus{State: BreakerClosed}, nil
	}
	st := BreakerStatus{
		State:         BreakerState(toString(vals[0])),
		Failures:      int(toInt64(vals[1])),
		LastFailureAt: fromMillis(toInt64(vals[2])),
	}
	if st.State != BreakerClosed {
		st.ResetAt = fromMillis(toInt64(vals[3]))
	}
	return st, nil
}

// Sweep 由 Redis 过期时间完成，这里无需操作。
func (s *RedisStore) Sweep(context.Context, time.Time, time.Duration) (int, error) {
	return 0, nil
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	case nil:
		return 0
	default:
		return 0
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var _ CounterStore = (*RedisStore)(nil)
