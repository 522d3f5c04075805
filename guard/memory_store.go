package guard

import (
	"context"
	"sync"
	"time"
)

type memoryBreaker struct {
	state         BreakerState
	failures      int
	lastFailureAt time.Time
	resetAt       time.Time
	trialAt       time.Time
}

func (b *memoryBreaker) status() BreakerStatus {
	st := BreakerStatus{
		State:         b.state,
		Failures:      b.failures,
		LastFailureAt: b.lastFailureAt,
	}
	if b.state != BreakerClosed {
		st.ResetAt = b.resetAt
	}
	return st
}

// MemoryStore 进程内计数存储，互斥锁保护。
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string]*WindowStatus
	breakers map[string]*memoryBreaker
}

// NewMemoryStore 创建内存计数存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[string]*WindowStatus),
		breakers: make(map[string]*memoryBreaker),
	}
}

func (s *MemoryStore) TakeWindow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (WindowStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		w = &WindowStatus{ResetAt: now.Add(window)}
		s.windows[key] = w
	}
	if w.Count >= limit {
		return *w, false, nil
	}
	w.Count++
	return *w, true, nil
}

func (s *MemoryStore) AcquireBreaker(_ context.Context, key string, cooldown time.Duration, now time.Time) (BreakerStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		return BreakerStatus{State: BreakerClosed}, true, nil
	}
	switch b.state {
	case BreakerOpen:
		if now.Before(b.resetAt) {
			return b.status(), false, nil
		}
		b.state = BreakerHalfOpen
		b.trialAt = now
		return b.status(), true, nil
	case BreakerHalfOpen:
		// 试探结果长时间未回报时允许新的试探
		if now.Before(b.trialAt.Add(cooldown)) {
			return b.status(), false, nil
		}
		b.trialAt = now
		return b.status(), true, nil
	default:
		return b.status(), true, nil
	}
}

func (s *MemoryStore) RecordFailure(_ context.Context, key string, threshold int, cooldown time.Duration, now time.Time) (BreakerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[key]
	if !ok {
		b = &memoryBreaker{state: BreakerClosed}
		s.breakers[key] = b
	}
	b.failures++
	b.lastFailureAt = now
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.resetAt = now.Add(cooldown)
	case BreakerClosed:
		if b.failures >= threshold {
			b.state = BreakerOpen
			b.resetAt = now.Add(cooldown)
		}
	}
	return b.status(), nil
}

func (s *MemoryStore) ReleaseTrial(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok && b.state == BreakerHalfOpen {
		b.trialAt = time.Time{}
	}
	return nil
}

func (s *MemoryStore) RecordSuccess(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.breakers, key)
	return nil
}

func (s *MemoryStore) Breaker(_ context.Context, key string) (BreakerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		return BreakerStatus{State: BreakerClosed}, nil
	}
	return b.status(), nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time, cooldown time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, w := range s.windows {
		if !now.Before(w.ResetAt) {
			delete(s.windows, key)
			purged++
		}
	}
	for key, b := range s.breakers {
		if !now.Before(b.lastFailureAt.Add(2 * cooldown)) {
			delete(s.breakers, key)
			purged++
		}
	}
	return purged, nil
}

var _ CounterStore = (*MemoryStore)(nil)
