package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy is a request budget per key: Limit requests every Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

func (p Policy) refillPerSec() float64 {
	if p.Window <= 0 {
		return 0
	}
	return float64(p.Limit) / p.Window.Seconds()
}

// Limiter decides whether one more request for key fits the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const maxTrackedKeys = 10000

type bucket struct {
	tokens float64
	last   time.Time
}

// Memory is an in-process token bucket per key.
type Memory struct {
	policy Policy
	clock  clockwork.Clock

	mu sync.Mutex
	m  map[string]*bucket
}

func NewMemory(policy Policy, clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{policy: policy, clock: clock, m: make(map[string]*bucket)}
}

// Allow consumes one token for key. It never returns an error.
func (l *Memory) Allow(_ context.Context, key string) (bool, error) {
	now := l.clock.Now()
	capacity := float64(l.policy.Limit)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.m[key]
	if !ok {
		if len(l.m) >= maxTrackedKeys {
			l.sweep(now)
		}
		b = &bucket{tokens: capacity, last: now}
		l.m[key] = b
	}
	// refill
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens += elapsed * l.policy.refillPerSec()
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// sweep drops buckets idle for longer than one window. Caller holds l.mu.
func (l *Memory) sweep(now time.Time) {
	cutoff := now.Add(-l.policy.Window)
	for k, b := range l.m {
		if b.last.Before(cutoff) {
			delete(l.m, k)
		}
	}
}
