package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var policy = Policy{Limit: 40, Window: 10 * time.Second}

func TestMemoryAllowsBurstThenLimits(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewMemory(policy, clock)
	ctx := context.Background()

	for i := 0; i < policy.Limit; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.True(t, ok, "request %d", i)
	}
	ok, _ := l.Allow(ctx, "1.2.3.4")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "5.6.7.8")
	assert.True(t, ok, "keys are independent")

	clock.Advance(time.Second)
	for i := 0; i < 4; i++ {
		ok, _ = l.Allow(ctx, "1.2.3.4")
		assert.True(t, ok)
	}
	ok, _ = l.Allow(ctx, "1.2.3.4")
	assert.False(t, ok)
}

type fakeCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeCounter) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.counts[key]++
	if f.counts[key] == 1 {
		f.expires[key] = ttl
	}
	return f.counts[key], nil
}

func TestRedisFixedWindow(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	counter := newFakeCounter()
	l := NewRedis(counter, Policy{Limit: 2, Window: 10 * time.Second}, clock, nil)
	ctx := context.Background()

	for _, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.Equal(t, want, ok)
	}
	require.Len(t, counter.expires, 1)
	for _, d := range counter.expires {
		assert.Equal(t, 10*time.Second, d)
	}

	clock.Advance(10 * time.Second)
	ok, err := l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, ok, "new window resets the count")
}

func TestRedisFallsBackToMemory(t *testing.T) {
	counter := newFakeCounter()
	counter.err = errors.New("connection refused")
	l := NewRedis(counter, Policy{Limit: 1, Window: time.Minute}, clockwork.NewFakeClock(), nil)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, ok)
}
