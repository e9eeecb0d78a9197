package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	applogger "PulseScout/pkg/logger"
)

// Counter counts hits in an expiring key, e.g. cache.RedisCache.
type Counter interface {
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Redis is a fixed-window limiter shared by every process using the same redis.
// When redis is unreachable it answers from a local token bucket.
type Redis struct {
	counter  Counter
	policy   Policy
	clock    clockwork.Clock
	fallback *Memory
	l        *applogger.Logger
}

func NewRedis(counter Counter, policy Policy, clock clockwork.Clock, l *applogger.Logger) *Redis {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &Redis{
		counter:  counter,
		policy:   policy,
		clock:    clock,
		fallback: NewMemory(policy, clock),
		l:        l,
	}
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	window := r.clock.Now().UnixNano() / int64(r.policy.Window)
	k := "ratelimit:" + key + ":" + strconv.FormatInt(window, 10)

	n, err := r.counter.IncrWindow(ctx, k, r.policy.Window)
	if err != nil {
		r.l.Warn("ratelimit redis unavailable, using local bucket",
			applogger.String("key", key),
			applogger.Error(err),
		)
		return r.fallback.Allow(ctx, key)
	}
	return n <= int64(r.policy.Limit), nil
}
