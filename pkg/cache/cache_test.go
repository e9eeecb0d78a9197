package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "pulsescout:ratelimit:1.2.3.4", Key("pulsescout", "ratelimit", "1.2.3.4"))
	assert.Equal(t, "ratelimit:w", Key("", "ratelimit", "", "w"))
	assert.Equal(t, "p", Key("p"))
}

func TestRedisOptions(t *testing.T) {
	cfg := &RedisConfig{PoolSize: 10}
	for _, opt := range []RedisOption{
		WithRedisAddr("redis:6380"),
		WithRedisAuth("pw", 2),
		WithRedisPool(0, 4, 0),
		WithRedisPrefix("x"),
	} {
		opt(cfg)
	}
	assert.Equal(t, RedisConfig{Addr: "redis:6380", Password: "pw", DB: 2, PoolSize: 10, MinIdleConns: 4, Prefix: "x"}, *cfg)
}
