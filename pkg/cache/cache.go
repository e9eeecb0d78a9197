package cache

import (
	"context"
	"strings"
	"time"
)

// Store is the shared key/value surface used across processes.
type Store interface {
	// IncrWindow increments key and, on its first increment, sets it to expire after ttl.
	IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key joins parts with ':' under prefix. Empty parts are skipped.
func Key(prefix string, parts ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}

var _ Store = (*RedisCache)(nil)
