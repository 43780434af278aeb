package lock

import (
	"time"

	"github.com/okian/photdb/pkg/logger"
)

// LocalOption configures a Local locker.
type LocalOption func(*Local)

// WithStripes sets the number of stripes.
func WithStripes(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.size = n
		}
	}
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL bounds how long a crashed holder can keep a cell locked.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithRetryInterval sets the pause between attempts on a held key.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retry = d
		}
	}
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.log = l
		}
	}
}
