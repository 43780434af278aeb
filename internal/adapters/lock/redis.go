package lock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/pkg/logger"
	"github.com/okian/photdb/pkg/metrics"
)

// Redis defaults.
const (
	DefaultTTL           = 10 * time.Second
	DefaultRetryInterval = 5 * time.Millisecond
	DefaultKeyPrefix     = "photdb:cell:"

	releaseTimeout = 2 * time.Second
)

// releaseScript deletes each key only while it still holds our token.
// KEYS = lock keys
// ARGV[1] = owner token
var releaseScript = redis.NewScript(`
local n = 0
for i, key in ipairs(KEYS) do
    if redis.call("GET", key) == ARGV[1] then
        n = n + redis.call("DEL", key)
    end
end
return n
`)

// Redis is a Locker shared by every process using the same Redis database.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    logger.Logger
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultKeyPrefix,
		ttl:    DefaultTTL,
		retry:  DefaultRetryInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Default("lock")
	}
	return r
}

// DialRedis connects a new client to addr.
func DialRedis(addr, password string, db int, opts ...RedisOption) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedis(rdb, opts...)
}

// Ping checks the connection.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return model.WrapKind("lock.ping", model.ErrTransport, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Acquire sets every key with SET NX under one owner token, in key order,
// waiting for keys held by others until ctx is done.
func (r *Redis) Acquire(ctx context.Context, keys []string) (func(), error) {
	const op = "lock.acquire"
	token := uuid.NewString()

	ordered := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		ordered = append(ordered, r.prefix+k)
	}
	sort.Strings(ordered)

	start := time.Now()
	held := make([]string, 0, len(ordered))
	release := func() {
		if len(held) == 0 {
			return
		}
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := releaseScript.Run(rctx, r.client, held, token).Err(); err != nil {
			r.log.Warn(rctx, "release cell locks", logger.Int("keys", len(held)), logger.Error(err))
		}
	}

	for _, key := range ordered {
		for {
			ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
			if err != nil {
				release()
				return nil, model.WrapKind(op, model.ErrTransport, fmt.Errorf("set %s: %w", key, err))
			}
			if ok {
				held = append(held, key)
				break
			}
			select {
			case <-time.After(r.retry):
			case <-ctx.Done():
				release()
				return nil, model.WrapKind(op, model.ErrTransport, ctx.Err())
			}
		}
	}
	metrics.RecordLockWait(float64(time.Since(start).Microseconds()) / 1000)
	return release, nil
}
