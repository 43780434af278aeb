// Package lock serialises match-or-create decisions for overlapping regions
// of the sky.
package lock

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/okian/photdb/internal/domain/model"
	"github.com/okian/photdb/pkg/metrics"
)

// Locker acquires every key in keys or none of them. The returned release
// func must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, keys []string) (release func(), err error)
}

// DefaultStripes is the number of mutexes backing a Local locker.
const DefaultStripes = 256

// Local is an in-process Locker built on striped channel mutexes.
type Local struct {
	size    int
	stripes []chan struct{}
}

// NewLocal returns a Local locker.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{size: DefaultStripes}
	for _, opt := range opts {
		opt(l)
	}
	l.stripes = make([]chan struct{}, l.size)
	for i := range l.stripes {
		l.stripes[i] = make(chan struct{}, 1)
	}
	return l
}

func (l *Local) stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(l.stripes)))
}

// Acquire takes the stripes covering keys in ascending stripe order so two
// callers with overlapping keys cannot deadlock.
func (l *Local) Acquire(ctx context.Context, keys []string) (func(), error) {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]struct{}, len(keys))
	for _, k := range keys {
		s := l.stripe(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		idx = append(idx, s)
	}
	sort.Ints(idx)

	start := time.Now()
	held := make([]int, 0, len(idx))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-l.stripes[held[i]]
		}
	}
	for _, s := range idx {
		select {
		case l.stripes[s] <- struct{}{}:
			held = append(held, s)
		case <-ctx.Done():
			release()
			return nil, model.WrapKind("lock.acquire", model.ErrTransport, ctx.Err())
		}
	}
	metrics.RecordLockWait(float64(time.Since(start).Microseconds()) / 1000)
	return release, nil
}
