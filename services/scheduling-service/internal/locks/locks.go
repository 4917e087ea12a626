// Package locks serializes writers that touch the same calendar time.
package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// caller's deadline or the locker's wait limit.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker acquires every key or none. The returned release function is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}

// BucketSize is the width of the time buckets locked around an interval.
const BucketSize = time.Hour

// Buckets returns the lock keys for every bucket [start, end) touches. Two
// overlapping intervals always share at least one key.
func Buckets(prefix string, start, end time.Time) []string {
	if !end.After(start) {
		end = start.Add(time.Nanosecond)
	}
	var keys []string
	for b := start.UTC().Truncate(BucketSize); b.Before(end); b = b.Add(BucketSize) {
		keys = append(keys, prefix+":"+b.Format("2006010215"))
	}
	return keys
}

func normalize(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	dedup := out[:0]
	for i, k := range out {
		if i == 0 || k != out[i-1] {
			dedup = append(dedup, k)
		}
	}
	return dedup
}

// LocalLocker is a process-local keyed mutex. Keys are taken in sorted order
// so callers with overlapping key sets cannot deadlock.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: map[string]*entry{}}
}

func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			l.releaseAll(held)
			return nil, err
		}
		held = append(held, k)
	}
	var once sync.Once
	return func() { once.Do(func() { l.releaseAll(held) }) }, nil
}

func (l *LocalLocker) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, e)
		return errors.Join(ErrNotAcquired, ctx.Err())
	}
}

func (l *LocalLocker) releaseAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		e := l.locks[keys[i]]
		l.mu.Unlock()
		<-e.ch
		l.drop(keys[i], e)
	}
}

func (l *LocalLocker) drop(key string, e *entry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// Chain takes the locks of each locker in order and releases them in
// reverse.
type Chain []Locker

func (c Chain) Lock(ctx context.Context, keys ...string) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		if l == nil {
			continue
		}
		release, err := l.Lock(ctx, keys...)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
