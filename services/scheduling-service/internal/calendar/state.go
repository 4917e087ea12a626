package calendar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore remembers OAuth state values between the consent redirect and
// the callback. Consume succeeds at most once per state.
type StateStore interface {
	Put(ctx context.Context, state string, ttl time.Duration) error
	Consume(ctx context.Context, state string) (bool, error)
}

type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: map[string]time.Time{}, now: time.Now}
}

func (s *MemoryStateStore) Put(_ context.Context, state string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, exp := range s.states {
		if now.After(exp) {
			delete(s.states, k)
		}
	}
	s.states[state] = now.Add(ttl)
	return nil
}

func (s *MemoryStateStore) Consume(_ context.Context, state string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.states[state]
	if !ok {
		return false, nil
	}
	delete(s.states, state)
	return !s.now().After(exp), nil
}

type RedisStateStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStateStore(rdb *redis.Client, prefix string) *RedisStateStore {
	if prefix == "" {
		prefix = "oauth-state"
	}
	return &RedisStateStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStateStore) Put(ctx context.Context, state string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.prefix+":"+state, "1", ttl).Err()
}

func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	err := s.rdb.GetDel(ctx, s.prefix+":"+state).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
