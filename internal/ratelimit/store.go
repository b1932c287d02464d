package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMissingRedisClient indicates a RedisStore was constructed without a client.
var ErrMissingRedisClient = errors.New("ratelimit: redis client required")

// CounterStore increments a named window counter and returns the count
// after the increment. Implementations must be atomic so concurrent server
// processes sharing the store observe one combined count.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisStore counts in a shared redis instance: INCR plus an expiry set on
// the first hit of each window. Every process sharing the redis address
// shares the budget.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an existing redis client.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, ErrMissingRedisClient
	}
	return &RedisStore{client: client}, nil
}

// Increment adds one to the window counter for key.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipeline := s.client.TxPipeline()
	increment := pipeline.Incr(ctx, key)
	pipeline.ExpireNX(ctx, key, window)
	if _, err := pipeline.Exec(ctx); err != nil {
		return 0, err
	}
	return increment.Val(), nil
}

type memoryWindow struct {
	count   int64
	resetAt time.Time
}

// MemoryStore is the in-process fallback counter. It is only accurate for
// a single process; see Limiter for the degradation trade-off.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	clock   func() time.Time
}

// NewMemoryStore constructs an empty in-process counter store.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		clock:   clock,
	}
}

// Increment adds one to the window counter for key, resetting the counter
// when its window has elapsed.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	now := s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()

	current, found := s.windows[key]
	if !found || now.After(current.resetAt) {
		current = &memoryWindow{resetAt: now.Add(window)}
		s.windows[key] = current
	}
	current.count++
	return current.count, nil
}

// Prune drops expired windows. Called opportunistically by the limiter to
// bound memory on long-running processes.
func (s *MemoryStore) Prune() {
	now := s.clock()
	s.mu.Lock()
	for key, current := range s.windows {
		if now.After(current.resetAt) {
			delete(s.windows, key)
		}
	}
	s.mu.Unlock()
}
