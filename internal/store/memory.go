package store

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
)

// Memory is an in-process counter store. It is only shared by users of the
// same process.
type Memory struct {
	mu sync.Mutex // serialises IncrBy and GetDel
	c  *cache.Cache
}

// NewMemory returns a store whose keys expire ttl after their last write.
// A ttl of zero keeps keys until they are deleted.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		return &Memory{c: cache.New(cache.NoExpiration, 0)}
	}
	return &Memory{c: cache.New(ttl, ttl)}
}

func (m *Memory) Get(_ context.Context, key string) (int64, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return 0, false, nil
	}
	return v.(int64), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value int64) error {
	m.c.SetDefault(key, value)
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *Memory) IncrBy(_ context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.c.Get(key); !found {
		m.c.SetDefault(key, delta)
		return delta, nil
	}
	total, err := m.c.IncrementInt64(key, delta)
	if err != nil {
		return 0, errors.Wrapf(err, "increment %s", key)
	}
	return total, nil
}

func (m *Memory) GetDel(ctx context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok, err := m.Get(ctx, key)
	m.c.Delete(key)
	return v, ok, err
}

// Close flushes every key.
func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
