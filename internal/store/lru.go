package store

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// LRU is an in-process counter store holding at most size keys. Writing a
// new key when full evicts the least recently used one, resetting that
// counter to zero.
type LRU struct {
	mu    sync.Mutex // serialises IncrBy and GetDel
	cache *lru.Cache
}

func NewLRU(size int) (*LRU, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "create lru store")
	}
	return &LRU{cache: c}, nil
}

func (l *LRU) Get(_ context.Context, key string) (int64, bool, error) {
	v, ok := l.cache.Get(key)
	if !ok {
		return 0, false, nil
	}
	return v.(int64), true, nil
}

func (l *LRU) Set(_ context.Context, key string, value int64) error {
	l.cache.Add(key, value)
	return nil
}

func (l *LRU) Delete(_ context.Context, key string) error {
	l.cache.Remove(key)
	return nil
}

func (l *LRU) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, _, _ := l.Get(ctx, key)
	l.cache.Add(key, v+delta)
	return v + delta, nil
}

func (l *LRU) GetDel(ctx context.Context, key string) (int64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok, _ := l.Get(ctx, key)
	l.cache.Remove(key)
	return v, ok, nil
}

// Len reports how many counters are held.
func (l *LRU) Len() int {
	return l.cache.Len()
}

func (l *LRU) Close() error {
	l.cache.Purge()
	return nil
}
