// Package store provides counter store adapters for user traffic counters.
//
// Every adapter implements domain.AtomicCounterStore, so counters can be
// kept race free when the caller asks for it. Plain Get/Set/Delete is what
// users do by default.
package store

import (
	"io"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"usersupport/internal/config"
	"usersupport/internal/domain"
)

// ErrUnknownDriver is returned by Open for an unsupported store driver.
var ErrUnknownDriver = errors.New("unknown store driver")

var (
	_ domain.AtomicCounterStore = (*Memory)(nil)
	_ domain.AtomicCounterStore = (*LRU)(nil)
	_ domain.AtomicCounterStore = (*Redis)(nil)
)

// Store is a counter store the caller must close.
type Store interface {
	domain.AtomicCounterStore
	io.Closer
}

// Open builds the store selected by cfg.Driver.
func Open(cfg config.Store) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "lru":
		l, err := NewLRU(cfg.LRUSize)
		if err != nil {
			return nil, err
		}
		return l, nil
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(client, cfg.TTL), nil
	default:
		return nil, errors.Wrap(ErrUnknownDriver, cfg.Driver)
	}
}
