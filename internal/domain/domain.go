package domain

import "context"

// CounterStore is the external key-value store holding traffic counters.
// A missing key reads as (0, false, nil).
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64) error
	Delete(ctx context.Context, key string) error
}

// AtomicCounterStore is implemented by stores that can increment and
// read-and-delete in a single step.
type AtomicCounterStore interface {
	CounterStore
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	GetDel(ctx context.Context, key string) (int64, bool, error)
}

// Account is the part of a user the connection I/O path needs.
type Account interface {
	IncrUploadSize(ctx context.Context, delta int64) (int64, error)
	IncrDownloadSize(ctx context.Context, delta int64) (int64, error)
}
