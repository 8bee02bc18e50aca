// Package user holds the identity of an authenticated remote user and its
// upload/download counters, which live in an external counter store.
package user

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"usersupport/internal/domain"
)

const (
	uploadKeyPrefix   = "user-stat-upload-"
	downloadKeyPrefix = "user-stat-download-"
)

// ErrNegativeDelta is returned by the increment methods for a delta below zero.
var ErrNegativeDelta = errors.New("traffic delta must not be negative")

// User is immutable after New. Counter state is kept in the store, so any
// number of connections may share one *User.
//
// Increments and pops are a read followed by a separate write or delete.
// Two concurrent increments for the same id, in this process or any other
// sharing the store, can both read the same value and one of them is lost.
// A pop racing an increment can drop that increment's delta. Traffic can
// therefore be undercounted. WithAtomicCounters removes the race for stores
// implementing domain.AtomicCounterStore.
type User struct {
	logger     logrus.FieldLogger
	store      domain.CounterStore
	id         int64
	password   string
	speedLimit int64
	atomic     bool
}

type Option func(*User)

// WithPassword sets the opaque credential carried by the user.
func WithPassword(password string) Option {
	return func(u *User) { u.password = password }
}

// WithSpeedLimit sets the bytes per second ceiling. Zero means unlimited.
func WithSpeedLimit(limit int64) Option {
	return func(u *User) { u.speedLimit = limit }
}

// WithAtomicCounters makes increments and pops single store operations
// when the store supports it. A failed atomic pop is followed by a plain
// delete, as in the non-atomic path.
func WithAtomicCounters() Option {
	return func(u *User) { u.atomic = true }
}

func New(logger logrus.FieldLogger, store domain.CounterStore, id int64, opts ...Option) *User {
	u := &User{
		logger: logger,
		store:  store,
		id:     id,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *User) ID() int64 { return u.id }

func (u *User) Password() string { return u.password }

func (u *User) SpeedLimit() int64 { return u.speedLimit }

// UploadKey is the store key of the upload counter for id.
func UploadKey(id int64) string {
	return uploadKeyPrefix + strconv.FormatInt(id, 10)
}

// DownloadKey is the store key of the download counter for id.
func DownloadKey(id int64) string {
	return downloadKeyPrefix + strconv.FormatInt(id, 10)
}

// IncrUploadSize adds delta to the upload counter and returns the new total.
func (u *User) IncrUploadSize(ctx context.Context, delta int64) (int64, error) {
	return u.incr(ctx, UploadKey(u.id), "recording user upload traffic", delta)
}

// UploadSize returns the upload counter, zero if it was never written.
func (u *User) UploadSize(ctx context.Context) (int64, error) {
	return u.size(ctx, UploadKey(u.id))
}

// PopUploadStat returns the upload counter and deletes it. The delete is
// attempted even when the read fails.
func (u *User) PopUploadStat(ctx context.Context) (int64, error) {
	return u.pop(ctx, UploadKey(u.id))
}

// IncrDownloadSize adds delta to the download counter and returns the new total.
func (u *User) IncrDownloadSize(ctx context.Context, delta int64) (int64, error) {
	return u.incr(ctx, DownloadKey(u.id), "recording user download traffic", delta)
}

// DownloadSize returns the download counter, zero if it was never written.
func (u *User) DownloadSize(ctx context.Context) (int64, error) {
	return u.size(ctx, DownloadKey(u.id))
}

// PopDownloadStat returns the download counter and deletes it. The delete
// is attempted even when the read fails.
func (u *User) PopDownloadStat(ctx context.Context) (int64, error) {
	return u.pop(ctx, DownloadKey(u.id))
}

func (u *User) atomicStore() (domain.AtomicCounterStore, bool) {
	if !u.atomic {
		return nil, false
	}
	s, ok := u.store.(domain.AtomicCounterStore)
	return s, ok
}

func (u *User) incr(ctx context.Context, key, msg string, delta int64) (int64, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}

	u.logger.WithFields(logrus.Fields{
		"userId": u.id,
		"value":  delta,
	}).Info(msg)

	if s, ok := u.atomicStore(); ok {
		total, err := s.IncrBy(ctx, key, delta)
		if err != nil {
			return 0, errors.Wrapf(err, "increment %s", key)
		}
		return total, nil
	}

	current, err := u.size(ctx, key)
	if err != nil {
		return 0, err
	}
	total := current + delta
	if err := u.store.Set(ctx, key, total); err != nil {
		return 0, errors.Wrapf(err, "write %s", key)
	}
	return total, nil
}

func (u *User) size(ctx context.Context, key string) (int64, error) {
	v, _, err := u.store.Get(ctx, key)
	if err != nil {
		return 0, errors.Wrapf(err, "read %s", key)
	}
	return v, nil
}

func (u *User) pop(ctx context.Context, key string) (value int64, err error) {
	if s, ok := u.atomicStore(); ok {
		v, _, gerr := s.GetDel(ctx, key)
		if gerr == nil {
			return v, nil
		}
		// The read may have failed before the delete ran.
		err = errors.Wrapf(gerr, "pop %s", key)
		if derr := u.store.Delete(ctx, key); derr != nil {
			err = multierr.Append(err, errors.Wrapf(derr, "delete %s", key))
		}
		return 0, err
	}

	defer func() {
		if derr := u.store.Delete(ctx, key); derr != nil {
			err = multierr.Append(err, errors.Wrapf(derr, "delete %s", key))
		}
	}()
	return u.size(ctx, key)
}
