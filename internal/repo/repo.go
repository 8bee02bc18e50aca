// Package repo is the directory of users allowed through the proxy.
package repo

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"usersupport/internal/domain"
	"usersupport/internal/user"
)

// Profile is the static record of one account.
type Profile struct {
	Username   string
	ID         int64
	Password   string
	SpeedLimit int64
}

// InMemoryRepo hands out one shared *user.User per username, built on first
// use. Every connection authenticated as the same username sees the same
// counters.
type InMemoryRepo struct {
	mu       sync.Mutex
	profiles map[string]Profile
	users    map[string]*user.User
	logger   logrus.FieldLogger
	store    domain.CounterStore
	opts     []user.Option
}

// NewMemoryRepo builds a directory over profiles. opts apply to every
// user created.
func NewMemoryRepo(profiles []Profile, logger logrus.FieldLogger, store domain.CounterStore, opts ...user.Option) *InMemoryRepo {
	r := &InMemoryRepo{
		profiles: make(map[string]Profile, len(profiles)),
		users:    make(map[string]*user.User, len(profiles)),
		logger:   logger,
		store:    store,
		opts:     opts,
	}
	for _, p := range profiles {
		r.profiles[p.Username] = p
	}
	return r
}

// Password returns the expected password for username.
func (r *InMemoryRepo) Password(username string) (string, bool) {
	p, ok := r.profiles[username]
	return p.Password, ok
}

// GetOrCreateUser returns the user for username, or false if there is no
// such profile.
func (r *InMemoryRepo) GetOrCreateUser(username string) (*user.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, ok := r.users[username]; ok {
		return u, true
	}
	p, ok := r.profiles[username]
	if !ok {
		return nil, false
	}

	opts := make([]user.Option, 0, len(r.opts)+2)
	opts = append(opts, user.WithPassword(p.Password), user.WithSpeedLimit(p.SpeedLimit))
	opts = append(opts, r.opts...)

	u := user.New(r.logger, r.store, p.ID, opts...)
	r.users[username] = u
	return u, true
}

// Users returns a user for every profile, ordered by id.
func (r *InMemoryRepo) Users() []*user.User {
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}

	users := make([]*user.User, 0, len(names))
	for _, name := range names {
		u, _ := r.GetOrCreateUser(name)
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID() < users[j].ID() })
	return users
}
