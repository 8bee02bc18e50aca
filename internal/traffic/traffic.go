// Package traffic counts the bytes moved over client connections into the
// account of the user bound to each connection.
package traffic

import (
	"context"
	"net"
	"sync"

	"go.uber.org/atomic"

	"usersupport/internal/domain"
)

// Resolver returns the account bound to c, or nil while c has none.
type Resolver func(c *Conn) domain.Account

// Hooks are optional callbacks. Any of them may be nil.
type Hooks struct {
	// OnOpen runs once per accepted connection.
	OnOpen func(c *Conn)
	// OnClose runs once, on the first Close.
	OnClose func(c *Conn)
	// OnError receives failed account increments. The I/O itself is not
	// failed.
	OnError func(c *Conn, err error)
}

// Conn is a net.Conn whose reads count as upload and whose writes count as
// download for the resolved account. Bytes read while no account resolves
// are held back until CreditUnbound claims them.
type Conn struct {
	net.Conn
	ctx       context.Context
	resolve   Resolver
	hooks     Hooks
	closeOnce sync.Once
	unbound   atomic.Int64
}

func NewConn(ctx context.Context, conn net.Conn, resolve Resolver, hooks Hooks) *Conn {
	return &Conn{
		Conn:    conn,
		ctx:     ctx,
		resolve: resolve,
		hooks:   hooks,
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		acct := c.account()
		if acct == nil {
			c.unbound.Add(int64(n))
			return n, err
		}
		if _, aerr := acct.IncrUploadSize(c.ctx, int64(n)); aerr != nil {
			c.fail(aerr)
		}
	}
	return n, err
}

// CreditUnbound records the bytes read while no account was bound as upload
// for acct and returns how many were credited. The proxy calls it right
// after binding, so the request that carried the credentials is counted.
func (c *Conn) CreditUnbound(acct domain.Account) int64 {
	n := c.unbound.Swap(0)
	if n == 0 || acct == nil {
		return 0
	}
	if _, err := acct.IncrUploadSize(c.ctx, n); err != nil {
		c.fail(err)
	}
	return n
}

func (c *Conn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.hooks.OnClose != nil {
			c.hooks.OnClose(c)
		}
	})
	return err
}

func (c *Conn) account() domain.Account {
	if c.resolve == nil {
		return nil
	}
	return c.resolve(c)
}

func (c *Conn) fail(err error) {
	if c.hooks.OnError != nil {
		c.hooks.OnError(c, err)
	}
}

// Listener wraps every accepted connection in a *Conn.
type Listener struct {
	net.Listener
	ctx     context.Context
	resolve Resolver
	hooks   Hooks
}

// NewListener wraps ln. ctx is passed to every account increment.
func NewListener(ctx context.Context, ln net.Listener, resolve Resolver, hooks Hooks) *Listener {
	return &Listener{
		Listener: ln,
		ctx:      ctx,
		resolve:  resolve,
		hooks:    hooks,
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	c := NewConn(l.ctx, conn, l.resolve, l.hooks)
	if l.hooks.OnOpen != nil {
		l.hooks.OnOpen(c)
	}
	return c, nil
}
