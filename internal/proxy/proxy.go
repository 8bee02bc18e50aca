package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"usersupport/internal/auth"
	"usersupport/internal/domain"
	"usersupport/internal/logging"
	"usersupport/internal/metrics"
	"usersupport/internal/registry"
	"usersupport/internal/traffic"
	"usersupport/internal/user"
)

// Directory resolves usernames to credentials and users.
type Directory interface {
	Password(username string) (string, bool)
	GetOrCreateUser(username string) (*user.User, bool)
}

// Server is an HTTP forward proxy. Each client connection is bound to the
// user that authenticated on it, and all bytes moved over the connection
// are counted to that user.
type Server struct {
	Repo     Directory
	Registry *registry.Registry[traffic.Conn]
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics

	DialTimeout   time.Duration
	TunnelTimeout time.Duration

	clientOnce sync.Once
	client     *http.Client

	// Hijacked CONNECT tunnels, which http.Server.Shutdown does not track.
	tunnelMu sync.Mutex
	tunnels  map[net.Conn]struct{}
	closing  bool
	tunnelWG sync.WaitGroup
}

// shutdownTimeout bounds how long Serve waits for requests and tunnels to
// finish once ctx is done.
const shutdownTimeout = 10 * time.Second

type connKey struct{}

// ConnFromContext returns the client connection a request arrived on.
func ConnFromContext(ctx context.Context) *traffic.Conn {
	c, _ := ctx.Value(connKey{}).(*traffic.Conn)
	return c
}

// Serve accepts connections on ln until ctx is done. It returns once every
// request and tunnel has finished or been closed, so the counter store may
// be closed afterwards.
func (p *Server) Serve(ctx context.Context, ln net.Listener) error {
	if p.Logger == nil {
		p.Logger = logging.Nop()
	}
	p.tunnelMu.Lock()
	p.tunnels = make(map[net.Conn]struct{})
	p.closing = false
	p.tunnelMu.Unlock()

	// Accounting outlives ctx: shutdown drains connections that are still
	// moving bytes.
	tl := traffic.NewListener(context.WithoutCancel(ctx), ln, p.resolve, traffic.Hooks{
		OnOpen:  p.connOpened,
		OnClose: p.connClosed,
		OnError: p.accountingFailed,
	})

	srv := &http.Server{
		Handler: http.HandlerFunc(p.ProxyHandler),
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if tc, ok := c.(*traffic.Conn); ok {
				return context.WithValue(ctx, connKey{}, tc)
			}
			return ctx
		},
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(tl) }()

	select {
	case err := <-errCh:
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		p.drainTunnels(drainCtx)
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		shutdownErr := srv.Shutdown(shutdownCtx)
		p.drainTunnels(shutdownCtx)
		if shutdownErr != nil {
			return shutdownErr
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// trackTunnel registers a hijacked connection. It reports false once Serve
// is shutting down, in which case the caller must not start the tunnel.
func (p *Server) trackTunnel(c net.Conn) bool {
	p.tunnelMu.Lock()
	defer p.tunnelMu.Unlock()
	if p.closing || p.tunnels == nil {
		return false
	}
	p.tunnels[c] = struct{}{}
	p.tunnelWG.Add(1)
	return true
}

func (p *Server) untrackTunnel(c net.Conn) {
	p.tunnelMu.Lock()
	delete(p.tunnels, c)
	p.tunnelMu.Unlock()
	p.tunnelWG.Done()
}

// drainTunnels waits for open tunnels to finish and closes whatever is
// still open when ctx is done.
func (p *Server) drainTunnels(ctx context.Context) {
	p.tunnelMu.Lock()
	p.closing = true
	p.tunnelMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.tunnelWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	p.tunnelMu.Lock()
	for c := range p.tunnels {
		c.Close()
	}
	p.tunnelMu.Unlock()
	<-done
}

func (p *Server) ProxyHandler(w http.ResponseWriter, r *http.Request) {

	if r.Method == http.MethodConnect {
		p.HandleHTTPSConnect(w, r)
	} else {
		p.HandleHTTPRequests(w, r)
	}
}

// resolve must not return a typed nil; traffic.Conn checks for a nil interface.
func (p *Server) resolve(c *traffic.Conn) domain.Account {
	if u, ok := p.Registry.User(c); ok {
		return u
	}
	return nil
}

func (p *Server) connOpened(*traffic.Conn) {
	if p.Metrics != nil {
		p.Metrics.ConnectionsTotal.Inc()
		p.Metrics.ConnectionsActive.Inc()
	}
}

// connClosed drops the binding without waiting for the collector.
func (p *Server) connClosed(c *traffic.Conn) {
	if p.Metrics != nil {
		p.Metrics.ConnectionsActive.Dec()
	}
	p.Registry.Remove(c)
}

func (p *Server) accountingFailed(c *traffic.Conn, err error) {
	if p.Metrics != nil {
		p.Metrics.AccountingErrors.Inc()
	}
	p.Logger.WithField(logging.KeyRemoteAddr, c.RemoteAddr().String()).
		WithError(err).Warn("failed to record traffic")
}

func (p *Server) tunnelConn(dst io.WriteCloser, src io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	_, err := io.Copy(dst, src)
	if err != nil && !errors.Is(err, net.ErrClosed) && !os.IsTimeout(err) {
		p.Logger.WithError(err).Debug("tunnel copy error")
	}
	dst.Close()
}

// getAuthorizedUser returns the user for r. Fresh credentials rebind the
// connection; without credentials the user already bound to the connection
// is used.
func (p *Server) getAuthorizedUser(w http.ResponseWriter, r *http.Request) (*user.User, bool) {
	conn := ConnFromContext(r.Context())

	if r.Header.Get(auth.Header) == "" && conn != nil {
		if u, ok := p.Registry.User(conn); ok {
			return u, true
		}
	}

	username, authorized := auth.Authenticate(r, p.Repo.Password)
	if !authorized {
		if p.Metrics != nil {
			p.Metrics.AuthFailures.Inc()
		}
		w.Header().Set("Proxy-Authenticate", `Basic realm="Proxy"`)
		http.Error(w, "Authorization error", http.StatusProxyAuthRequired)
		return nil, false
	}

	u, ok := p.Repo.GetOrCreateUser(username)
	if !ok {
		http.Error(w, "Authorization error", http.StatusProxyAuthRequired)
		return nil, false
	}

	if conn != nil {
		if prev, bound := p.Registry.User(conn); !bound || prev != u {
			p.Registry.SetUser(conn, u)
			p.Logger.WithFields(logrus.Fields{
				logging.KeyUserID:     u.ID(),
				logging.KeyUsername:   username,
				logging.KeyRemoteAddr: r.RemoteAddr,
				"speed_limit":         u.SpeedLimit(),
			}).Debug("bound user to connection")
		}
		// The request that carried the credentials was read before the
		// binding existed.
		conn.CreditUnbound(u)
	}
	return u, true
}

func (p *Server) HandleHTTPSConnect(w http.ResponseWriter, r *http.Request) {

	u, ok := p.getAuthorizedUser(w, r)

	if !ok {
		return
	}

	log := p.Logger.WithFields(logrus.Fields{logging.KeyUserID: u.ID(), logging.KeyHost: r.Host})
	log.Info("[HTTPS] tunnel")

	targetConn, err := net.DialTimeout("tcp", r.Host, p.DialTimeout)
	if err != nil {
		p.upstreamError("dial")
		http.Error(w, "Could not reach server", http.StatusBadGateway)
		return
	}
	defer targetConn.Close()

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "Hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hj.Hijack()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer clientConn.Close()

	if !p.trackTunnel(clientConn) {
		return
	}
	defer p.untrackTunnel(clientConn)

	if _, err = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	deadline := time.Now().Add(p.TunnelTimeout)

	if err = clientConn.SetDeadline(deadline); err != nil {
		log.WithError(err).Warn("failed to set deadline")
		return
	}
	if err = targetConn.SetDeadline(deadline); err != nil {
		log.WithError(err).Warn("failed to set deadline")
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go p.tunnelConn(targetConn, clientConn, &wg)
	go p.tunnelConn(clientConn, targetConn, &wg)

	wg.Wait()
}

func (p *Server) HandleHTTPRequests(w http.ResponseWriter, r *http.Request) {
	u, ok := p.getAuthorizedUser(w, r)

	if !ok {
		return
	}

	log := p.Logger.WithFields(logrus.Fields{logging.KeyUserID: u.ID(), logging.KeyHost: r.Host})
	log.Info("[HTTP] forward")

	if r.URL.Host == "" {
		http.Error(w, "Absolute URL required", http.StatusBadRequest)
		return
	}

	req := r.Clone(r.Context())
	req.Header.Del(auth.Header)
	req.RequestURI = ""

	resp, err := p.httpClient().Do(req)
	if err != nil {
		if os.IsTimeout(err) {
			p.upstreamError("timeout")
			http.Error(w, "Upstream timed out", http.StatusGatewayTimeout)
			return
		}
		p.upstreamError("request")
		http.Error(w, "Could not reach server", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err = io.Copy(w, resp.Body); err != nil {
		log.WithError(err).Debug("connection error")
	}
}

func (p *Server) httpClient() *http.Client {
	p.clientOnce.Do(func() {
		p.client = &http.Client{
			Timeout: p.TunnelTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: p.DialTimeout}).DialContext,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	})
	return p.client
}

func (p *Server) upstreamError(kind string) {
	if p.Metrics != nil {
		p.Metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	}
}
