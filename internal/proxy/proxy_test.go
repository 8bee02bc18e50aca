package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usersupport/internal/domain"
	"usersupport/internal/metrics"
	"usersupport/internal/registry"
	"usersupport/internal/repo"
	"usersupport/internal/store"
	"usersupport/internal/traffic"
)

const connections = 14

type testProxy struct {
	server *Server
	repo   *repo.InMemoryRepo
	addr   string
	cancel context.CancelFunc

	stopOnce sync.Once
	done     chan error
	stopErr  error
}

func startProxy(t *testing.T) *testProxy {
	t.Helper()
	return startProxyWithStore(t, store.NewMemory(0))
}

func startProxyWithStore(t *testing.T, s domain.CounterStore) *testProxy {
	t.Helper()
	logger, _ := test.NewNullLogger()
	profiles := []repo.Profile{
		{Username: "user", ID: 123, Password: "pass", SpeedLimit: 1024},
		{Username: "other", ID: 456, Password: "word"},
	}
	directory := repo.NewMemoryRepo(profiles, logger, s)
	reg := registry.New[traffic.Conn]()

	srv := &Server{
		Repo:          directory,
		Registry:      reg,
		Logger:        logger,
		Metrics:       metrics.New(prometheus.NewRegistry(), reg.Len),
		DialTimeout:   5 * time.Second,
		TunnelTimeout: 30 * time.Second,
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	p := &testProxy{
		server: srv,
		repo:   directory,
		addr:   ln.Addr().String(),
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { p.done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() { assert.NoError(t, p.stop(t)) })

	return p
}

// stop cancels Serve and waits for it to return.
func (p *testProxy) stop(t *testing.T) error {
	p.stopOnce.Do(func() {
		p.cancel()
		select {
		case p.stopErr = <-p.done:
		case <-time.After(15 * time.Second):
			t.Error("proxy did not shut down")
		}
	})
	return p.stopErr
}

func (p *testProxy) client(userinfo *url.Userinfo, base *http.Transport) *http.Client {
	if base == nil {
		base = &http.Transport{}
	} else {
		base = base.Clone()
	}
	base.Proxy = http.ProxyURL(&url.URL{Scheme: "http", Host: p.addr, User: userinfo})
	return &http.Client{Timeout: 10 * time.Second, Transport: base}
}

func (p *testProxy) counters(t *testing.T, username string) (int64, int64) {
	t.Helper()
	u, ok := p.repo.GetOrCreateUser(username)
	require.True(t, ok)
	up, err := u.UploadSize(context.Background())
	require.NoError(t, err)
	down, err := u.DownloadSize(context.Background())
	require.NoError(t, err)
	return up, down
}

func newTarget(t *testing.T, body string) *httptest.Server {
	t.Helper()
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Proxy-Authorization"), "credentials must not reach upstream")
		_, _ = io.Copy(io.Discard, r.Body)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(target.Close)
	return target
}

func TestHTTPForwardCountsTraffic(t *testing.T) {
	p := startProxy(t)
	target := newTarget(t, "hello world")
	client := p.client(url.UserPassword("user", "pass"), nil)

	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello world", string(body))

	require.Eventually(t, func() bool {
		up, down := p.counters(t, "user")
		return up > 0 && down >= int64(len("hello world"))
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.server.Metrics.ConnectionsTotal))

	up, down := p.counters(t, "other")
	assert.Zero(t, up)
	assert.Zero(t, down)
}

func TestFirstRequestOnConnectionCountsAsUpload(t *testing.T) {
	p := startProxy(t)
	target := newTarget(t, "ok")
	client := p.client(url.UserPassword("user", "pass"), &http.Transport{DisableKeepAlives: true})

	payload := strings.Repeat("x", 2000)
	resp, err := client.Post(target.URL, "text/plain", strings.NewReader(payload))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		up, _ := p.counters(t, "user")
		return up >= int64(len(payload))
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMissingCredentials(t *testing.T) {
	p := startProxy(t)
	target := newTarget(t, "unreachable")
	client := p.client(nil, nil)

	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	assert.Equal(t, `Basic realm="Proxy"`, resp.Header.Get("Proxy-Authenticate"))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.server.Metrics.AuthFailures))
}

func TestWrongPassword(t *testing.T) {
	p := startProxy(t)
	target := newTarget(t, "unreachable")
	client := p.client(url.UserPassword("user", "nope"), nil)

	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	up, down := p.counters(t, "user")
	assert.Zero(t, up)
	assert.Zero(t, down)
}

func TestHTTPSConnectCountsTraffic(t *testing.T) {
	p := startProxy(t)
	target := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secure hello")
	}))
	defer target.Close()

	client := p.client(url.UserPassword("user", "pass"), target.Client().Transport.(*http.Transport))

	resp, err := client.Get(target.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure hello", string(body))

	require.Eventually(t, func() bool {
		up, down := p.counters(t, "user")
		return up > 0 && down > int64(len("secure hello"))
	}, 5*time.Second, 10*time.Millisecond)
}

func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestShutdownDrainsTunnel(t *testing.T) {
	mr := miniredis.RunT(t)
	rs := store.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	t.Cleanup(func() { _ = rs.Close() })

	p := startProxyWithStore(t, rs)
	echo := startEcho(t)

	conn, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodConnect, "http://"+echo, nil)
	req.Host = echo
	req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:pass")))
	var head bytes.Buffer
	require.NoError(t, req.Write(&head))
	_, err = conn.Write(head.Bytes())
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	roundTrip := func(msg string) {
		_, err := conn.Write([]byte(msg))
		require.NoError(t, err)
		buf := make([]byte, len(msg))
		_, err = io.ReadFull(br, buf)
		require.NoError(t, err)
		assert.Equal(t, msg, string(buf))
	}

	roundTrip("before")
	p.cancel()
	roundTrip("after shutdown began")
	conn.Close()

	require.NoError(t, p.stop(t))

	up, down := p.counters(t, "user")
	assert.Equal(t, int64(head.Len()+len("before")+len("after shutdown began")), up)
	assert.Equal(t, int64(len("HTTP/1.1 200 Connection Established\r\n\r\n")+len("before")+len("after shutdown began")), down)
	assert.Zero(t, testutil.ToFloat64(p.server.Metrics.AccountingErrors))
}

func TestConnectUnreachableHost(t *testing.T) {
	p := startProxy(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	conn, err := net.Dial("tcp", p.addr)
	require.NoError(t, err)
	defer conn.Close()

	req, _ := http.NewRequest(http.MethodConnect, "http://"+addr, nil)
	req.Host = addr
	req.SetBasicAuth("user", "pass")
	req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
	req.Header.Del("Authorization")
	require.NoError(t, req.Write(conn))

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHTTPConnections(t *testing.T) {
	p := startProxy(t)
	target := newTarget(t, "ok")

	var wg sync.WaitGroup
	statusCodes := make(chan int, connections)

	for i := 0; i < connections; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			client := p.client(url.UserPassword("user", "pass"), &http.Transport{DisableKeepAlives: true})

			resp, err := client.Get(target.URL)
			if err != nil {
				t.Logf("Request failed: %v", err)
				return
			}
			defer resp.Body.Close()
			if _, err = io.ReadAll(resp.Body); err != nil {
				t.Logf("Failed to read body: %v", err)
			}

			statusCodes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(statusCodes)

	var successCount int
	for status := range statusCodes {
		if status == http.StatusOK {
			successCount++
		}
	}
	assert.Equal(t, connections, successCount)
	assert.Equal(t, float64(connections), testutil.ToFloat64(p.server.Metrics.ConnectionsTotal))

	require.Eventually(t, func() bool {
		_, down := p.counters(t, "user")
		return down >= int64(connections*len("ok"))
	}, 5*time.Second, 10*time.Millisecond)

	// Every connection was closed, so every binding is gone.
	require.Eventually(t, func() bool {
		return p.server.Registry.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(p.server.Metrics.ConnectionsActive))
}

func TestBoundConnectionWithoutCredentials(t *testing.T) {
	p := startProxy(t)
	u, _ := p.repo.GetOrCreateUser("other")

	tc := traffic.NewConn(context.Background(), nil, nil, traffic.Hooks{})
	p.server.Registry.SetUser(tc, u)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req = req.WithContext(context.WithValue(req.Context(), connKey{}, tc))
	rec := httptest.NewRecorder()

	got, ok := p.server.getAuthorizedUser(rec, req)
	require.True(t, ok)
	assert.Same(t, u, got)
}

func TestCredentialsRebindConnection(t *testing.T) {
	p := startProxy(t)
	other, _ := p.repo.GetOrCreateUser("other")

	tc := traffic.NewConn(context.Background(), nil, nil, traffic.Hooks{})
	p.server.Registry.SetUser(tc, other)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.SetBasicAuth("user", "pass")
	req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
	req = req.WithContext(context.WithValue(req.Context(), connKey{}, tc))

	got, ok := p.server.getAuthorizedUser(httptest.NewRecorder(), req)
	require.True(t, ok)
	assert.Equal(t, int64(123), got.ID())

	bound, ok := p.server.Registry.User(tc)
	require.True(t, ok)
	assert.Same(t, got, bound)
}

func TestUnboundConnectionWithoutCredentials(t *testing.T) {
	p := startProxy(t)
	tc := traffic.NewConn(context.Background(), nil, nil, traffic.Hooks{})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req = req.WithContext(context.WithValue(req.Context(), connKey{}, tc))
	rec := httptest.NewRecorder()

	_, ok := p.server.getAuthorizedUser(rec, req)
	assert.False(t, ok)
	assert.Equal(t, http.StatusProxyAuthRequired, rec.Code)
}
