package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/batch"
	"github.com/gluk-w/claworc/console-gateway/internal/console"
	"github.com/gluk-w/claworc/console-gateway/internal/database"
	"github.com/gluk-w/claworc/console-gateway/internal/jobs"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
	"github.com/go-chi/chi/v5"
)

var deviceReplies = map[string]string{
	"show version": "Cisco IOS Software, Version 15.2\r\n",
	"show clock":   "12:00:00 UTC\r\n",
}

// deviceConn echoes each written line, then the canned reply and prompt.
// Commands listed in slow answer after a delay.
type deviceConn struct {
	mu      sync.Mutex
	prompt  string
	slow    map[string]time.Duration
	pending []byte
	closed  bool
}

func (c *deviceConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	cmd := strings.TrimRight(string(p), "\r\n")
	c.pending = append(c.pending, cmd+"\r\n"...)
	reply := deviceReplies[cmd] + c.prompt
	if d, ok := c.slow[cmd]; ok {
		time.AfterFunc(d, func() {
			c.mu.Lock()
			c.pending = append(c.pending, reply...)
			c.mu.Unlock()
		})
		return nil
	}
	c.pending = append(c.pending, reply...)
	return nil
}

func (c *deviceConn) ReadAvailable() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out, nil
}

func (c *deviceConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *deviceConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *deviceConn) LineEnding() string { return "\n" }

type deviceDialer struct {
	slow map[string]time.Duration
}

func (d *deviceDialer) Dial(_ context.Context, coords targets.Coordinates) (transport.Conn, error) {
	return &deviceConn{prompt: coords.Name + "#", slow: d.slow}, nil
}

// setupTestAPI builds the API over a fake device network and serves it.
func setupTestAPI(t *testing.T) (*API, *httptest.Server) {
	t.Helper()
	resolver := targets.NewStatic(
		targets.Coordinates{Name: "R1", Host: "10.0.0.1", Port: 5000},
		targets.Coordinates{Name: "SW1", Host: "10.0.0.3", Port: 22, Protocol: targets.ProtocolSSH, Username: "admin", DeviceType: "cisco_ios"},
	)
	dialer := &deviceDialer{slow: map[string]time.Duration{"long-running-op": 300 * time.Millisecond}}
	sessions := console.NewManager(resolver, dialer, console.Options{
		DrainInterval:    5 * time.Millisecond,
		WaitPollInterval: 10 * time.Millisecond,
	})
	t.Cleanup(sessions.CloseAll)

	db, err := database.Open(database.MemoryDSN)
	if err != nil {
		t.Fatal(err)
	}
	runner := jobs.NewRunner(jobs.NewStore(db), sessions)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		runner.Wait(ctx)
	})

	api := &API{
		Sessions: sessions,
		Jobs:     runner,
		Batch:    batch.NewExecutor(sessions, runner, resolver, nil),
	}
	r := chi.NewRouter()
	r.Get("/health", api.Health)
	r.Route("/api/v1", api.Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return api, srv
}

func newChiRequest(method, url string, params map[string]string) *http.Request {
	r := httptest.NewRequest(method, url, nil)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
