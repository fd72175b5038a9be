package console

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
)

// fakeConn is an in-memory transport. Writes are answered by respond, and
// tests can inject output or drop the connection at any time.
type fakeConn struct {
	mu      sync.Mutex
	pending []byte
	written bytes.Buffer
	dropped bool
	closed  bool
	respond func(in string) string
}

func (c *fakeConn) Write(p []byte) error {
	c.mu.Lock()
	if c.dropped || c.closed {
		c.mu.Unlock()
		return errcodes.New(errcodes.SessionDisconnected, "fake connection is closed")
	}
	c.written.Write(p)
	respond := c.respond
	c.mu.Unlock()
	if respond != nil {
		c.emit(respond(string(p)))
	}
	return nil
}

func (c *fakeConn) ReadAvailable() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		out := c.pending
		c.pending = nil
		return out, nil
	}
	if c.dropped || c.closed {
		return nil, errcodes.New(errcodes.SessionDisconnected, "remote closed the connection")
	}
	return nil, nil
}

func (c *fakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dropped && !c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) LineEnding() string { return "\r\n" }

func (c *fakeConn) emit(s string) {
	if s == "" {
		return
	}
	c.mu.Lock()
	c.pending = append(c.pending, s...)
	c.mu.Unlock()
}

func (c *fakeConn) drop() {
	c.mu.Lock()
	c.dropped = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) writtenString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

// fakeDialer hands out fakeConns built by setup and records every dial.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials atomic.Int32
	delay time.Duration
	err   error
	setup func(*fakeConn)
}

func (d *fakeDialer) Dial(ctx context.Context, coords targets.Coordinates) (transport.Conn, error) {
	d.dials.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{}
	if d.setup != nil {
		d.setup(c)
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

// echoPrompt answers every line with its echo, the reply text, and prompt.
func echoPrompt(prompt string, replies map[string]string) func(string) string {
	return func(in string) string {
		cmd := strings.TrimRight(in, "\r\n")
		return cmd + "\r\n" + replies[cmd] + prompt
	}
}

func testResolver() targets.Resolver {
	return targets.NewStatic(
		targets.Coordinates{Name: "R1", Host: "10.0.0.1", Port: 5000},
		targets.Coordinates{Name: "R2", Host: "10.0.0.2", Port: 5001},
		targets.Coordinates{Name: "SW1", Host: "10.0.0.3", Port: 22, Protocol: targets.ProtocolSSH, Username: "admin", DeviceType: "cisco_ios"},
	)
}

func testOptions() Options {
	return Options{
		TTL:              time.Minute,
		DrainInterval:    5 * time.Millisecond,
		WaitPollInterval: 20 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, d *fakeDialer, opts Options) *Manager {
	t.Helper()
	m := NewManager(testResolver(), d, opts)
	t.Cleanup(m.CloseAll)
	return m
}

// waitForBuffer polls until the session buffer contains want.
func waitForBuffer(t *testing.T, s *Session, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(string(s.Buffer.Bytes()), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("buffer never contained %q, got %q", want, s.Buffer.Bytes())
}

// waitForState polls until the session reaches want.
func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session state = %s, want %s", s.State(), want)
}
