package console

import (
	"context"
	"sync"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
)

// Session is the single live connection for one target.
//
// Lifecycle:
//  1. Created by Manager.GetOrCreate → connecting, then active
//  2. Idle past the TTL or failed liveness probe → stale (drain stopped)
//  3. Next access to the target → recovering → a new active Session
//  4. Explicit disconnect → closed
type Session struct {
	// ID identifies this session generation. A reconnect that preserves the
	// buffer keeps the ID, so command history stays attached to it.
	ID string
	// Target is the logical target name; the registry key.
	Target string
	// Coords are the resolved connection coordinates.
	Coords targets.Coordinates
	// CreatedAt is when the transport was connected.
	CreatedAt time.Time
	// Buffer receives all output drained from the transport.
	Buffer *buffer.Buffer

	conn transport.Conn

	mu           sync.Mutex
	state        State
	stateSince   time.Time
	lastActivity time.Time
	read         bool

	cancel    context.CancelFunc
	drainDone chan struct{}

	// cmdMu serializes command dispatch on command-oriented sessions.
	cmdMu sync.Mutex
}

// Kind reports whether this is a stream or command session.
func (s *Session) Kind() targets.Kind {
	return s.Coords.Kind
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StateSince returns when the session entered its current state.
func (s *Session) StateSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateSince
}

// LastActivity returns the time of the last read, write or dispatch, or of
// the last drained output for stream sessions.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// HasBeenRead reports whether any read has been served from this session.
func (s *Session) HasBeenRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) markRead() {
	s.mu.Lock()
	s.read = true
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// setState changes the state and returns the previous one. ok is false when
// the state was already to.
func (s *Session) setState(to State) (from State, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.state
	if from == to {
		return from, false
	}
	s.state = to
	s.stateSince = time.Now()
	return from, true
}

// write sends bytes and records activity.
func (s *Session) write(p []byte) error {
	if err := s.conn.Write(p); err != nil {
		return err
	}
	s.touch()
	return nil
}

// alive probes the transport.
func (s *Session) alive() bool {
	return s.conn.IsAlive()
}

// stopDrain cancels the drain goroutine without waiting for it.
func (s *Session) stopDrain() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// teardown stops the drain goroutine, waits for it to exit and closes the
// transport. It is safe to call more than once and from any goroutine other
// than the drain goroutine itself.
func (s *Session) teardown() {
	s.stopDrain()
	if s.drainDone != nil {
		<-s.drainDone
	}
	s.conn.Close()
}
