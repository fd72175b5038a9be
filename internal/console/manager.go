// Package console owns the per-target interactive sessions of the gateway.
//
// A [Manager] maps each target name to exactly one [Session]. Sessions are
// only ever created through [Manager.GetOrCreate], which is idempotent for
// live sessions and transparently replaces stale ones. Each active session
// runs a drain goroutine that moves transport output into its bounded
// buffer, so reads and writes never block on the network.
package console

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/logutil"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is the idle time after which a session is marked stale.
const DefaultTTL = 30 * time.Minute

// DefaultPromptPattern matches the end of a typical device CLI prompt.
const DefaultPromptPattern = `[>#$%]\s*$`

// Options configures a Manager.
type Options struct {
	// TTL is the idle time before an active session is marked stale.
	TTL time.Duration
	// StaleGrace is how long a stale session is kept before the purge
	// closes it.
	StaleGrace time.Duration
	// DrainInterval is the drain sleep when no output is pending.
	DrainInterval time.Duration
	// WaitPollInterval is the pattern-wait polling interval.
	WaitPollInterval time.Duration
	// BufferMaxSize and BufferTrimSize bound each session buffer.
	BufferMaxSize  int
	BufferTrimSize int
	// PromptPattern ends waits that have no explicit pattern and command
	// execution on command sessions.
	PromptPattern string
}

// DefaultOptions returns the stock lifecycle settings.
func DefaultOptions() Options {
	return Options{
		TTL:              DefaultTTL,
		StaleGrace:       10 * time.Minute,
		DrainInterval:    50 * time.Millisecond,
		WaitPollInterval: 500 * time.Millisecond,
		BufferMaxSize:    buffer.DefaultMaxSize,
		BufferTrimSize:   buffer.DefaultTrimSize,
		PromptPattern:    DefaultPromptPattern,
	}
}

func (o *Options) fill() {
	def := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	if o.StaleGrace <= 0 {
		o.StaleGrace = def.StaleGrace
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = def.DrainInterval
	}
	if o.WaitPollInterval <= 0 {
		o.WaitPollInterval = def.WaitPollInterval
	}
	if o.PromptPattern == "" {
		o.PromptPattern = def.PromptPattern
	}
}

// ConnectOptions modifies GetOrCreate.
type ConnectOptions struct {
	// Force tears down any existing session and reconnects, skipping the
	// health check.
	Force bool
	// PreserveBuffer carries the old buffer, read flag and session ID over
	// to the replacement session.
	PreserveBuffer bool
	// Coords, when set, are used instead of resolving the target name.
	Coords *targets.Coordinates
}

// Manager is the session registry.
type Manager struct {
	resolver targets.Resolver
	dialer   transport.Dialer
	opts     Options

	// mu guards the sessions map only.
	mu       sync.Mutex
	sessions map[string]*Session
	group    singleflight.Group

	states *stateTracker
	events *eventLog
}

// NewManager creates a registry resolving targets with resolver and
// connecting with dialer.
func NewManager(resolver targets.Resolver, dialer transport.Dialer, opts Options) *Manager {
	opts.fill()
	return &Manager{
		resolver: resolver,
		dialer:   dialer,
		opts:     opts,
		sessions: make(map[string]*Session),
		states:   newStateTracker(),
		events:   newEventLog(),
	}
}

// Options returns the effective settings.
func (m *Manager) Options() Options {
	return m.opts
}

// Resolver returns the target resolver used for new sessions.
func (m *Manager) Resolver() targets.Resolver {
	return m.resolver
}

// Lookup returns the registered session for target, in any state.
func (m *Manager) Lookup(target string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[target]
	return s, ok
}

// GetOrCreate returns the live session for target, connecting if there is
// none. An active, healthy session is returned unchanged. A stale or dead
// session is torn down and replaced. Concurrent calls for one target share
// a single dial.
func (m *Manager) GetOrCreate(ctx context.Context, target string, opts ConnectOptions) (*Session, error) {
	if target == "" {
		return nil, errcodes.New(errcodes.InvalidParameter, "target is required")
	}
	if !opts.Force {
		if s := m.healthy(target); s != nil {
			if err := coordsMatch(s, opts.Coords); err != nil {
				return nil, err
			}
			return s, nil
		}
	}

	v, err, _ := m.group.Do(target, func() (any, error) {
		if !opts.Force {
			if s := m.healthy(target); s != nil {
				return s, coordsMatch(s, opts.Coords)
			}
		}
		return m.connect(ctx, target, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// coordsMatch rejects explicit coordinates that differ from those of the
// live session. Changing them requires Force.
func coordsMatch(s *Session, want *targets.Coordinates) error {
	if want == nil {
		return nil
	}
	c := *want
	c.Name = s.Target
	if err := c.Validate(); err != nil {
		return err
	}
	have := s.Coords
	if c.Host != have.Host || c.Port != have.Port || c.Protocol != have.Protocol ||
		c.Username != have.Username || c.DeviceType != have.DeviceType {
		return errcodes.New(errcodes.InvalidParameter,
			"%s is already connected to %s:%d; reconnect with force to change connection parameters",
			s.Target, have.Host, have.Port)
	}
	return nil
}

// healthy returns the registered session if it is active and its transport
// passes the liveness probe. A failed probe marks the session stale.
func (m *Manager) healthy(target string) *Session {
	s, ok := m.Lookup(target)
	if !ok || s.State() != StateActive {
		return nil
	}
	if !s.alive() {
		m.markStale(s, EventLivenessFailed, "liveness probe failed")
		return nil
	}
	return s
}

// connect replaces whatever is registered for target with a fresh session.
// Callers serialize per target through the singleflight group.
func (m *Manager) connect(ctx context.Context, target string, opts ConnectOptions) (*Session, error) {
	var coords targets.Coordinates
	if opts.Coords != nil {
		coords = *opts.Coords
		coords.Name = target
		if err := coords.Validate(); err != nil {
			return nil, err
		}
	} else {
		var err error
		coords, err = m.resolver.Resolve(ctx, target)
		if err != nil {
			return nil, err
		}
	}

	old, hadOld := m.Lookup(target)
	recovering := hadOld && old.State() != StateClosed

	id := uuid.NewString()
	var (
		buf  *buffer.Buffer
		read bool
	)
	if recovering {
		m.transition(old, StateRecovering, "reconnect requested")
		if opts.PreserveBuffer {
			id, buf, read = old.ID, old.Buffer, old.HasBeenRead()
		}
		old.teardown()
		if !opts.PreserveBuffer {
			old.Buffer.Close()
		}
	} else {
		m.states.record(target, StateClosed, StateConnecting, "connect requested")
	}

	log.Printf("[console] connecting %s (%s %s:%d)", logutil.SanitizeForLog(target), coords.Protocol, coords.Host, coords.Port)
	conn, err := m.dialer.Dial(ctx, coords)
	if err != nil {
		err = errcodes.Classify(err, target)
		from := StateConnecting
		if recovering {
			from = StateRecovering
		}
		m.mu.Lock()
		if m.sessions[target] == old {
			delete(m.sessions, target)
		}
		m.mu.Unlock()
		if recovering && opts.PreserveBuffer {
			buf.Close()
		}
		m.states.record(target, from, StateClosed, err.Error())
		m.events.log(target, EventConnectFailed, err.Error())
		log.Printf("[console] connect %s failed: %v", logutil.SanitizeForLog(target), err)
		return nil, err
	}

	if buf == nil {
		buf = buffer.New(m.opts.BufferMaxSize, m.opts.BufferTrimSize)
	}
	now := time.Now()
	s := &Session{
		ID:           id,
		Target:       target,
		Coords:       coords,
		CreatedAt:    now,
		Buffer:       buf,
		conn:         conn,
		state:        StateConnecting,
		stateSince:   now,
		lastActivity: now,
		read:         read,
	}
	if recovering {
		s.state = StateRecovering
	}
	m.startDrain(s)

	m.mu.Lock()
	m.sessions[target] = s
	m.mu.Unlock()

	if recovering {
		m.transition(s, StateActive, "reconnected")
		m.events.log(target, EventRecovered, coords.Host)
		log.Printf("[console] reconnected %s (session %s)", logutil.SanitizeForLog(target), s.ID)
	} else {
		m.transition(s, StateActive, "connected")
		m.events.log(target, EventConnected, coords.Host)
		log.Printf("[console] connected %s (session %s, %s)", logutil.SanitizeForLog(target), s.ID, coords.Kind)
	}
	return s, nil
}

// transition moves s to state to and records it.
func (m *Manager) transition(s *Session, to State, reason string) {
	from, changed := s.setState(to)
	if !changed {
		return
	}
	m.states.record(s.Target, from, to, reason)
}

// markStale moves an active session to stale and stops its drain. It does
// not close the transport; the next access or the purge does that.
func (m *Manager) markStale(s *Session, ev EventType, reason string) {
	if s.State() != StateActive {
		return
	}
	m.transition(s, StateStale, reason)
	s.stopDrain()
	m.events.log(s.Target, ev, reason)
	log.Printf("[console] session %s marked stale: %s", logutil.SanitizeForLog(s.Target), reason)
}

// Disconnect closes the session for target and removes it from the
// registry.
func (m *Manager) Disconnect(target string) error {
	m.mu.Lock()
	s, ok := m.sessions[target]
	if ok {
		delete(m.sessions, target)
	}
	m.mu.Unlock()
	if !ok {
		return errcodes.New(errcodes.SessionNotFound, "no session for target %q", target)
	}
	m.close(s, EventDisconnected, "disconnect requested")
	return nil
}

// close tears a session down and marks it closed. The caller has already
// removed it from the registry.
func (m *Manager) close(s *Session, ev EventType, reason string) {
	s.teardown()
	s.Buffer.Close()
	m.transition(s, StateClosed, reason)
	m.events.log(s.Target, ev, reason)
	log.Printf("[console] closed session %s: %s", logutil.SanitizeForLog(s.Target), reason)
}

// CloseAll closes every session. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for target, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, target)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.close(s, EventDisconnected, "shutdown")
	}
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	Target       string       `json:"target"`
	SessionID    string       `json:"session_id"`
	Kind         targets.Kind `json:"kind"`
	Protocol     string       `json:"protocol"`
	Host         string       `json:"host"`
	Port         int          `json:"port"`
	State        State        `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	IdleSeconds  float64      `json:"idle_seconds"`
	BufferSize   int          `json:"buffer_size"`
	Trimmed      int64        `json:"trimmed_bytes"`
	HasBeenRead  bool         `json:"has_been_read"`
}

func (s *Session) info() SessionInfo {
	last := s.LastActivity()
	return SessionInfo{
		Target:       s.Target,
		SessionID:    s.ID,
		Kind:         s.Coords.Kind,
		Protocol:     string(s.Coords.Protocol),
		Host:         s.Coords.Host,
		Port:         s.Coords.Port,
		State:        s.State(),
		CreatedAt:    s.CreatedAt,
		LastActivity: last,
		IdleSeconds:  time.Since(last).Seconds(),
		BufferSize:   s.Buffer.Len(),
		Trimmed:      s.Buffer.Trimmed(),
		HasBeenRead:  s.HasBeenRead(),
	}
}

// Info returns a view of the session for target.
func (m *Manager) Info(target string) (SessionInfo, error) {
	s, ok := m.Lookup(target)
	if !ok {
		return SessionInfo{}, errcodes.New(errcodes.SessionNotFound, "no session for target %q", target)
	}
	return s.info(), nil
}

// List returns views of all registered sessions ordered by target.
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Stats summarizes the registry.
type Stats struct {
	Total   int            `json:"total"`
	ByState map[string]int `json:"by_state"`
}

// Stats counts registered sessions by state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Total: len(m.sessions), ByState: make(map[string]int)}
	for _, s := range m.sessions {
		st.ByState[s.State().String()]++
	}
	return st
}
