// state.go tracks session lifecycle state per target.
//
// Each target has a State (connecting, active, stale, recovering, closed)
// held on its Session. Every change is also recorded in a per-target ring
// buffer (50 entries) that outlives individual sessions, so the history of a
// target survives reconnects, and registered callbacks are invoked on every
// change.

package console

import (
	"sync"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	StateConnecting State = iota
	StateActive
	StateStale
	StateRecovering
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateRecovering:
		return "recovering"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const stateTransitionBufferSize = 50

// StateTransition records a single state change.
type StateTransition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is called synchronously after a state change.
type StateChangeCallback func(target string, from, to State)

type stateEntry struct {
	current     State
	transitions [stateTransitionBufferSize]StateTransition
	head        int
	count       int
}

func (e *stateEntry) record(from, to State, reason string) {
	e.transitions[e.head] = StateTransition{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	e.head = (e.head + 1) % stateTransitionBufferSize
	if e.count < stateTransitionBufferSize {
		e.count++
	}
}

// history returns transitions oldest first.
func (e *stateEntry) history() []StateTransition {
	if e.count == 0 {
		return nil
	}
	result := make([]StateTransition, e.count)
	if e.count < stateTransitionBufferSize {
		copy(result, e.transitions[:e.count])
	} else {
		n := copy(result, e.transitions[e.head:])
		copy(result[n:], e.transitions[:e.head])
	}
	return result
}

type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*stateEntry)}
}

// record stores a transition for target and runs callbacks outside the lock.
func (st *stateTracker) record(target string, from, to State, reason string) {
	st.mu.Lock()
	entry, ok := st.states[target]
	if !ok {
		entry = &stateEntry{current: from}
		st.states[target] = entry
	}
	entry.current = to
	entry.record(from, to, reason)
	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(target, from, to)
	}
}

// last returns the most recently recorded state, and false if the target has
// never been seen.
func (st *stateTracker) last(target string) (State, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[target]
	if !ok {
		return StateClosed, false
	}
	return entry.current, true
}

func (st *stateTracker) transitions(target string) []StateTransition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[target]
	if !ok {
		return nil
	}
	return entry.history()
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}

// Transitions returns the recent state transitions for a target, oldest
// first. Up to 50 are retained across reconnects.
func (m *Manager) Transitions(target string) []StateTransition {
	return m.states.transitions(target)
}

// OnStateChange registers a callback invoked on every session state change.
// Callbacks run synchronously; long handlers should spawn goroutines.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.states.onStateChange(cb)
}
