package console

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweep marks active sessions stale when they have been idle longer than
// the TTL or fail the liveness probe. It only changes state; sessions stay
// registered so an in-flight caller is never left holding a deleted one.
// It returns the number of sessions marked stale.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	active := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.State() == StateActive {
			active = append(active, s)
		}
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-m.opts.TTL)
	staled := 0
	for _, s := range active {
		switch {
		case s.LastActivity().Before(cutoff):
			m.markStale(s, EventIdleExpired, fmt.Sprintf("idle since %s", s.LastActivity().Format(time.RFC3339)))
			staled++
		case !s.alive():
			m.markStale(s, EventLivenessFailed, "liveness probe failed")
			staled++
		}
	}
	return staled
}

// PurgeStale closes sessions that have stayed stale longer than the grace
// period and nobody has reconnected. It returns the number closed.
func (m *Manager) PurgeStale() int {
	cutoff := time.Now().Add(-m.opts.StaleGrace)

	m.mu.Lock()
	var expired []*Session
	for target, s := range m.sessions {
		if s.State() == StateStale && s.StateSince().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, target)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.close(s, EventPurged, "stale past grace period")
	}
	return len(expired)
}

// ScheduleSweeps registers the idle sweep and stale purge on c using the
// cron spec (e.g. "@every 1m").
func (m *Manager) ScheduleSweeps(c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		staled := m.Sweep()
		purged := m.PurgeStale()
		if staled > 0 || purged > 0 {
			log.Printf("[console] sweep: %d marked stale, %d purged", staled, purged)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", spec, err)
	}
	return nil
}
