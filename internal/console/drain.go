package console

import (
	"context"
	"log"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/logutil"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
)

// startDrain launches the drain goroutine for a new session.
func (m *Manager) startDrain(s *Session) {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.drainDone = make(chan struct{})
	s.mu.Unlock()
	go m.drain(ctx, s)
}

// drain moves transport output into the session buffer until the session
// leaves the active state or the transport fails. A transport failure marks
// the session stale; it is never returned to a caller.
func (m *Manager) drain(ctx context.Context, s *Session) {
	defer close(s.drainDone)

	idle := time.NewTimer(m.opts.DrainInterval)
	defer idle.Stop()

	for {
		data, err := s.conn.ReadAvailable()
		if len(data) > 0 {
			s.Buffer.Append(data)
			if s.Coords.Kind == targets.KindStream {
				s.touch()
			}
		}
		if err != nil {
			log.Printf("[drain] %s transport ended: %v", logutil.SanitizeForLog(s.Target), err)
			m.markStale(s, EventTransportError, err.Error())
			return
		}

		if len(data) > 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		idle.Reset(m.opts.DrainInterval)
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}
	}
}
