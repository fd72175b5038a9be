package console

import (
	"bytes"
	"context"
	"log"
	"regexp"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/logutil"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
)

// DefaultWaitTimeout bounds SendAndWait when no timeout is given.
const DefaultWaitTimeout = 30 * time.Second

// Send writes data to the target, connecting or reconnecting first if
// needed. Line endings are normalized unless raw is set. The diff cursor is
// moved to the end first, so the next diff read returns only what the
// target produced in response.
func (m *Manager) Send(ctx context.Context, target, data string, raw bool) error {
	_, err := m.send(ctx, target, func(s *Session) []byte {
		s.Buffer.SkipToEnd()
		return transport.Prepare(s.conn, data, raw)
	})
	return err
}

// Keystroke sends a named key such as "ctrl+c" or "up".
func (m *Manager) Keystroke(ctx context.Context, target, key string) error {
	seq, err := transport.Keystroke(key)
	if err != nil {
		return err
	}
	_, err = m.send(ctx, target, func(*Session) []byte { return seq })
	return err
}

// Input writes raw bytes, such as terminal input from a live stream, without
// moving the diff cursor.
func (m *Manager) Input(ctx context.Context, target string, p []byte) error {
	_, err := m.send(ctx, target, func(*Session) []byte { return p })
	return err
}

// send writes the bytes built by payload. A write that fails on a session
// that looked healthy marks it stale and is retried once on a fresh
// connection, so a dropped socket costs the caller nothing.
func (m *Manager) send(ctx context.Context, target string, payload func(*Session) []byte) (*Session, error) {
	for attempt := 0; ; attempt++ {
		s, err := m.GetOrCreate(ctx, target, ConnectOptions{})
		if err != nil {
			return nil, err
		}
		err = s.write(payload(s))
		if err == nil {
			return s, nil
		}
		m.markStale(s, EventTransportError, err.Error())
		if attempt > 0 {
			return nil, errcodes.Wrap(errcodes.SessionDisconnected, err, "write to %s failed", target)
		}
		log.Printf("[console] write to %s failed, reconnecting: %v", logutil.SanitizeForLog(target), err)
	}
}

// WaitOptions controls SendAndWait and WaitFor.
type WaitOptions struct {
	// Pattern ends the wait when it matches the accumulated output. Empty
	// means the session prompt pattern.
	Pattern         string
	CaseInsensitive bool
	// Timeout bounds the wait; zero means DefaultWaitTimeout.
	Timeout time.Duration
	Raw     bool
}

func (o WaitOptions) compile(prompt string) (*regexp.Regexp, error) {
	pattern := o.Pattern
	if pattern == "" {
		pattern = prompt
	}
	if o.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errcodes.Wrap(errcodes.PatternSyntaxError, err, "invalid wait pattern %q", o.Pattern)
	}
	return re, nil
}

// WaitResult is the outcome of a pattern wait.
type WaitResult struct {
	Output       string  `json:"output"`
	PatternFound bool    `json:"pattern_found"`
	TimedOut     bool    `json:"timed_out"`
	WaitTime     float64 `json:"wait_time"`
}

// SendAndWait sends data and then polls the buffer until the pattern appears
// or the timeout expires. All output produced after the send is returned,
// not just the poll in which the pattern matched. A timeout is reported in
// the result, not as an error.
func (m *Manager) SendAndWait(ctx context.Context, target, data string, opts WaitOptions) (WaitResult, error) {
	re, err := opts.compile(m.opts.PromptPattern)
	if err != nil {
		return WaitResult{}, err
	}
	var mark int64
	s, err := m.send(ctx, target, func(s *Session) []byte {
		mark = s.Buffer.End()
		return transport.Prepare(s.conn, data, opts.Raw)
	})
	if err != nil {
		return WaitResult{}, err
	}
	return m.waitFor(ctx, s, mark, re, opts), nil
}

// WaitFor polls for the pattern without sending anything. Output not yet
// consumed by a diff read counts toward the match.
func (m *Manager) WaitFor(ctx context.Context, target string, opts WaitOptions) (WaitResult, error) {
	re, err := opts.compile(m.opts.PromptPattern)
	if err != nil {
		return WaitResult{}, err
	}
	s, err := m.GetOrCreate(ctx, target, ConnectOptions{})
	if err != nil {
		return WaitResult{}, err
	}
	return m.waitFor(ctx, s, s.Buffer.CursorOffset(), re, opts), nil
}

// waitFor accumulates buffer output from the absolute offset mark, checking
// for re every poll interval. The diff cursor is advanced past the returned
// output so a following diff read does not repeat it.
func (m *Manager) waitFor(ctx context.Context, s *Session, mark int64, re *regexp.Regexp, opts WaitOptions) WaitResult {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	ticker := time.NewTicker(m.opts.WaitPollInterval)
	defer ticker.Stop()

	var acc bytes.Buffer
	res := WaitResult{}
	for {
		chunk, end := s.Buffer.ReadFrom(mark)
		mark = end
		acc.Write(chunk)

		text := acc.String()
		if !opts.Raw {
			text = buffer.Clean(text)
		}
		res.Output = text
		if re.MatchString(text) {
			res.PatternFound = true
			break
		}
		if !time.Now().Before(deadline) {
			res.TimedOut = true
			break
		}

		select {
		case <-ctx.Done():
			res.TimedOut = true
		case <-ticker.C:
		}
		if res.TimedOut {
			break
		}
	}

	s.Buffer.AdvanceTo(mark)
	s.markRead()
	res.WaitTime = time.Since(start).Seconds()
	return res
}

// Read returns session output according to opts. With no session the target
// is connected first. A stale session is reconnected with its buffer
// preserved, so output captured before the drop is still served; if the
// reconnect fails the retained buffer is read anyway. Invalid options are
// rejected before any session is touched.
func (m *Manager) Read(ctx context.Context, target string, opts buffer.ReadOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	s, ok := m.Lookup(target)
	switch {
	case !ok:
		var err error
		s, err = m.GetOrCreate(ctx, target, ConnectOptions{})
		if err != nil {
			return "", err
		}
	case s.State() == StateStale:
		if fresh, err := m.GetOrCreate(ctx, target, ConnectOptions{PreserveBuffer: true}); err == nil {
			s = fresh
		} else {
			log.Printf("[console] read %s from stale buffer: %v", logutil.SanitizeForLog(target), err)
		}
	}
	out, err := s.Buffer.Read(opts)
	if err != nil {
		return "", err
	}
	s.markRead()
	return out, nil
}

// HasBeenRead reports whether the current session for target has served a
// read. It is false when no session exists.
func (m *Manager) HasBeenRead(target string) bool {
	s, ok := m.Lookup(target)
	return ok && s.HasBeenRead()
}
