package console

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/transport"
)

// promptCheckInterval is how often Exec re-checks session state while no
// output arrives.
const promptCheckInterval = 250 * time.Millisecond

// Exec runs commands one after another over the session's shell, waiting for
// the prompt after each. Commands on one session never interleave. The
// returned output has echoed command lines and prompts removed. On failure
// the output collected so far is returned with the error.
func (m *Manager) Exec(ctx context.Context, s *Session, commands []string) (string, error) {
	prompt, err := regexp.Compile(m.opts.PromptPattern)
	if err != nil {
		return "", errcodes.Wrap(errcodes.PatternSyntaxError, err, "invalid prompt pattern")
	}

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	var out strings.Builder
	for _, cmd := range commands {
		text, err := m.execOne(ctx, s, cmd, prompt)
		out.WriteString(text)
		if err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

func (m *Manager) execOne(ctx context.Context, s *Session, cmd string, prompt *regexp.Regexp) (string, error) {
	mark := s.Buffer.End()
	if err := s.write(transport.Prepare(s.conn, cmd+"\n", false)); err != nil {
		m.markStale(s, EventTransportError, err.Error())
		return "", errcodes.Wrap(errcodes.SessionDisconnected, err, "send command to %s", s.Target)
	}

	check := time.NewTicker(promptCheckInterval)
	defer check.Stop()

	var acc bytes.Buffer
	for {
		changed := s.Buffer.Changed()
		chunk, end := s.Buffer.ReadFrom(mark)
		mark = end
		acc.Write(chunk)

		text := buffer.Clean(acc.String())
		if prompt.MatchString(text) {
			s.Buffer.AdvanceTo(mark)
			s.touch()
			return commandOutput(text, cmd, prompt), nil
		}
		if s.State() != StateActive {
			return commandOutput(text, cmd, nil), errcodes.New(errcodes.SessionDisconnected, "session %s lost while running %q", s.Target, cmd)
		}

		select {
		case <-ctx.Done():
			partial := commandOutput(text, cmd, nil)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return partial, errcodes.New(errcodes.Timeout, "command %q on %s did not complete in time", cmd, s.Target)
			}
			return partial, ctx.Err()
		case <-changed:
		case <-check.C:
		}
	}
}

// commandOutput strips the echoed command from the first line and, when
// prompt is set, the trailing prompt line.
func commandOutput(text, cmd string, prompt *regexp.Regexp) string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" && strings.HasSuffix(strings.TrimSpace(lines[0]), strings.TrimSpace(cmd)) {
		lines = lines[1:]
	}
	if prompt != nil && len(lines) > 0 && prompt.MatchString(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	out := strings.Join(lines, "\n")
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}
