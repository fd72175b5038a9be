// Package transport provides a uniform, non-blocking interface over the
// interactive connections the gateway drives: telnet consoles and SSH shells.
//
// A [Conn] hides connect/write/read/close behind four calls. Reads never
// block: a reader goroutine owned by the connection moves bytes from the
// socket into a pending queue, and [Conn.ReadAvailable] drains whatever has
// arrived. Line-ending normalization is applied by [Prepare] before writes.
package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
)

// defaultDialTimeout bounds connection establishment when the dialer has no
// explicit timeout.
const defaultDialTimeout = 10 * time.Second

// readChunkSize is the buffer size used by reader goroutines.
const readChunkSize = 32 * 1024

// Conn is a live interactive connection.
type Conn interface {
	// Write sends bytes verbatim. Callers normalize line endings first.
	Write(p []byte) error
	// ReadAvailable returns pending output without blocking. It returns an
	// empty slice when nothing is pending and an error once the connection
	// has failed and all pending output has been drained.
	ReadAvailable() ([]byte, error)
	// IsAlive reports whether the connection is still usable.
	IsAlive() bool
	// Close releases the connection. It is safe to call more than once.
	Close() error
	// LineEnding is the terminator the remote side expects.
	LineEnding() string
}

// Dialer opens connections to resolved targets.
type Dialer interface {
	Dial(ctx context.Context, coords targets.Coordinates) (Conn, error)
}

// NetDialer dials real telnet and SSH endpoints.
type NetDialer struct {
	// Timeout bounds TCP connect plus protocol handshake.
	Timeout time.Duration
	// KnownHostsPath enables host key verification for SSH targets.
	KnownHostsPath string
}

// Dial connects according to the target protocol. Failures are classified
// into the connection error taxonomy.
func (d *NetDialer) Dial(ctx context.Context, coords targets.Coordinates) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		conn Conn
		err  error
	)
	switch coords.Protocol {
	case targets.ProtocolTelnet, "":
		conn, err = DialTelnet(ctx, coords)
	case targets.ProtocolSSH:
		conn, err = DialSSH(ctx, coords, d.KnownHostsPath)
	default:
		return nil, errcodes.New(errcodes.InvalidParameter, "unsupported protocol %q", coords.Protocol)
	}
	if err != nil {
		return nil, errcodes.Classify(err, coords.Name)
	}
	return conn, nil
}

// pendingQueue collects bytes produced by a reader goroutine until the
// consumer drains them.
type pendingQueue struct {
	mu   sync.Mutex
	data []byte
	err  error
}

func (q *pendingQueue) push(p []byte) {
	q.mu.Lock()
	q.data = append(q.data, p...)
	q.mu.Unlock()
}

func (q *pendingQueue) fail(err error) {
	q.mu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.mu.Unlock()
}

// drain returns pending data; the stored error is only reported once the
// queue is empty so no output is lost on disconnect.
func (q *pendingQueue) drain() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) > 0 {
		out := q.data
		q.data = nil
		return out, nil
	}
	return nil, q.err
}

func (q *pendingQueue) failed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err != nil
}

// pump copies r into the queue until r fails. filter, when set, transforms
// each chunk before queueing (telnet option stripping).
func pump(r io.Reader, q *pendingQueue, filter func([]byte) []byte) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if filter != nil {
				chunk = filter(chunk)
			} else {
				chunk = append([]byte(nil), chunk...)
			}
			if len(chunk) > 0 {
				q.push(chunk)
			}
		}
		if err != nil {
			if err == io.EOF {
				err = errcodes.New(errcodes.SessionDisconnected, "remote closed the connection")
			} else {
				err = errcodes.Wrap(errcodes.SessionDisconnected, err, "connection read failed")
			}
			q.fail(err)
			return
		}
	}
}

// Prepare converts caller input into the bytes sent on the wire. Unless raw
// is set, every line break is normalized to the connection's terminator.
func Prepare(c Conn, data string, raw bool) []byte {
	if raw {
		return []byte(data)
	}
	return []byte(NormalizeLineEndings(data, c.LineEnding()))
}

func closedErr(what string) error {
	return errcodes.New(errcodes.SessionDisconnected, "%s connection is closed", what)
}

func writeErr(what string, err error) error {
	return errcodes.Wrap(errcodes.SessionDisconnected, err, "%s write failed", what)
}
