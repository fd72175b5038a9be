package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/gluk-w/claworc/console-gateway/internal/targets"
)

// Telnet protocol bytes (RFC 854).
const (
	telnetIAC  byte = 255
	telnetDONT byte = 254
	telnetDO   byte = 253
	telnetWONT byte = 252
	telnetWILL byte = 251
	telnetSB   byte = 250
	telnetSE   byte = 240

	optEcho byte = 1
	optSGA  byte = 3
)

type telnetState int

const (
	tsData telnetState = iota
	tsIAC
	tsOption
	tsSub
	tsSubIAC
)

// TelnetConn is a telnet console connection. Option negotiation is answered
// inline by the reader goroutine: the server may echo and suppress go-ahead,
// everything else is refused.
type TelnetConn struct {
	conn  net.Conn
	queue pendingQueue

	writeMu sync.Mutex

	// negotiation state, touched only by the reader goroutine
	state telnetState
	verb  byte

	closeOnce sync.Once
	closed    chan struct{}
}

// DialTelnet connects to a telnet console.
func DialTelnet(ctx context.Context, coords targets.Coordinates) (*TelnetConn, error) {
	addr := net.JoinHostPort(coords.Host, strconv.Itoa(coords.Port))
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	log.Printf("[telnet] connected to %s (%s)", coords.Name, addr)
	return NewTelnetConn(nc), nil
}

// NewTelnetConn wraps an established TCP connection and starts its reader.
func NewTelnetConn(nc net.Conn) *TelnetConn {
	tc := &TelnetConn{
		conn:   nc,
		closed: make(chan struct{}),
	}
	go pump(nc, &tc.queue, tc.filter)
	return tc
}

// filter strips telnet commands from a chunk and answers negotiations.
func (tc *TelnetConn) filter(chunk []byte) []byte {
	out := make([]byte, 0, len(chunk))
	var replies []byte
	for _, b := range chunk {
		switch tc.state {
		case tsData:
			if b == telnetIAC {
				tc.state = tsIAC
				continue
			}
			out = append(out, b)
		case tsIAC:
			switch b {
			case telnetIAC:
				out = append(out, telnetIAC)
				tc.state = tsData
			case telnetWILL, telnetWONT, telnetDO, telnetDONT:
				tc.verb = b
				tc.state = tsOption
			case telnetSB:
				tc.state = tsSub
			default:
				// NOP, GA, AYT and friends carry no data.
				tc.state = tsData
			}
		case tsOption:
			replies = append(replies, negotiate(tc.verb, b)...)
			tc.state = tsData
		case tsSub:
			if b == telnetIAC {
				tc.state = tsSubIAC
			}
		case tsSubIAC:
			if b == telnetSE {
				tc.state = tsData
			} else {
				tc.state = tsSub
			}
		}
	}
	if len(replies) > 0 {
		tc.writeMu.Lock()
		_, err := tc.conn.Write(replies)
		tc.writeMu.Unlock()
		if err != nil {
			tc.queue.fail(writeErr("telnet", err))
		}
	}
	return out
}

// negotiate returns the reply to an option request. WONT and DONT are
// acknowledged silently to avoid negotiation loops.
func negotiate(verb, opt byte) []byte {
	switch verb {
	case telnetWILL:
		if opt == optEcho || opt == optSGA {
			return []byte{telnetIAC, telnetDO, opt}
		}
		return []byte{telnetIAC, telnetDONT, opt}
	case telnetDO:
		if opt == optSGA {
			return []byte{telnetIAC, telnetWILL, opt}
		}
		return []byte{telnetIAC, telnetWONT, opt}
	}
	return nil
}

// Write sends p, escaping literal IAC bytes.
func (tc *TelnetConn) Write(p []byte) error {
	select {
	case <-tc.closed:
		return closedErr("telnet")
	default:
	}
	escaped := make([]byte, 0, len(p))
	for _, b := range p {
		if b == telnetIAC {
			escaped = append(escaped, telnetIAC)
		}
		escaped = append(escaped, b)
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if _, err := tc.conn.Write(escaped); err != nil {
		tc.queue.fail(writeErr("telnet", err))
		return writeErr("telnet", err)
	}
	return nil
}

func (tc *TelnetConn) ReadAvailable() ([]byte, error) {
	return tc.queue.drain()
}

// IsAlive reports false once the socket has been closed by either side.
func (tc *TelnetConn) IsAlive() bool {
	select {
	case <-tc.closed:
		return false
	default:
	}
	return !tc.queue.failed()
}

func (tc *TelnetConn) Close() error {
	var err error
	tc.closeOnce.Do(func() {
		close(tc.closed)
		err = tc.conn.Close()
	})
	return err
}

func (tc *TelnetConn) LineEnding() string { return "\r\n" }
