package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/targets"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// keepaliveTimeout bounds the liveness probe. A peer that does not answer in
// time is treated as dead.
const keepaliveTimeout = 5 * time.Second

// PTY dimensions requested for device shells. Wide columns keep network OS
// output from wrapping mid-line.
const (
	ptyCols = 511
	ptyRows = 24
)

// SSHConn is an interactive shell on an SSH endpoint with stdout and stderr
// merged into one stream.
type SSHConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	queue   pendingQueue

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	probeTimeout time.Duration
}

// ClientConfig builds the SSH client configuration for a target. Password
// targets also answer keyboard-interactive prompts, which many network
// operating systems use instead of plain password auth.
func ClientConfig(coords targets.Coordinates, knownHostsPath string) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if coords.KeyPath != "" {
		pem, err := os.ReadFile(coords.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if coords.Password != "" {
		password := coords.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if knownHostsPath != "" {
		cb, err := knownhosts.New(knownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            coords.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         defaultDialTimeout,
	}, nil
}

// DialSSH connects, authenticates and starts a PTY shell.
func DialSSH(ctx context.Context, coords targets.Coordinates, knownHostsPath string) (*SSHConn, error) {
	cfg, err := ClientConfig(coords, knownHostsPath)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(coords.Host, strconv.Itoa(coords.Port))
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// The handshake does not take a context; bound it with a deadline instead.
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	sc, err := NewSSHConn(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Printf("[ssh] connected to %s (%s as %s)", coords.Name, addr, coords.Username)
	return sc, nil
}

// NewSSHConn opens a PTY shell over an established client. The returned
// connection owns the client and closes it on Close.
func NewSSHConn(client *ssh.Client) (*SSHConn, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("vt100", ptyRows, ptyCols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sc := &SSHConn{
		client:  client,
		session: session,
		stdin:   stdin,
		closed:  make(chan struct{}),

		probeTimeout: keepaliveTimeout,
	}
	go pump(stdout, &sc.queue, nil)
	go pump(stderr, &sc.queue, nil)
	return sc, nil
}

func (sc *SSHConn) Write(p []byte) error {
	select {
	case <-sc.closed:
		return closedErr("ssh")
	default:
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if _, err := sc.stdin.Write(p); err != nil {
		sc.queue.fail(writeErr("ssh", err))
		return writeErr("ssh", err)
	}
	return nil
}

func (sc *SSHConn) ReadAvailable() ([]byte, error) {
	return sc.queue.drain()
}

// IsAlive sends an OpenSSH keepalive request as a no-op probe. A probe
// that gets no reply within the timeout reports the connection dead; the
// pending request is released when the session is closed.
func (sc *SSHConn) IsAlive() bool {
	select {
	case <-sc.closed:
		return false
	default:
	}
	if sc.queue.failed() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), sc.probeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := sc.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		log.Printf("[ssh] keepalive to %s got no reply in %s", sc.client.RemoteAddr(), sc.probeTimeout)
		return false
	case <-sc.closed:
		return false
	}
}

func (sc *SSHConn) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		close(sc.closed)
		sc.stdin.Close()
		sc.session.Close()
		err = sc.client.Close()
	})
	return err
}

func (sc *SSHConn) LineEnding() string { return "\n" }
