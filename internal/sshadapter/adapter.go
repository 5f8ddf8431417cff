// Package sshadapter drives one SSH-backed tunnel on the agent side: it
// dials the target host, opens a PTY session, and splices the session's
// stdin/stdout onto the tunnel's frame stream. Every byte it forwards
// towards the relay goes through a non-blocking enqueue; a saturated or
// closed outbound queue fires the tunnel's disconnect signal once and
// the adapter stops, it never waits for room or retries.
package sshadapter

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/session"
	"github.com/relaywire/tunneld/internal/tunnel"
)

// Enqueuer is the non-blocking hand-off the adapter uses to forward
// bytes back towards the relay. session.Writer satisfies it; tests use
// a fake.
type Enqueuer interface {
	TryEnqueue(f *protocol.Frame) session.EnqueueResult
	EnqueueControl(msg protocol.ControlMessage) session.EnqueueResult
}

// Dialer opens the TCP connection to the target sshd, optionally routed
// through a configured proxy.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// Config configures one adapter instance.
type Config struct {
	Host              string
	Port              int
	InactivityTimeout time.Duration
}

// Adapter owns one SSH client connection, one PTY session, and the
// pumps copying bytes between the session and the tunnel's frame
// stream.
type Adapter struct {
	id       uuid.UUID
	cfg      Config
	out      Enqueuer
	disc     *tunnel.Signal
	dialer   Dialer
	lastSeen int64 // unix nanos, guarded by mu; set by touch, read by the inactivity watchdog

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	closed  bool
}

// New creates an adapter bound to tunnel id and its disconnect signal.
// dialer may be nil to use net.Dial directly.
func New(id uuid.UUID, cfg Config, out Enqueuer, disc *tunnel.Signal, dialer Dialer) *Adapter {
	return &Adapter{id: id, cfg: cfg, out: out, disc: disc, dialer: dialer}
}

// Open dials the target host, authenticates, and opens a PTY session.
// A credential failure returns a sentinel error the caller translates
// into RequiresPassword / RequiresUsernamePassword / Generic.
func (a *Adapter) Open(username, password string) error {
	if username == "" {
		return ErrNeedsUsernamePassword
	}
	if password == "" {
		return ErrNeedsPassword
	}

	client, err := Dial(a.cfg.Host, a.cfg.Port, username, password, a.dialer)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return fmt.Errorf("opening ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("requesting pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return fmt.Errorf("starting shell: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.session = session
	a.stdin = stdin
	a.mu.Unlock()

	a.touch()

	go a.pump(stdout)
	go a.pump(stderr)
	go a.watchExit()
	if a.cfg.InactivityTimeout > 0 {
		go a.watchInactivity()
	}

	return nil
}

// Write sends bytes from the browser into the session's stdin.
func (a *Adapter) Write(data []byte) error {
	a.mu.Lock()
	stdin := a.stdin
	a.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("ssh adapter: session not open")
	}
	a.touch()
	_, err := stdin.Write(data)
	return err
}

// Resize applies a terminal window-change request.
func (a *Adapter) Resize(cols, rows uint32) error {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.WindowChange(int(rows), int(cols))
}

// pump copies one stream (stdout or stderr) to the tunnel as TunnelData
// frames, using a non-blocking enqueue only. On Full or Closed it fires
// the disconnect signal once and returns without retrying.
func (a *Adapter) pump(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			a.touch()
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			payload := protocol.EncodeTunnelPayload(a.id, chunk)
			switch a.out.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolSSH, Payload: payload}) {
			case session.Accepted:
			case session.DroppedFull, session.DroppedClosed:
				a.disc.Fire()
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("ssh adapter read ended", "tunnel", a.id, "err", err)
			}
			a.disc.Fire()
			return
		}
	}
}

// watchExit waits for the session to finish (remote exit, channel
// close, channel failure) and fires the disconnect signal regardless
// of how it ended.
func (a *Adapter) watchExit() {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()
	if session == nil {
		return
	}
	session.Wait()
	a.disc.Fire()
}

// watchInactivity fires the disconnect signal if no bytes have crossed
// the adapter in either direction for cfg.InactivityTimeout, surfacing
// silent NAT/TCP drops as a close rather than a hang.
func (a *Adapter) watchInactivity() {
	ticker := time.NewTicker(a.cfg.InactivityTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if time.Since(a.lastSeenTime()) > a.cfg.InactivityTimeout {
				slog.Info("ssh adapter inactivity timeout", "tunnel", a.id)
				a.disc.Fire()
				return
			}
		case <-a.disc.Done():
			return
		}
	}
}

func (a *Adapter) touch() {
	a.mu.Lock()
	a.lastSeen = time.Now().UnixNano()
	a.mu.Unlock()
}

func (a *Adapter) lastSeenTime() time.Time {
	a.mu.Lock()
	ns := a.lastSeen
	a.mu.Unlock()
	return time.Unix(0, ns)
}

// Close releases the session and client. Safe to call more than once.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.session != nil {
		a.session.Close()
	}
	if a.client != nil {
		a.client.Close()
	}
}

func isAuthError(err error) bool {
	if _, ok := err.(*ssh.PermanentCredentialError); ok {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "unable to authenticate")
}
