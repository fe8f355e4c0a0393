package sshtunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// State is the lifecycle state of a tunnel.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrTunnelNotReady means the tunnel's local port cannot be handed out in its
// current state. Transient while a reconnect is in flight.
var ErrTunnelNotReady = errors.New("tunnel not ready")

// Reconnection backoff configuration. Package-level vars so tests can override.
var (
	reconnectBaseBackoff = 1 * time.Second
	reconnectMaxBackoff  = 16 * time.Second
)

// Endpoint describes an SSH relay and the remote database target behind it.
// PrivateKey may be raw PEM material or a filesystem path (already decrypted).
type Endpoint struct {
	SSHHost    string
	SSHPort    int
	SSHUser    string
	PrivateKey string
	RemoteHost string
	RemotePort int
}

// key identifies the shared tunnel for this relay + target pair.
func (e Endpoint) key() string {
	return fmt.Sprintf("%s@%s:%d/%s:%d", e.SSHUser, e.SSHHost, e.SSHPort, e.RemoteHost, e.RemotePort)
}

func (e Endpoint) sshAddr() string {
	return net.JoinHostPort(e.SSHHost, fmt.Sprintf("%d", e.SSHPort))
}

func (e Endpoint) remoteAddr() string {
	return net.JoinHostPort(e.RemoteHost, fmt.Sprintf("%d", e.RemotePort))
}

// sshSession is the subset of *ssh.Client the tunnel needs. Tests substitute
// a fake via the dialSession package var.
type sshSession interface {
	Dial(network, addr string) (net.Conn, error)
	Wait() error
	Close() error
}

// dialSession establishes the SSH session. Package-level var so tests can
// swap in a fake transport.
var dialSession = func(addr string, cfg *ssh.ClientConfig) (sshSession, error) {
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Tunnel forwards local connections to a remote database through SSH.
// All mutable fields are guarded by mu; the session and listener are replaced
// wholesale on reconnect, never mutated in place.
type Tunnel struct {
	endpoint Endpoint
	manager  *Manager

	mu         sync.Mutex
	state      State
	session    sshSession
	listener   net.Listener
	localPort  int
	lastUsed   time.Time
	reconnects int
}

func newTunnel(ep Endpoint, m *Manager) *Tunnel {
	return &Tunnel{
		endpoint: ep,
		manager:  m,
		state:    StateConnecting,
		lastUsed: time.Now(),
	}
}

// State returns the tunnel's current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// LocalAddr returns the 127.0.0.1:port endpoint while the tunnel is ready.
// The port may change across reconnects; callers must not cache it.
func (t *Tunnel) LocalAddr() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady {
		return "", fmt.Errorf("%w: state=%s", ErrTunnelNotReady, t.state)
	}
	t.lastUsed = time.Now()
	return fmt.Sprintf("127.0.0.1:%d", t.localPort), nil
}

// LastUsed returns when forwarded traffic or a port lookup last touched the tunnel.
func (t *Tunnel) LastUsed() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUsed
}

// Reconnects returns how many times the tunnel has re-established its session.
func (t *Tunnel) Reconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconnects
}

// connect establishes the SSH session and local listener, then transitions to
// ready. Called for the initial dial and for every reconnect attempt.
func (t *Tunnel) connect(ctx context.Context) error {
	signer, err := ParsePrivateKey(t.endpoint.PrivateKey)
	if err != nil {
		return err
	}

	cfg := &ssh.ClientConfig{
		User:            t.endpoint.SSHUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.manager.connectTimeout,
	}

	sess, err := dialSession(t.endpoint.sshAddr(), cfg)
	if err != nil {
		return fmt.Errorf("ssh dial %s: %w", t.endpoint.sshAddr(), err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		sess.Close()
		return fmt.Errorf("listen on local port: %w", err)
	}

	t.mu.Lock()
	if t.state == StateClosed {
		// Closed while we were dialing
		t.mu.Unlock()
		listener.Close()
		sess.Close()
		return fmt.Errorf("tunnel closed during connect")
	}
	t.session = sess
	t.listener = listener
	t.localPort = listener.Addr().(*net.TCPAddr).Port
	t.state = StateReady
	t.lastUsed = time.Now()
	t.mu.Unlock()

	go t.forward(listener, sess)
	go t.monitor(sess)

	log.Printf("[tunnel] %s ready on 127.0.0.1:%d", t.endpoint.key(), listener.Addr().(*net.TCPAddr).Port)
	return nil
}

// forward accepts local connections and pipes them to the remote database
// through the given session. Exits when the listener closes.
func (t *Tunnel) forward(listener net.Listener, sess sshSession) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}

		t.mu.Lock()
		t.lastUsed = time.Now()
		t.mu.Unlock()

		remote, err := sess.Dial("tcp", t.endpoint.remoteAddr())
		if err != nil {
			log.Printf("[tunnel] %s: dial remote %s: %v", t.endpoint.key(), t.endpoint.remoteAddr(), err)
			conn.Close()
			continue
		}

		go bidirectionalCopy(conn, remote)
	}
}

// monitor waits for the session to die. A deliberate Close leaves the state
// at closed and the monitor exits quietly; an unexpected death while ready
// triggers reconnection.
func (t *Tunnel) monitor(sess sshSession) {
	err := sess.Wait()

	t.mu.Lock()
	if t.state != StateReady || t.session != sess {
		t.mu.Unlock()
		return
	}
	t.state = StateReconnecting
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	t.session = nil
	t.mu.Unlock()

	log.Printf("[tunnel] %s: session died (%v), reconnecting", t.endpoint.key(), err)
	t.reconnectLoop()
}

// reconnectLoop retries the SSH session with exponential backoff up to the
// manager's attempt cap. Success returns the tunnel to ready on a fresh local
// port; exhausting the cap closes the tunnel and removes it from the registry.
func (t *Tunnel) reconnectLoop() {
	backoff := reconnectBaseBackoff
	maxAttempts := t.manager.maxReconnects

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		time.Sleep(backoff)
		backoff *= 2
		if backoff > reconnectMaxBackoff {
			backoff = reconnectMaxBackoff
		}

		if t.State() == StateClosed {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), t.manager.connectTimeout)
		err := t.connect(ctx)
		cancel()
		if err == nil {
			t.mu.Lock()
			t.reconnects++
			t.mu.Unlock()
			log.Printf("[tunnel] %s: reconnected after %d attempt(s)", t.endpoint.key(), attempt)
			return
		}
		log.Printf("[tunnel] %s: reconnect attempt %d/%d failed: %v", t.endpoint.key(), attempt, maxAttempts, err)
	}

	log.Printf("[tunnel] %s: giving up after %d attempts", t.endpoint.key(), maxAttempts)
	t.Close()
	t.manager.remove(t.endpoint.key())
}

// Close tears the tunnel down and marks it closed. Idempotent.
func (t *Tunnel) Close() error {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = StateClosed
	listener := t.listener
	sess := t.session
	t.listener = nil
	t.session = nil
	t.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if sess != nil {
		return sess.Close()
	}
	return nil
}

// bidirectionalCopy pipes data between two connections until one side closes.
func bidirectionalCopy(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	<-done
	a.Close()
	b.Close()
	<-done
}
