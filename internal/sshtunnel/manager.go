package sshtunnel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Manager is the tunnel registry. One Tunnel per relay + remote target,
// shared by every connection-factory call that needs it.
type Manager struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration
	maxReconnects  int

	mu      sync.Mutex
	tunnels map[string]*Tunnel
}

// NewManager creates a tunnel registry.
func NewManager(connectTimeout, idleTimeout time.Duration, maxReconnects int) *Manager {
	return &Manager{
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
		maxReconnects:  maxReconnects,
		tunnels:        make(map[string]*Tunnel),
	}
}

// LocalAddr returns a 127.0.0.1:port endpoint forwarding to the remote
// database behind ep, creating or reusing the shared tunnel. If the tunnel is
// mid-reconnect, LocalAddr waits for it to become ready until ctx expires.
func (m *Manager) LocalAddr(ctx context.Context, ep Endpoint) (string, error) {
	key := ep.key()

	m.mu.Lock()
	t, ok := m.tunnels[key]
	if ok && t.State() == StateClosed {
		delete(m.tunnels, key)
		ok = false
	}
	if !ok {
		t = newTunnel(ep, m)
		m.tunnels[key] = t
	}
	m.mu.Unlock()

	if !ok {
		if err := t.connect(ctx); err != nil {
			m.remove(key)
			t.Close()
			return "", fmt.Errorf("establish tunnel %s: %w", key, err)
		}
	}

	return m.awaitReady(ctx, t)
}

// awaitReady polls the tunnel until it exposes a local port or ctx expires.
// A tunnel that transitions to closed while we wait is a hard failure.
func (m *Manager) awaitReady(ctx context.Context, t *Tunnel) (string, error) {
	for {
		addr, err := t.LocalAddr()
		if err == nil {
			return addr, nil
		}
		if t.State() == StateClosed {
			return "", fmt.Errorf("tunnel %s: %w", t.endpoint.key(), ErrTunnelNotReady)
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("tunnel %s: %w", t.endpoint.key(), ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Lookup returns the registered tunnel for ep, if any.
func (m *Manager) Lookup(ep Endpoint) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[ep.key()]
	return t, ok
}

// CloseIdle closes tunnels with no forwarded traffic for the idle timeout.
// Invoked by the same periodic sweep that health-checks cached handles.
func (m *Manager) CloseIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Tunnel
	for key, t := range m.tunnels {
		if t.State() == StateReady && t.LastUsed().Before(cutoff) {
			idle = append(idle, t)
			delete(m.tunnels, key)
		}
	}
	m.mu.Unlock()

	for _, t := range idle {
		log.Printf("[tunnel] closing idle tunnel %s (last used %s)", t.endpoint.key(), t.LastUsed().Format(time.RFC3339))
		t.Close()
	}
}

// CloseAll tears down every tunnel. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.tunnels
	m.tunnels = make(map[string]*Tunnel)
	m.mu.Unlock()

	for _, t := range all {
		t.Close()
	}
	if len(all) > 0 {
		log.Printf("[tunnel] closed %d tunnel(s)", len(all))
	}
}

// TunnelStatus is an immutable snapshot of one tunnel for the ops surface.
type TunnelStatus struct {
	Key        string    `json:"key"`
	State      string    `json:"state"`
	LocalPort  int       `json:"local_port"`
	LastUsed   time.Time `json:"last_used"`
	Reconnects int       `json:"reconnects"`
}

// Status returns a snapshot of all registered tunnels.
func (m *Manager) Status() []TunnelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TunnelStatus, 0, len(m.tunnels))
	for key, t := range m.tunnels {
		t.mu.Lock()
		out = append(out, TunnelStatus{
			Key:        key,
			State:      t.state.String(),
			LocalPort:  t.localPort,
			LastUsed:   t.lastUsed,
			Reconnects: t.reconnects,
		})
		t.mu.Unlock()
	}
	return out
}

// remove drops a tunnel from the registry. The tunnel's own lifecycle calls
// this after exceeding the reconnect cap.
func (m *Manager) remove(key string) {
	m.mu.Lock()
	delete(m.tunnels, key)
	m.mu.Unlock()
}
