package tunnel

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaywire/tunneld/internal/protocol"
)

// Tunnel is the central entity of the relay: one logical byte stream
// between a browser connection and an agent, identified by ID (the
// wire "sid"). A Tunnel never outlives the registry entry that owns
// it; weak back-references to the owning sessions are plain IDs
// (AgentID, ConnectionID), not pointers, so teardown is orderable
// without reference cycles.
type Tunnel struct {
	ID           uuid.UUID
	Protocol     protocol.TunnelProtocol
	AgentID      string
	ConnectionID string

	mu         sync.Mutex
	state      State
	hasCreds   bool
	lastActive time.Time

	disconnect *Signal
}

// New creates a tunnel in the Opening state.
func New(id uuid.UUID, proto protocol.TunnelProtocol, agentID, connectionID string, hasCreds bool) *Tunnel {
	return &Tunnel{
		ID:           id,
		Protocol:     proto,
		AgentID:      agentID,
		ConnectionID: connectionID,
		state:        StateOpening,
		hasCreds:     hasCreds,
		lastActive:   time.Now(),
		disconnect:   NewSignal(),
	}
}

// State returns the current lifecycle state.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the tunnel to a new state.
func (t *Tunnel) SetState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// HasCreds reports whether the current OpenTunnel attempt supplied a
// credential hint (username/password).
func (t *Tunnel) HasCreds() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasCreds
}

// SetHasCreds updates the credential hint, used when a browser retries
// OpenTunnel with credentials while the tunnel sits in AwaitingCreds.
func (t *Tunnel) SetHasCreds(v bool) {
	t.mu.Lock()
	t.hasCreds = v
	t.mu.Unlock()
}

// Touch records activity for the inactivity timeout.
func (t *Tunnel) Touch() {
	t.mu.Lock()
	t.lastActive = time.Now()
	t.mu.Unlock()
}

// IdleFor reports how long the tunnel has been without activity.
func (t *Tunnel) IdleFor() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastActive)
}

// Disconnect returns the tunnel's one-shot teardown signal.
func (t *Tunnel) Disconnect() *Signal {
	return t.disconnect
}
