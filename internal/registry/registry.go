// Package registry implements the server-wide tunnel registry: the one
// cross-task shared structure in the relay. It maps tunnel ids to
// Tunnel state, allocates ids, and drives cascade teardown by agent or
// by browser connection.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/tunnel"
)

var (
	ErrAgentUnknown  = errors.New("registry: agent unknown")
	ErrRegistryFull  = errors.New("registry: full")
	ErrUnknownTunnel = errors.New("registry: unknown tunnel")
)

// AgentLookup reports whether an agent id currently has a live
// connection. The registry depends on this interface rather than on
// the session package directly, so the two packages don't import each
// other.
type AgentLookup interface {
	AgentConnected(agentID string) bool
}

// Registry is a per-server singleton, safe for concurrent use. One
// RWMutex guards the tunnel map and both indexes; enumerations take a
// short snapshot read and never hold the lock across a socket await.
type Registry struct {
	maxTunnels int
	agents     AgentLookup

	mu      sync.RWMutex
	tunnels map[uuid.UUID]*tunnel.Tunnel
	byAgent map[string]map[uuid.UUID]struct{}
	byConn  map[string]map[uuid.UUID]struct{}
}

// New creates an empty registry. maxTunnels <= 0 means unbounded.
func New(maxTunnels int, agents AgentLookup) *Registry {
	return &Registry{
		maxTunnels: maxTunnels,
		agents:     agents,
		tunnels:    make(map[uuid.UUID]*tunnel.Tunnel),
		byAgent:    make(map[string]map[uuid.UUID]struct{}),
		byConn:     make(map[string]map[uuid.UUID]struct{}),
	}
}

// Open allocates a new tunnel id, inserts a tunnel in the Opening
// state, and indexes it by agent and connection. It never yields a
// colliding id: uuid.New draws from a 122-bit random space, and the
// registry additionally guards against the practically-impossible
// collision before committing.
func (r *Registry) Open(agentID, connectionID string, proto protocol.TunnelProtocol, hasCreds bool) (*tunnel.Tunnel, error) {
	if !r.agents.AgentConnected(agentID) {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, agentID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxTunnels > 0 && len(r.tunnels) >= r.maxTunnels {
		return nil, ErrRegistryFull
	}

	id := uuid.New()
	for {
		if _, exists := r.tunnels[id]; !exists {
			break
		}
		id = uuid.New()
	}

	t := tunnel.New(id, proto, agentID, connectionID, hasCreds)
	r.tunnels[id] = t
	r.indexLocked(r.byAgent, agentID, id)
	r.indexLocked(r.byConn, connectionID, id)
	return t, nil
}

// Reopen re-opens an existing tunnel (held in AwaitingCreds) for an
// OpenTunnel retry, so a browser retrying with identical msg_id lands
// on the same sid instead of a duplicate.
func (r *Registry) Reopen(id uuid.UUID) (*tunnel.Tunnel, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTunnel, id)
	}
	t.SetState(tunnel.StateOpening)
	return t, nil
}

func (r *Registry) indexLocked(index map[string]map[uuid.UUID]struct{}, key string, id uuid.UUID) {
	set, ok := index[key]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

// Get returns the tunnel for id, if it exists.
func (r *Registry) Get(id uuid.UUID) (*tunnel.Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// Deliver resolves the tunnel a data frame belongs to. Returns
// ErrUnknownTunnel when the id is not (or no longer) registered.
func (r *Registry) Deliver(id uuid.UUID) (*tunnel.Tunnel, error) {
	t, ok := r.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTunnel, id)
	}
	return t, nil
}

// Close is idempotent: the second and later calls for the same id are
// no-ops. It transitions the tunnel to Closed, fires its disconnect
// signal exactly once, and removes it from every index.
func (r *Registry) Close(id uuid.UUID) {
	r.mu.Lock()
	t, ok := r.tunnels[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.tunnels, id)
	r.unindexLocked(r.byAgent, t.AgentID, id)
	r.unindexLocked(r.byConn, t.ConnectionID, id)
	r.mu.Unlock()

	t.SetState(tunnel.StateClosed)
	t.Disconnect().Fire()
}

func (r *Registry) unindexLocked(index map[string]map[uuid.UUID]struct{}, key string, id uuid.UUID) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// ListByAgent snapshots every tunnel currently owned by an agent, for
// cascade teardown when that agent's socket closes.
func (r *Registry) ListByAgent(agentID string) []*tunnel.Tunnel {
	return r.listLocked(r.byAgent, agentID)
}

// ListByConnection snapshots every tunnel currently owned by a browser
// connection, for cascade teardown when that browser's socket closes.
func (r *Registry) ListByConnection(connectionID string) []*tunnel.Tunnel {
	return r.listLocked(r.byConn, connectionID)
}

func (r *Registry) listLocked(index map[string]map[uuid.UUID]struct{}, key string) []*tunnel.Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := index[key]
	out := make([]*tunnel.Tunnel, 0, len(ids))
	for id := range ids {
		if t, ok := r.tunnels[id]; ok {
			out = append(out, t)
		}
	}
	return out
}

// All snapshots every currently registered tunnel, for the relay's
// idle sweep to scan without holding the registry lock for the
// duration of the scan.
func (r *Registry) All() []*tunnel.Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*tunnel.Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// Len reports how many tunnels are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tunnels)
}
