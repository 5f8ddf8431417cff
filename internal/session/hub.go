package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/relaywire/tunneld/internal/auth"
	"github.com/relaywire/tunneld/internal/registry"
	"github.com/relaywire/tunneld/internal/tunnel"
)

// Hub is the relay's process-wide lookup of connected agents and
// browsers. Together with the registry it is the only cross-goroutine
// shared state in the server.
type Hub struct {
	cfg    Config
	tokens auth.TokenValidator

	registry *registry.Registry

	mu       sync.RWMutex
	agents   map[string]*AgentConn
	browsers map[string]*BrowserConn
}

// NewHub wires a hub and its registry together. tokens may be nil,
// which disables auth entirely (development mode).
func NewHub(cfg Config, tokens auth.TokenValidator) *Hub {
	h := &Hub{
		cfg:      cfg,
		tokens:   tokens,
		agents:   make(map[string]*AgentConn),
		browsers: make(map[string]*BrowserConn),
	}
	h.registry = registry.New(cfg.MaxTunnelsPerAgent, h)
	return h
}

// Registry exposes the shared tunnel registry.
func (h *Hub) Registry() *registry.Registry {
	return h.registry
}

// AgentConnected implements registry.AgentLookup.
func (h *Hub) AgentConnected(agentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[agentID]
	return ok
}

func (h *Hub) addAgent(a *AgentConn) {
	h.mu.Lock()
	h.agents[a.id] = a
	h.mu.Unlock()
}

func (h *Hub) removeAgent(a *AgentConn) {
	h.mu.Lock()
	if cur, ok := h.agents[a.id]; ok && cur == a {
		delete(h.agents, a.id)
	}
	h.mu.Unlock()
}

func (h *Hub) lookupAgent(id string) (*AgentConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.agents[id]
	return a, ok
}

func (h *Hub) addBrowser(b *BrowserConn) {
	h.mu.Lock()
	h.browsers[b.id] = b
	h.mu.Unlock()
}

func (h *Hub) removeBrowser(b *BrowserConn) {
	h.mu.Lock()
	if cur, ok := h.browsers[b.id]; ok && cur == b {
		delete(h.browsers, b.id)
	}
	h.mu.Unlock()
}

func (h *Hub) lookupBrowser(id string) (*BrowserConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.browsers[id]
	return b, ok
}

// RunIdleSweep periodically closes any Open tunnel that has carried no
// traffic for longer than cfg.AdapterInactivity. This is the relay-side
// half of the inactivity timeout: it covers every tunnel protocol,
// including ones where neither side has sent a byte since opening,
// which the agent-side SSH adapter's own idle timer (scoped to one
// already-open PTY session) never sees. A non-positive AdapterInactivity
// disables the sweep. Returns when ctx is cancelled.
func (h *Hub) RunIdleSweep(ctx context.Context) {
	if h.cfg.AdapterInactivity <= 0 {
		return
	}
	interval := h.cfg.AdapterInactivity / 4
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, t := range h.registry.All() {
				if t.State() != tunnel.StateOpen {
					continue
				}
				if t.IdleFor() > h.cfg.AdapterInactivity {
					h.closeTunnelIdle(t)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// NodeInfo is the JSON shape returned by GET /api/nodes.
type NodeInfo struct {
	NodeID      string    `json:"node_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
	Tunnels     int       `json:"tunnels"`
}

// ConnectionInfo is the JSON shape returned by GET /api/connections.
type ConnectionInfo struct {
	ConnectionID string    `json:"connection_id"`
	RemoteAddr   string    `json:"remote_addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	Tunnels      int       `json:"tunnels"`
}

// ListNodes snapshots every connected agent, falling out of the
// registry and hub maps already required by the session loops.
func (h *Hub) ListNodes() []NodeInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]NodeInfo, 0, len(h.agents))
	for id, a := range h.agents {
		out = append(out, NodeInfo{
			NodeID:      id,
			RemoteAddr:  a.remoteAddr,
			ConnectedAt: a.connectedAt,
			Tunnels:     len(h.registry.ListByAgent(id)),
		})
	}
	return out
}

// ListConnections snapshots every connected browser.
func (h *Hub) ListConnections() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(h.browsers))
	for id, b := range h.browsers {
		out = append(out, ConnectionInfo{
			ConnectionID: id,
			RemoteAddr:   b.remoteAddr,
			ConnectedAt:  b.connectedAt,
			Tunnels:      len(h.registry.ListByConnection(id)),
		})
	}
	return out
}

// MarshalNodes and MarshalConnections exist purely so internal/relay's thin
// HTTP handlers stay one-liners.
func (h *Hub) MarshalNodes() ([]byte, error) {
	return json.Marshal(h.ListNodes())
}

func (h *Hub) MarshalConnections() ([]byte, error) {
	return json.Marshal(h.ListConnections())
}
