package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/registry"
)

// stubAgent reports every id as connected, letting tests open tunnels
// without running the full ServeAgent handshake.
type stubAgent struct{}

func (stubAgent) AgentConnected(agentID string) bool { return true }

func newTestHub(queueCapacity int) (*Hub, Config) {
	cfg := DefaultConfig()
	cfg.OutboundQueueCapacity = queueCapacity
	h := NewHub(cfg, nil)
	h.registry = registry.New(cfg.MaxTunnelsPerAgent, stubAgent{})
	return h, cfg
}

func Test_forward_frame_drops_and_closes_tunnel_on_saturated_queue(t *testing.T) {
	h, cfg := newTestHub(1)

	tun, err := h.registry.Open("node-a", "conn-b", protocol.TunnelSSH, false)
	require.NoError(t, err)

	a := &AgentConn{id: "node-a", writer: NewWriter(nil, "node-a", cfg), done: make(chan struct{})}
	b := &BrowserConn{id: "conn-b", writer: NewWriter(nil, "conn-b", cfg), done: make(chan struct{})}
	h.addAgent(a)
	h.addBrowser(b)

	frame := &protocol.Frame{ProtocolID: protocol.ProtocolSSH, Payload: []byte("data")}

	// first frame fits in the capacity-1 queue.
	h.forwardFrame(tun, b.writer, frame)
	require.Equal(t, 0, b.writer.Remaining())

	// second frame finds the queue full; forwardFrame must not block and
	// must tear the tunnel down rather than retry.
	done := make(chan struct{})
	go func() {
		h.forwardFrame(tun, b.writer, frame)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwardFrame blocked instead of dropping")
	}

	require.True(t, tun.Disconnect().Fired())
	require.Equal(t, 0, h.registry.Len())
}

func Test_forward_control_drops_and_closes_tunnel_when_writer_closed(t *testing.T) {
	h, cfg := newTestHub(4)

	tun, err := h.registry.Open("node-a", "conn-b", protocol.TunnelSSH, false)
	require.NoError(t, err)

	a := &AgentConn{id: "node-a", writer: NewWriter(nil, "node-a", cfg), done: make(chan struct{})}
	b := &BrowserConn{id: "conn-b", writer: NewWriter(nil, "conn-b", cfg), done: make(chan struct{})}
	h.addAgent(a)
	h.addBrowser(b)

	close(b.writer.done)

	h.forwardControl(tun, b.writer, &protocol.ResizeMsg{NodeID: "node-a", SID: tun.ID.String(), Cols: 80, Rows: 24})

	require.True(t, tun.Disconnect().Fired())
	require.Equal(t, 0, h.registry.Len())
}

func Test_close_tunnel_backpressure_is_reachable_from_both_sides(t *testing.T) {
	h, cfg := newTestHub(0)

	tun, err := h.registry.Open("node-a", "conn-b", protocol.TunnelSSH, false)
	require.NoError(t, err)

	a := &AgentConn{id: "node-a", writer: NewWriter(nil, "node-a", cfg), done: make(chan struct{})}
	b := &BrowserConn{id: "conn-b", writer: NewWriter(nil, "conn-b", cfg), done: make(chan struct{})}
	h.addAgent(a)
	h.addBrowser(b)

	// a zero-capacity queue is full from the first enqueue.
	h.closeTunnelBackpressure(tun)

	require.True(t, tun.Disconnect().Fired())
	require.Equal(t, 0, h.registry.Len())
}
