package agent

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/session"
	"github.com/relaywire/tunneld/internal/tunnel"
)

func newTestLink() *Link {
	cfg := session.DefaultConfig()
	return &Link{
		cfg:     &Config{},
		writer:  session.NewWriter(nil, "test-node", cfg),
		tunnels: make(map[uuid.UUID]*activeTunnel),
		done:    make(chan struct{}),
	}
}

func Test_connection_disconnect_fires_every_owned_tunnel_signal(t *testing.T) {
	l := newTestLink()

	sidA, sidB := uuid.New(), uuid.New()
	atA := &activeTunnel{sid: sidA, cid: "conn-x", protocol: protocol.TunnelSSH, disc: tunnel.NewSignal()}
	atB := &activeTunnel{sid: sidB, cid: "conn-x", protocol: protocol.TunnelSFTP, disc: tunnel.NewSignal()}
	l.tunnels[sidA] = atA
	l.tunnels[sidB] = atB

	l.onConnectionDisconnect(&protocol.ConnectionDisconnectMsg{CID: "conn-x"})

	require.True(t, atA.disc.Fired())
	require.True(t, atB.disc.Fired())
}

func Test_drop_tunnel_removes_from_map_and_is_idempotent(t *testing.T) {
	l := newTestLink()
	sid := uuid.New()
	l.tunnels[sid] = &activeTunnel{sid: sid, protocol: protocol.TunnelSSH, disc: tunnel.NewSignal()}

	l.dropTunnel(sid)
	require.NotContains(t, l.tunnels, sid)

	// a second drop on an already-removed tunnel must not panic.
	require.NotPanics(t, func() { l.dropTunnel(sid) })
}

func Test_on_resize_ignores_unknown_sid(t *testing.T) {
	l := newTestLink()
	require.NotPanics(t, func() {
		l.onResize(&protocol.ResizeMsg{SID: uuid.New().String(), Cols: 80, Rows: 24})
	})
}

func Test_send_tunnel_error_enqueues_control_frame(t *testing.T) {
	l := newTestLink()
	before := l.writer.Remaining()

	l.sendTunnelError(uuid.New().String(), "msg-1", protocol.ErrKindGeneric, "boom")

	require.Equal(t, before-1, l.writer.Remaining())
}
