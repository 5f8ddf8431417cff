package sftpadapter

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/session"
	"github.com/relaywire/tunneld/internal/tunnel"
)

type fakeEnqueuer struct {
	accept bool
	sent   []*protocol.Frame
}

func (f *fakeEnqueuer) TryEnqueue(frame *protocol.Frame) session.EnqueueResult {
	if !f.accept {
		return session.DroppedFull
	}
	f.sent = append(f.sent, frame)
	return session.Accepted
}

func (f *fakeEnqueuer) EnqueueControl(msg protocol.ControlMessage) session.EnqueueResult {
	return session.Accepted
}

func newBareAdapter(out Enqueuer, disc *tunnel.Signal) *Adapter {
	return &Adapter{
		id:        uuid.New(),
		out:       out,
		disc:      disc,
		chunkSize: DefaultChunkSize,
		downloads: make(map[string]*download),
		uploads:   make(map[string]*upload),
	}
}

func Test_send_delivers_through_enqueuer(t *testing.T) {
	out := &fakeEnqueuer{accept: true}
	a := newBareAdapter(out, tunnel.NewSignal())

	a.send(&protocol.SFTPOkMsg{MsgID: "1"})

	require.Len(t, out.sent, 1)
	require.Equal(t, protocol.ProtocolSFTP, out.sent[0].ProtocolID)

	_, payload, err := protocol.DecodeTunnelPayload(out.sent[0].Payload)
	require.NoError(t, err)
	decoded, err := protocol.DecodeSFTP(payload)
	require.NoError(t, err)
	require.Equal(t, &protocol.SFTPOkMsg{MsgID: "1"}, decoded)
}

func Test_send_fires_disconnect_on_saturated_queue(t *testing.T) {
	out := &fakeEnqueuer{accept: false}
	disc := tunnel.NewSignal()
	a := newBareAdapter(out, disc)

	a.send(&protocol.SFTPOkMsg{MsgID: "1"})

	require.Empty(t, out.sent)
	require.True(t, disc.Fired())
}

func Test_handle_unknown_message_does_not_panic(t *testing.T) {
	out := &fakeEnqueuer{accept: true}
	a := newBareAdapter(out, tunnel.NewSignal())

	require.NotPanics(t, func() {
		a.Handle(&protocol.SFTPOkMsg{MsgID: "ignored"})
	})
}
