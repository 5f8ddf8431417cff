package sshadapter

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/session"
	"github.com/relaywire/tunneld/internal/tunnel"
)

type fakeEnqueuer struct {
	accept bool
	frames []*protocol.Frame
}

func (f *fakeEnqueuer) TryEnqueue(frame *protocol.Frame) session.EnqueueResult {
	if !f.accept {
		return session.DroppedFull
	}
	f.frames = append(f.frames, frame)
	return session.Accepted
}

func (f *fakeEnqueuer) EnqueueControl(msg protocol.ControlMessage) session.EnqueueResult {
	return session.Accepted
}

func Test_open_rejects_when_no_username(t *testing.T) {
	id := uuid.New()
	a := New(id, Config{Host: "127.0.0.1", Port: 22}, &fakeEnqueuer{accept: true}, tunnel.NewSignal(), nil)
	require.ErrorIs(t, a.Open("", ""), ErrNeedsUsernamePassword)
}

func Test_open_rejects_when_no_password(t *testing.T) {
	id := uuid.New()
	a := New(id, Config{Host: "127.0.0.1", Port: 22}, &fakeEnqueuer{accept: true}, tunnel.NewSignal(), nil)
	require.ErrorIs(t, a.Open("root", ""), ErrNeedsPassword)
}

func Test_pump_forwards_accepted_frames(t *testing.T) {
	id := uuid.New()
	out := &fakeEnqueuer{accept: true}
	disc := tunnel.NewSignal()
	a := New(id, Config{Host: "127.0.0.1", Port: 22}, out, disc, nil)

	r, w := io.Pipe()
	go func() {
		w.Write([]byte("hello"))
		w.Close()
	}()

	a.pump(r)

	require.Len(t, out.frames, 1)
	gotID, data, err := protocol.DecodeTunnelPayload(out.frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, id, gotID)
	require.Equal(t, "hello", string(data))
	require.True(t, disc.Fired(), "pump must fire disconnect when its reader reaches EOF")
}

func Test_pump_fires_disconnect_and_stops_on_full_queue(t *testing.T) {
	id := uuid.New()
	out := &fakeEnqueuer{accept: false}
	disc := tunnel.NewSignal()
	a := New(id, Config{Host: "127.0.0.1", Port: 22}, out, disc, nil)

	r, w := io.Pipe()
	go func() {
		w.Write([]byte("x"))
		// never close; the pump must exit on its own via the disconnect
		// path rather than block waiting to read more.
	}()

	done := make(chan struct{})
	go func() {
		a.pump(r)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pump did not return after a saturated enqueue")
	}

	require.Empty(t, out.frames)
	require.True(t, disc.Fired())
}
