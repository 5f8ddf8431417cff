package session

import (
	"testing"
	"time"

	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/stretchr/testify/require"
)

// saturatedWriter returns a writer whose Run loop is never started, so
// its queue fills after exactly cap(queue) successful enqueues.
func saturatedWriter(capacity int) *Writer {
	cfg := DefaultConfig()
	cfg.OutboundQueueCapacity = capacity
	w := NewWriter(nil, "test", cfg)
	return w
}

func Test_try_enqueue_accepts_until_full(t *testing.T) {
	w := saturatedWriter(4)
	for i := 0; i < 4; i++ {
		res := w.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolSSH, Payload: []byte("x")})
		require.Equal(t, Accepted, res)
	}
}

func Test_try_enqueue_never_blocks_on_full_queue(t *testing.T) {
	w := saturatedWriter(2)
	for i := 0; i < 2; i++ {
		require.Equal(t, Accepted, w.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolSSH}))
	}

	// the third call must return immediately with DroppedFull rather
	// than block waiting for the writer to drain (no writer is running).
	done := make(chan EnqueueResult, 1)
	go func() {
		done <- w.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolSSH})
	}()

	select {
	case res := <-done:
		require.Equal(t, DroppedFull, res)
	case <-time.After(time.Second):
		t.Fatal("TryEnqueue blocked on a full queue")
	}
}

func Test_try_enqueue_after_close_is_dropped_closed(t *testing.T) {
	w := saturatedWriter(4)
	w.closeOnce.Do(func() { close(w.done) })

	res := w.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolSSH})
	require.Equal(t, DroppedClosed, res)
}

func Test_remaining_tracks_queue_occupancy(t *testing.T) {
	w := saturatedWriter(10)
	require.Equal(t, 10, w.Remaining())
	w.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolSSH})
	require.Equal(t, 9, w.Remaining())
}
