// Package session implements the agent and browser session loops: the
// relay core that pairs agent and browser WebSockets, runs the tunnel
// state machine, and enforces the non-blocking outbound discipline
// every producer of frames must follow.
package session

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/relaywire/tunneld/internal/protocol"
)

// EnqueueResult is the three-way outcome of a non-blocking enqueue.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	DroppedFull
	DroppedClosed
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DroppedFull:
		return "dropped_full"
	case DroppedClosed:
		return "dropped_closed"
	default:
		return "unknown"
	}
}

// Writer owns one WebSocket's outbound queue and is the only goroutine
// permitted to call conn.WriteMessage. Every other goroutine in the
// session must enqueue through TryEnqueue, which never blocks: a full
// or closed queue returns immediately rather than waiting for space.
type Writer struct {
	codec *protocol.Codec
	label string

	queue chan *protocol.Frame
	done  chan struct{}

	closeOnce sync.Once
	sent      atomic.Uint64
	logEvery  int
}

// NewWriter creates a writer with the configured queue capacity. label
// identifies the connection in log lines (agent id or connection id).
func NewWriter(codec *protocol.Codec, label string, cfg Config) *Writer {
	return &Writer{
		codec:    codec,
		label:    label,
		queue:    make(chan *protocol.Frame, cfg.OutboundQueueCapacity),
		done:     make(chan struct{}),
		logEvery: cfg.WriterLogEvery,
	}
}

// TryEnqueue attempts to place a frame on the outbound queue without
// blocking. It is the only sanctioned way for a producer to hand off a
// frame: data forwarding, heartbeats, ping/pong, and the control-frame
// router all call this instead of writing to the socket themselves.
func (w *Writer) TryEnqueue(f *protocol.Frame) EnqueueResult {
	select {
	case <-w.done:
		return DroppedClosed
	default:
	}

	select {
	case w.queue <- f:
		return Accepted
	default:
		return DroppedFull
	}
}

// EnqueueControl is a convenience wrapper that encodes a control
// message and enqueues the resulting frame.
func (w *Writer) EnqueueControl(msg protocol.ControlMessage) EnqueueResult {
	payload, err := protocol.EncodeControl(msg)
	if err != nil {
		slog.Error("encoding control message for enqueue", "conn", w.label, "err", err)
		return DroppedClosed
	}
	return w.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolControl, Payload: payload})
}

// Run drains the outbound queue and writes frames to the socket until
// the writer is closed or a write fails. It blocks the caller; run it
// in its own goroutine.
func (w *Writer) Run() error {
	for {
		select {
		case f, ok := <-w.queue:
			if !ok {
				return nil
			}
			if err := w.codec.WriteFrame(f); err != nil {
				w.Close()
				return fmt.Errorf("writer %s: %w", w.label, err)
			}
			n := w.sent.Add(1)
			if w.logEvery > 0 && n%uint64(w.logEvery) == 0 {
				slog.Info("writer frame count", "conn", w.label, "sent", n)
			}
		case <-w.done:
			return nil
		}
	}
}

// Close stops the writer and the underlying socket, which unblocks
// whatever goroutine is parked in the connection's read loop. Safe to
// call more than once and from any goroutine; TryEnqueue calls racing
// with Close see DroppedClosed rather than panicking on a closed
// channel send.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.codec.Close()
		slog.Info("writer closed", "conn", w.label, "sent", w.sent.Load())
	})
}

// Remaining reports the queue's free capacity, used by the watermark
// monitor.
func (w *Writer) Remaining() int {
	return cap(w.queue) - len(w.queue)
}

// Capacity returns the configured queue capacity.
func (w *Writer) Capacity() int {
	return cap(w.queue)
}
