package session

import (
	"github.com/relaywire/tunneld/internal/metrics"
	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/tunnel"
)

// forwardFrame delivers a raw SSH/SFTP data frame to the writer on the
// far side of a tunnel. This, and forwardControl below, are the
// control-frame router's only two hand-off points, and both apply the
// non-blocking discipline: on Full or Closed they fire the tunnel's
// disconnect signal once and close the tunnel rather than waiting or
// retrying.
func (h *Hub) forwardFrame(t *tunnel.Tunnel, w *Writer, f *protocol.Frame) {
	switch w.TryEnqueue(f) {
	case Accepted:
		metrics.Global.FramesSent.Add(1)
		t.Touch()
	case DroppedFull, DroppedClosed:
		h.closeTunnelBackpressure(t)
	}
}

// forwardControl delivers a tunnel-scoped control message (TunnelOpened,
// TunnelClosed, Error, Resize, ...) to one side's writer under the same
// non-blocking discipline as forwardFrame.
func (h *Hub) forwardControl(t *tunnel.Tunnel, w *Writer, msg protocol.ControlMessage) {
	switch w.EnqueueControl(msg) {
	case Accepted:
	case DroppedFull, DroppedClosed:
		h.closeTunnelBackpressure(t)
	}
}

// closeTunnelBackpressure handles the "downstream saturated" row of the
// tunnel state machine: it best-effort notifies whichever side is still
// reachable with Error{Backpressure} before tearing the tunnel down.
func (h *Hub) closeTunnelBackpressure(t *tunnel.Tunnel) {
	metrics.Global.BackpressureDrop.Add(1)
	errMsg := &protocol.ErrorMsg{Kind: protocol.ErrKindBackpressure, Message: "outbound queue saturated"}
	if a, ok := h.lookupAgent(t.AgentID); ok {
		a.writer.EnqueueControl(errMsg)
	}
	if b, ok := h.lookupBrowser(t.ConnectionID); ok {
		b.writer.EnqueueControl(errMsg)
	}
	h.closeTunnel(t)
}

// closeTunnelIdle handles a tunnel that RunIdleSweep found has carried
// no traffic for longer than the configured inactivity window.
func (h *Hub) closeTunnelIdle(t *tunnel.Tunnel) {
	errMsg := &protocol.ErrorMsg{Kind: protocol.ErrKindGeneric, Message: "tunnel idle timeout"}
	if a, ok := h.lookupAgent(t.AgentID); ok {
		a.writer.EnqueueControl(errMsg)
	}
	if b, ok := h.lookupBrowser(t.ConnectionID); ok {
		b.writer.EnqueueControl(errMsg)
	}
	h.closeTunnel(t)
}

// closeTunnel fires the tunnel's disconnect signal, removes it from the
// registry, and best-effort notifies both sides with TunnelClosed. The
// notification uses TryEnqueue and is allowed to silently drop if a
// queue is already saturated or the peer is already gone.
func (h *Hub) closeTunnel(t *tunnel.Tunnel) {
	t.Disconnect().Fire()
	h.registry.Close(t.ID)
	metrics.Global.TunnelsClosed.Add(1)

	closed := &protocol.TunnelClosedMsg{Protocol: t.Protocol, SID: t.ID.String()}
	if a, ok := h.lookupAgent(t.AgentID); ok {
		a.writer.EnqueueControl(closed)
	}
	if b, ok := h.lookupBrowser(t.ConnectionID); ok {
		b.writer.EnqueueControl(closed)
	}
}
