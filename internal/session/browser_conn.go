package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaywire/tunneld/internal/metrics"
	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/tunnel"
)

// BrowserConn is the server-side half of one browser's WebSocket. It
// tracks every tunnel_id it has opened and, per OpenTunnel's
// idempotence law, the mapping from client-issued msg_id to the
// tunnel that request produced so an AwaitingCreds retry lands on the
// same tunnel rather than a duplicate.
type BrowserConn struct {
	id         string
	remoteAddr string
	codec      *protocol.Codec
	writer     *Writer
	hub        *Hub
	cfg        Config

	connectedAt time.Time

	mu             sync.Mutex
	lastPongAt     time.Time
	pendingByMsgID map[string]uuid.UUID

	done      chan struct{}
	closeOnce sync.Once
}

// ServeBrowser runs one already-upgraded browser connection to completion.
func ServeBrowser(hub *Hub, conn *websocket.Conn, requireAuth bool) {
	codec := protocol.NewCodec(conn)
	cfg := hub.cfg

	if requireAuth {
		if err := codec.SetReadDeadline(time.Now().Add(cfg.AuthTimeout)); err != nil {
			codec.Close()
			return
		}
		frame, err := codec.ReadFrame()
		if err != nil {
			slog.Warn("browser disconnected before auth", "remote", codec.RemoteAddr(), "err", err)
			codec.Close()
			return
		}
		if frame.ProtocolID != protocol.ProtocolControl {
			codec.Close()
			return
		}
		msg, err := protocol.DecodeControl(frame.Payload)
		if err != nil {
			codec.Close()
			return
		}
		authMsg, ok := msg.(*protocol.AuthMsg)
		if !ok {
			codec.Close()
			return
		}
		if hub.tokens != nil {
			if err := hub.tokens.Validate(authMsg.Token); err != nil {
				metrics.Global.AuthFailures.Add(1)
				payload, _ := protocol.EncodeControl(&protocol.ErrorMsg{Kind: protocol.ErrKindAuthFailed, Message: "auth failed"})
				codec.WriteFrame(&protocol.Frame{ProtocolID: protocol.ProtocolControl, Payload: payload})
				codec.Close()
				return
			}
		}
	}

	id := "conn-" + uuid.New().String()
	now := time.Now()
	b := &BrowserConn{
		id:             id,
		remoteAddr:     codec.RemoteAddr(),
		codec:          codec,
		writer:         NewWriter(codec, id, cfg),
		hub:            hub,
		cfg:            cfg,
		connectedAt:    now,
		lastPongAt:     now,
		pendingByMsgID: make(map[string]uuid.UUID),
		done:           make(chan struct{}),
	}

	hub.addBrowser(b)
	slog.Info("browser connected", "id", id, "remote", b.remoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); b.writer.Run() }()
	go func() { defer wg.Done(); WatchWatermark(ctx, b.writer, id, cfg) }()
	go func() { defer wg.Done(); b.pingLoop(ctx) }()

	err := b.readLoop()
	b.teardown(err)

	cancel()
	b.writer.Close()
	wg.Wait()
}

func (b *BrowserConn) readLoop() error {
	for {
		if err := b.codec.SetReadDeadline(time.Now().Add(b.cfg.PingInterval + b.cfg.PongTimeout)); err != nil {
			return err
		}
		frame, err := b.codec.ReadFrame()
		if err != nil {
			select {
			case <-b.done:
				return nil
			default:
				return err
			}
		}
		metrics.Global.FramesReceived.Add(1)
		b.dispatch(frame)
	}
}

func (b *BrowserConn) dispatch(f *protocol.Frame) {
	switch f.ProtocolID {
	case protocol.ProtocolControl:
		b.dispatchControl(f.Payload)
	case protocol.ProtocolSSH, protocol.ProtocolSFTP:
		b.dispatchData(f)
	default:
		slog.Warn("browser sent frame with unknown protocol id", "conn", b.id, "protocol_id", f.ProtocolID)
	}
}

func (b *BrowserConn) dispatchControl(payload []byte) {
	msg, err := protocol.DecodeControl(payload)
	if err != nil {
		slog.Warn("malformed control frame from browser", "conn", b.id, "err", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.PingMsg:
		b.writer.EnqueueControl(&protocol.PongMsg{SentAt: m.SentAt})

	case *protocol.PongMsg:
		b.mu.Lock()
		b.lastPongAt = time.Now()
		b.mu.Unlock()

	case *protocol.OpenTunnelMsg:
		b.onOpenTunnel(m)

	case *protocol.ResizeMsg:
		b.onResize(m)

	default:
		slog.Warn("unexpected control message from browser", "conn", b.id, "type", fmt.Sprintf("%T", m))
	}
}

func (b *BrowserConn) onOpenTunnel(m *protocol.OpenTunnelMsg) {
	hasCreds := m.Username != "" || m.Password != ""

	var t *tunnel.Tunnel
	var err error

	if m.MsgID != "" {
		b.mu.Lock()
		existing, retried := b.pendingByMsgID[m.MsgID]
		b.mu.Unlock()
		if retried {
			t, err = b.hub.registry.Reopen(existing)
			if err == nil {
				t.SetHasCreds(hasCreds)
			}
		}
	}

	if t == nil {
		t, err = b.hub.registry.Open(m.NodeID, b.id, m.Protocol, hasCreds)
		if err != nil {
			b.writer.EnqueueControl(&protocol.ErrorMsg{Kind: protocol.ErrKindGeneric, Message: err.Error(), MsgID: m.MsgID})
			return
		}
		if m.MsgID != "" {
			b.mu.Lock()
			b.pendingByMsgID[m.MsgID] = t.ID
			b.mu.Unlock()
		}
		metrics.Global.TunnelsOpened.Add(1)
	}

	agentConn, ok := b.hub.lookupAgent(t.AgentID)
	if !ok {
		b.hub.closeTunnel(t)
		return
	}

	forward := &protocol.OpenTunnelMsg{
		Protocol: m.Protocol,
		NodeID:   m.NodeID,
		MsgID:    m.MsgID,
		Username: m.Username,
		Password: m.Password,
		SID:      t.ID.String(),
		CID:      b.id,
	}
	b.hub.forwardControl(t, agentConn.writer, forward)
}

func (b *BrowserConn) onResize(m *protocol.ResizeMsg) {
	id, err := uuid.Parse(m.SID)
	if err != nil {
		return
	}
	t, err := b.hub.registry.Deliver(id)
	if err != nil || t.ConnectionID != b.id {
		return
	}
	agentConn, ok := b.hub.lookupAgent(t.AgentID)
	if !ok {
		return
	}
	b.hub.forwardControl(t, agentConn.writer, m)
}

func (b *BrowserConn) dispatchData(f *protocol.Frame) {
	id, _, err := protocol.DecodeTunnelPayload(f.Payload)
	if err != nil {
		slog.Warn("malformed data frame from browser", "conn", b.id, "err", err)
		return
	}
	t, err := b.hub.registry.Deliver(id)
	if err != nil || t.ConnectionID != b.id {
		return
	}
	t.Touch()
	agentConn, ok := b.hub.lookupAgent(t.AgentID)
	if !ok {
		b.hub.closeTunnel(t)
		return
	}
	b.hub.forwardFrame(t, agentConn.writer, f)
}

func (b *BrowserConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.writer.EnqueueControl(&protocol.PingMsg{SentAt: time.Now().Unix()})

			b.mu.Lock()
			since := time.Since(b.lastPongAt)
			b.mu.Unlock()
			if since > b.cfg.PingInterval+b.cfg.PongTimeout {
				slog.Warn("browser missed pong, closing", "conn", b.id, "since", since)
				b.writer.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

// teardown cascades ConnectionDisconnect to the owning agent(s) and
// closes every tunnel this browser held.
func (b *BrowserConn) teardown(readErr error) {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.hub.removeBrowser(b)

	owned := b.hub.registry.ListByConnection(b.id)
	notified := make(map[string]bool)
	for _, t := range owned {
		if agentConn, ok := b.hub.lookupAgent(t.AgentID); ok && !notified[t.AgentID] {
			agentConn.writer.EnqueueControl(&protocol.ConnectionDisconnectMsg{CID: b.id})
			notified[t.AgentID] = true
		}
		b.hub.closeTunnel(t)
	}

	slog.Info("browser disconnected", "conn", b.id, "err", readErr, "tunnels_closed", len(owned))
}
