package session

import (
	"context"
	"errors"
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

// AgentConn is the server-side half of one agent's persistent
// WebSocket. It owns the agent's outbound writer and every tunnel_id
// the registry currently associates with this agent_id.
type AgentConn struct {
	id         string
	remoteAddr string
	codec      *protocol.Codec
	writer     *Writer
	hub        *Hub
	cfg        Config

	connectedAt time.Time

	mu              sync.Mutex
	lastHeartbeatAt time.Time
	lastPongAt      time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// ServeAgent runs one already-upgraded agent connection to completion. It
// blocks until the connection closes, at which point every tunnel the
// agent owned has been cascaded to Closed.
func ServeAgent(hub *Hub, conn *websocket.Conn) {
	codec := protocol.NewCodec(conn)
	cfg := hub.cfg

	if err := codec.SetReadDeadline(time.Now().Add(cfg.AuthTimeout)); err != nil {
		slog.Error("setting auth deadline", "err", err)
		codec.Close()
		return
	}

	frame, err := codec.ReadFrame()
	if err != nil {
		slog.Warn("agent disconnected before auth", "remote", codec.RemoteAddr(), "err", err)
		codec.Close()
		return
	}
	if frame.ProtocolID != protocol.ProtocolControl {
		slog.Warn("agent sent non-control first frame", "remote", codec.RemoteAddr())
		codec.Close()
		return
	}
	msg, err := protocol.DecodeControl(frame.Payload)
	if err != nil {
		slog.Warn("agent sent malformed first frame", "remote", codec.RemoteAddr(), "err", err)
		codec.Close()
		return
	}
	authMsg, ok := msg.(*protocol.AuthMsg)
	if !ok {
		slog.Warn("agent's first frame was not Auth", "remote", codec.RemoteAddr())
		codec.Close()
		return
	}
	if hub.tokens != nil {
		if err := hub.tokens.Validate(authMsg.Token); err != nil {
			metrics.Global.AuthFailures.Add(1)
			slog.Warn("agent auth failed", "remote", codec.RemoteAddr(), "err", err)
			payload, _ := protocol.EncodeControl(&protocol.ErrorMsg{Kind: protocol.ErrKindAuthFailed, Message: "auth failed"})
			codec.WriteFrame(&protocol.Frame{ProtocolID: protocol.ProtocolControl, Payload: payload})
			codec.Close()
			return
		}
	}

	id := "node-" + uuid.New().String()
	now := time.Now()
	a := &AgentConn{
		id:              id,
		remoteAddr:      codec.RemoteAddr(),
		codec:           codec,
		writer:          NewWriter(codec, id, cfg),
		hub:             hub,
		cfg:             cfg,
		connectedAt:     now,
		lastHeartbeatAt: now,
		lastPongAt:      now,
		done:            make(chan struct{}),
	}

	hub.addAgent(a)
	slog.Info("agent connected", "id", id, "remote", a.remoteAddr)

	a.writer.EnqueueControl(&protocol.AuthResponseMsg{NodeID: id, Success: true, Version: "1"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); a.writer.Run() }()
	go func() { defer wg.Done(); WatchWatermark(ctx, a.writer, id, cfg) }()
	go func() { defer wg.Done(); a.heartbeatLoop(ctx) }()
	go func() { defer wg.Done(); a.pingLoop(ctx) }()

	err = a.readLoop()
	a.teardown(err)

	cancel()
	a.writer.Close()
	wg.Wait()
}

func (a *AgentConn) readLoop() error {
	for {
		deadline := a.cfg.HeartbeatInterval*time.Duration(a.cfg.HeartbeatMissThreshold) + a.cfg.PongTimeout
		if err := a.codec.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return err
		}
		frame, err := a.codec.ReadFrame()
		if err != nil {
			select {
			case <-a.done:
				return nil
			default:
				return err
			}
		}
		metrics.Global.FramesReceived.Add(1)
		a.dispatch(frame)
	}
}

func (a *AgentConn) dispatch(f *protocol.Frame) {
	switch f.ProtocolID {
	case protocol.ProtocolControl:
		a.dispatchControl(f.Payload)
	case protocol.ProtocolSSH, protocol.ProtocolSFTP:
		a.dispatchData(f)
	default:
		slog.Warn("agent sent frame with unknown protocol id", "agent", a.id, "protocol_id", f.ProtocolID)
	}
}

func (a *AgentConn) dispatchControl(payload []byte) {
	msg, err := protocol.DecodeControl(payload)
	if err != nil {
		slog.Warn("malformed control frame from agent", "agent", a.id, "err", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.HeartbeatMsg:
		a.mu.Lock()
		a.lastHeartbeatAt = time.Now()
		a.mu.Unlock()
		if m.Stats != nil {
			slog.Debug("agent heartbeat", "agent", a.id, "host_cpu", m.Stats.HostCPU, "uptime", m.Stats.UptimeSecs)
		}

	case *protocol.PingMsg:
		a.writer.EnqueueControl(&protocol.PongMsg{SentAt: m.SentAt})

	case *protocol.PongMsg:
		a.mu.Lock()
		a.lastPongAt = time.Now()
		a.mu.Unlock()

	case *protocol.TunnelOpenedMsg:
		a.onTunnelOpened(m)

	case *protocol.ErrorMsg:
		a.onTunnelError(m)

	case *protocol.TunnelClosedMsg:
		a.onTunnelClosed(m)

	default:
		slog.Warn("unexpected control message from agent", "agent", a.id, "type", fmt.Sprintf("%T", m))
	}
}

func (a *AgentConn) onTunnelOpened(m *protocol.TunnelOpenedMsg) {
	t, _, ok := a.resolveOwnedTunnel(m.SID)
	if !ok {
		return
	}
	t.SetState(tunnel.StateOpen)
	t.Touch()
	b, ok := a.hub.lookupBrowser(t.ConnectionID)
	if !ok {
		a.hub.closeTunnel(t)
		return
	}
	a.hub.forwardControl(t, b.writer, m)
}

func (a *AgentConn) onTunnelError(m *protocol.ErrorMsg) {
	if m.SID == "" {
		slog.Warn("agent sent connection-scoped error outside auth", "agent", a.id, "kind", m.Kind)
		return
	}
	t, _, ok := a.resolveOwnedTunnel(m.SID)
	if !ok {
		return
	}

	switch m.Kind {
	case protocol.ErrKindRequiresPassword, protocol.ErrKindRequiresUsernamePassword:
		t.SetState(tunnel.StateAwaitingCreds)
	default:
		t.SetState(tunnel.StateClosing)
	}

	b, ok := a.hub.lookupBrowser(t.ConnectionID)
	if !ok {
		a.hub.closeTunnel(t)
		return
	}
	a.hub.forwardControl(t, b.writer, m)
}

func (a *AgentConn) onTunnelClosed(m *protocol.TunnelClosedMsg) {
	t, _, ok := a.resolveOwnedTunnel(m.SID)
	if !ok {
		return
	}
	a.hub.closeTunnel(t)
}

// resolveOwnedTunnel parses a sid and confirms the tunnel it names
// belongs to this agent, guarding against a stale or forged sid routed
// from the wrong connection.
func (a *AgentConn) resolveOwnedTunnel(sid string) (*tunnel.Tunnel, uuid.UUID, bool) {
	id, err := uuid.Parse(sid)
	if err != nil {
		return nil, uuid.Nil, false
	}
	t, ok := a.hub.registry.Get(id)
	if !ok || t.AgentID != a.id {
		return nil, uuid.Nil, false
	}
	return t, id, true
}

func (a *AgentConn) dispatchData(f *protocol.Frame) {
	id, _, err := protocol.DecodeTunnelPayload(f.Payload)
	if err != nil {
		slog.Warn("malformed data frame from agent", "agent", a.id, "err", err)
		return
	}
	t, err := a.hub.registry.Deliver(id)
	if err != nil || t.AgentID != a.id {
		return
	}
	t.Touch()
	b, ok := a.hub.lookupBrowser(t.ConnectionID)
	if !ok {
		a.hub.closeTunnel(t)
		return
	}
	a.hub.forwardFrame(t, b.writer, f)
}

func (a *AgentConn) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.writer.EnqueueControl(&protocol.HeartbeatMsg{})

			a.mu.Lock()
			since := time.Since(a.lastHeartbeatAt)
			a.mu.Unlock()
			if since > a.cfg.HeartbeatInterval*time.Duration(a.cfg.HeartbeatMissThreshold) {
				slog.Warn("agent missed heartbeat window, closing", "agent", a.id, "since", since)
				a.writer.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-a.done:
			return
		}
	}
}

func (a *AgentConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.writer.EnqueueControl(&protocol.PingMsg{SentAt: time.Now().Unix()})

			a.mu.Lock()
			since := time.Since(a.lastPongAt)
			a.mu.Unlock()
			if since > a.cfg.PingInterval+a.cfg.PongTimeout {
				slog.Warn("agent missed pong, closing", "agent", a.id, "since", since)
				a.writer.Close()
				return
			}
		case <-ctx.Done():
			return
		case <-a.done:
			return
		}
	}
}

// teardown runs once the agent's read loop exits for any reason: it
// cascades TunnelClosed to every browser holding one of this agent's
// tunnels, per the cascade-closure testable property.
func (a *AgentConn) teardown(readErr error) {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	a.hub.removeAgent(a)

	owned := a.hub.registry.ListByAgent(a.id)
	for _, t := range owned {
		a.hub.closeTunnel(t)
	}

	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		slog.Info("agent disconnected", "agent", a.id, "err", readErr, "tunnels_closed", len(owned))
	} else {
		slog.Info("agent disconnected", "agent", a.id, "tunnels_closed", len(owned))
	}
}
