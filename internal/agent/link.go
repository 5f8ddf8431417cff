package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/relaywire/tunneld/internal/auth"
	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/session"
	"github.com/relaywire/tunneld/internal/sftpadapter"
	"github.com/relaywire/tunneld/internal/sshadapter"
	"github.com/relaywire/tunneld/internal/tunnel"
)

// activeTunnel bundles one open tunnel's adapter with the bookkeeping
// the link needs to route frames and cascade teardown.
type activeTunnel struct {
	sid      uuid.UUID
	cid      string
	protocol protocol.TunnelProtocol
	disc     *tunnel.Signal
	ssh      *sshadapter.Adapter
	sftp     *sftpadapter.Adapter
}

// Link is the agent-side half of the persistent WebSocket to the
// relay. It owns the outbound writer, dispatches inbound control and
// data frames, and tracks every tunnel currently open on this agent.
type Link struct {
	codec  *protocol.Codec
	writer *session.Writer
	cfg    *Config
	dialer *ProxyDialer
	stats  *statsCollector

	mu      sync.Mutex
	tunnels map[uuid.UUID]*activeTunnel

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the relay's agent WebSocket endpoint, authenticates,
// and returns a Link ready to Run.
func Connect(ctx context.Context, cfg *Config, dialer *ProxyDialer) (*Link, error) {
	wsDialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	slog.Info("connecting to relay", "url", cfg.Relay.URL)
	conn, _, err := wsDialer.DialContext(ctx, cfg.Relay.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay: %w", err)
	}
	codec := protocol.NewCodec(conn)

	token := auth.GenerateToken(cfg.Auth.SharedSecret)
	if err := codec.WriteFrame(&protocol.Frame{ProtocolID: protocol.ProtocolControl, Payload: mustEncodeControl(&protocol.AuthMsg{Token: token})}); err != nil {
		codec.Close()
		return nil, fmt.Errorf("sending auth: %w", err)
	}

	if err := codec.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		codec.Close()
		return nil, err
	}
	frame, err := codec.ReadFrame()
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("reading auth response: %w", err)
	}
	msg, err := protocol.DecodeControl(frame.Payload)
	if err != nil {
		codec.Close()
		return nil, fmt.Errorf("decoding auth response: %w", err)
	}
	resp, ok := msg.(*protocol.AuthResponseMsg)
	if !ok || !resp.Success {
		codec.Close()
		return nil, fmt.Errorf("relay rejected authentication")
	}

	slog.Info("connected to relay", "node_id", resp.NodeID)

	sessCfg := session.DefaultConfig()
	if cfg.Tunnel.PingInterval > 0 {
		sessCfg.PingInterval = cfg.Tunnel.PingInterval
	}

	return &Link{
		codec:   codec,
		writer:  session.NewWriter(codec, resp.NodeID, sessCfg),
		cfg:     cfg,
		dialer:  dialer,
		stats:   newStatsCollector(),
		tunnels: make(map[uuid.UUID]*activeTunnel),
		done:    make(chan struct{}),
	}, nil
}

func mustEncodeControl(msg protocol.ControlMessage) []byte {
	data, err := protocol.EncodeControl(msg)
	if err != nil {
		panic(fmt.Sprintf("agent: encoding %T: %v", msg, err))
	}
	return data
}

// Run drives the link until the connection fails or is closed. It
// blocks the caller.
func (l *Link) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); l.writer.Run() }()

	err := l.readLoop()

	l.closeOnce.Do(func() { close(l.done) })
	l.teardownAll()

	cancel()
	l.writer.Close()
	wg.Wait()
	return err
}

// Close shuts the link down from outside Run, e.g. on context
// cancellation from the reconnect loop.
func (l *Link) Close() {
	l.writer.Close()
}

// ActiveTunnelCount reports how many tunnels this link currently owns,
// for the reconnect loop to log how much work a disconnect discarded.
func (l *Link) ActiveTunnelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tunnels)
}

func (l *Link) readLoop() error {
	for {
		if err := l.codec.SetReadDeadline(time.Now().Add(l.cfg.Tunnel.PingInterval * 3)); err != nil {
			return err
		}
		frame, err := l.codec.ReadFrame()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
				return err
			}
		}
		l.dispatch(frame)
	}
}

func (l *Link) dispatch(f *protocol.Frame) {
	switch f.ProtocolID {
	case protocol.ProtocolControl:
		l.dispatchControl(f.Payload)
	case protocol.ProtocolSSH:
		l.dispatchSSHData(f.Payload)
	case protocol.ProtocolSFTP:
		l.dispatchSFTPData(f.Payload)
	default:
		slog.Warn("relay sent frame with unknown protocol id", "protocol_id", f.ProtocolID)
	}
}

func (l *Link) dispatchControl(payload []byte) {
	msg, err := protocol.DecodeControl(payload)
	if err != nil {
		slog.Warn("malformed control frame from relay", "err", err)
		return
	}

	switch m := msg.(type) {
	case *protocol.HeartbeatMsg:
		l.writer.EnqueueControl(&protocol.HeartbeatMsg{Stats: l.stats.Collect(context.Background())})

	case *protocol.PingMsg:
		l.writer.EnqueueControl(&protocol.PongMsg{SentAt: m.SentAt})

	case *protocol.PongMsg:
		// liveness only; nothing to act on.

	case *protocol.OpenTunnelMsg:
		l.onOpenTunnel(m)

	case *protocol.ResizeMsg:
		l.onResize(m)

	case *protocol.ConnectionDisconnectMsg:
		l.onConnectionDisconnect(m)

	default:
		slog.Warn("unexpected control message from relay", "type", fmt.Sprintf("%T", m))
	}
}

func (l *Link) onOpenTunnel(m *protocol.OpenTunnelMsg) {
	sid, err := uuid.Parse(m.SID)
	if err != nil {
		slog.Warn("OpenTunnel with invalid sid", "sid", m.SID)
		return
	}

	l.mu.Lock()
	at, exists := l.tunnels[sid]
	if !exists {
		at = &activeTunnel{sid: sid, cid: m.CID, protocol: m.Protocol, disc: tunnel.NewSignal()}
		l.tunnels[sid] = at
	}
	l.mu.Unlock()

	go l.openTunnel(at, m)
}

func (l *Link) openTunnel(at *activeTunnel, m *protocol.OpenTunnelMsg) {
	switch at.protocol {
	case protocol.TunnelSSH:
		l.openSSHTunnel(at, m)
	case protocol.TunnelSFTP:
		l.openSFTPTunnel(at, m)
	default:
		l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindGeneric, "unknown tunnel protocol")
		l.dropTunnel(at.sid)
	}
}

// sshDialer returns the proxy dialer for the SSH/SFTP adapters, or a nil
// interface when no proxy is configured so they dial the target directly.
func (l *Link) sshDialer() sshadapter.Dialer {
	if l.dialer == nil {
		return nil
	}
	return l.dialer
}

func (l *Link) openSSHTunnel(at *activeTunnel, m *protocol.OpenTunnelMsg) {
	adapterCfg := sshadapter.Config{
		Host:              l.cfg.SSH.Host,
		Port:              l.cfg.SSH.Port,
		InactivityTimeout: l.cfg.SSH.InactivityTimeout,
	}
	a := sshadapter.New(at.sid, adapterCfg, l.writer, at.disc, l.sshDialer())

	if err := a.Open(m.Username, m.Password); err != nil {
		switch err {
		case sshadapter.ErrNeedsUsernamePassword:
			l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindRequiresUsernamePassword, "username and password required")
		case sshadapter.ErrNeedsPassword:
			l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindRequiresPassword, "password required")
		default:
			slog.Error("ssh tunnel open failed", "sid", at.sid, "err", err)
			l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindGeneric, err.Error())
			l.dropTunnel(at.sid)
		}
		return
	}

	l.mu.Lock()
	at.ssh = a
	l.mu.Unlock()

	l.writer.EnqueueControl(&protocol.TunnelOpenedMsg{Protocol: protocol.TunnelSSH, SID: at.sid.String(), MsgID: m.MsgID})
	go l.watchTunnelClose(at)
}

func (l *Link) openSFTPTunnel(at *activeTunnel, m *protocol.OpenTunnelMsg) {
	if m.Username == "" {
		l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindRequiresUsernamePassword, "username and password required")
		return
	}
	if m.Password == "" {
		l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindRequiresPassword, "password required")
		return
	}

	client, err := sshadapter.Dial(l.cfg.SSH.Host, l.cfg.SSH.Port, m.Username, m.Password, l.sshDialer())
	if err != nil {
		if err == sshadapter.ErrNeedsPassword {
			l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindRequiresPassword, "password required")
			return
		}
		slog.Error("sftp tunnel dial failed", "sid", at.sid, "err", err)
		l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindGeneric, err.Error())
		l.dropTunnel(at.sid)
		return
	}

	a, err := sftpadapter.New(at.sid, client, l.writer, at.disc)
	if err != nil {
		client.Close()
		l.sendTunnelError(at.sid.String(), m.MsgID, protocol.ErrKindGeneric, err.Error())
		l.dropTunnel(at.sid)
		return
	}

	l.mu.Lock()
	at.sftp = a
	l.mu.Unlock()

	l.writer.EnqueueControl(&protocol.TunnelOpenedMsg{Protocol: protocol.TunnelSFTP, SID: at.sid.String(), MsgID: m.MsgID})
	go l.watchTunnelClose(at)
}

// watchTunnelClose waits for the tunnel's disconnect signal (fired by
// the adapter on inactivity, remote hangup, or a saturated outbound
// queue) and reports the closure to the relay exactly once.
func (l *Link) watchTunnelClose(at *activeTunnel) {
	<-at.disc.Done()
	l.writer.EnqueueControl(&protocol.TunnelClosedMsg{Protocol: at.protocol, SID: at.sid.String()})
	l.dropTunnel(at.sid)
}

func (l *Link) dropTunnel(sid uuid.UUID) {
	l.mu.Lock()
	at, ok := l.tunnels[sid]
	delete(l.tunnels, sid)
	l.mu.Unlock()
	if !ok {
		return
	}
	if at.ssh != nil {
		at.ssh.Close()
	}
	if at.sftp != nil {
		at.sftp.Close()
	}
}

func (l *Link) sendTunnelError(sid, msgID string, kind protocol.ErrorKind, message string) {
	l.writer.EnqueueControl(&protocol.ErrorMsg{Kind: kind, Message: message, MsgID: msgID, SID: sid})
}

func (l *Link) onResize(m *protocol.ResizeMsg) {
	sid, err := uuid.Parse(m.SID)
	if err != nil {
		return
	}
	l.mu.Lock()
	at, ok := l.tunnels[sid]
	l.mu.Unlock()
	if !ok || at.ssh == nil {
		return
	}
	if err := at.ssh.Resize(uint32(m.Cols), uint32(m.Rows)); err != nil {
		slog.Warn("resize failed", "sid", sid, "err", err)
	}
}

func (l *Link) onConnectionDisconnect(m *protocol.ConnectionDisconnectMsg) {
	l.mu.Lock()
	var owned []*activeTunnel
	for _, at := range l.tunnels {
		if at.cid == m.CID {
			owned = append(owned, at)
		}
	}
	l.mu.Unlock()
	for _, at := range owned {
		at.disc.Fire()
	}
}

func (l *Link) dispatchSSHData(payload []byte) {
	sid, data, err := protocol.DecodeTunnelPayload(payload)
	if err != nil {
		slog.Warn("malformed ssh data frame", "err", err)
		return
	}
	l.mu.Lock()
	at, ok := l.tunnels[sid]
	l.mu.Unlock()
	if !ok || at.ssh == nil {
		return
	}
	if err := at.ssh.Write(data); err != nil {
		slog.Debug("ssh write failed, tearing down tunnel", "sid", sid, "err", err)
		at.disc.Fire()
	}
}

func (l *Link) dispatchSFTPData(payload []byte) {
	sid, inner, err := protocol.DecodeTunnelPayload(payload)
	if err != nil {
		slog.Warn("malformed sftp data frame", "err", err)
		return
	}
	l.mu.Lock()
	at, ok := l.tunnels[sid]
	l.mu.Unlock()
	if !ok || at.sftp == nil {
		return
	}
	msg, err := protocol.DecodeSFTP(inner)
	if err != nil {
		slog.Warn("malformed sftp message", "sid", sid, "err", err)
		return
	}
	at.sftp.Handle(msg)
}

func (l *Link) teardownAll() {
	l.mu.Lock()
	sids := make([]uuid.UUID, 0, len(l.tunnels))
	for sid := range l.tunnels {
		sids = append(sids, sid)
	}
	l.mu.Unlock()
	for _, sid := range sids {
		l.dropTunnel(sid)
	}
}
