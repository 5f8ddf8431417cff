package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MsgType discriminates a ControlMessage. The set is closed: Decode
// rejects any tag it does not recognise rather than accepting it as an
// unknown inheritance subtype.
type MsgType string

const (
	MsgAuth               MsgType = "auth"
	MsgAuthResponse       MsgType = "auth_response"
	MsgHeartbeat          MsgType = "heartbeat"
	MsgOpenTunnel         MsgType = "open_tunnel"
	MsgTunnelOpened       MsgType = "tunnel_opened"
	MsgTunnelClosed       MsgType = "tunnel_closed"
	MsgResize             MsgType = "resize"
	MsgError              MsgType = "error"
	MsgPing               MsgType = "ping"
	MsgPong               MsgType = "pong"
	MsgConnectionDisconnect MsgType = "connection_disconnect"

	// MsgWebFrame is reserved for a future re-wrapped-browser-frame
	// routing model; the discriminant and struct exist so the type sum
	// stays complete, but nothing in this repo constructs or consumes
	// it yet.
	MsgWebFrame MsgType = "web_frame"
)

// ErrUnknownType is returned by Decode when a frame's "type" tag is not
// one of the known MsgType values.
var ErrUnknownType = errors.New("protocol: unknown control message type")

// ControlMessage is implemented by every variant of the control
// message closed sum.
type ControlMessage interface {
	controlType() MsgType
}

// ErrorKind enumerates the taxonomy of recoverable and fatal errors
// surfaced in an Error control message.
type ErrorKind string

const (
	ErrKindGeneric                    ErrorKind = "generic"
	ErrKindRequiresPassword           ErrorKind = "requires_password"
	ErrKindRequiresUsernamePassword   ErrorKind = "requires_username_password"
	ErrKindAuthFailed                 ErrorKind = "auth_failed"
	ErrKindBackpressure               ErrorKind = "backpressure"
)

// TunnelProtocol identifies which adapter a tunnel uses.
type TunnelProtocol string

const (
	TunnelSSH  TunnelProtocol = "ssh"
	TunnelSFTP TunnelProtocol = "sftp"
)

type AuthMsg struct {
	Token string `json:"token"`
}

func (AuthMsg) controlType() MsgType { return MsgAuth }

type AuthResponseMsg struct {
	NodeID  string `json:"node_id"`
	Success bool   `json:"success"`
	Version string `json:"version"`
}

func (AuthResponseMsg) controlType() MsgType { return MsgAuthResponse }

// HostStats is the rolling snapshot an agent reports on every
// heartbeat.
type HostStats struct {
	HostCPU      float64 `json:"host_cpu"`
	HostMemUsed  uint64  `json:"host_mem_used"`
	HostMemTotal uint64  `json:"host_mem_total"`
	NetSent      uint64  `json:"net_sent"`
	NetRecv      uint64  `json:"net_recv"`
	UptimeSecs   uint64  `json:"uptime"`
}

type HeartbeatMsg struct {
	Stats *HostStats `json:"stats,omitempty"`
}

func (HeartbeatMsg) controlType() MsgType { return MsgHeartbeat }

type OpenTunnelMsg struct {
	Protocol TunnelProtocol `json:"protocol"`
	NodeID   string         `json:"node_id"`
	MsgID    string         `json:"msg_id,omitempty"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`

	// SID and CID are filled in by the relay before it forwards this
	// message on to the agent: SID is the tunnel id the registry
	// allocated (or reused, for an AwaitingCreds retry), and CID is the
	// originating browser connection id, stored by the agent so a
	// later ConnectionDisconnect can find every tunnel belonging to
	// that browser without the relay having to echo TunnelClosed once
	// per tunnel. Neither field is meaningful on the browser->relay
	// leg; only the relay->agent leg sets them.
	SID string `json:"sid,omitempty"`
	CID string `json:"cid,omitempty"`
}

func (OpenTunnelMsg) controlType() MsgType { return MsgOpenTunnel }

type TunnelOpenedMsg struct {
	Protocol TunnelProtocol `json:"protocol"`
	SID      string         `json:"sid"`
	MsgID    string         `json:"msg_id,omitempty"`
}

func (TunnelOpenedMsg) controlType() MsgType { return MsgTunnelOpened }

type TunnelClosedMsg struct {
	Protocol TunnelProtocol `json:"protocol"`
	SID      string         `json:"sid"`
	MsgID    string         `json:"msg_id,omitempty"`
}

func (TunnelClosedMsg) controlType() MsgType { return MsgTunnelClosed }

type ResizeMsg struct {
	NodeID string `json:"node_id"`
	SID    string `json:"sid"`
	Cols   int    `json:"cols"`
	Rows   int    `json:"rows"`
}

func (ResizeMsg) controlType() MsgType { return MsgResize }

type ErrorMsg struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	MsgID   string    `json:"msg_id,omitempty"`

	// SID correlates a tunnel-scoped error (RequiresPassword,
	// RequiresUsernamePassword, Backpressure) back to the tunnel the
	// registry already allocated before forwarding OpenTunnel to the
	// agent. Empty for connection-scoped errors such as AuthFailed,
	// which have no tunnel yet.
	SID string `json:"sid,omitempty"`
}

func (ErrorMsg) controlType() MsgType { return MsgError }

type PingMsg struct {
	SentAt int64 `json:"sent_at"`
}

func (PingMsg) controlType() MsgType { return MsgPing }

type PongMsg struct {
	SentAt int64 `json:"sent_at"`
}

func (PongMsg) controlType() MsgType { return MsgPong }

type ConnectionDisconnectMsg struct {
	CID string `json:"cid"`
}

func (ConnectionDisconnectMsg) controlType() MsgType { return MsgConnectionDisconnect }

// WebFrameMsg re-wraps a browser frame for agent-side consumption.
// Unused; see MsgWebFrame.
type WebFrameMsg struct {
	Frame []byte `json:"frame"`
	CID   string `json:"cid"`
}

func (WebFrameMsg) controlType() MsgType { return MsgWebFrame }

// envelope is the wire form of a ControlMessage: an explicit type tag
// plus its type-specific fields as a raw JSON blob.
type envelope struct {
	Type MsgType         `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeControl serialises a ControlMessage into its envelope form.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling control payload: %w", err)
	}
	return json.Marshal(envelope{Type: msg.controlType(), Data: data})
}

// DecodeControl parses a control frame payload into its concrete
// ControlMessage. An unrecognised type tag is rejected rather than
// silently accepted.
func DecodeControl(payload []byte) (ControlMessage, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var target ControlMessage
	switch env.Type {
	case MsgAuth:
		target = &AuthMsg{}
	case MsgAuthResponse:
		target = &AuthResponseMsg{}
	case MsgHeartbeat:
		target = &HeartbeatMsg{}
	case MsgOpenTunnel:
		target = &OpenTunnelMsg{}
	case MsgTunnelOpened:
		target = &TunnelOpenedMsg{}
	case MsgTunnelClosed:
		target = &TunnelClosedMsg{}
	case MsgResize:
		target = &ResizeMsg{}
	case MsgError:
		target = &ErrorMsg{}
	case MsgPing:
		target = &PingMsg{}
	case MsgPong:
		target = &PongMsg{}
	case MsgConnectionDisconnect:
		target = &ConnectionDisconnectMsg{}
	case MsgWebFrame:
		target = &WebFrameMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformed, env.Type, err)
	}
	return target, nil
}
