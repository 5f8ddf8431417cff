// Package protocol implements the wire framing used between a browser,
// the relay server, and an agent: a length-prefixed binary frame
// carrying either a control message or opaque per-tunnel byte data.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// protocol ids carried in the frame header.
const (
	ProtocolControl uint8 = 0
	ProtocolSSH     uint8 = 1
	ProtocolSFTP    uint8 = 2
)

// HeaderSize is 1 byte protocol id + 4 byte big-endian payload length.
const HeaderSize = 5

// MaxPayloadSize bounds a single frame's payload (1 MiB); large SFTP
// transfers are chunked well below this by the adapter.
const MaxPayloadSize = 1 << 20

// TunnelHeaderSize is the length of the tunnel id prefix carried inside
// the payload of SSH and SFTP frames.
const TunnelHeaderSize = 16

// ErrMalformed is returned when a frame's header or length is invalid.
var ErrMalformed = errors.New("protocol: malformed frame")

// Frame is the wire unit: one protocol id plus its payload.
type Frame struct {
	ProtocolID uint8
	Payload    []byte
}

// EncodeFrame serialises a frame into header + payload bytes.
func EncodeFrame(f *Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("protocol: payload size %d exceeds maximum %d", len(f.Payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.ProtocolID
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// DecodeFrame parses a complete websocket binary message into a frame.
// A frame with payload_length larger than the received buffer, or a
// buffer shorter than the header, is Malformed.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: buffer too small for header (%d bytes)", ErrMalformed, len(data))
	}
	protocolID := data[0]
	payloadLen := binary.BigEndian.Uint32(data[1:5])
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds maximum %d", ErrMalformed, payloadLen, MaxPayloadSize)
	}
	total := HeaderSize + int(payloadLen)
	if len(data) < total {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrMalformed, len(data), total)
	}
	payload := make([]byte, payloadLen)
	copy(payload, data[HeaderSize:total])
	return &Frame{ProtocolID: protocolID, Payload: payload}, nil
}

// EncodeTunnelPayload prefixes raw per-tunnel bytes with the tunnel id,
// used for the opaque SSH and SFTP frame payloads.
func EncodeTunnelPayload(id uuid.UUID, data []byte) []byte {
	buf := make([]byte, TunnelHeaderSize+len(data))
	copy(buf, id[:])
	copy(buf[TunnelHeaderSize:], data)
	return buf
}

// DecodeTunnelPayload splits a tunnel-prefixed payload back into its id
// and data.
func DecodeTunnelPayload(payload []byte) (uuid.UUID, []byte, error) {
	if len(payload) < TunnelHeaderSize {
		return uuid.Nil, nil, fmt.Errorf("%w: tunnel payload too short (%d bytes)", ErrMalformed, len(payload))
	}
	id, err := uuid.FromBytes(payload[:TunnelHeaderSize])
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return id, payload[TunnelHeaderSize:], nil
}
