package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func Test_encode_decode_frame_round_trip(t *testing.T) {
	original := &Frame{ProtocolID: ProtocolSSH, Payload: []byte("hello world")}

	data, err := EncodeFrame(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.ProtocolID != original.ProtocolID {
		t.Errorf("protocol id mismatch: got %d, want %d", decoded.ProtocolID, original.ProtocolID)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("payload mismatch: got %q, want %q", decoded.Payload, original.Payload)
	}
}

func Test_encode_empty_payload(t *testing.T) {
	original := &Frame{ProtocolID: ProtocolControl, Payload: nil}

	data, err := EncodeFrame(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(data) != HeaderSize {
		t.Errorf("expected %d bytes for empty payload, got %d", HeaderSize, len(data))
	}

	decoded, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
}

func Test_decode_rejects_oversized_declared_length(t *testing.T) {
	buf := make([]byte, HeaderSize)
	buf[0] = ProtocolControl
	// declare a length far larger than the buffer actually carries.
	buf[1], buf[2], buf[3], buf[4] = 0xff, 0xff, 0xff, 0xff

	_, err := DecodeFrame(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func Test_decode_rejects_short_header(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x02})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func Test_encode_rejects_oversized_payload(t *testing.T) {
	oversized := &Frame{ProtocolID: ProtocolSSH, Payload: make([]byte, MaxPayloadSize+1)}
	if _, err := EncodeFrame(oversized); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func Test_tunnel_payload_round_trip(t *testing.T) {
	id := uuid.New()
	payload := EncodeTunnelPayload(id, []byte("ls -la\n"))

	gotID, data, err := DecodeTunnelPayload(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if gotID != id {
		t.Errorf("tunnel id mismatch: got %s, want %s", gotID, id)
	}
	if !bytes.Equal(data, []byte("ls -la\n")) {
		t.Errorf("data mismatch: got %q", data)
	}
}

func Test_tunnel_payload_rejects_short_buffer(t *testing.T) {
	_, _, err := DecodeTunnelPayload([]byte{0x01, 0x02, 0x03})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
