package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_control_message_round_trip(t *testing.T) {
	cases := []ControlMessage{
		&AuthMsg{Token: "T"},
		&AuthResponseMsg{NodeID: "N1", Success: true, Version: "1.0.0"},
		&HeartbeatMsg{Stats: &HostStats{HostCPU: 12.5, HostMemUsed: 1024, HostMemTotal: 4096, UptimeSecs: 99}},
		&OpenTunnelMsg{Protocol: TunnelSSH, NodeID: "N1", MsgID: "1"},
		&TunnelOpenedMsg{Protocol: TunnelSSH, SID: "42"},
		&TunnelClosedMsg{Protocol: TunnelSSH, SID: "42"},
		&ResizeMsg{NodeID: "N1", SID: "42", Cols: 80, Rows: 24},
		&ErrorMsg{Kind: ErrKindRequiresUsernamePassword, Message: "creds needed", MsgID: "1", SID: "9f1b"},
		&PingMsg{SentAt: 123},
		&PongMsg{SentAt: 123},
		&ConnectionDisconnectMsg{CID: "c1"},
		&WebFrameMsg{Frame: []byte{1, 2, 3}, CID: "c1"},
	}

	for _, original := range cases {
		data, err := EncodeControl(original)
		require.NoError(t, err)

		decoded, err := DecodeControl(data)
		require.NoError(t, err)
		require.Equal(t, original, decoded)
	}
}

func Test_decode_control_rejects_unknown_type(t *testing.T) {
	_, err := DecodeControl([]byte(`{"type":"not_a_real_type","data":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func Test_decode_control_rejects_malformed_json(t *testing.T) {
	_, err := DecodeControl([]byte(`not json`))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func Test_sftp_message_round_trip(t *testing.T) {
	cases := []SFTPMessage{
		&SFTPListMsg{MsgID: "1", Path: "/home"},
		&SFTPListItemsMsg{MsgID: "1", Entries: []SFTPEntry{{Name: "a.txt", Kind: "file", Size: 10, Mtime: 100}}, Final: true},
		&SFTPDownloadStartMsg{MsgID: "1", Path: "/home", Filename: "a.txt"},
		&SFTPDownloadStartResponseMsg{MsgID: "1", DownloadID: "d1", TotalSize: 100, TotalChunks: 2},
		&SFTPDownloadChunkMsg{MsgID: "1", DownloadID: "d1", Index: 0, Data: []byte("chunk"), TotalChunks: 2, TotalSize: 100},
		&SFTPUploadStartMsg{MsgID: "1", Filename: "a.txt", RemotePath: "/home", TotalChunks: 1, TotalSize: 5},
		&SFTPUploadStartResponseMsg{MsgID: "1", UploadID: "u1"},
		&SFTPUploadChunkMsg{MsgID: "1", UploadID: "u1", ChunkIndex: 0, ChunkSize: 5, Data: []byte("hello")},
		&SFTPDeleteMsg{MsgID: "1", Path: "/home", Filename: "a.txt"},
		&SFTPOkMsg{MsgID: "1"},
		&SFTPErrorMsg{MsgID: "1", Message: "boom"},
	}

	for _, original := range cases {
		data, err := EncodeSFTP(original)
		require.NoError(t, err)

		decoded, err := DecodeSFTP(data)
		require.NoError(t, err)
		require.Equal(t, original, decoded)
	}
}

func Test_decode_sftp_rejects_unknown_op(t *testing.T) {
	_, err := DecodeSFTP([]byte(`{"op":"not_a_real_op","data":{}}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}
