package protocol

import (
	"encoding/json"
	"fmt"
)

// SFTPOp discriminates the sub-protocol messages carried inside an SFTP
// frame's payload, after the tunnel id header. These ride on
// ProtocolSFTP frames rather than ProtocolControl frames: from the
// frame codec's point of view they are opaque tunnel-scoped bytes, but
// the SFTP adapter parses them as this second, nested tagged sum.
type SFTPOp string

const (
	SFTPOpList             SFTPOp = "list"
	SFTPOpListItems        SFTPOp = "list_items"
	SFTPOpDownloadStart    SFTPOp = "download_start"
	SFTPOpDownloadStartRsp SFTPOp = "download_start_response"
	SFTPOpDownloadChunk    SFTPOp = "download_chunk"
	SFTPOpUploadStart      SFTPOp = "upload_start"
	SFTPOpUploadStartRsp   SFTPOp = "upload_start_response"
	SFTPOpUploadChunk      SFTPOp = "upload_chunk"
	SFTPOpDelete           SFTPOp = "delete"
	SFTPOpOk               SFTPOp = "ok"
	SFTPOpError            SFTPOp = "error"
)

// SFTPMessage is implemented by every SFTP sub-protocol variant.
type SFTPMessage interface {
	sftpOp() SFTPOp
}

type SFTPListMsg struct {
	MsgID string `json:"msg_id"`
	Path  string `json:"path"`
}

func (SFTPListMsg) sftpOp() SFTPOp { return SFTPOpList }

type SFTPEntry struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"` // "file" | "dir" | "symlink"
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
}

// SFTPListItemsMsg carries one batch of directory entries. Final is
// set on the last batch for a given listing.
type SFTPListItemsMsg struct {
	MsgID   string      `json:"msg_id"`
	Entries []SFTPEntry `json:"entries"`
	Final   bool        `json:"final"`
}

func (SFTPListItemsMsg) sftpOp() SFTPOp { return SFTPOpListItems }

type SFTPDownloadStartMsg struct {
	MsgID    string `json:"msg_id"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

func (SFTPDownloadStartMsg) sftpOp() SFTPOp { return SFTPOpDownloadStart }

type SFTPDownloadStartResponseMsg struct {
	MsgID       string `json:"msg_id"`
	DownloadID  string `json:"download_id"`
	TotalSize   int64  `json:"total_size"`
	TotalChunks int    `json:"total_chunks"`
}

func (SFTPDownloadStartResponseMsg) sftpOp() SFTPOp { return SFTPOpDownloadStartRsp }

type SFTPDownloadChunkMsg struct {
	MsgID       string `json:"msg_id"`
	DownloadID  string `json:"download_id"`
	Index       int    `json:"index"`
	Data        []byte `json:"data"`
	TotalChunks int    `json:"total_chunks"`
	TotalSize   int64  `json:"total_size"`
}

func (SFTPDownloadChunkMsg) sftpOp() SFTPOp { return SFTPOpDownloadChunk }

type SFTPUploadStartMsg struct {
	MsgID       string `json:"msg_id"`
	Filename    string `json:"filename"`
	RemotePath  string `json:"remote_path"`
	TotalChunks int    `json:"total_chunks"`
	TotalSize   int64  `json:"total_size"`
}

func (SFTPUploadStartMsg) sftpOp() SFTPOp { return SFTPOpUploadStart }

type SFTPUploadStartResponseMsg struct {
	MsgID    string `json:"msg_id"`
	UploadID string `json:"upload_id"`
}

func (SFTPUploadStartResponseMsg) sftpOp() SFTPOp { return SFTPOpUploadStartRsp }

type SFTPUploadChunkMsg struct {
	MsgID      string `json:"msg_id"`
	UploadID   string `json:"upload_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int    `json:"chunk_size"`
	Data       []byte `json:"data"`
}

func (SFTPUploadChunkMsg) sftpOp() SFTPOp { return SFTPOpUploadChunk }

type SFTPDeleteMsg struct {
	MsgID    string `json:"msg_id"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
}

func (SFTPDeleteMsg) sftpOp() SFTPOp { return SFTPOpDelete }

type SFTPOkMsg struct {
	MsgID string `json:"msg_id"`
}

func (SFTPOkMsg) sftpOp() SFTPOp { return SFTPOpOk }

type SFTPErrorMsg struct {
	MsgID   string `json:"msg_id"`
	Message string `json:"message"`
}

func (SFTPErrorMsg) sftpOp() SFTPOp { return SFTPOpError }

type sftpEnvelope struct {
	Op   SFTPOp          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// EncodeSFTP serialises an SFTPMessage into its envelope form.
func EncodeSFTP(msg SFTPMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling sftp payload: %w", err)
	}
	return json.Marshal(sftpEnvelope{Op: msg.sftpOp(), Data: data})
}

// DecodeSFTP parses an SFTP frame's opaque payload (after the tunnel
// id header has been stripped) into its concrete SFTPMessage.
func DecodeSFTP(payload []byte) (SFTPMessage, error) {
	var env sftpEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var target SFTPMessage
	switch env.Op {
	case SFTPOpList:
		target = &SFTPListMsg{}
	case SFTPOpListItems:
		target = &SFTPListItemsMsg{}
	case SFTPOpDownloadStart:
		target = &SFTPDownloadStartMsg{}
	case SFTPOpDownloadStartRsp:
		target = &SFTPDownloadStartResponseMsg{}
	case SFTPOpDownloadChunk:
		target = &SFTPDownloadChunkMsg{}
	case SFTPOpUploadStart:
		target = &SFTPUploadStartMsg{}
	case SFTPOpUploadStartRsp:
		target = &SFTPUploadStartResponseMsg{}
	case SFTPOpUploadChunk:
		target = &SFTPUploadChunkMsg{}
	case SFTPOpDelete:
		target = &SFTPDeleteMsg{}
	case SFTPOpOk:
		target = &SFTPOkMsg{}
	case SFTPOpError:
		target = &SFTPErrorMsg{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Op)
	}

	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformed, env.Op, err)
	}
	return target, nil
}
