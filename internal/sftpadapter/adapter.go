// Package sftpadapter drives one SFTP-backed tunnel on the agent side,
// wrapping an SFTP client over an already-authenticated SSH connection.
// It owns the partial-upload state keyed by upload_id and enforces
// contiguous chunk ordering, discarding state on any gap.
package sftpadapter

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/relaywire/tunneld/internal/protocol"
	"github.com/relaywire/tunneld/internal/session"
	"github.com/relaywire/tunneld/internal/tunnel"
)

// DefaultChunkSize is the policy knob for download/upload chunking.
const DefaultChunkSize = 64 * 1024

// listBatchSize bounds how many entries ride in one SFTPListItems
// message so a large directory doesn't produce an oversized frame.
const listBatchSize = 256

// Enqueuer is the non-blocking hand-off back to the relay, identical to
// the one the SSH adapter uses.
type Enqueuer interface {
	TryEnqueue(f *protocol.Frame) session.EnqueueResult
	EnqueueControl(msg protocol.ControlMessage) session.EnqueueResult
}

type download struct {
	file        *sftp.File
	totalSize   int64
	totalChunks int
}

type upload struct {
	file   *sftp.File
	next   int
	total  int
	remote string
}

// Adapter owns one SFTP client and the in-flight download/upload state
// for one tunnel.
type Adapter struct {
	id        uuid.UUID
	client    *sftp.Client
	out       Enqueuer
	disc      *tunnel.Signal
	chunkSize int

	mu        sync.Mutex
	downloads map[string]*download
	uploads   map[string]*upload
}

// New wraps an sftp.Client (built over an ssh.Client the caller already
// authenticated) for the given tunnel.
func New(id uuid.UUID, sshClient *ssh.Client, out Enqueuer, disc *tunnel.Signal) (*Adapter, error) {
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}
	return &Adapter{
		id:        id,
		client:    client,
		out:       out,
		disc:      disc,
		chunkSize: DefaultChunkSize,
		downloads: make(map[string]*download),
		uploads:   make(map[string]*upload),
	}, nil
}

// Handle dispatches one decoded SFTP message to its op-specific
// handler. Replies are sent via the same non-blocking enqueue
// discipline as data frames.
func (a *Adapter) Handle(msg protocol.SFTPMessage) {
	switch m := msg.(type) {
	case *protocol.SFTPListMsg:
		a.handleList(m)
	case *protocol.SFTPDownloadStartMsg:
		a.handleDownloadStart(m)
	case *protocol.SFTPDownloadChunkMsg:
		a.handleDownloadChunk(m)
	case *protocol.SFTPUploadStartMsg:
		a.handleUploadStart(m)
	case *protocol.SFTPUploadChunkMsg:
		a.handleUploadChunk(m)
	case *protocol.SFTPDeleteMsg:
		a.handleDelete(m)
	default:
		slog.Warn("sftp adapter received unexpected message", "tunnel", a.id, "type", fmt.Sprintf("%T", m))
	}
}

func (a *Adapter) send(msg protocol.SFTPMessage) {
	payload, err := protocol.EncodeSFTP(msg)
	if err != nil {
		slog.Error("encoding sftp reply", "tunnel", a.id, "err", err)
		return
	}
	framed := protocol.EncodeTunnelPayload(a.id, payload)
	switch a.out.TryEnqueue(&protocol.Frame{ProtocolID: protocol.ProtocolSFTP, Payload: framed}) {
	case session.Accepted:
	case session.DroppedFull, session.DroppedClosed:
		a.disc.Fire()
	}
}

func (a *Adapter) sendError(msgID, message string) {
	a.send(&protocol.SFTPErrorMsg{MsgID: msgID, Message: message})
}

func (a *Adapter) handleList(m *protocol.SFTPListMsg) {
	entries, err := a.client.ReadDir(m.Path)
	if err != nil {
		a.sendError(m.MsgID, fmt.Sprintf("listing %s: %v", m.Path, err))
		return
	}

	batch := make([]protocol.SFTPEntry, 0, listBatchSize)
	flush := func(final bool) {
		a.send(&protocol.SFTPListItemsMsg{MsgID: m.MsgID, Entries: batch, Final: final})
		batch = batch[:0]
	}
	for i, info := range entries {
		kind := "file"
		if info.IsDir() {
			kind = "dir"
		} else if info.Mode()&os.ModeSymlink != 0 {
			kind = "symlink"
		}
		batch = append(batch, protocol.SFTPEntry{
			Name:  info.Name(),
			Kind:  kind,
			Size:  info.Size(),
			Mtime: info.ModTime().Unix(),
		})
		if len(batch) == listBatchSize {
			flush(i == len(entries)-1)
		}
	}
	if len(batch) > 0 || len(entries) == 0 {
		flush(true)
	}
}

func (a *Adapter) handleDownloadStart(m *protocol.SFTPDownloadStartMsg) {
	full := path.Join(m.Path, m.Filename)
	f, err := a.client.Open(full)
	if err != nil {
		a.sendError(m.MsgID, fmt.Sprintf("opening %s: %v", full, err))
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		a.sendError(m.MsgID, fmt.Sprintf("stat %s: %v", full, err))
		return
	}

	totalChunks := int((info.Size() + int64(a.chunkSize) - 1) / int64(a.chunkSize))
	if info.Size() == 0 {
		totalChunks = 1
	}
	id := uuid.New().String()

	a.mu.Lock()
	a.downloads[id] = &download{file: f, totalSize: info.Size(), totalChunks: totalChunks}
	a.mu.Unlock()

	a.send(&protocol.SFTPDownloadStartResponseMsg{
		MsgID:       m.MsgID,
		DownloadID:  id,
		TotalSize:   info.Size(),
		TotalChunks: totalChunks,
	})
}

func (a *Adapter) handleDownloadChunk(m *protocol.SFTPDownloadChunkMsg) {
	a.mu.Lock()
	d, ok := a.downloads[m.DownloadID]
	a.mu.Unlock()
	if !ok {
		a.sendError(m.MsgID, "unknown download_id")
		return
	}

	offset := int64(m.Index) * int64(a.chunkSize)
	buf := make([]byte, a.chunkSize)
	n, err := d.file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		a.sendError(m.MsgID, fmt.Sprintf("reading chunk %d: %v", m.Index, err))
		return
	}

	a.send(&protocol.SFTPDownloadChunkMsg{
		MsgID:       m.MsgID,
		DownloadID:  m.DownloadID,
		Index:       m.Index,
		Data:        buf[:n],
		TotalChunks: d.totalChunks,
		TotalSize:   d.totalSize,
	})

	if m.Index == d.totalChunks-1 {
		d.file.Close()
		a.mu.Lock()
		delete(a.downloads, m.DownloadID)
		a.mu.Unlock()
	}
}

func (a *Adapter) handleUploadStart(m *protocol.SFTPUploadStartMsg) {
	full := path.Join(m.RemotePath, m.Filename)
	f, err := a.client.Create(full)
	if err != nil {
		a.sendError(m.MsgID, fmt.Sprintf("creating %s: %v", full, err))
		return
	}

	id := uuid.New().String()
	a.mu.Lock()
	a.uploads[id] = &upload{file: f, next: 0, total: m.TotalChunks, remote: full}
	a.mu.Unlock()

	a.send(&protocol.SFTPUploadStartResponseMsg{MsgID: m.MsgID, UploadID: id})
}

// handleUploadChunk accepts chunks only in ascending contiguous order.
// A skipped index discards the upload state and reports an error; the
// browser's subsequent chunks for the same upload_id find no state and
// are silently dropped.
func (a *Adapter) handleUploadChunk(m *protocol.SFTPUploadChunkMsg) {
	a.mu.Lock()
	u, ok := a.uploads[m.UploadID]
	a.mu.Unlock()
	if !ok {
		return
	}

	if m.ChunkIndex != u.next {
		slog.Warn("sftp upload received non-contiguous chunk, discarding", "tunnel", a.id, "upload_id", m.UploadID, "want", u.next, "got", m.ChunkIndex)
		u.file.Close()
		a.client.Remove(u.remote)
		a.mu.Lock()
		delete(a.uploads, m.UploadID)
		a.mu.Unlock()
		a.sendError(m.MsgID, "non-contiguous chunk")
		return
	}

	if _, err := u.file.Write(m.Data); err != nil {
		u.file.Close()
		a.mu.Lock()
		delete(a.uploads, m.UploadID)
		a.mu.Unlock()
		a.sendError(m.MsgID, fmt.Sprintf("writing chunk %d: %v", m.ChunkIndex, err))
		return
	}

	u.next++
	if u.next == u.total {
		u.file.Close()
		a.mu.Lock()
		delete(a.uploads, m.UploadID)
		a.mu.Unlock()
		a.send(&protocol.SFTPOkMsg{MsgID: m.MsgID})
	}
}

func (a *Adapter) handleDelete(m *protocol.SFTPDeleteMsg) {
	full := path.Join(m.Path, m.Filename)
	if err := a.client.Remove(full); err != nil {
		a.sendError(m.MsgID, fmt.Sprintf("deleting %s: %v", full, err))
		return
	}
	a.send(&protocol.SFTPOkMsg{MsgID: m.MsgID})
}

// Close releases every open file handle and the SFTP client itself.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, d := range a.downloads {
		d.file.Close()
		delete(a.downloads, id)
	}
	for id, u := range a.uploads {
		u.file.Close()
		delete(a.uploads, id)
	}
	a.client.Close()
}
