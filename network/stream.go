package network

import (
	"errors"
	"fmt"
	"io"
	"os"

	"packsync/manifest"
	"packsync/session"
	"packsync/storage"
	"packsync/validate"
)

// Text files larger than this are streamed as-is rather than buffered for compression.
const maxCompressibleSize = 64 << 20

// serveFile answers FileRequest and ModpackFileRequest. Path checks run
// before anything else so a traversal attempt is refused whatever its
// extension or approval state.
func (c *serverConn) serveFile(rel string, offset int64) error {
	root := c.root
	if root == "" {
		root = c.h.cfg.SharedRoot
	}
	full, err := validate.SanitizePath(rel, root)
	if err != nil {
		c.securityEvent(storage.SecurityEventPathRejected, c.modpack, map[string]any{"path": rel})
		return c.refuse(CodeForbiddenPath, err.Error())
	}
	if c.approved == nil {
		c.securityEvent(storage.SecurityEventUnauthorizedRequest, c.modpack, map[string]any{"path": rel})
		return c.refuse(CodeUnauthorized, "No approved sync request.")
	}
	if _, ok := c.approved[rel]; !ok {
		c.securityEvent(storage.SecurityEventUnauthorizedRequest, c.modpack, map[string]any{"path": rel})
		return c.refuse(CodeUnauthorized, "File was not part of the approved sync.")
	}
	if err := validate.ValidateExtension(rel); err != nil {
		return c.refuse(CodeExtensionNotAllowed, err.Error())
	}

	info, err := os.Stat(full)
	if err != nil || !info.Mode().IsRegular() {
		return c.refuse(CodeNotFound, fmt.Sprintf("File %q is not available.", rel))
	}
	if err := validate.ValidateFileSize(info.Size(), c.h.cfg.MaxFileSize); err != nil {
		return c.refuse(CodeTooLarge, err.Error())
	}
	if offset < 0 || offset > info.Size() {
		return c.refuse(CodeInvalidOffset, fmt.Sprintf("Offset %d is outside the file.", offset))
	}

	c.updateUpload(func(s *session.Session) { s.CurrentFile = rel })

	return c.streamFile(full, rel, offset)
}

func (c *serverConn) updateUpload(fn func(*session.Session)) {
	if c.sessionID == "" {
		return
	}
	if err := c.h.cfg.Sessions.Update(c.sessionID, fn); err != nil && !errors.Is(err, session.ErrTerminal) {
		log.Debugw("update upload session failed", "session", c.sessionID, "error", err)
	}
}

// payloadSource yields the bytes announced in the header.
type payloadSource struct {
	buffered []byte
	file     *os.File
}

func (p *payloadSource) next(buf []byte) (int, error) {
	if p.file == nil {
		n := copy(buf, p.buffered)
		p.buffered = p.buffered[n:]
		return n, nil
	}
	n, err := io.ReadFull(p.file, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (c *serverConn) openPayload(full, rel string, offset, size int64) (*payloadSource, int64, bool, error) {
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, false, err
	}

	if offset == 0 && size <= maxCompressibleSize && validate.IsTextLike(rel) {
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, 0, false, err
		}
		if compressed, ok := maybeCompress(data); ok {
			return &payloadSource{buffered: compressed}, int64(len(compressed)), true, nil
		}
		return &payloadSource{buffered: data}, int64(len(data)), false, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, 0, false, err
	}
	return &payloadSource{file: f}, size - offset, false, nil
}

func (c *serverConn) streamFile(full, rel string, offset int64) error {
	hash, size, err := manifest.HashFile(full)
	if err != nil {
		log.Warnw("hash file failed", "path", rel, "error", err)
		return c.refuse(CodeInternal, "Could not read the file.")
	}
	if offset > size {
		return c.refuse(CodeInvalidOffset, fmt.Sprintf("Offset %d is outside the file.", offset))
	}

	source, payloadSize, compressed, err := c.openPayload(full, rel, offset, size)
	if err != nil {
		log.Warnw("open file failed", "path", rel, "error", err)
		return c.refuse(CodeInternal, "Could not read the file.")
	}
	if source.file != nil {
		defer source.file.Close()
	}

	totalChunks := chunkCount(payloadSize)
	if err := c.pc.Send(FileHeader{
		Path:         rel,
		Size:         payloadSize,
		Hash:         hash,
		TotalChunks:  totalChunks,
		Compressed:   compressed,
		OriginalSize: size,
	}); err != nil {
		return err
	}

	key := c.pc.SessionKey()
	buf := make([]byte, ChunkSize)
	for i := 0; i < totalChunks; i++ {
		if err := waitWhilePaused(c.ctx, c.h.cfg.Sessions, c.sessionID, c.h.cfg.PollInterval); err != nil {
			return err
		}

		n, err := source.next(buf)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		c.bandwidth.SetLimit(c.h.cfg.Sessions.BandwidthLimit(c.sessionID))
		if err := c.bandwidth.Wait(c.ctx, n); err != nil {
			return err
		}

		sealed, err := key.Encrypt(buf[:n])
		if err != nil {
			return err
		}
		if err := c.pc.Send(FileChunk{
			Path:       rel,
			ChunkIndex: i,
			Data:       sealed,
			IsLast:     i == totalChunks-1,
		}); err != nil {
			return err
		}
		c.updateUpload(func(s *session.Session) {
			s.BytesDone = min(s.BytesDone+int64(n), s.BytesTotal)
		})
	}

	return c.awaitFileAck(rel)
}

func (c *serverConn) awaitFileAck(rel string) error {
	msg, err := c.pc.Receive(c.ctx)
	if err != nil {
		return err
	}
	ack, ok := msg.(FileAck)
	if !ok {
		_ = c.pc.Send(ErrorMessage{Code: CodeUnexpectedMessage, Message: "Expected file ack."})
		return unexpected(TypeFileAck, msg)
	}
	if ack.Path != rel {
		_ = c.pc.Send(ErrorMessage{Code: CodeUnexpectedMessage, Message: "File ack names a different file."})
		return fmt.Errorf("%w: ack for %q while sending %q", ErrUnexpectedMessage, ack.Path, rel)
	}

	if !ack.Success {
		log.Infow("peer rejected file", "peer", c.peerID, "path", rel)
		return nil
	}
	c.updateUpload(func(s *session.Session) {
		s.FilesDone = min(s.FilesDone+1, s.FilesTotal)
		s.CurrentFile = ""
	})
	return nil
}
