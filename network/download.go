package network

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"packsync/manifest"
	"packsync/models"
	"packsync/ratelimit"
	"packsync/session"
	"packsync/stats"
	"packsync/validate"
)

// errLocalIO marks a failure on this side of a file transfer; the file is retried.
var errLocalIO = errors.New("network: local write failed")

// download is the state of one running Sync.
type download struct {
	o    *Orchestrator
	ctx  context.Context
	opts SyncOptions
	id   string

	pc        *PeerConnection
	tracker   *stats.Tracker
	bandwidth *ratelimit.Bandwidth
	result    Result
}

func newDownload(ctx context.Context, o *Orchestrator, opts SyncOptions, id string) *download {
	return &download{
		o:         o,
		ctx:       ctx,
		opts:      opts,
		id:        id,
		bandwidth: ratelimit.NewBandwidth(opts.BandwidthLimit),
		result: Result{
			SessionID: id,
			PeerID:    opts.PeerID,
			Modpack:   opts.Modpack,
		},
	}
}

func (d *download) sessions() session.Store { return d.o.cfg.Sessions }

func (d *download) update(fn func(*session.Session)) {
	if err := d.sessions().Update(d.id, fn); err != nil && !errors.Is(err, session.ErrTerminal) {
		log.Debugw("update download session failed", "session", d.id, "error", err)
	}
}

func (d *download) setStatus(status session.Status) {
	if err := d.sessions().SetStatus(d.id, status, ""); err != nil {
		log.Debugw("set download status failed", "session", d.id, "status", status, "error", err)
	}
}

func (d *download) run() error {
	pc, err := Dial(d.ctx, d.opts.Address, d.o.handshakeOptions())
	if err != nil {
		return err
	}
	d.pc = pc
	defer pc.Close()
	stop := context.AfterFunc(d.ctx, func() {
		_ = pc.Close()
	})
	defer stop()

	peer := pc.Peer()
	if d.opts.PeerID != "" && peer.ID != d.opts.PeerID {
		return fmt.Errorf("%w: expected %q, connected to %q", ErrPeerMismatch, d.opts.PeerID, peer.ID)
	}
	d.result.PeerID = peer.ID
	d.update(func(s *session.Session) {
		s.PeerID = peer.ID
		s.Verified = peer.Verified
		s.PeerSigningKey = peer.SigningKey
	})
	peer.Address = d.opts.Address
	recordPeer(d.o.cfg.Peers, d.o.cfg.Security, peer)
	log.Infow("connected", "session", d.id, "peer", peer.ID, "verified", peer.Verified)

	d.setStatus(session.StatusNegotiating)
	remote, err := d.fetchManifest()
	if err != nil {
		return err
	}

	diff, err := d.plan(remote)
	if err != nil {
		return err
	}
	d.update(func(s *session.Session) {
		s.FilesTotal = len(diff.ToDownload)
		s.BytesTotal = diff.TotalDownloadBytes
	})
	if diff.Empty() {
		log.Infow("already in sync", "session", d.id, "modpack", d.opts.Modpack)
		return nil
	}

	if err := d.requestSync(diff); err != nil {
		return err
	}

	d.setStatus(session.StatusTransferring)
	d.tracker = stats.NewTracker(diff.TotalDownloadBytes)

	files := slices.Clone(diff.ToDownload)
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].Size < files[j].Size
	})
	for _, file := range files {
		if err := waitWhilePaused(d.ctx, d.sessions(), d.id, d.o.cfg.PollInterval); err != nil {
			return err
		}
		if err := d.downloadWithRetry(file); err != nil {
			return err
		}
	}

	d.applyDeletes(diff.ToDelete)

	if err := pc.Send(SyncComplete{
		Name:          d.opts.Modpack,
		FilesReceived: d.result.FilesDownloaded,
		BytesReceived: d.result.BytesDownloaded,
	}); err != nil {
		return err
	}

	d.verify(files)
	if n := len(d.result.FailedFiles); n > 0 {
		return fmt.Errorf("%w: %d files failed", ErrFilesFailed, n)
	}
	return nil
}

func (d *download) fetchManifest() (models.Manifest, error) {
	if err := d.pc.Send(ManifestRequest{Name: d.opts.Modpack}); err != nil {
		return models.Manifest{}, err
	}
	reply, err := d.pc.Receive(d.ctx)
	if err != nil {
		return models.Manifest{}, err
	}
	resp, ok := reply.(ManifestResponse)
	if !ok {
		return models.Manifest{}, unexpected(TypeManifestResponse, reply)
	}
	return resp.Manifest, nil
}

// plan diffs the remote manifest against Destination and rejects any entry
// that would land outside it.
func (d *download) plan(remote models.Manifest) (models.SyncDiff, error) {
	if err := os.MkdirAll(d.opts.Destination, 0o755); err != nil {
		return models.SyncDiff{}, fmt.Errorf("create destination: %w", err)
	}
	local, err := manifest.Build(d.ctx, d.opts.Destination)
	if err != nil {
		return models.SyncDiff{}, fmt.Errorf("scan destination: %w", err)
	}
	// Files outside the shareable set are never advertised, so they must not
	// count as extras either.
	diff := manifest.Diff(manifest.Shareable(local), manifest.Shareable(remote))

	for _, file := range diff.ToDownload {
		if _, err := validate.SanitizePath(file.Path, d.opts.Destination); err != nil {
			return models.SyncDiff{}, fmt.Errorf("remote manifest entry %q: %w", file.Path, err)
		}
		if err := validate.ValidateFileSize(file.Size, d.o.cfg.MaxFileSize); err != nil {
			return models.SyncDiff{}, fmt.Errorf("remote manifest entry %q: %w", file.Path, err)
		}
	}

	ceiling := d.o.cfg.MaxTransferSize
	if d.opts.MaxTransferSize != 0 {
		ceiling = d.opts.MaxTransferSize
	}
	if err := validate.ValidateTransferSize(diff.TotalDownloadBytes, ceiling); err != nil {
		return models.SyncDiff{}, err
	}
	return diff, nil
}

func (d *download) requestSync(diff models.SyncDiff) error {
	if err := d.pc.Send(SyncRequest{Name: d.opts.Modpack, Diff: diff}); err != nil {
		return err
	}
	reply, err := d.pc.Receive(d.ctx)
	if err != nil {
		return err
	}
	ack, ok := reply.(SyncAck)
	if !ok {
		return unexpected(TypeSyncAck, reply)
	}
	if !ack.Approved {
		reason := ack.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrSyncDenied, reason)
	}
	return nil
}

func (d *download) downloadWithRetry(file models.FileRecord) error {
	for attempt := 1; ; attempt++ {
		counted, err := d.downloadFile(file)
		if err == nil {
			d.result.FilesDownloaded++
			d.result.BytesDownloaded += file.Size
			d.update(func(s *session.Session) {
				s.FilesDone++
				s.CurrentFile = ""
			})
			return nil
		}
		d.tracker.Rewind(counted)

		var refused *RemoteError
		switch {
		case errors.As(err, &refused) && refused.Code == CodeInvalidOffset && attempt < d.o.cfg.MaxAttempts:
			// The remote file shrank under our partial copy; start over.
			if target, pathErr := validate.SanitizePath(file.Path, d.opts.Destination); pathErr == nil {
				_ = os.Remove(target + manifest.PartialSuffix)
			}
			continue
		case errors.As(err, &refused):
			log.Warnw("peer refused file", "session", d.id, "path", file.Path, "code", refused.Code, "reason", refused.Message)
			d.result.FailedFiles = append(d.result.FailedFiles, file.Path)
			return nil
		case !errors.Is(err, errLocalIO):
			return err
		case attempt >= d.o.cfg.MaxAttempts:
			log.Warnw("giving up on file", "session", d.id, "path", file.Path, "attempts", attempt, "error", err)
			d.result.FailedFiles = append(d.result.FailedFiles, file.Path)
			return nil
		}

		log.Infow("retrying file", "session", d.id, "path", file.Path, "attempt", attempt, "error", err)
		d.update(func(s *session.Session) { s.RetryCount++ })
		timer := time.NewTimer(d.o.cfg.RetryBackoff)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return d.ctx.Err()
		case <-timer.C:
		}
	}
}

// downloadFile fetches one file into its .part sibling and renames it into
// place. counted is what this attempt added to the tracker.
func (d *download) downloadFile(file models.FileRecord) (counted int64, err error) {
	target, err := validate.SanitizePath(file.Path, d.opts.Destination)
	if err != nil {
		return 0, err
	}
	part := target + manifest.PartialSuffix

	var offset int64
	if info, statErr := os.Stat(part); statErr == nil {
		if info.Size() >= file.Size {
			_ = os.Remove(part)
		} else {
			offset = info.Size()
		}
	}

	d.update(func(s *session.Session) { s.CurrentFile = file.Path })

	if err := d.pc.Send(ModpackFileRequest{Modpack: d.opts.Modpack, Path: file.Path, ResumeOffset: offset}); err != nil {
		return 0, err
	}
	reply, err := d.pc.Receive(d.ctx)
	if err != nil {
		return 0, err
	}
	header, ok := reply.(FileHeader)
	if !ok {
		return 0, unexpected(TypeFileHeader, reply)
	}
	if header.Path != file.Path {
		return 0, fmt.Errorf("%w: header for %q while requesting %q", ErrUnexpectedMessage, header.Path, file.Path)
	}
	if header.Compressed {
		offset = 0
		if header.Size < 0 || header.Size > header.OriginalSize {
			return 0, fmt.Errorf("%w: compressed size %d exceeds original size %d", ErrUnexpectedMessage, header.Size, header.OriginalSize)
		}
	} else if header.Size != header.OriginalSize-offset {
		return 0, fmt.Errorf("%w: header size %d does not match offset %d of %d", ErrUnexpectedMessage, header.Size, offset, header.OriginalSize)
	}
	if want := chunkCount(header.Size); header.TotalChunks != want {
		return 0, fmt.Errorf("%w: %d chunks announced for %d bytes, want %d", ErrUnexpectedMessage, header.TotalChunks, header.Size, want)
	}
	if err := validate.ValidateFileSize(header.OriginalSize, d.o.cfg.MaxFileSize); err != nil {
		return 0, err
	}

	if offset > 0 {
		d.tracker.Skip(offset)
		counted += offset
		log.Debugw("resuming file", "session", d.id, "path", file.Path, "offset", offset)
	}

	w, localErr := openPart(part, offset)
	var (
		buffered []byte
		received int64
	)
	for i := 0; i < header.TotalChunks; i++ {
		if err := waitWhilePaused(d.ctx, d.sessions(), d.id, d.o.cfg.PollInterval); err != nil {
			closePart(w)
			return counted, err
		}

		plain, err := d.receiveChunk(header, i)
		if err != nil {
			closePart(w)
			return counted, err
		}
		d.bandwidth.SetLimit(d.sessions().BandwidthLimit(d.id))
		if err := d.bandwidth.Wait(d.ctx, len(plain)); err != nil {
			closePart(w)
			return counted, err
		}

		received += int64(len(plain))
		if received > header.Size {
			closePart(w)
			return counted, fmt.Errorf("%w: %q exceeds announced size %d", ErrUnexpectedMessage, file.Path, header.Size)
		}
		if header.Compressed {
			buffered = append(buffered, plain...)
			continue
		}
		if localErr == nil {
			_, localErr = w.Write(plain)
		}
		d.tracker.Add(int64(len(plain)))
		counted += int64(len(plain))
		d.progress()
	}

	if received != header.Size {
		closePart(w)
		return counted, fmt.Errorf("%w: %q ended after %d of %d bytes", ErrUnexpectedMessage, file.Path, received, header.Size)
	}

	if header.Compressed && localErr == nil {
		var data []byte
		data, localErr = decompress(buffered, header.OriginalSize)
		if localErr == nil {
			_, localErr = w.Write(data)
			d.tracker.Add(int64(len(data)))
			counted += int64(len(data))
			d.progress()
		}
	}
	if w != nil {
		if err := w.Close(); err != nil && localErr == nil {
			localErr = err
		}
	}
	if localErr == nil {
		localErr = os.Rename(part, target)
	}

	if localErr != nil {
		if err := d.pc.Send(FileAck{Path: file.Path, Success: false}); err != nil {
			return counted, err
		}
		return counted, fmt.Errorf("%w: %s: %w", errLocalIO, file.Path, localErr)
	}
	if err := d.pc.Send(FileAck{Path: file.Path, Success: true}); err != nil {
		return counted, err
	}
	return counted, nil
}

func (d *download) receiveChunk(header FileHeader, index int) ([]byte, error) {
	msg, err := d.pc.Receive(d.ctx)
	if err != nil {
		return nil, err
	}
	chunk, ok := msg.(FileChunk)
	if !ok {
		return nil, unexpected(TypeFileChunk, msg)
	}
	if chunk.Path != header.Path || chunk.ChunkIndex != index {
		return nil, fmt.Errorf("%w: chunk %d of %q while expecting %d of %q", ErrUnexpectedMessage, chunk.ChunkIndex, chunk.Path, index, header.Path)
	}
	if chunk.IsLast != (index == header.TotalChunks-1) {
		return nil, fmt.Errorf("%w: chunk %d of %q has the wrong last flag", ErrUnexpectedMessage, index, header.Path)
	}
	plain, err := d.pc.SessionKey().Decrypt(chunk.Data)
	if err != nil {
		return nil, fmt.Errorf("chunk %d of %q: %w", index, header.Path, err)
	}
	return plain, nil
}

// openPart opens the partial file for appending at offset, or truncates it.
func openPart(part string, offset int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	return os.OpenFile(part, flags, 0o644)
}

func closePart(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

func (d *download) progress() {
	snap := d.tracker.Snapshot()
	d.update(func(s *session.Session) { s.BytesDone = snap.BytesDone })
	if !d.tracker.ShouldEmit() {
		return
	}

	s, ok := d.sessions().Get(d.id)
	if !ok {
		return
	}
	d.o.cfg.Events.Publish(Event{
		Type:      EventProgress,
		SessionID: d.id,
		PeerID:    s.PeerID,
		Direction: session.DirectionDownload,
		Progress: &Progress{
			FilesDone:   s.FilesDone,
			FilesTotal:  s.FilesTotal,
			BytesDone:   snap.BytesDone,
			BytesTotal:  snap.BytesTotal,
			CurrentFile: s.CurrentFile,
			Speed:       snap.Speed,
			ETA:         snap.ETA,
		},
	})
}

func (d *download) applyDeletes(paths []string) {
	for _, rel := range paths {
		full, err := validate.SanitizePath(rel, d.opts.Destination)
		if err != nil {
			log.Warnw("refusing to delete outside destination", "session", d.id, "path", rel, "error", err)
			continue
		}
		if err := os.Remove(full); err != nil {
			if !manifest.IsNotExist(err) {
				log.Warnw("delete failed", "session", d.id, "path", rel, "error", err)
			}
			continue
		}
		d.result.FilesDeleted++
	}
}

// verify re-hashes downloaded files. Mismatches are reported, not rolled back.
func (d *download) verify(files []models.FileRecord) {
	for _, file := range files {
		if slices.Contains(d.result.FailedFiles, file.Path) {
			continue
		}
		target, err := validate.SanitizePath(file.Path, d.opts.Destination)
		if err != nil {
			continue
		}
		ok, err := manifest.Verify(target, file.Hash)
		if err != nil || !ok {
			log.Warnw("downloaded file does not match manifest", "session", d.id, "path", file.Path, "error", err)
			d.result.VerifyMismatches = append(d.result.VerifyMismatches, file.Path)
		}
	}
}

// finish records the terminal status, notifies listeners and builds the result.
func (d *download) finish(runErr error) (Result, error) {
	status := session.StatusCompleted
	message := ""
	switch {
	case runErr == nil:
	case d.ctx.Err() != nil:
		status = session.StatusCancelled
	default:
		status = session.StatusFailed
		message = runErr.Error()
	}

	if err := d.sessions().SetStatus(d.id, status, message); err != nil {
		log.Debugw("set final status failed", "session", d.id, "error", err)
	}

	event := Event{SessionID: d.id, PeerID: d.result.PeerID, Direction: session.DirectionDownload, Message: message}
	switch status {
	case session.StatusCompleted:
		event.Type = EventCompleted
	case session.StatusCancelled:
		event.Type = EventCancelled
	default:
		event.Type = EventError
	}
	d.o.cfg.Events.Publish(event)

	if s, ok := d.sessions().Get(d.id); ok {
		recordHistory(d.o.cfg.History, s)
		status = s.Status
	}
	var wireSent, wireReceived int64
	if d.pc != nil {
		wireSent, wireReceived = d.pc.BytesSent(), d.pc.BytesReceived()
	}
	log.Infow("sync finished", "session", d.id, "peer", d.result.PeerID, "status", status,
		"files", d.result.FilesDownloaded, "bytes", d.result.BytesDownloaded,
		"wire_sent", wireSent, "wire_received", wireReceived, "error", runErr)

	d.result.Status = status
	if status != session.StatusFailed {
		return d.result, nil
	}
	if runErr == nil {
		runErr = errors.New(message)
	}
	d.result.Err = runErr
	return d.result, runErr
}
