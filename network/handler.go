package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"packsync/consent"
	"packsync/crypto"
	"packsync/manifest"
	"packsync/models"
	"packsync/ratelimit"
	"packsync/session"
	"packsync/storage"
	"packsync/validate"
)

const (
	// DefaultPollInterval is how often paused transfers re-check the registry.
	DefaultPollInterval = 200 * time.Millisecond
)

var errRateLimited = errors.New("network: peer exceeded request rate")

type handlerState int

const (
	stateAwaitingHello handlerState = iota
	stateKeyExchanged
	stateServing
)

// HandlerConfig wires the server role to its collaborators. Store-backed
// fields may be nil; without Consent every unremembered request is denied.
type HandlerConfig struct {
	Identity    LocalIdentity
	SharedRoot  string
	Sessions    session.Store
	Events      *EventBus
	Consent     ConsentAuthority
	Permissions PermissionMemory
	Peers       PeerBook
	Security    SecurityLog
	History     HistoryRecorder

	MaxTransferSize   int64
	MaxFileSize       int64
	UploadLimit       int64
	ConsentTimeout    time.Duration
	RequestsPerSecond float64
	RequestBurst      int
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	PollInterval      time.Duration
}

type route func(c *serverConn, msg Message) error

// Handler serves inbound connections: AwaitingHello, then KeyExchanged,
// then Serving until the peer leaves.
type Handler struct {
	cfg      HandlerConfig
	requests *ratelimit.Requests
	routes   map[string]route
}

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.SharedRoot == "" {
		return nil, errors.New("shared root is required")
	}
	if err := validate.ValidatePeerID(cfg.Identity.PeerID); err != nil {
		return nil, fmt.Errorf("local identity: %w", err)
	}
	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = validate.DefaultMaxTransferSize
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = validate.DefaultMaxFileSize
	}
	if cfg.ConsentTimeout <= 0 {
		cfg.ConsentTimeout = consent.DefaultTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConnectionTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	h := &Handler{
		cfg:      cfg,
		requests: ratelimit.NewRequests(cfg.RequestsPerSecond, cfg.RequestBurst),
	}
	h.routes = map[string]route{
		TypeManifestRequest:          (*serverConn).handleManifestRequest,
		TypeSyncRequest:              (*serverConn).handleSyncRequest,
		TypeFileRequest:              (*serverConn).handleFileRequest,
		TypeModpackFileRequest:       (*serverConn).handleModpackFileRequest,
		TypeSyncComplete:             (*serverConn).handleSyncComplete,
		TypeFriendRequest:            (*serverConn).handleFriendRequest,
		TypeServerModpackListRequest: (*serverConn).handleServerModpackListRequest,
	}
	return h, nil
}

// serverConn is the per-connection state owned by one Serve call.
type serverConn struct {
	h      *Handler
	ctx    context.Context
	cancel context.CancelFunc
	pc     *PeerConnection
	state  handlerState
	peerID string

	modpack   string
	root      string
	approved  map[string]models.FileRecord
	sessionID string
	bandwidth *ratelimit.Bandwidth
}

// Serve runs one inbound connection to completion and closes it.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &serverConn{
		h:         h,
		ctx:       ctx,
		cancel:    cancel,
		state:     stateAwaitingHello,
		bandwidth: ratelimit.NewBandwidth(h.cfg.UploadLimit),
	}

	pc, err := h.handshake(conn)
	if err != nil {
		log.Infow("handshake rejected", "remote", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	c.pc = pc
	c.peerID = pc.Peer().ID
	c.state = stateKeyExchanged
	stop := context.AfterFunc(ctx, func() {
		_ = pc.Close()
	})
	defer stop()

	log.Infow("peer connected", "peer", c.peerID, "verified", pc.Peer().Verified, "remote", pc.Peer().Address)
	loopErr := c.loop()
	c.finish(loopErr)
}

func (h *Handler) handshake(conn net.Conn) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	msg, err := ReadMessage(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, ok := msg.(Hello)
	if !ok {
		_ = WriteMessage(conn, ErrorMessage{Code: CodeUnexpectedMessage, Message: "Expected hello."})
		return nil, unexpected(TypeHello, msg)
	}

	if refusal := helloError(hello); refusal != nil {
		_ = WriteMessage(conn, *refusal)
		if refusal.Code == CodeEncryptionRequired {
			logSecurity(h.cfg.Security, storage.SecurityEvent{
				EventType:  storage.SecurityEventEncryptionRequired,
				PeerID:     hello.PeerID,
				RemoteAddr: conn.RemoteAddr().String(),
				Severity:   storage.SecuritySeverityWarning,
			}, nil)
			return nil, ErrEncryptionRequired
		}
		return nil, fmt.Errorf("hello refused [%s]: %s", refusal.Code, refusal.Message)
	}

	if h.cfg.Peers != nil {
		blocked, err := h.cfg.Peers.IsPeerBlocked(hello.PeerID)
		if err != nil {
			log.Warnw("peer block lookup failed", "peer", hello.PeerID, "error", err)
		}
		if blocked {
			_ = WriteMessage(conn, ErrorMessage{Code: CodeBlocked, Message: "This peer is blocked."})
			logSecurity(h.cfg.Security, storage.SecurityEvent{
				EventType:  storage.SecurityEventBlockedPeer,
				PeerID:     hello.PeerID,
				RemoteAddr: conn.RemoteAddr().String(),
				Severity:   storage.SecuritySeverityInfo,
			}, nil)
			return nil, fmt.Errorf("peer %q is blocked", hello.PeerID)
		}
	}

	localPrivate, localPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}
	sessionKey, err := crypto.KeyExchange(localPrivate, hello.PublicKey, h.cfg.Identity.PeerID, hello.PeerID)
	if err != nil {
		_ = WriteMessage(conn, ErrorMessage{Code: CodeEncryptionRequired, Message: "The supplied public key is invalid."})
		return nil, fmt.Errorf("key exchange: %w", err)
	}

	ack, err := buildHello(h.cfg.Identity, localPublic.Bytes())
	if err != nil {
		return nil, err
	}
	if err := WriteMessage(conn, HelloAck(ack)); err != nil {
		return nil, fmt.Errorf("send hello ack: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	peer, signatureInvalid := peerFromHello(hello)
	peer.Address = conn.RemoteAddr().String()
	if signatureInvalid {
		logSecurity(h.cfg.Security, storage.SecurityEvent{
			EventType:  storage.SecurityEventSignatureInvalid,
			PeerID:     hello.PeerID,
			RemoteAddr: peer.Address,
			Severity:   storage.SecuritySeverityWarning,
		}, nil)
	}
	recordPeer(h.cfg.Peers, h.cfg.Security, peer)

	return newPeerConnection(conn, sessionKey, peer, ConnectionOptions{
		LocalPeerID: h.cfg.Identity.PeerID,
		IdleTimeout: h.cfg.IdleTimeout,
	}), nil
}

func (c *serverConn) loop() error {
	for {
		msg, err := c.pc.Receive(c.ctx)
		if err != nil {
			return err
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
}

func (c *serverConn) dispatch(msg Message) error {
	handle, ok := c.h.routes[msg.MessageType()]
	if !ok {
		_ = c.pc.Send(ErrorMessage{Code: CodeUnexpectedMessage, Message: fmt.Sprintf("Unexpected %q.", msg.MessageType())})
		return fmt.Errorf("%w: %q", ErrUnexpectedMessage, msg.MessageType())
	}
	if !c.h.requests.Allow(c.peerID) {
		_ = c.pc.Send(ErrorMessage{Code: CodeRateLimited, Message: "Too many requests."})
		c.securityEvent(storage.SecurityEventRateLimited, c.modpack, map[string]any{
			"message_type": msg.MessageType(),
		})
		return errRateLimited
	}

	c.state = stateServing
	return handle(c, msg)
}

// refuse answers with an ErrorMessage; the connection stays usable.
func (c *serverConn) refuse(code, message string) error {
	log.Debugw("request refused", "peer", c.peerID, "code", code, "reason", message)
	return c.pc.Send(ErrorMessage{Code: code, Message: message})
}

func (c *serverConn) securityEvent(eventType, modpack string, details map[string]any) {
	logSecurity(c.h.cfg.Security, storage.SecurityEvent{
		EventType:  eventType,
		PeerID:     c.peerID,
		RemoteAddr: c.pc.Peer().Address,
		Modpack:    modpack,
		Severity:   storage.SecuritySeverityWarning,
	}, details)
}

// resolveModpack maps a requested modpack name to its directory.
func (c *serverConn) resolveModpack(name string) (string, *ErrorMessage) {
	if err := validate.ValidateModpackName(name); err != nil {
		return "", &ErrorMessage{Code: CodeInvalidName, Message: err.Error()}
	}
	root, err := validate.SanitizePath(name, c.h.cfg.SharedRoot)
	if err != nil {
		c.securityEvent(storage.SecurityEventPathRejected, name, nil)
		return "", &ErrorMessage{Code: CodeForbiddenPath, Message: err.Error()}
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", &ErrorMessage{Code: CodeNotFound, Message: fmt.Sprintf("Modpack %q is not shared.", name)}
	}
	return root, nil
}

func (c *serverConn) handleManifestRequest(msg Message) error {
	req := msg.(ManifestRequest)
	root, refusal := c.resolveModpack(req.Name)
	if refusal != nil {
		return c.refuse(refusal.Code, refusal.Message)
	}

	built, err := manifest.Build(c.ctx, root)
	if err != nil {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		log.Warnw("build manifest failed", "modpack", req.Name, "error", err)
		return c.refuse(CodeInternal, "Could not list the modpack.")
	}

	// Only advertise files a peer is allowed to request.
	shareable := manifest.Shareable(built)
	if err := validate.ValidateTransferSize(shareable.TotalSize(), c.h.cfg.MaxTransferSize); err != nil {
		return c.refuse(CodeTooLarge, err.Error())
	}

	return c.pc.Send(ManifestResponse{Name: req.Name, Manifest: shareable})
}

func (c *serverConn) handleSyncRequest(msg Message) error {
	req := msg.(SyncRequest)
	root, refusal := c.resolveModpack(req.Name)
	if refusal != nil {
		return c.pc.Send(SyncAck{Approved: false, Reason: refusal.Message})
	}

	var total int64
	approved := make(map[string]models.FileRecord, len(req.Diff.ToDownload))
	for _, file := range req.Diff.ToDownload {
		if _, err := validate.SanitizePath(file.Path, root); err != nil {
			c.securityEvent(storage.SecurityEventPathRejected, req.Name, map[string]any{"path": file.Path})
			return c.pc.Send(SyncAck{Approved: false, Reason: err.Error()})
		}
		if err := validate.ValidateExtension(file.Path); err != nil {
			return c.pc.Send(SyncAck{Approved: false, Reason: err.Error()})
		}
		if err := validate.ValidateFileSize(file.Size, c.h.cfg.MaxFileSize); err != nil {
			return c.pc.Send(SyncAck{Approved: false, Reason: err.Error()})
		}
		total += file.Size
		approved[file.Path] = file
	}
	if err := validate.ValidateTransferSize(max(total, req.Diff.TotalDownloadBytes), c.h.cfg.MaxTransferSize); err != nil {
		return c.pc.Send(SyncAck{Approved: false, Reason: err.Error()})
	}

	ok, reason := c.authorize(req.Name, len(approved), total)
	if !ok {
		log.Infow("sync request denied", "peer", c.peerID, "modpack", req.Name, "reason", reason)
		return c.pc.Send(SyncAck{Approved: false, Reason: reason})
	}

	if err := c.beginUpload(req.Name, root, approved, total); err != nil {
		log.Warnw("create upload session failed", "peer", c.peerID, "error", err)
		return c.pc.Send(SyncAck{Approved: false, Reason: "Internal error."})
	}
	log.Infow("sync request approved", "peer", c.peerID, "modpack", req.Name, "files", len(approved), "bytes", total)
	return c.pc.Send(SyncAck{Approved: true})
}

// authorize consults remembered permissions, then asks the user.
func (c *serverConn) authorize(modpack string, files int, total int64) (bool, string) {
	cfg := c.h.cfg
	peer := c.pc.Peer()
	contentType := consent.ContentType(consent.KindModpack, modpack)

	if cfg.Permissions != nil {
		allowed, found, err := cfg.Permissions.LookupRemembered(peer.ID, contentType)
		if err != nil {
			log.Warnw("permission lookup failed", "peer", peer.ID, "error", err)
		}
		if found {
			if allowed {
				return true, ""
			}
			return false, "Request denied."
		}
	}

	if cfg.Consent == nil {
		return false, "No one is available to approve this request."
	}

	req := cfg.Consent.RequestConsent(consent.Request{
		PeerID:     peer.ID,
		PeerName:   peer.Name,
		Verified:   peer.Verified,
		Kind:       consent.KindModpack,
		Modpack:    modpack,
		FileCount:  files,
		TotalBytes: total,
	})
	cfg.Events.Publish(Event{Type: EventIncomingRequest, PeerID: peer.ID, Request: &req})

	approved, err := cfg.Consent.AwaitDecision(c.ctx, req.ID, cfg.ConsentTimeout)
	if err != nil {
		return false, "Request was not answered."
	}
	if !approved {
		return false, "Request denied."
	}
	return true, ""
}

func (c *serverConn) beginUpload(modpack, root string, approved map[string]models.FileRecord, total int64) error {
	if c.sessionID != "" {
		c.endUpload(session.StatusFailed, "superseded by a new sync request")
	}

	peer := c.pc.Peer()
	s, err := c.h.cfg.Sessions.Create(session.Session{
		PeerID:         peer.ID,
		Modpack:        modpack,
		Direction:      session.DirectionUpload,
		Status:         session.StatusTransferring,
		FilesTotal:     len(approved),
		BytesTotal:     total,
		BandwidthLimit: c.h.cfg.UploadLimit,
		Verified:       peer.Verified,
		PeerSigningKey: peer.SigningKey,
	})
	if err != nil {
		return err
	}
	if err := c.h.cfg.Sessions.AttachCancel(s.ID, c.cancel); err != nil {
		return err
	}

	c.sessionID = s.ID
	c.modpack = modpack
	c.root = root
	c.approved = approved
	c.h.cfg.Events.Publish(Event{
		Type:      EventSessionCreated,
		SessionID: s.ID,
		PeerID:    peer.ID,
		Direction: session.DirectionUpload,
	})
	return nil
}

// endUpload moves the active upload session to a terminal status.
func (c *serverConn) endUpload(status session.Status, message string) {
	id := c.sessionID
	c.sessionID = ""
	c.approved = nil
	if id == "" {
		return
	}

	if err := c.h.cfg.Sessions.SetStatus(id, status, message); err != nil && !errors.Is(err, session.ErrTerminal) {
		log.Warnw("set upload status failed", "session", id, "error", err)
	}
	s, ok := c.h.cfg.Sessions.Get(id)
	if !ok {
		return
	}

	event := Event{SessionID: id, PeerID: s.PeerID, Direction: session.DirectionUpload, Message: s.Error}
	switch s.Status {
	case session.StatusCompleted:
		event.Type = EventCompleted
	case session.StatusCancelled:
		event.Type = EventCancelled
	default:
		event.Type = EventError
	}
	c.h.cfg.Events.Publish(event)
	recordHistory(c.h.cfg.History, s)
	log.Infow("upload finished", "session", id, "peer", s.PeerID, "status", s.Status, "files", s.FilesDone, "bytes", s.BytesDone)
}

func (c *serverConn) handleFileRequest(msg Message) error {
	req := msg.(FileRequest)
	return c.serveFile(req.Path, req.ResumeOffset)
}

func (c *serverConn) handleModpackFileRequest(msg Message) error {
	req := msg.(ModpackFileRequest)
	if c.approved != nil && req.Modpack != c.modpack {
		c.securityEvent(storage.SecurityEventUnauthorizedRequest, req.Modpack, map[string]any{"path": req.Path})
		return c.refuse(CodeUnauthorized, "Modpack was not part of the approved sync.")
	}
	return c.serveFile(req.Path, req.ResumeOffset)
}

func (c *serverConn) handleSyncComplete(msg Message) error {
	done := msg.(SyncComplete)
	if c.sessionID == "" {
		log.Debugw("sync complete without active upload", "peer", c.peerID)
		return nil
	}
	log.Debugw("peer reports sync complete", "peer", c.peerID, "files", done.FilesReceived, "bytes", done.BytesReceived)
	c.endUpload(session.StatusCompleted, "")
	return nil
}

func (c *serverConn) handleFriendRequest(msg Message) error {
	req := msg.(FriendRequest)
	if err := validate.ValidatePeerID(req.PeerID); err != nil {
		return c.refuse(CodeInvalidPeerID, err.Error())
	}
	if req.PeerID != c.peerID {
		return c.refuse(CodeInvalidField, "Friend request must come from the connected peer.")
	}
	if err := validate.ValidateText("display_name", req.DisplayName, validate.MaxDisplayNameLength); err != nil {
		return c.refuse(CodeInvalidField, err.Error())
	}
	if err := validate.ValidateText("message", req.Message, validate.MaxFriendMessageLength); err != nil {
		return c.refuse(CodeInvalidField, err.Error())
	}

	c.h.cfg.Events.Publish(Event{Type: EventFriendRequest, PeerID: c.peerID, Friend: &req})
	return c.pc.Send(FriendResponse{Received: true})
}

func (c *serverConn) handleServerModpackListRequest(Message) error {
	packs, err := manifest.ListModpacks(c.ctx, c.h.cfg.SharedRoot)
	if err != nil {
		log.Warnw("list modpacks failed", "error", err)
		return c.refuse(CodeInternal, "Could not list modpacks.")
	}
	return c.pc.Send(ServerModpackList{Modpacks: packs})
}

func (c *serverConn) finish(loopErr error) {
	_ = c.pc.Close()

	if c.sessionID != "" {
		switch {
		case c.ctx.Err() != nil:
			c.endUpload(session.StatusCancelled, "")
		case loopErr != nil && !errors.Is(loopErr, io.EOF):
			c.endUpload(session.StatusFailed, fmt.Sprintf("connection lost: %v", loopErr))
		default:
			c.endUpload(session.StatusFailed, "connection closed before sync completed")
		}
	}
	log.Infow("peer disconnected", "peer", c.peerID, "served_requests", c.state == stateServing,
		"wire_sent", c.pc.BytesSent(), "wire_received", c.pc.BytesReceived(), "error", loopErr)
}
