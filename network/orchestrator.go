package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"packsync/models"
	"packsync/session"
	"packsync/validate"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Second
)

var (
	// ErrSyncDenied is returned when the remote peer declines a SyncRequest.
	ErrSyncDenied = errors.New("network: sync request denied")
	// ErrFilesFailed is returned when some files could not be downloaded.
	ErrFilesFailed = errors.New("network: files failed to download")
	// ErrPeerMismatch is returned when the peer at an address is not the one expected.
	ErrPeerMismatch = errors.New("network: unexpected peer")
)

// OrchestratorConfig wires the client role. Store-backed fields may be nil.
type OrchestratorConfig struct {
	Identity LocalIdentity
	Sessions session.Store
	Events   *EventBus
	History  HistoryRecorder
	Peers    PeerBook
	Security SecurityLog

	PollInterval      time.Duration
	RetryBackoff      time.Duration
	MaxAttempts       int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxTransferSize   int64
	MaxFileSize       int64
}

// SyncOptions describes one outbound sync of a remote modpack into Destination.
type SyncOptions struct {
	Address     string
	PeerID      string // optional; the connection is refused if the peer differs
	Modpack     string
	Destination string

	BandwidthLimit  int64
	MaxTransferSize int64
	SessionID       string
}

// Result summarizes a finished sync.
type Result struct {
	SessionID        string
	PeerID           string
	Modpack          string
	Status           session.Status
	FilesDownloaded  int
	BytesDownloaded  int64
	FilesDeleted     int
	FailedFiles      []string
	VerifyMismatches []string
	Err              error
}

// Orchestrator drives outbound syncs.
type Orchestrator struct {
	cfg OrchestratorConfig
}

func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if err := validate.ValidatePeerID(cfg.Identity.PeerID); err != nil {
		return nil, fmt.Errorf("local identity: %w", err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = validate.DefaultMaxTransferSize
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = validate.DefaultMaxFileSize
	}
	return &Orchestrator{cfg: cfg}, nil
}

func (o *Orchestrator) handshakeOptions() HandshakeOptions {
	return HandshakeOptions{
		Identity:          o.cfg.Identity,
		ConnectionTimeout: o.cfg.ConnectionTimeout,
		IdleTimeout:       o.cfg.IdleTimeout,
	}
}

// Sync runs one download session to a terminal state. The returned error is
// non-nil only when the session Failed; a cancelled sync reports
// StatusCancelled with a nil error.
func (o *Orchestrator) Sync(ctx context.Context, opts SyncOptions) (Result, error) {
	result := Result{PeerID: opts.PeerID, Modpack: opts.Modpack, Status: session.StatusFailed}
	if err := validate.ValidateModpackName(opts.Modpack); err != nil {
		result.Err = err
		return result, err
	}
	if opts.Destination == "" {
		result.Err = errors.New("destination is required")
		return result, result.Err
	}
	if opts.BandwidthLimit < 0 {
		result.Err = session.ErrInvalidLimit
		return result, result.Err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s, err := o.cfg.Sessions.Create(session.Session{
		ID:             opts.SessionID,
		PeerID:         opts.PeerID,
		Modpack:        opts.Modpack,
		Direction:      session.DirectionDownload,
		Status:         session.StatusConnecting,
		BandwidthLimit: opts.BandwidthLimit,
	})
	if err != nil {
		result.Err = err
		return result, err
	}
	if err := o.cfg.Sessions.AttachCancel(s.ID, cancel); err != nil {
		result.Err = err
		return result, err
	}
	o.cfg.Events.Publish(Event{
		Type:      EventSessionCreated,
		SessionID: s.ID,
		PeerID:    opts.PeerID,
		Direction: session.DirectionDownload,
	})

	d := newDownload(ctx, o, opts, s.ID)
	return d.finish(d.run())
}

// Broadcast syncs the same or different modpacks from several peers at
// once. Each entry is an independent session; results keep input order.
func (o *Orchestrator) Broadcast(ctx context.Context, targets []SyncOptions) []Result {
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, opts := range targets {
		i, opts := i, opts
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = o.Sync(ctx, opts)
		}()
	}
	wg.Wait()
	return results
}

// ListModpacks asks the peer at address which modpacks it shares.
func (o *Orchestrator) ListModpacks(ctx context.Context, address string) (models.PeerIdentity, []models.ModpackInfo, error) {
	pc, err := Dial(ctx, address, o.handshakeOptions())
	if err != nil {
		return models.PeerIdentity{}, nil, err
	}
	defer pc.Close()
	recordPeer(o.cfg.Peers, o.cfg.Security, pc.Peer())

	if err := pc.Send(ServerModpackListRequest{}); err != nil {
		return pc.Peer(), nil, err
	}
	reply, err := pc.Receive(ctx)
	if err != nil {
		return pc.Peer(), nil, err
	}
	list, ok := reply.(ServerModpackList)
	if !ok {
		return pc.Peer(), nil, unexpected(TypeServerModpackList, reply)
	}
	return pc.Peer(), list.Modpacks, nil
}

// SendFriendRequest introduces this instance to the peer at address.
func (o *Orchestrator) SendFriendRequest(ctx context.Context, address, message string) (bool, error) {
	if err := validate.ValidateText("message", message, validate.MaxFriendMessageLength); err != nil {
		return false, err
	}

	pc, err := Dial(ctx, address, o.handshakeOptions())
	if err != nil {
		return false, err
	}
	defer pc.Close()
	recordPeer(o.cfg.Peers, o.cfg.Security, pc.Peer())

	if err := pc.Send(FriendRequest{
		PeerID:      o.cfg.Identity.PeerID,
		DisplayName: o.cfg.Identity.Name,
		Message:     message,
	}); err != nil {
		return false, err
	}
	reply, err := pc.Receive(ctx)
	if err != nil {
		return false, err
	}
	resp, ok := reply.(FriendResponse)
	if !ok {
		return false, unexpected(TypeFriendResponse, reply)
	}
	return resp.Received, nil
}
