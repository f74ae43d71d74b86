package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"packsync/consent"
	"packsync/crypto"
	"packsync/models"
	"packsync/session"
	"packsync/storage"
)

var log = logging.Logger("network")

// ConsentAuthority asks the local user whether a peer may pull content.
type ConsentAuthority interface {
	RequestConsent(req consent.Request) consent.Request
	AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (bool, error)
}

// PermissionMemory returns decisions the user asked to remember.
type PermissionMemory interface {
	LookupRemembered(peerID, contentType string) (allowed, found bool, err error)
}

// PeerBook records peers seen at handshake.
type PeerBook interface {
	UpsertPeer(peer storage.Peer) (keyChanged bool, err error)
	IsPeerBlocked(peerID string) (bool, error)
}

// SecurityLog receives refused or suspicious requests.
type SecurityLog interface {
	LogSecurityEvent(event storage.SecurityEvent) error
}

// HistoryRecorder keeps finished sessions.
type HistoryRecorder interface {
	RecordTransfer(record storage.TransferRecord) error
}

var (
	_ PermissionMemory = (*storage.Store)(nil)
	_ PeerBook         = (*storage.Store)(nil)
	_ SecurityLog      = (*storage.Store)(nil)
	_ HistoryRecorder  = (*storage.Store)(nil)
	_ ConsentAuthority = (*consent.Broker)(nil)
)

// logSecurity records event, storing details as its JSON text.
func logSecurity(security SecurityLog, event storage.SecurityEvent, details map[string]any) {
	if security == nil {
		return
	}
	if len(details) > 0 {
		if raw, err := json.Marshal(details); err == nil {
			event.Details = string(raw)
		}
	}
	if err := security.LogSecurityEvent(event); err != nil {
		log.Warnw("record security event failed", "type", event.EventType, "error", err)
	}
}

// recordPeer upserts a handshake identity and flags a replaced signing key.
func recordPeer(book PeerBook, security SecurityLog, peer models.PeerIdentity) {
	if book == nil {
		return
	}
	row := storage.Peer{
		PeerID:      peer.ID,
		DisplayName: peer.Name,
		Verified:    peer.Verified,
	}
	if len(peer.SigningKey) > 0 {
		row.SigningKey = base64.StdEncoding.EncodeToString(peer.SigningKey)
		row.KeyFingerprint = crypto.KeyFingerprint(peer.SigningKey)
	}
	if peer.Address != "" {
		addr := peer.Address
		row.LastAddress = &addr
	}

	keyChanged, err := book.UpsertPeer(row)
	if err != nil {
		log.Warnw("record peer failed", "peer", peer.ID, "error", err)
		return
	}
	if keyChanged {
		log.Warnw("peer signing key changed", "peer", peer.ID, "fingerprint", row.KeyFingerprint)
		logSecurity(security, storage.SecurityEvent{
			EventType:  storage.SecurityEventSigningKeyChanged,
			PeerID:     peer.ID,
			RemoteAddr: peer.Address,
			Severity:   storage.SecuritySeverityCritical,
		}, map[string]any{"fingerprint": row.KeyFingerprint})
	}
}

func recordHistory(history HistoryRecorder, s session.Session) {
	if history == nil || !s.Status.Terminal() {
		return
	}
	if err := history.RecordTransfer(storage.TransferRecord{
		SessionID:  s.ID,
		PeerID:     s.PeerID,
		Direction:  string(s.Direction),
		Modpack:    s.Modpack,
		Status:     string(s.Status),
		FilesDone:  s.FilesDone,
		FilesTotal: s.FilesTotal,
		BytesDone:  s.BytesDone,
		BytesTotal: s.BytesTotal,
		Error:      s.Error,
		StartedAt:  s.StartedAt.UnixMilli(),
		FinishedAt: time.Now().UnixMilli(),
	}); err != nil {
		log.Warnw("record transfer history failed", "session", s.ID, "error", err)
	}
}

// waitWhilePaused blocks while the session is paused, polling every interval.
func waitWhilePaused(ctx context.Context, sessions session.Store, id string, interval time.Duration) error {
	for sessions.IsPaused(id) {
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ctx.Err()
}
