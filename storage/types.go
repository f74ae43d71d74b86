package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	PeerStatusKnown   = "known"
	PeerStatusBlocked = "blocked"
)

const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

const (
	TransferStatusCompleted = "completed"
	TransferStatusFailed    = "failed"
	TransferStatusCancelled = "cancelled"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Security event types raised by the connection handler.
const (
	SecurityEventEncryptionRequired  = "encryption_required"
	SecurityEventSignatureInvalid    = "signature_invalid"
	SecurityEventSigningKeyChanged   = "signing_key_changed"
	SecurityEventBlockedPeer         = "blocked_peer_rejected"
	SecurityEventUnauthorizedRequest = "unauthorized_request"
	SecurityEventPathRejected        = "path_rejected"
	SecurityEventRateLimited         = "rate_limited"
)

// Peer is a remote instance seen at handshake.
type Peer struct {
	PeerID         string
	DisplayName    string
	SigningKey     string
	KeyFingerprint string
	Verified       bool
	Status         string
	FirstSeen      int64
	LastSeen       int64
	LastAddress    *string
}

// Permission is a remembered consent decision.
type Permission struct {
	PeerID      string
	ContentType string
	Allowed     bool
	UpdatedAt   int64
}

// TransferRecord is one finished session.
type TransferRecord struct {
	SessionID  string
	PeerID     string
	Direction  string
	Modpack    string
	Status     string
	FilesDone  int
	FilesTotal int
	BytesDone  int64
	BytesTotal int64
	Error      string
	StartedAt  int64
	FinishedAt int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	PeerID    string
	Direction string
	Limit     int
	Offset    int
}

// SecurityEvent is one refused or suspicious request. Details holds JSON text.
type SecurityEvent struct {
	ID         int64
	EventType  string
	PeerID     string
	RemoteAddr string
	Modpack    string
	Details    string
	Severity   string
	Timestamp  int64
}

// SecurityEventFilter narrows ListSecurityEvents. MinSeverity includes
// everything at or above the named severity.
type SecurityEventFilter struct {
	EventType   string
	PeerID      string
	Modpack     string
	MinSeverity string
	Since       int64
	Limit       int
}

// SecurityEventCount aggregates events of one type from one peer.
type SecurityEventCount struct {
	EventType string
	PeerID    string
	Severity  string // highest seen
	Count     int
	LastSeen  int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validatePeerStatus(status string) error {
	switch status {
	case PeerStatusKnown, PeerStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionUpload, DirectionDownload:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusCompleted, TransferStatusFailed, TransferStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
