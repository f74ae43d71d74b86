// Package session holds the shared registry of active and recent transfers.
package session

import (
	"context"
	"time"
)

// Status is the lifecycle state of a transfer.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusNegotiating  Status = "negotiating"
	StatusTransferring Status = "transferring"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Direction tells which side of the transfer the local instance is on.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// Session is one transfer between two peers.
type Session struct {
	ID             string
	PeerID         string
	Modpack        string
	Direction      Direction
	Status         Status
	FilesDone      int
	FilesTotal     int
	BytesDone      int64
	BytesTotal     int64
	CurrentFile    string
	Paused         bool
	BandwidthLimit int64
	RetryCount     int
	Verified       bool
	PeerSigningKey []byte
	Error          string
	StartedAt      time.Time
	UpdatedAt      time.Time

	cancel context.CancelFunc
}

// Store is what transfer code needs from the registry.
type Store interface {
	Create(s Session) (Session, error)
	Get(id string) (Session, bool)
	Update(id string, fn func(*Session)) error
	SetStatus(id string, status Status, errMsg string) error
	AttachCancel(id string, cancel context.CancelFunc) error
	IsPaused(id string) bool
	BandwidthLimit(id string) int64
}
