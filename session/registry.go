package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var (
	ErrNotFound     = errors.New("session: not found")
	ErrTerminal     = errors.New("session: already finished")
	ErrDuplicateID  = errors.New("session: duplicate id")
	ErrInvalidLimit = errors.New("session: bandwidth limit must not be negative")
)

var log = logging.Logger("session")

// Registry is the concurrent map of sessions plus the paused set.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	paused   map[string]struct{}
	now      func() time.Time
}

var _ Store = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		paused:   make(map[string]struct{}),
		now:      time.Now,
	}
}

// Create registers s, assigning an id and timestamps when missing.
func (r *Registry) Create(s Session) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, exists := r.sessions[s.ID]; exists {
		return Session{}, fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
	}
	if s.Status == "" {
		s.Status = StatusConnecting
	}
	now := r.now()
	s.StartedAt = now
	s.UpdatedAt = now
	s.Paused = false

	stored := s
	r.sessions[s.ID] = &stored
	log.Debugw("session created", "session", s.ID, "peer", s.PeerID, "direction", s.Direction)
	return snapshot(&stored), nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return snapshot(s), true
}

// Update mutates the session in place under the registry lock.
// fn must not block. Status changes made by fn out of a terminal state are undone.
func (r *Registry) Update(id string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	previous := s.Status
	cancel := s.cancel
	fn(s)
	s.ID = id
	s.cancel = cancel
	if previous.Terminal() {
		s.Status = previous
	}
	s.UpdatedAt = r.now()
	return nil
}

// SetStatus moves a session to status. Terminal sessions are left unchanged.
func (r *Registry) SetStatus(id string, status Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, s.Status)
	}
	// A pause requested before transfer began takes effect once it does.
	if _, paused := r.paused[id]; paused && status == StatusTransferring {
		status = StatusPaused
	}
	s.Status = status
	if errMsg != "" {
		s.Error = errMsg
	}
	s.UpdatedAt = r.now()
	if status.Terminal() {
		delete(r.paused, id)
		s.Paused = false
	}
	return nil
}

// Pause marks a transferring session as paused.
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, s.Status)
	}
	r.paused[id] = struct{}{}
	s.Paused = true
	if s.Status == StatusTransferring {
		s.Status = StatusPaused
	}
	s.UpdatedAt = r.now()
	return nil
}

// Resume clears the pause flag.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.paused, id)
	s.Paused = false
	if s.Status == StatusPaused {
		s.Status = StatusTransferring
	}
	s.UpdatedAt = r.now()
	return nil
}

// IsPaused is a set lookup; transfer loops poll it between chunks.
func (r *Registry) IsPaused(id string) bool {
	r.mu.RLock()
	_, paused := r.paused[id]
	r.mu.RUnlock()
	return paused
}

// AttachCancel registers the function Cancel will invoke.
func (r *Registry) AttachCancel(id string, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.cancel = cancel
	return nil
}

// Cancel invokes the session's cancel func. The owning loop observes the
// context and records the terminal status itself.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if s.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, s.Status)
	}
	cancel := s.cancel
	delete(r.paused, id)
	s.Paused = false
	if cancel == nil {
		s.Status = StatusCancelled
		s.UpdatedAt = r.now()
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Infow("session cancel requested", "session", id)
	return nil
}

// SetBandwidthLimit changes the per-session cap; 0 means unlimited.
func (r *Registry) SetBandwidthLimit(id string, bytesPerSecond int64) error {
	if bytesPerSecond < 0 {
		return ErrInvalidLimit
	}
	return r.Update(id, func(s *Session) {
		s.BandwidthLimit = bytesPerSecond
	})
}

// BandwidthLimit returns the current cap or 0 for unknown sessions.
func (r *Registry) BandwidthLimit(id string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[id]; ok {
		return s.BandwidthLimit
	}
	return 0
}

// List returns copies of all sessions ordered by start time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, snapshot(s))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Remove forgets a session.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	delete(r.paused, id)
	r.mu.Unlock()
}

func snapshot(s *Session) Session {
	out := *s
	out.cancel = nil
	if s.PeerSigningKey != nil {
		out.PeerSigningKey = append([]byte(nil), s.PeerSigningKey...)
	}
	return out
}
