package network

import (
	"sync"
	"time"

	"packsync/consent"
	"packsync/session"
)

// EventType names a notification toward the surrounding UI.
type EventType string

const (
	EventSessionCreated  EventType = "session_created"
	EventProgress        EventType = "progress"
	EventCompleted       EventType = "completed"
	EventError           EventType = "error"
	EventIncomingRequest EventType = "incoming_request"
	EventFriendRequest   EventType = "friend_request"
	EventCancelled       EventType = "cancelled"
)

const defaultEventBuffer = 256

// Progress is the payload of EventProgress.
type Progress struct {
	FilesDone   int
	FilesTotal  int
	BytesDone   int64
	BytesTotal  int64
	CurrentFile string
	Speed       float64
	ETA         time.Duration
}

// Event is one best-effort notification. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType
	SessionID string
	PeerID    string
	Direction session.Direction
	Progress  *Progress
	Request   *consent.Request
	Friend    *FriendRequest
	Message   string
	Time      time.Time
}

// EventBus fans events out to one consumer without ever blocking producers.
// Events are dropped when the consumer falls behind.
type EventBus struct {
	ch        chan Event
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &EventBus{ch: make(chan Event, buffer)}
}

// Events returns the consumer side of the bus.
func (b *EventBus) Events() <-chan Event {
	return b.ch
}

// Publish delivers e if there is room. A nil bus discards everything.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.ch <- e:
	default:
		log.Debugw("event dropped", "type", e.Type, "session", e.SessionID)
	}
}

// Close ends the stream; later Publish calls are ignored.
func (b *EventBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
}
