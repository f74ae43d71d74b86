// Package consent queues incoming transfer requests until the user decides.
package consent

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

// DefaultTimeout is how long an unanswered request waits before it is denied.
const DefaultTimeout = 60 * time.Second

// KindModpack is the only request kind peers can raise today.
const KindModpack = "modpack"

var ErrNoPendingRequest = errors.New("consent: no pending request")

var log = logging.Logger("consent")

// Request describes what a peer is asking for.
type Request struct {
	ID         string
	PeerID     string
	PeerName   string
	Verified   bool
	Kind       string
	Modpack    string
	FileCount  int
	TotalBytes int64
	CreatedAt  time.Time
}

// ContentType is the permission key a remembered decision is stored under.
func (r Request) ContentType() string {
	return ContentType(r.Kind, r.Modpack)
}

// ContentType builds the permission key for kind and subject.
func ContentType(kind, subject string) string {
	if subject == "" {
		return kind
	}
	return kind + ":" + subject
}

// Memory persists remembered decisions.
type Memory interface {
	RememberPermission(peerID, contentType string, allowed bool) error
}

type pending struct {
	request  Request
	decision chan bool
}

// Broker matches decisions from the user to waiting requests.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pending
	memory  Memory
	now     func() time.Time
}

// NewBroker creates a broker. memory may be nil, in which case "remember" is ignored.
func NewBroker(memory Memory) *Broker {
	return &Broker{
		pending: make(map[string]*pending),
		memory:  memory,
		now:     time.Now,
	}
}

// RequestConsent registers req and returns it with its assigned id.
func (b *Broker) RequestConsent(req Request) Request {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = KindModpack
	}
	req.CreatedAt = b.now()

	b.mu.Lock()
	b.pending[req.ID] = &pending{request: req, decision: make(chan bool, 1)}
	b.mu.Unlock()

	log.Infow("consent requested", "request", req.ID, "peer", req.PeerID, "modpack", req.Modpack)
	return req
}

// AwaitDecision blocks until Decide is called, the timeout passes or ctx ends.
// Anything but an explicit approval is a denial.
func (b *Broker) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (bool, error) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoPendingRequest, requestID)
	}
	defer b.removeIfMatch(requestID, p)

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approved := <-p.decision:
		return approved, nil
	case <-timer.C:
		log.Infow("consent timed out", "request", requestID, "peer", p.request.PeerID)
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Decide resolves a pending request. The request stays registered until its
// waiter collects the decision. With remember set, the decision is stored for
// future requests of the same peer and content.
func (b *Broker) Decide(requestID string, approve, remember bool) error {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, requestID)
	}

	if remember && b.memory != nil {
		if err := b.memory.RememberPermission(p.request.PeerID, p.request.ContentType(), approve); err != nil {
			log.Warnw("remember permission failed", "peer", p.request.PeerID, "error", err)
		}
	}

	select {
	case p.decision <- approve:
		return nil
	default:
		return errors.New("consent: decision already delivered")
	}
}

// Pending lists unanswered requests, oldest first.
func (b *Broker) Pending() []Request {
	b.mu.Lock()
	out := make([]Request, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.request)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (b *Broker) removeIfMatch(requestID string, p *pending) {
	b.mu.Lock()
	if current := b.pending[requestID]; current == p {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
}
