package network

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"packsync/consent"
	"packsync/crypto"
	"packsync/models"
	"packsync/session"
	"packsync/storage"
)

func testIdentity(t *testing.T, peerID string) LocalIdentity {
	t.Helper()

	dir := t.TempDir()
	keys, err := crypto.EnsureSigningKeys(filepath.Join(dir, "identity.pem"), filepath.Join(dir, "identity.pub.pem"))
	if err != nil {
		t.Fatalf("EnsureSigningKeys failed: %v", err)
	}
	return LocalIdentity{PeerID: peerID, Name: peerID, Signing: &keys}
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// stubConsent answers every request with a fixed decision.
type stubConsent struct {
	approve atomic.Bool

	mu    sync.Mutex
	asked []consent.Request
}

func (s *stubConsent) RequestConsent(req consent.Request) consent.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.ID = "stub-request"
	s.asked = append(s.asked, req)
	return req
}

func (s *stubConsent) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (bool, error) {
	return s.approve.Load(), nil
}

func (s *stubConsent) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.asked)
}

type testServer struct {
	addr     string
	root     string
	sessions *session.Registry
	events   *EventBus
	store    *storage.Store
	consent  *stubConsent
}

func startServer(t *testing.T, configure func(*HandlerConfig)) *testServer {
	t.Helper()
	return startServerWithRoutes(t, configure, nil)
}

// startServerWithRoutes replaces the named message routes before the server
// starts accepting, so a test can play a misbehaving peer.
func startServerWithRoutes(t *testing.T, configure func(*HandlerConfig), routes map[string]route) *testServer {
	t.Helper()

	ts := &testServer{
		root:     t.TempDir(),
		sessions: session.NewRegistry(),
		events:   NewEventBus(1024),
		store:    openTestStore(t),
		consent:  &stubConsent{},
	}
	ts.consent.approve.Store(true)
	cfg := HandlerConfig{
		Identity:     testIdentity(t, "server-peer"),
		SharedRoot:   ts.root,
		Sessions:     ts.sessions,
		Events:       ts.events,
		Consent:      ts.consent,
		Permissions:  ts.store,
		Peers:        ts.store,
		Security:     ts.store,
		History:      ts.store,
		PollInterval: 10 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}

	handler, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}
	for messageType, fn := range routes {
		handler.routes[messageType] = fn
	}
	server, err := Listen("127.0.0.1:0", handler)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
		ts.events.Close()
	})
	ts.addr = server.Addr().String()
	return ts
}

func newTestOrchestrator(t *testing.T, configure func(*OrchestratorConfig)) (*Orchestrator, *session.Registry) {
	t.Helper()

	sessions := session.NewRegistry()
	cfg := OrchestratorConfig{
		Identity:     testIdentity(t, "client-peer"),
		Sessions:     sessions,
		PollInterval: 10 * time.Millisecond,
		RetryBackoff: 10 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	o, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return o, sessions
}

func writeTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()

	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(full, content, 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func assertFile(t *testing.T, root, rel string, want []byte) {
	t.Helper()

	got, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("%s differs: got %d bytes, want %d", rel, len(got), len(want))
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()

	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitForEvent(t *testing.T, bus *EventBus, eventType EventType) Event {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-bus.Events():
			if !ok {
				t.Fatalf("event bus closed while waiting for %s", eventType)
			}
			if e.Type == eventType {
				return e
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", eventType)
		}
	}
}

func onlySession(t *testing.T, sessions *session.Registry) session.Session {
	t.Helper()

	list := sessions.List()
	if len(list) != 1 {
		t.Fatalf("expected one session, got %d", len(list))
	}
	return list[0]
}

// diffOf builds a download-only diff; extra paths are added with no content.
func diffOf(files []models.FileRecord, extra ...string) models.SyncDiff {
	diff := models.SyncDiff{ToDownload: append([]models.FileRecord(nil), files...), ToDelete: []string{}}
	for _, path := range extra {
		diff.ToDownload = append(diff.ToDownload, models.FileRecord{Path: path})
	}
	for _, file := range diff.ToDownload {
		diff.TotalDownloadBytes += file.Size
	}
	return diff
}
