package network

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"packsync/consent"
	"packsync/manifest"
	"packsync/session"
	"packsync/storage"
)

func TestSyncDownloadsDiffAndDeletesExtras(t *testing.T) {
	ts := startServer(t, nil)
	jar := randomBytes(t, 200*1024)
	options := []byte(strings.Repeat("renderDistance:12\nfov:70\n", 4000))
	writeTree(t, ts.root, map[string][]byte{
		"pack/mods/a.jar":         jar,
		"pack/config/options.txt": options,
		"pack/config/empty.cfg":   {},
		"pack/mods/same.jar":      []byte("unchanged"),
	})

	dest := t.TempDir()
	writeTree(t, dest, map[string][]byte{
		"mods/same.jar": []byte("unchanged"),
		"mods/old.jar":  []byte("stale"),
	})

	events := NewEventBus(1024)
	o, sessions := newTestOrchestrator(t, func(cfg *OrchestratorConfig) {
		cfg.Events = events
	})

	result, err := o.Sync(context.Background(), SyncOptions{
		Address:     ts.addr,
		PeerID:      "server-peer",
		Modpack:     "pack",
		Destination: dest,
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	if result.FilesDownloaded != 3 || result.FilesDeleted != 1 || len(result.VerifyMismatches) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}

	assertFile(t, dest, "mods/a.jar", jar)
	assertFile(t, dest, "config/options.txt", options)
	assertFile(t, dest, "config/empty.cfg", nil)
	if _, err := os.Stat(filepath.Join(dest, "mods", "old.jar")); !os.IsNotExist(err) {
		t.Fatalf("expected mods/old.jar to be deleted, stat err=%v", err)
	}

	local, err := manifest.Build(context.Background(), dest)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	remote, err := manifest.Build(context.Background(), filepath.Join(ts.root, "pack"))
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if diff := manifest.Diff(local, remote); !diff.Empty() {
		t.Fatalf("expected converged trees, diff %+v", diff)
	}

	s := onlySession(t, sessions)
	if s.Status != session.StatusCompleted || s.FilesDone != 3 || s.BytesDone != s.BytesTotal {
		t.Fatalf("unexpected client session %+v", s)
	}
	if !s.Verified || len(s.PeerSigningKey) == 0 {
		t.Fatalf("expected verified server session, got %+v", s)
	}

	waitFor(t, 5*time.Second, "upload session to complete", func() bool {
		list := ts.sessions.List()
		return len(list) == 1 && list[0].Status == session.StatusCompleted
	})
	waitFor(t, 5*time.Second, "upload history", func() bool {
		records, err := ts.store.ListTransfers(storage.TransferFilter{})
		return err == nil && len(records) == 1 && records[0].Direction == storage.DirectionUpload
	})

	sawCreated, sawCompleted := false, false
	for done := false; !done; {
		select {
		case e := <-events.Events():
			switch e.Type {
			case EventSessionCreated:
				sawCreated = true
			case EventCompleted:
				sawCompleted = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	if !sawCreated || !sawCompleted {
		t.Fatalf("expected session_created and completed events, got created=%v completed=%v", sawCreated, sawCompleted)
	}
}

func TestSyncKeepsLocalFilesOutsideShareableSet(t *testing.T) {
	ts := startServer(t, nil)
	region := []byte("region data")
	writeTree(t, ts.root, map[string][]byte{
		"pack/mods/a.jar":                   []byte("jar"),
		"pack/saves/world/region/r.0.0.mca": region,
	})

	dest := t.TempDir()
	writeTree(t, dest, map[string][]byte{
		"saves/world/region/r.0.0.mca": region,
		"logs/latest.log":              []byte("[main/INFO]: Loading"),
	})

	o, _ := newTestOrchestrator(t, nil)
	result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.FilesDownloaded != 1 || result.FilesDeleted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	assertFile(t, dest, "mods/a.jar", []byte("jar"))
	assertFile(t, dest, "saves/world/region/r.0.0.mca", region)
	assertFile(t, dest, "logs/latest.log", []byte("[main/INFO]: Loading"))
}

func TestSyncAlreadyInSyncCompletesWithoutRequest(t *testing.T) {
	ts := startServer(t, nil)
	files := map[string][]byte{"mods/a.jar": []byte("jar")}
	writeTree(t, filepath.Join(ts.root, "pack"), files)
	dest := t.TempDir()
	writeTree(t, dest, files)

	o, _ := newTestOrchestrator(t, nil)
	result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Status != session.StatusCompleted || result.FilesDownloaded != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if ts.consent.count() != 0 {
		t.Fatalf("an empty diff must not reach the consent prompt")
	}
}

func TestSyncDeniedFails(t *testing.T) {
	ts := startServer(t, nil)
	ts.consent.approve.Store(false)
	writeTree(t, ts.root, map[string][]byte{"pack/mods/a.jar": []byte("jar")})
	dest := t.TempDir()

	o, sessions := newTestOrchestrator(t, nil)
	result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if !errors.Is(err, ErrSyncDenied) {
		t.Fatalf("expected ErrSyncDenied, got %v", err)
	}
	if result.Status != session.StatusFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}
	if s := onlySession(t, sessions); !strings.Contains(s.Error, "Request denied.") {
		t.Fatalf("expected the peer's reason in the session error, got %q", s.Error)
	}
	if _, err := os.Stat(filepath.Join(dest, "mods", "a.jar")); !os.IsNotExist(err) {
		t.Fatalf("denied sync must not write files")
	}
}

func TestSyncRejectsUnexpectedPeer(t *testing.T) {
	ts := startServer(t, nil)
	writeTree(t, ts.root, map[string][]byte{"pack/mods/a.jar": []byte("jar")})

	o, _ := newTestOrchestrator(t, nil)
	_, err := o.Sync(context.Background(), SyncOptions{
		Address:     ts.addr,
		PeerID:      "someone-else",
		Modpack:     "pack",
		Destination: t.TempDir(),
	})
	if !errors.Is(err, ErrPeerMismatch) {
		t.Fatalf("expected ErrPeerMismatch, got %v", err)
	}
}

func TestSyncRemembersApproval(t *testing.T) {
	var broker *consent.Broker
	ts := startServer(t, func(cfg *HandlerConfig) {
		broker = consent.NewBroker(cfg.Permissions.(*storage.Store))
		cfg.Consent = broker
	})
	writeTree(t, ts.root, map[string][]byte{"pack/mods/a.jar": []byte("v1")})

	go func() {
		for e := range ts.events.Events() {
			if e.Type == EventIncomingRequest {
				_ = broker.Decide(e.Request.ID, true, true)
				return
			}
		}
	}()

	o, _ := newTestOrchestrator(t, nil)
	dest := t.TempDir()
	if _, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest}); err != nil {
		t.Fatalf("first Sync failed: %v", err)
	}
	allowed, found, err := ts.store.LookupRemembered("client-peer", "modpack:pack")
	if err != nil || !found || !allowed {
		t.Fatalf("expected a remembered approval, got allowed=%v found=%v err=%v", allowed, found, err)
	}

	// Nobody answers prompts any more; the remembered decision must carry it.
	writeTree(t, ts.root, map[string][]byte{"pack/mods/a.jar": []byte("v2")})
	if _, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest}); err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	assertFile(t, dest, "mods/a.jar", []byte("v2"))
	if pending := broker.Pending(); len(pending) != 0 {
		t.Fatalf("expected no pending prompts, got %d", len(pending))
	}
}

func TestSyncCompressesTextFiles(t *testing.T) {
	ts := startServer(t, nil)
	text := []byte(strings.Repeat("key=value\n", 50000))
	writeTree(t, ts.root, map[string][]byte{"pack/config/big.properties": text})
	pc := dialServer(t, ts)

	resp := roundTrip(t, pc, ManifestRequest{Name: "pack"}).(ManifestResponse)
	if ack := roundTrip(t, pc, SyncRequest{Name: "pack", Diff: diffOf(resp.Manifest.Files)}).(SyncAck); !ack.Approved {
		t.Fatalf("expected approval")
	}
	header, ok := roundTrip(t, pc, ModpackFileRequest{Modpack: "pack", Path: "config/big.properties"}).(FileHeader)
	if !ok {
		t.Fatalf("expected file header")
	}
	if !header.Compressed || header.OriginalSize != int64(len(text)) || header.Size >= header.OriginalSize {
		t.Fatalf("expected a compressed header, got %+v", header)
	}

	var payload []byte
	for i := 0; i < header.TotalChunks; i++ {
		msg, err := pc.Receive(context.Background())
		if err != nil {
			t.Fatalf("Receive chunk failed: %v", err)
		}
		plain, err := pc.SessionKey().Decrypt(msg.(FileChunk).Data)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		payload = append(payload, plain...)
	}
	got, err := decompress(payload, header.OriginalSize)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if !bytes.Equal(got, text) {
		t.Fatalf("decompressed payload differs")
	}
	if err := pc.Send(FileAck{Path: header.Path, Success: true}); err != nil {
		t.Fatalf("Send ack failed: %v", err)
	}
}

func TestSyncResumesFromPartialFile(t *testing.T) {
	ts := startServer(t, nil)
	content := randomBytes(t, 300*1024)
	writeTree(t, ts.root, map[string][]byte{"pack/mods/big.jar": content})

	const already = 100 * 1024
	dest := t.TempDir()
	writeTree(t, dest, map[string][]byte{"mods/big.jar.part": content[:already]})

	o, _ := newTestOrchestrator(t, nil)
	result, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Status != session.StatusCompleted || len(result.VerifyMismatches) != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	assertFile(t, dest, "mods/big.jar", content)
	if _, err := os.Stat(filepath.Join(dest, "mods", "big.jar.part")); !os.IsNotExist(err) {
		t.Fatalf("expected the partial file to be renamed away")
	}

	waitFor(t, 5*time.Second, "upload session to complete", func() bool {
		list := ts.sessions.List()
		return len(list) == 1 && list[0].Status == session.StatusCompleted
	})
	if sent := ts.sessions.List()[0].BytesDone; sent != int64(len(content)-already) {
		t.Fatalf("expected only the missing %d bytes to be sent, got %d", len(content)-already, sent)
	}
}

func TestCancelKeepsPartialFileAndResumes(t *testing.T) {
	ts := startServer(t, nil)
	content := randomBytes(t, 1024*1024)
	writeTree(t, ts.root, map[string][]byte{"pack/mods/big.jar": content})
	dest := t.TempDir()

	o, sessions := newTestOrchestrator(t, nil)
	done := make(chan Result, 1)
	go func() {
		result, _ := o.Sync(context.Background(), SyncOptions{
			Address:        ts.addr,
			Modpack:        "pack",
			Destination:    dest,
			BandwidthLimit: 128 * 1024,
			SessionID:      "slow",
		})
		done <- result
	}()

	waitFor(t, 5*time.Second, "download to start", func() bool {
		s, ok := sessions.Get("slow")
		return ok && s.BytesDone > 0
	})
	if err := sessions.Cancel("slow"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	var result Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Sync did not return after cancel")
	}
	if result.Status != session.StatusCancelled || result.Err != nil {
		t.Fatalf("expected a clean cancellation, got %+v", result)
	}

	part, err := os.Stat(filepath.Join(dest, "mods", "big.jar.part"))
	if err != nil {
		t.Fatalf("expected the partial file to survive: %v", err)
	}
	if part.Size() == 0 || part.Size() >= int64(len(content)) {
		t.Fatalf("unexpected partial size %d", part.Size())
	}
	if _, err := os.Stat(filepath.Join(dest, "mods", "big.jar")); !os.IsNotExist(err) {
		t.Fatalf("cancelled file must not appear under its final name")
	}

	result, err = o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: dest})
	if err != nil {
		t.Fatalf("resumed Sync failed: %v", err)
	}
	if result.Status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}
	assertFile(t, dest, "mods/big.jar", content)
}

func TestPauseHaltsOnlyThatSession(t *testing.T) {
	ts := startServer(t, nil)
	writeTree(t, ts.root, map[string][]byte{
		"slow/mods/big.jar":  randomBytes(t, 2*1024*1024),
		"fast/mods/small.jar": randomBytes(t, 256*1024),
	})
	o, sessions := newTestOrchestrator(t, nil)
	slowDest := t.TempDir()

	slowDone := make(chan Result, 1)
	go func() {
		result, _ := o.Sync(context.Background(), SyncOptions{
			Address:        ts.addr,
			Modpack:        "slow",
			Destination:    slowDest,
			BandwidthLimit: 256 * 1024,
			SessionID:      "slow",
		})
		slowDone <- result
	}()

	waitFor(t, 5*time.Second, "slow download to start", func() bool {
		s, ok := sessions.Get("slow")
		return ok && s.BytesDone > 0
	})
	if err := sessions.Pause("slow"); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	fast, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "fast", Destination: t.TempDir(), SessionID: "fast"})
	if err != nil || fast.Status != session.StatusCompleted {
		t.Fatalf("fast sync should finish while the other is paused: %+v, %v", fast, err)
	}

	// Let any chunk already in flight land before sampling.
	time.Sleep(400 * time.Millisecond)
	before, _ := sessions.Get("slow")
	time.Sleep(400 * time.Millisecond)
	after, _ := sessions.Get("slow")
	if after.BytesDone != before.BytesDone {
		t.Fatalf("paused session advanced from %d to %d bytes", before.BytesDone, after.BytesDone)
	}
	if after.Status != session.StatusPaused {
		t.Fatalf("expected paused, got %s", after.Status)
	}

	if err := sessions.SetBandwidthLimit("slow", 0); err != nil {
		t.Fatalf("SetBandwidthLimit failed: %v", err)
	}
	if err := sessions.Resume("slow"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	select {
	case result := <-slowDone:
		if result.Status != session.StatusCompleted {
			t.Fatalf("expected the resumed session to complete, got %+v", result)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("resumed session did not finish")
	}
}

func TestBroadcastRunsIndependentSessions(t *testing.T) {
	first := startServer(t, nil)
	second := startServer(t, nil)
	second.consent.approve.Store(false)
	for _, ts := range []*testServer{first, second} {
		writeTree(t, ts.root, map[string][]byte{"pack/mods/a.jar": []byte("jar")})
	}

	o, sessions := newTestOrchestrator(t, nil)
	results := o.Broadcast(context.Background(), []SyncOptions{
		{Address: first.addr, Modpack: "pack", Destination: t.TempDir()},
		{Address: second.addr, Modpack: "pack", Destination: t.TempDir()},
	})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != session.StatusCompleted {
		t.Fatalf("expected first peer to complete, got %+v", results[0])
	}
	if results[1].Status != session.StatusFailed || !errors.Is(results[1].Err, ErrSyncDenied) {
		t.Fatalf("expected second peer to deny, got %+v", results[1])
	}
	if n := len(sessions.List()); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}
}

func TestSyncRecordsClientHistory(t *testing.T) {
	ts := startServer(t, nil)
	writeTree(t, ts.root, map[string][]byte{"pack/mods/a.jar": []byte("jar")})
	store := openTestStore(t)

	o, _ := newTestOrchestrator(t, func(cfg *OrchestratorConfig) {
		cfg.History = store
		cfg.Peers = store
	})
	if _, err := o.Sync(context.Background(), SyncOptions{Address: ts.addr, Modpack: "pack", Destination: t.TempDir()}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	records, err := store.ListTransfers(storage.TransferFilter{})
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(records) != 1 || records[0].Status != storage.TransferStatusCompleted || records[0].PeerID != "server-peer" {
		t.Fatalf("unexpected history %+v", records)
	}
	if _, err := store.GetPeer("server-peer"); err != nil {
		t.Fatalf("expected the server to be recorded: %v", err)
	}
}
