package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenCreatesSchema(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if dbPath != filepath.Join(dataDir, DefaultDBFileName) {
		t.Fatalf("unexpected db path %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	var version int
	if err := store.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != len(migrations) {
		t.Fatalf("expected schema version %d, got %d", len(migrations), version)
	}

	for _, table := range []string{"peers", "permissions", "transfer_history", "security_events"} {
		var count int
		if err := store.db.QueryRow(
			"SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&count); err != nil || count != 1 {
			t.Fatalf("expected table %q (count=%d, err=%v)", table, count, err)
		}
	}
}

func TestReopenKeepsData(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.RememberPermission("peer-a", "modpack:pack", true); err != nil {
		t.Fatalf("RememberPermission failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}

	reopened, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	allowed, found, err := reopened.LookupRemembered("peer-a", "modpack:pack")
	if err != nil || !found || !allowed {
		t.Fatalf("expected remembered permission after reopen, got allowed=%v found=%v err=%v", allowed, found, err)
	}
}

func TestOpenRefusesNewerSchema(t *testing.T) {
	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := store.db.Exec("PRAGMA user_version = 99;"); err != nil {
		t.Fatalf("bump user_version: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if reopened, _, err := Open(dataDir); err == nil {
		_ = reopened.Close()
		t.Fatalf("expected a newer schema to be refused")
	}
}

func TestMaintainPrunesExpiredSecurityEvents(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	// Insert directly so the insert-time prune does not run first.
	if _, err := store.db.Exec(
		`INSERT INTO security_events (event_type, details, severity, timestamp) VALUES (?, '{}', 'info', ?), (?, '{}', 'info', ?)`,
		"ancient", now-int64(DefaultSecurityEventRetention/time.Millisecond)-1_000, "recent", now,
	); err != nil {
		t.Fatalf("seed events: %v", err)
	}

	store.maintain()

	events, err := store.ListSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("ListSecurityEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "recent" {
		t.Fatalf("expected only the recent event, got %+v", events)
	}
}
