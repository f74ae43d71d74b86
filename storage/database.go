package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/mattn/go-sqlite3"
)

var log = logging.Logger("storage")

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "packsync.db"
	// DefaultMaintenanceInterval is how often the WAL is truncated and
	// expired security events are dropped on a long-running store.
	DefaultMaintenanceInterval = 6 * time.Hour
	// DefaultSecurityEventRetention controls automatic security event pruning.
	DefaultSecurityEventRetention = 90 * 24 * time.Hour
)

// migration is one schema step. The index of a migration plus one is the
// user_version recorded once it has been applied.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{"peers", `
CREATE TABLE peers (
  peer_id         TEXT PRIMARY KEY,
  display_name    TEXT NOT NULL DEFAULT '',
  signing_key     TEXT NOT NULL DEFAULT '',
  key_fingerprint TEXT NOT NULL DEFAULT '',
  verified        INTEGER NOT NULL DEFAULT 0,
  status          TEXT NOT NULL DEFAULT 'known' CHECK(status IN ('known','blocked')),
  first_seen      INTEGER NOT NULL,
  last_seen       INTEGER NOT NULL,
  last_address    TEXT
)`},
	{"permissions", `
CREATE TABLE permissions (
  peer_id      TEXT NOT NULL,
  content_type TEXT NOT NULL,
  allowed      INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL,
  PRIMARY KEY (peer_id, content_type)
)`},
	{"transfer history", `
CREATE TABLE transfer_history (
  session_id  TEXT PRIMARY KEY,
  peer_id     TEXT NOT NULL,
  direction   TEXT NOT NULL CHECK(direction IN ('upload','download')),
  modpack     TEXT NOT NULL DEFAULT '',
  status      TEXT NOT NULL CHECK(status IN ('completed','failed','cancelled')),
  files_done  INTEGER NOT NULL DEFAULT 0,
  files_total INTEGER NOT NULL DEFAULT 0,
  bytes_done  INTEGER NOT NULL DEFAULT 0,
  bytes_total INTEGER NOT NULL DEFAULT 0,
  error       TEXT NOT NULL DEFAULT '',
  started_at  INTEGER NOT NULL,
  finished_at INTEGER NOT NULL
);
CREATE INDEX idx_transfer_history_peer ON transfer_history (peer_id, finished_at DESC);
CREATE INDEX idx_transfer_history_time ON transfer_history (finished_at DESC)`},
	{"security events", `
CREATE TABLE security_events (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type  TEXT NOT NULL,
  peer_id     TEXT,
  remote_addr TEXT NOT NULL DEFAULT '',
  modpack     TEXT NOT NULL DEFAULT '',
  details     TEXT NOT NULL,
  severity    TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp   INTEGER NOT NULL
);
CREATE INDEX idx_security_events_time ON security_events (timestamp DESC, id DESC);
CREATE INDEX idx_security_events_type ON security_events (event_type, timestamp DESC);
CREATE INDEX idx_security_events_peer ON security_events (peer_id, timestamp DESC)`},
}

// Store keeps everything packsync remembers between runs: known peers,
// remembered consent decisions, finished transfers and security events.
type Store struct {
	db *sql.DB

	maintenanceInterval time.Duration
	stop                chan struct{}
	wg                  sync.WaitGroup
	closeOnce           sync.Once

	pruneMu                sync.Mutex
	securityEventRetention time.Duration
	lastSecurityPrune      time.Time
}

// Open opens (or creates) packsync.db under dataDir and brings its schema up to date.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)

	// The busy timeout covers the serve command and a CLI query touching the
	// same file at once.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:                     db,
		maintenanceInterval:    DefaultMaintenanceInterval,
		stop:                   make(chan struct{}),
		securityEventRetention: DefaultSecurityEventRetention,
	}
	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	store.wg.Add(1)
	go store.maintenanceLoop()

	return store, dbPath, nil
}

func (s *Store) prepare() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return s.migrate()
}

// Close stops background maintenance and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

// migrate applies every migration newer than the recorded user_version, each
// in its own transaction so a failure leaves the schema at the last good step.
func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		m := migrations[i]
		err := s.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(m.stmt); err != nil {
				return err
			}
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		log.Debugw("applied migration", "version", i+1, "name", m.name)
	}
	return nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) maintenanceLoop() {
	defer s.wg.Done()
	if s.maintenanceInterval <= 0 {
		<-s.stop
		return
	}

	ticker := time.NewTicker(s.maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.maintain()
		case <-s.stop:
			return
		}
	}
}

// maintain truncates the WAL and drops expired security events. A quiet
// server logs no events, so pruning cannot rely on inserts alone.
func (s *Store) maintain() {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		log.Warnw("wal checkpoint failed", "error", err)
	}

	s.pruneMu.Lock()
	retention := s.securityEventRetention
	s.lastSecurityPrune = time.Now()
	s.pruneMu.Unlock()

	removed, err := s.PruneSecurityEvents(time.Now().Add(-retention).UnixMilli())
	if err != nil {
		log.Warnw("security event prune failed", "error", err)
		return
	}
	if removed > 0 {
		log.Infow("pruned expired security events", "removed", removed)
	}
}
