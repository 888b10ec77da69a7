package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "peerdrop.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
)

// migration is one forward-only schema step. Its position in migrations is
// the user_version it produces.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{
		name: "create peers",
		stmt: `
CREATE TABLE IF NOT EXISTS peers (
  peer_id         TEXT PRIMARY KEY,
  device_name     TEXT NOT NULL DEFAULT '',
  address         TEXT NOT NULL DEFAULT '',
  key_fingerprint TEXT NOT NULL DEFAULT '',
  last_seen       INTEGER NOT NULL
);`,
	},
	{
		name: "create deliveries",
		stmt: `
CREATE TABLE IF NOT EXISTS deliveries (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_id      TEXT,
  name         TEXT NOT NULL,
  content_type TEXT NOT NULL,
  size         INTEGER NOT NULL,
  stored_path  TEXT NOT NULL,
  received_at  INTEGER NOT NULL
);`,
	},
	{
		name: "index deliveries by time",
		stmt: `
CREATE INDEX IF NOT EXISTS idx_deliveries_received_at
ON deliveries (received_at DESC, id DESC);`,
	},
	{
		name: "index peers by last seen",
		stmt: `
CREATE INDEX IF NOT EXISTS idx_peers_last_seen
ON peers (last_seen DESC);`,
	},
}

// Options tunes a Store. The zero value is usable.
type Options struct {
	// WALCheckpointInterval defaults to DefaultWALCheckpointInterval. Negative disables the loop.
	WALCheckpointInterval time.Duration
	Logger                logrus.FieldLogger
}

// Store persists known peers and received-file history in SQLite.
type Store struct {
	db  *sql.DB
	log logrus.FieldLogger

	checkpointEvery time.Duration
	checkpointStop  chan struct{}
	checkpointWG    sync.WaitGroup
	closeOnce       sync.Once
}

// Open opens (or creates) peerdrop.db under dataDir and returns the store and its path.
func Open(dataDir string, options Options) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, options)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path, switches it to WAL and migrates the schema.
func OpenPath(dbPath string, options Options) (*Store, error) {
	if options.WALCheckpointInterval == 0 {
		options.WALCheckpointInterval = DefaultWALCheckpointInterval
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{
		db:              db,
		log:             options.Logger.WithField("component", "storage"),
		checkpointEvery: options.WALCheckpointInterval,
		checkpointStop:  make(chan struct{}),
	}

	steps := []func() error{db.Ping, store.enableWALMode, store.applyMigrations, store.checkpointWAL}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.startCheckpointLoop()

	return store, nil
}

// SchemaVersion reports the applied migration count.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Close stops the checkpoint loop and closes the database. It is idempotent.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.checkpointStop)
		s.checkpointWG.Wait()
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		step := migrations[i]
		if _, err := tx.Exec(step.stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", i+1, step.name, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"from": version,
		"to":   len(migrations),
	}).Debug("Schema migrated")
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startCheckpointLoop() {
	if s.checkpointEvery <= 0 {
		return
	}

	s.checkpointWG.Add(1)
	go func() {
		defer s.checkpointWG.Done()
		ticker := time.NewTicker(s.checkpointEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.checkpointWAL(); err != nil {
					s.log.WithError(err).Warn("Periodic WAL checkpoint failed")
				}
			case <-s.checkpointStop:
				return
			}
		}
	}()
}
