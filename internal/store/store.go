// Package store owns the agent's durable state: the OAuth credential, the
// ledger of uploaded items, and the operator settings. Everything lives in
// one SQLite database and every read or write goes through a single Store
// mutex, which is never held across a network call.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// ErrMissingRecord reports a single-row table without its row. Store repairs
// it in place by inserting defaults, so callers normally only see it in logs.
var ErrMissingRecord = errors.New("store: missing record")

const dataDirPermissions = 0o700

// Store is the coarse-locked owner of the database.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// Open creates the parent directory if needed, opens the SQLite database at
// dbPath, and applies pending migrations. The database uses WAL mode with
// synchronous=FULL so a power loss never leaves a half-written ledger row.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dataDirPermissions); err != nil {
		return nil, fmt.Errorf("store: creating data directory: %w", err)
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("store opened", slog.String("db_path", dbPath))

	return &Store{
		db:      db,
		logger:  logger,
		nowFunc: time.Now,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: closing database: %w", err)
	}

	return nil
}
