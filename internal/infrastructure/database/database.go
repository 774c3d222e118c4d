package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/coap-bridge/internal/infrastructure/config"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	// openTimeout bounds the first round trip to a freshly opened file.
	openTimeout = 5 * time.Second

	// The recorder is the only writer; one idle connection keeps the
	// WAL and page cache warm between batches.
	maxConns        = 1
	connMaxIdleTime = 30 * time.Minute
)

// ErrDisabled is returned by Open when the registry is switched off.
var ErrDisabled = errors.New("database: device registry disabled")

// DB is the SQLite file behind the device registry.
type DB struct {
	*sql.DB
	path string
	wal  bool
}

// Open prepares the registry file and verifies it answers queries.
// The parent directory is created when missing.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating registry directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening registry %s: %w", cfg.Path, err)
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("reaching registry %s: %w", cfg.Path, err)
	}

	// The driver creates the file lazily with the process umask.
	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // Tightening only

	return &DB{DB: sqlDB, path: cfg.Path, wal: cfg.WALMode}, nil
}

// dsn builds the go-sqlite3 connection string.
// See: https://github.com/mattn/go-sqlite3#connection-string
func dsn(cfg config.DatabaseConfig) string {
	q := url.Values{}
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	// Writers take the lock up front so a batch never fails half way
	// through upgrading a read lock.
	q.Set("_txlock", "immediate")
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close closes the registry. It is safe on a nil or already closed DB.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing registry: %w", err)
	}
	return nil
}

// Path returns the registry file path.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck verifies the registry answers queries and, when WAL was
// requested, that SQLite is really journaling that way.
func (db *DB) HealthCheck(ctx context.Context) error {
	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("registry health check: %w", err)
	}
	if db.wal && !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("registry health check: journal mode is %s, want wal", mode)
	}
	return nil
}

// inTx runs fn in a transaction, committing only when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck // The fn error is the one worth reporting
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}
