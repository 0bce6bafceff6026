// Package database provides the sqlite connection used by the catalog store.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps *sql.DB with the pragma tuning and helpers the catalog needs.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
}

// Config holds connection parameters.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns sane pool sizes for a single-writer embedded store.
func DefaultConfig(dbPath string) *Config {
	return &Config{
		Path:            dbPath,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open opens the sqlite database in WAL mode with the pragmas the catalog
// relies on (busy_timeout so concurrent readers never hit SQLITE_BUSY under
// the single-writer mutex; foreign_keys is switched on, though the current
// schema declares no foreign keys).
func Open(cfg *Config, logger zerolog.Logger) (*DB, error) {
	logger = logger.With().Str("component", "database").Logger()

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			logger.Warn().Str("pragma", p).Err(err).Msg("failed to set pragma")
		}
	}

	logger.Info().Str("path", cfg.Path).Msg("database opened")

	return &DB{DB: db, path: cfg.Path, logger: logger}, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	db.logger.Info().Msg("closing database")
	return db.DB.Close()
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Health pings the database with a bounded timeout.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Transaction runs fn inside a transaction, rolling back on any error.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Checkpoint forces a WAL checkpoint in TRUNCATE mode, folding the WAL back
// into the main database file.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Size returns the on-disk database file size in bytes.
func (db *DB) Size() (int64, error) {
	info, err := os.Stat(db.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
