package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	cfg := &Config{
		Path:            dbPath,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}

	db, err := Open(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
	assert.NoError(t, db.Health(context.Background()))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/data/nvr.db")
	assert.Equal(t, "/data/nvr.db", cfg.Path)
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)

	err = db.Transaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO test_table (value) VALUES (?)`, "test1")
		return err
	})
	require.NoError(t, err)

	var value string
	require.NoError(t, db.QueryRow(`SELECT value FROM test_table WHERE id = 1`).Scan(&value))
	assert.Equal(t, "test1", value)

	expectedErr := fmt.Errorf("intentional error")
	err = db.Transaction(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO test_table (value) VALUES (?)`, "test2"); err != nil {
			return err
		}
		return expectedErr
	})
	assert.ErrorIs(t, err, expectedErr)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM test_table WHERE value = 'test2'`).Scan(&count))
	assert.Zero(t, count)
}

func TestHealth(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.Health(context.Background()))

	db.Close()
	assert.Error(t, db.Health(context.Background()))
}

func TestSize(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, data BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO test_table (data) VALUES (?)`, make([]byte, 1000))
	require.NoError(t, err)

	size, err := db.Size()
	require.NoError(t, err)
	assert.Positive(t, size)
}

func TestCheckpoint(t *testing.T) {
	db := openTestDB(t)

	_, err := db.Exec(`CREATE TABLE test_table (id INTEGER PRIMARY KEY, value TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO test_table (value) VALUES (?)`, "test")
	require.NoError(t, err)

	assert.NoError(t, db.Checkpoint(context.Background()))
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(&Config{Path: "/root/nonexistent-dir-for-nvrcore/test.db"}, zerolog.Nop())
	assert.Error(t, err)
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(&Config{Path: dbPath}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}
