package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, opts Options) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("", Options{})
	assert.Error(t, err)
}

func TestExecAndQuery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, SpillOptions())

	_, err := db.Exec(ctx, `CREATE TABLE kv (key TEXT PRIMARY KEY, value BLOB)`)
	require.NoError(t, err)
	_, err = db.Exec(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)`, "a", []byte("1"))
	require.NoError(t, err)

	var value []byte
	err = db.QueryRow(ctx, `SELECT value FROM kv WHERE key = ?`, "a").Scan(&value)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, Options{})

	_, err := db.Exec(ctx, `CREATE TABLE kv (key TEXT PRIMARY KEY, value BLOB)`)
	require.NoError(t, err)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `INSERT INTO kv (key, value) VALUES (?, ?)`, "a", []byte("1"))
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var count int
	require.NoError(t, db.QueryRow(ctx, `SELECT COUNT(*) FROM kv`).Scan(&count))
	assert.Zero(t, count)
}
