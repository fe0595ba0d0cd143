package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testEpoch = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "perfwatch.db"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewSQLite_WALAndPools(t *testing.T) {
	db := newTestSQLite(t)

	var mode string
	require.NoError(t, db.WriteDB.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	assert.Equal(t, 1, db.WriteDB.Stats().MaxOpenConnections)
	assert.NoError(t, db.HealthCheck(context.Background()))

	_, err := db.ReadDB.Exec(`INSERT INTO operation_types (name, tracked, category, created_at) VALUES ('x', 1, 'other', 0)`)
	assert.Error(t, err, "read pool must be query_only")
}

func pragmaInt(t *testing.T, conn *sql.Conn, name string) int {
	t.Helper()
	var v int
	require.NoError(t, conn.QueryRowContext(context.Background(), "PRAGMA "+name).Scan(&v))
	return v
}

func TestNewSQLite_PragmasOnEveryConnection(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	conns := make([]*sql.Conn, 4)
	for i := range conns {
		c, err := db.ReadDB.Conn(ctx)
		require.NoError(t, err)
		conns[i] = c
	}
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()

	for i, c := range conns {
		assert.Equal(t, 1, pragmaInt(t, c, "query_only"), "read conn %d", i)
		assert.Equal(t, 5000, pragmaInt(t, c, "busy_timeout"), "read conn %d", i)
		assert.Equal(t, 1, pragmaInt(t, c, "foreign_keys"), "read conn %d", i)
		_, err := c.ExecContext(ctx, `INSERT INTO operation_types (name, tracked, category, created_at) VALUES ('x', 1, 'other', 0)`)
		assert.Error(t, err, "read conn %d accepted a write", i)
	}

	// a freshly opened writer connection gets the same settings
	writeDB, err := sql.Open("sqlite", sqliteDSN(db.Path, append([]string{"journal_mode(WAL)"}, connectionPragmas...)...))
	require.NoError(t, err)
	defer writeDB.Close()
	w, err := writeDB.Conn(ctx)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, 5000, pragmaInt(t, w, "busy_timeout"))
	assert.Equal(t, 1, pragmaInt(t, w, "foreign_keys"))
	assert.Equal(t, 0, pragmaInt(t, w, "query_only"))
}

func TestSqliteDSN(t *testing.T) {
	assert.Equal(t, "data/p.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		sqliteDSN("data/p.db", connectionPragmas...))
	assert.Equal(t, "file::memory:?cache=shared&_pragma=query_only(1)",
		sqliteDSN("file::memory:?cache=shared", "query_only(1)"))
	assert.Equal(t, "data/p.db", sqliteDSN("data/p.db"))
}

func TestNewSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "perfwatch.db")
	db, err := NewSQLite(path, nil)
	require.NoError(t, err)
	require.NoError(t, db.RecordSamples(context.Background(), sampleRun("commit", testEpoch, 3, 100)))
	require.NoError(t, db.Close())

	db, err = NewSQLite(path, nil)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.SampleDurations(context.Background(), "commit", testEpoch.Add(-time.Hour), testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestValidateDatabasePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"memory", ":memory:", false},
		{"relative", "data/perfwatch.db", false},
		{"temp dir", filepath.Join(os.TempDir(), "perfwatch.db"), false},
		{"empty", "", true},
		{"traversal", "data/../../etc/passwd", true},
		{"null byte", "data/perf\x00watch.db", true},
		{"too long", strings.Repeat("a", 600), true},
		{"absolute outside temp", "/etc/perfwatch.db", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateDatabasePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWithTransaction_RollsBackOnError(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.WithTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO operation_types (name, tracked, category, created_at) VALUES ('merge', 1, 'write', 0)`); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ops, err := db.TrackedOperationTypes(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestWithTransaction_RollsBackOnPanic(t *testing.T) {
	db := newTestSQLite(t)
	ctx := context.Background()

	assert.Panics(t, func() {
		_ = db.WithTransaction(ctx, func(tx *sql.Tx) error {
			_, _ = tx.ExecContext(ctx, `INSERT INTO operation_types (name, tracked, category, created_at) VALUES ('merge', 1, 'write', 0)`)
			panic("boom")
		})
	})

	ops, err := db.TrackedOperationTypes(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	// the writer connection must be usable again
	require.NoError(t, db.RecordSamples(ctx, sampleRun("merge", testEpoch, 1, 10)))
}

func TestStartMetricsCollection_StopsWithContext(t *testing.T) {
	db := newTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	db.StartMetricsCollection(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
}
