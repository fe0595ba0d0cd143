package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"perfwatch/metrics"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLite holds the pipeline state: baselines, executions, anomalies,
// correlations, alerts, snoozes, the notification queue and endpoints.
// Separate read and write pools follow the WAL one-writer/many-readers model.
type SQLite struct {
	WriteDB *sql.DB // MaxOpenConns=1, the single WAL writer
	ReadDB  *sql.DB // query_only pool for concurrent reads
	Path    string
	Logger  *zap.SugaredLogger

	prevWriteWaitCount int64
	prevReadWaitCount  int64
}

// connectionPragmas apply to every pooled connection. modernc runs _pragma
// DSN parameters each time it opens a connection.
var connectionPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)"}

// sqliteDSN appends the pool's pragmas to the database path
func sqliteDSN(path string, pragmas ...string) string {
	var b strings.Builder
	b.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// configureSQLiteConnection pings a pool and checks that WAL mode is on
func configureSQLiteConnection(db *sql.DB, logger *zap.SugaredLogger, dbPath string, poolType string) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	// in-memory databases report "memory"
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got: %s, expected: wal)", journalMode)
	}
	logger.Debugf("SQLite %s pool: journal mode %s", poolType, journalMode)
	return nil
}

// NewSQLite opens (or creates) the database at dbPath and ensures the schema
func NewSQLite(dbPath string, logger *zap.SugaredLogger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateDatabasePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	dir := filepath.Dir(dbPath)
	if dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// both pools must see the same in-memory database
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writePragmas := append([]string{"journal_mode(WAL)"}, connectionPragmas...)
	writeDB, err := sql.Open("sqlite", sqliteDSN(actualPath, writePragmas...))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite write database: %w", err)
	}
	if err := configureSQLiteConnection(writeDB, logger, dbPath, "write"); err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)
	writeDB.SetConnMaxIdleTime(10 * time.Minute)

	readPragmas := append(append([]string{}, connectionPragmas...), "query_only(1)")
	readDB, err := sql.Open("sqlite", sqliteDSN(actualPath, readPragmas...))
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open SQLite read database: %w", err)
	}
	if err := configureSQLiteConnection(readDB, logger, dbPath, "read"); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to configure read connection: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	readDB.SetConnMaxIdleTime(10 * time.Minute)

	s := &SQLite{
		WriteDB: writeDB,
		ReadDB:  readDB,
		Path:    dbPath,
		Logger:  logger,
	}

	if err := s.createTables(); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Infof("SQLite database initialized at %s", dbPath)
	return s, nil
}

// WithTransaction runs fn inside a write transaction, rolling back on error or panic
func (s *SQLite) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.WriteDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("failed to rollback transaction (original error: %w, rollback error: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// createTables creates the schema. Timestamps are stored as UTC unix nanoseconds.
func (s *SQLite) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operation_types (
		name TEXT PRIMARY KEY,
		tracked INTEGER NOT NULL DEFAULT 1,
		category TEXT NOT NULL DEFAULT 'other',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metric_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_type TEXT NOT NULL,
		duration_us REAL NOT NULL,
		actor TEXT,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metric_samples_op_ts ON metric_samples(operation_type, ts);

	CREATE TABLE IF NOT EXISTS baselines (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		p50 REAL NOT NULL,
		p75 REAL NOT NULL,
		p90 REAL NOT NULL,
		p95 REAL NOT NULL,
		p99 REAL NOT NULL,
		min_value REAL NOT NULL,
		max_value REAL NOT NULL,
		mean REAL NOT NULL,
		stddev REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		lookback_days INTEGER NOT NULL,
		alert_threshold_multiplier REAL NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		calculated_at INTEGER NOT NULL,
		deactivated_at INTEGER
	);
	-- at most one active baseline per operation type
	CREATE UNIQUE INDEX IF NOT EXISTS idx_baselines_one_active ON baselines(operation_type) WHERE is_active = 1;
	CREATE INDEX IF NOT EXISTS idx_baselines_op_calculated ON baselines(operation_type, calculated_at DESC);

	CREATE TABLE IF NOT EXISTS baseline_history (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		old_baseline_id TEXT,
		new_baseline_id TEXT NOT NULL,
		old_p99 REAL NOT NULL DEFAULT 0,
		new_p99 REAL NOT NULL,
		percent_change REAL NOT NULL DEFAULT 0,
		sample_count INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (new_baseline_id) REFERENCES baselines(id)
	);
	CREATE INDEX IF NOT EXISTS idx_baseline_history_op ON baseline_history(operation_type, created_at DESC);

	CREATE TABLE IF NOT EXISTS recalc_executions (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		status TEXT NOT NULL,
		outcome TEXT,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		records_affected INTEGER NOT NULL DEFAULT 0,
		error_detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_recalc_executions_running ON recalc_executions(operation_type, status, started_at);

	CREATE TABLE IF NOT EXISTS anomalies (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		method TEXT NOT NULL,
		z_score REAL NOT NULL DEFAULT 0,
		degradation_ratio REAL NOT NULL DEFAULT 0,
		observed_value REAL NOT NULL,
		baseline_value REAL NOT NULL,
		baseline_id TEXT,
		severity TEXT NOT NULL,
		bucket_start INTEGER,
		detected_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anomalies_op_detected ON anomalies(operation_type, detected_at DESC);
	-- one bucketed anomaly per (type, method, bucket); unbucketed rows have NULL bucket_start
	CREATE UNIQUE INDEX IF NOT EXISTS idx_anomalies_bucket ON anomalies(operation_type, method, bucket_start);

	CREATE TABLE IF NOT EXISTS correlations (
		id TEXT PRIMARY KEY,
		operation_a TEXT NOT NULL,
		operation_b TEXT NOT NULL,
		coefficient REAL NOT NULL,
		sample_count INTEGER NOT NULL,
		bottleneck TEXT,
		recommendation TEXT,
		confidence REAL NOT NULL,
		window_start INTEGER NOT NULL,
		window_end INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_correlations_created ON correlations(created_at DESC);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		actual_value REAL NOT NULL DEFAULT 0,
		baseline_value REAL NOT NULL DEFAULT 0,
		violation_multiplier REAL NOT NULL DEFAULT 0,
		message TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		source_id TEXT,
		fingerprint TEXT NOT NULL,
		duplicate_count INTEGER NOT NULL DEFAULT 0,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		acknowledged_by TEXT,
		acknowledged_at INTEGER,
		created_at INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts(fingerprint, acknowledged, last_seen);
	CREATE INDEX IF NOT EXISTS idx_alerts_pending ON alerts(acknowledged, created_at DESC);

	CREATE TABLE IF NOT EXISTS alert_suppressions (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		snooze_id TEXT NOT NULL,
		message TEXT,
		suppressed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alert_suppressions_snooze ON alert_suppressions(snooze_id);

	CREATE TABLE IF NOT EXISTS snoozes (
		id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		alert_type TEXT NOT NULL,
		snooze_until INTEGER NOT NULL,
		reason TEXT,
		created_by TEXT,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snoozes_active ON snoozes(is_active, snooze_until);

	CREATE TABLE IF NOT EXISTS webhook_endpoints (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		recipient TEXT,
		format TEXT NOT NULL,
		encrypted_url BLOB NOT NULL,
		iv BLOB NOT NULL,
		key_id TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		is_primary INTEGER NOT NULL DEFAULT 0,
		batch INTEGER NOT NULL DEFAULT 0,
		last_test_at INTEGER,
		last_test_ok INTEGER,
		last_test_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(type, name)
	);

	CREATE TABLE IF NOT EXISTS routing_rules (
		id TEXT PRIMARY KEY,
		alert_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		endpoint_id TEXT NOT NULL,
		FOREIGN KEY (endpoint_id) REFERENCES webhook_endpoints(id) ON DELETE CASCADE,
		UNIQUE(alert_type, severity, endpoint_id)
	);

	CREATE TABLE IF NOT EXISTS notification_queue (
		id TEXT PRIMARY KEY,
		alert_id TEXT NOT NULL,
		endpoint_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		format TEXT NOT NULL,
		body BLOB NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		next_attempt_at INTEGER NOT NULL,
		sent_at INTEGER,
		claim_token TEXT,
		claimed_until INTEGER,
		FOREIGN KEY (alert_id) REFERENCES alerts(id),
		FOREIGN KEY (endpoint_id) REFERENCES webhook_endpoints(id)
	);
	CREATE INDEX IF NOT EXISTS idx_notification_queue_due ON notification_queue(status, next_attempt_at);

	CREATE TABLE IF NOT EXISTS delivery_log (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL,
		endpoint_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		success INTEGER NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		attempted_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_delivery_log_endpoint ON delivery_log(endpoint_id, attempted_at);
	`

	if _, err := s.WriteDB.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes both connection pools
func (s *SQLite) Close() error {
	var writeErr, readErr error
	if s.WriteDB != nil {
		writeErr = s.WriteDB.Close()
	}
	if s.ReadDB != nil {
		readErr = s.ReadDB.Close()
	}
	if writeErr != nil {
		return fmt.Errorf("failed to close write pool: %w", writeErr)
	}
	if readErr != nil {
		return fmt.Errorf("failed to close read pool: %w", readErr)
	}
	return nil
}

// HealthCheck verifies the database connection is alive
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.WriteDB.PingContext(ctx)
}

// StartMetricsCollection periodically exports pool stats until ctx is done
func (s *SQLite) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	s.updatePoolMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.updatePoolMetrics()
			}
		}
	}()
}

func (s *SQLite) updatePoolMetrics() {
	s.exportPoolStats("write", s.WriteDB.Stats(), &s.prevWriteWaitCount)
	s.exportPoolStats("read", s.ReadDB.Stats(), &s.prevReadWaitCount)
}

func (s *SQLite) exportPoolStats(pool string, stats sql.DBStats, prevWaitCount *int64) {
	metrics.SQLitePoolOpenConnections.WithLabelValues(pool).Set(float64(stats.OpenConnections))
	metrics.SQLitePoolInUse.WithLabelValues(pool).Set(float64(stats.InUse))
	// counters only move forward, so add the delta
	if delta := stats.WaitCount - *prevWaitCount; delta > 0 {
		metrics.SQLitePoolWaitCount.WithLabelValues(pool).Add(float64(delta))
		*prevWaitCount = stats.WaitCount
	}
}

// validateDatabasePath rejects traversal, null bytes and absolute paths outside the temp dir
func validateDatabasePath(dbPath string) error {
	if dbPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if dbPath == ":memory:" {
		return nil
	}
	if len(dbPath) > 512 {
		return fmt.Errorf("database path exceeds maximum length of 512 characters")
	}
	if strings.Contains(dbPath, "\x00") {
		return fmt.Errorf("null bytes not allowed in path")
	}
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("path traversal not allowed (..): %s", dbPath)
	}
	if filepath.IsAbs(dbPath) && !strings.HasPrefix(dbPath, os.TempDir()) {
		return fmt.Errorf("absolute paths not allowed: %s", dbPath)
	}
	return nil
}
