package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"time"

	"perfwatch/config"
	"perfwatch/core"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// validIdentifierRegex guards database and table names interpolated into DDL
var validIdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ClickHouseSampleReader reads operation samples from a ClickHouse metric
// table. It is the production metric store; SQLite serves single-node setups.
type ClickHouseSampleReader struct {
	Conn   driver.Conn
	Table  string
	Logger *zap.SugaredLogger
}

// NewClickHouseSampleReader connects using the clickhouse section of the config
func NewClickHouseSampleReader(cfg config.ClickHouseConfig, logger *zap.SugaredLogger) (*ClickHouseSampleReader, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if err := validateIdentifier(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name: %w", err)
	}
	if err := validateIdentifier(cfg.Table); err != nil {
		return nil, fmt.Errorf("invalid table name: %w", err)
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.MaxPoolSize,
		MaxIdleConns:     cfg.MaxPoolSize / 2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}
	if cfg.TLS {
		options.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Infow("Connected to ClickHouse metric store", "addr", cfg.Addr, "table", cfg.Table)
	return &ClickHouseSampleReader{Conn: conn, Table: cfg.Table, Logger: logger}, nil
}

func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("identifier too long (max 64 characters)")
	}
	if !validIdentifierRegex.MatchString(name) {
		return fmt.Errorf("identifier contains invalid characters (only alphanumeric and underscore allowed)")
	}
	return nil
}

// EnsureSchema creates the sample table if it does not exist
func (ch *ClickHouseSampleReader) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+
		"operation_type LowCardinality(String), "+
		"duration_us Float64, "+
		"actor String, "+
		"ts DateTime64(6, 'UTC')"+
		") ENGINE = MergeTree ORDER BY (operation_type, ts)", ch.Table)
	if err := ch.Conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create sample table: %w", err)
	}
	return nil
}

// AppendSamples batch-inserts samples
func (ch *ClickHouseSampleReader) AppendSamples(ctx context.Context, samples []core.MetricSample) error {
	batch, err := ch.Conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO `%s` (operation_type, duration_us, actor, ts)", ch.Table))
	if err != nil {
		return fmt.Errorf("failed to prepare sample batch: %w", err)
	}
	for _, s := range samples {
		if err := batch.Append(s.OperationType, s.DurationMicros, s.Actor, s.Timestamp.UTC()); err != nil {
			return fmt.Errorf("failed to append sample: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send sample batch: %w", err)
	}
	return nil
}

// SampleDurations returns durations for op with start <= ts <= end
func (ch *ClickHouseSampleReader) SampleDurations(ctx context.Context, operationType string, start, end time.Time) ([]float64, error) {
	rows, err := ch.Conn.Query(ctx, fmt.Sprintf(
		"SELECT duration_us FROM `%s` WHERE operation_type = ? AND ts >= ? AND ts <= ?", ch.Table),
		operationType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %s: %w", operationType, err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Samples returns full samples for op in the window ordered by time
func (ch *ClickHouseSampleReader) Samples(ctx context.Context, operationType string, start, end time.Time) ([]core.MetricSample, error) {
	rows, err := ch.Conn.Query(ctx, fmt.Sprintf(
		"SELECT operation_type, duration_us, actor, ts FROM `%s` WHERE operation_type = ? AND ts >= ? AND ts <= ? ORDER BY ts", ch.Table),
		operationType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query samples for %s: %w", operationType, err)
	}
	defer rows.Close()

	var out []core.MetricSample
	for rows.Next() {
		var s core.MetricSample
		if err := rows.Scan(&s.OperationType, &s.DurationMicros, &s.Actor, &s.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// BucketMeans aggregates op samples into buckets of the given granularity
func (ch *ClickHouseSampleReader) BucketMeans(ctx context.Context, operationType string, start, end time.Time, g Granularity) ([]core.Bucket, error) {
	widthMicros := g.Duration().Microseconds()
	rows, err := ch.Conn.Query(ctx, fmt.Sprintf(
		"SELECT intDiv(toUnixTimestamp64Micro(ts), ?) * ? AS bucket, count() AS n, avg(duration_us) AS mean "+
			"FROM `%s` WHERE operation_type = ? AND ts >= ? AND ts <= ? GROUP BY bucket ORDER BY bucket", ch.Table),
		widthMicros, widthMicros, operationType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to bucket samples for %s: %w", operationType, err)
	}
	defer rows.Close()

	var out []core.Bucket
	for rows.Next() {
		var (
			bucket int64
			n      uint64
			mean   float64
		)
		if err := rows.Scan(&bucket, &n, &mean); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		out = append(out, core.Bucket{Start: time.UnixMicro(bucket).UTC(), Count: int(n), Mean: mean})
	}
	return out, rows.Err()
}

// OperationTypes lists distinct operation types with samples at or after since
func (ch *ClickHouseSampleReader) OperationTypes(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := ch.Conn.Query(ctx, fmt.Sprintf(
		"SELECT DISTINCT operation_type FROM `%s` WHERE ts >= ? ORDER BY operation_type", ch.Table), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list operation types: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan operation type: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// HealthCheck pings ClickHouse
func (ch *ClickHouseSampleReader) HealthCheck(ctx context.Context) error {
	return ch.Conn.Ping(ctx)
}

// Close closes the ClickHouse connection
func (ch *ClickHouseSampleReader) Close() error {
	return ch.Conn.Close()
}
