package storage

import (
	"context"
	"io"
	"testing"
	"time"

	"perfwatch/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

const (
	clickhouseImage       = "clickhouse/clickhouse-server:24.3"
	clickhouseNativePort  = "9000/tcp"
	clickhouseHTTPPort    = "8123/tcp"
	clickhouseTestDB      = "perfwatch_test"
	containerStartTimeout = 120 * time.Second
)

func setupClickHouse(t *testing.T) *ClickHouseSampleReader {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping ClickHouse integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        clickhouseImage,
			ExposedPorts: []string{clickhouseNativePort, clickhouseHTTPPort},
			Env: map[string]string{
				"CLICKHOUSE_DB":                        clickhouseTestDB,
				"CLICKHOUSE_USER":                      "default",
				"CLICKHOUSE_PASSWORD":                  "testpassword",
				"CLICKHOUSE_DEFAULT_ACCESS_MANAGEMENT": "1",
			},
			WaitingFor: wait.ForHTTP("/").
				WithPort(clickhouseHTTPPort).
				WithStartupTimeout(containerStartTimeout).
				WithResponseMatcher(func(body io.Reader) bool {
					buf, _ := io.ReadAll(body)
					return len(buf) > 0
				}),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("ClickHouse container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate ClickHouse container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	reader, err := NewClickHouseSampleReader(config.ClickHouseConfig{
		Addr:        host + ":" + port.Port(),
		Database:    clickhouseTestDB,
		Table:       "operation_samples",
		Username:    "default",
		Password:    "testpassword",
		MaxPoolSize: 4,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	require.NoError(t, reader.EnsureSchema(ctx))
	return reader
}

func TestNewClickHouseSampleReader_RejectsBadIdentifiers(t *testing.T) {
	_, err := NewClickHouseSampleReader(config.ClickHouseConfig{Addr: "localhost:9000", Database: "perf`watch", Table: "t"}, nil)
	assert.Error(t, err)
	_, err = NewClickHouseSampleReader(config.ClickHouseConfig{Addr: "localhost:9000", Database: "perfwatch", Table: "t; DROP TABLE x"}, nil)
	assert.Error(t, err)
}

func TestClickHouseSampleReader_Integration(t *testing.T) {
	reader := setupClickHouse(t)
	ctx := context.Background()

	samples := append(sampleRun("commit", testEpoch, 10, 100), sampleRun("search", testEpoch, 3, 40)...)
	require.NoError(t, reader.AppendSamples(ctx, samples))
	require.NoError(t, reader.HealthCheck(ctx))

	durations, err := reader.SampleDurations(ctx, "commit", testEpoch.Add(2*time.Minute), testEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.ElementsMatch(t, []float64{102, 103, 104, 105}, durations)

	full, err := reader.Samples(ctx, "search", testEpoch, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, full, 3)
	assert.Equal(t, "user-1", full[0].Actor)
	assert.True(t, full[0].Timestamp.Equal(testEpoch))

	buckets, err := reader.BucketMeans(ctx, "commit", testEpoch, testEpoch.Add(time.Hour), GranularityFiveMinutes)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.True(t, buckets[0].Start.Equal(testEpoch))
	assert.Equal(t, 5, buckets[0].Count)
	assert.InDelta(t, 102, buckets[0].Mean, 1e-9)

	ops, err := reader.OperationTypes(ctx, testEpoch.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"commit", "search"}, ops)

	none, err := reader.OperationTypes(ctx, testEpoch.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	// the SQLite registry picks up types discovered in ClickHouse
	db := newTestSQLite(t)
	added, err := db.EnsureOperationTypes(ctx, ops, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
}
