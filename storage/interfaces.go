package storage

import (
	"context"
	"time"

	"perfwatch/core"
)

// SampleReader reads operation samples from the metric store. SQLite and
// ClickHouse both implement it.
type SampleReader interface {
	SampleDurations(ctx context.Context, operationType string, start, end time.Time) ([]float64, error)
	Samples(ctx context.Context, operationType string, start, end time.Time) ([]core.MetricSample, error)
	BucketMeans(ctx context.Context, operationType string, start, end time.Time, g Granularity) ([]core.Bucket, error)
}

var (
	_ SampleReader = (*SQLite)(nil)
	_ SampleReader = (*ClickHouseSampleReader)(nil)
)
