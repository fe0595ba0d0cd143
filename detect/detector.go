package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"perfwatch/baseline"
	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/metrics"
	"perfwatch/storage"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const maxLookbackHours = 720

// BaselineReader reads the active baseline of an operation type
type BaselineReader interface {
	ActiveBaseline(ctx context.Context, operationType string) (*core.Baseline, error)
}

// AnomalyStore persists detections and lists the types to scan
type AnomalyStore interface {
	InsertAnomalies(ctx context.Context, anomalies []core.Anomaly) ([]core.Anomaly, error)
	TrackedOperationTypes(ctx context.Context) ([]core.OperationType, error)
}

// Detector compares recent samples against active baselines
type Detector struct {
	baselines BaselineReader
	samples   storage.SampleReader
	store     AnomalyStore
	rules     *config.Rules
	cfg       config.DetectConfig
	bucket    storage.Granularity
	cache     *expirable.LRU[string, *core.Baseline]
	clock     core.Clock
	logger    *zap.SugaredLogger
}

// NewDetector creates a detector. An invalid bucket width falls back to 5m.
func NewDetector(baselines BaselineReader, samples storage.SampleReader, store AnomalyStore,
	rules *config.Rules, cfg config.DetectConfig, clock core.Clock, logger *zap.SugaredLogger) *Detector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if rules == nil {
		rules = config.DefaultRules()
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	bucket, err := storage.ParseGranularity(cfg.Bucket)
	if err != nil {
		logger.Warnw("Invalid detection bucket, using 5m", "bucket", cfg.Bucket, "error", err)
	}

	return &Detector{
		baselines: baselines,
		samples:   samples,
		store:     store,
		rules:     rules,
		cfg:       cfg,
		bucket:    bucket,
		cache:     expirable.NewLRU[string, *core.Baseline](cfg.CacheSize, nil, cfg.CacheTTL),
		clock:     clock,
		logger:    logger,
	}
}

// Invalidate drops the cached baseline of op so the next read sees a fresh swap
func (d *Detector) Invalidate(operationType string) {
	d.cache.Remove(operationType)
}

// ClassifySeverity maps a z-score and degradation ratio to a severity using
// the configured thresholds
func (d *Detector) ClassifySeverity(z, ratio float64) core.Severity {
	return Classify(d.rules.Severity, z, ratio)
}

// DetectStatistical flags every sample in the window whose z-score against the
// active baseline reaches zThreshold
func (d *Detector) DetectStatistical(ctx context.Context, operationType string, lookbackHours int, zThreshold float64) ([]core.Anomaly, error) {
	if err := validateArgs(operationType, lookbackHours); err != nil {
		return nil, err
	}
	if zThreshold <= 0 {
		return nil, core.InvalidParameter("z threshold must be positive, got %v", zThreshold)
	}

	w, err := d.loadWindow(ctx, operationType, lookbackHours)
	if err != nil || w == nil {
		return nil, err
	}
	if w.baseline.StdDev == 0 {
		return nil, nil
	}

	var found []core.Anomaly
	for _, s := range w.samples {
		z := (s.DurationMicros - w.baseline.Mean) / w.baseline.StdDev
		if math.Abs(z) < zThreshold {
			continue
		}
		found = append(found, d.newAnomaly(w, core.MethodStatistical, func(a *core.Anomaly) {
			a.ZScore = z
			a.ObservedValue = s.DurationMicros
			a.BaselineValue = w.baseline.Mean
			a.Severity = d.ClassifySeverity(z, 0)
		}))
	}
	return d.persist(ctx, found)
}

// DetectDegradation compares the window p99 against the baseline p99 and
// returns at most one anomaly when the ratio exceeds the baseline multiplier
func (d *Detector) DetectDegradation(ctx context.Context, operationType string, lookbackHours int) ([]core.Anomaly, error) {
	if err := validateArgs(operationType, lookbackHours); err != nil {
		return nil, err
	}

	w, err := d.loadWindow(ctx, operationType, lookbackHours)
	if err != nil || w == nil {
		return nil, err
	}
	if w.baseline.P99 <= 0 {
		return nil, nil
	}

	p99 := baseline.Quantile(sortedDurations(w.samples), 0.99)
	ratio := p99 / w.baseline.P99
	if ratio <= w.multiplier() {
		return nil, nil
	}

	return d.persist(ctx, []core.Anomaly{d.newAnomaly(w, core.MethodDegradation, func(a *core.Anomaly) {
		a.DegradationRatio = ratio
		a.ObservedValue = p99
		a.BaselineValue = w.baseline.P99
		a.Severity = d.ClassifySeverity(0, ratio)
	})})
}

// DetectCombined evaluates both signals per time bucket and emits one anomaly
// for every bucket where at least one of them fires
func (d *Detector) DetectCombined(ctx context.Context, operationType string, lookbackHours int, zThreshold float64) ([]core.Anomaly, error) {
	if err := validateArgs(operationType, lookbackHours); err != nil {
		return nil, err
	}
	if zThreshold <= 0 {
		return nil, core.InvalidParameter("z threshold must be positive, got %v", zThreshold)
	}

	w, err := d.loadWindow(ctx, operationType, lookbackHours)
	if err != nil || w == nil {
		return nil, err
	}

	var found []core.Anomaly
	for _, b := range d.bucketize(w.samples) {
		var (
			maxZ        float64
			statistical bool
		)
		if w.baseline.StdDev > 0 {
			for _, v := range b.Durations {
				z := (v - w.baseline.Mean) / w.baseline.StdDev
				if math.Abs(z) > math.Abs(maxZ) {
					maxZ = z
				}
			}
			statistical = math.Abs(maxZ) >= zThreshold
		}

		sorted := append([]float64(nil), b.Durations...)
		sort.Float64s(sorted)
		p99 := baseline.Quantile(sorted, 0.99)
		var ratio float64
		if w.baseline.P99 > 0 {
			ratio = p99 / w.baseline.P99
		}
		degraded := w.baseline.P99 > 0 && ratio > w.multiplier()

		if !statistical && !degraded {
			continue
		}

		agreement := core.SeverityWarning
		if statistical && degraded {
			agreement = core.SeverityCritical
		}
		start := b.Start
		found = append(found, d.newAnomaly(w, core.MethodCombined, func(a *core.Anomaly) {
			a.ZScore = maxZ
			a.DegradationRatio = ratio
			a.ObservedValue = p99
			a.BaselineValue = w.baseline.P99
			a.BucketStart = &start
			a.Severity = core.MaxSeverity(agreement, d.ClassifySeverity(maxZ, ratio))
		}))
	}
	return d.persist(ctx, found)
}

// ScanResult is the combined-detection outcome for one operation type
type ScanResult struct {
	OperationType string         `json:"operation_type"`
	Anomalies     []core.Anomaly `json:"anomalies"`
	Err           error          `json:"-"`
}

// Scan runs combined detection for every tracked operation type. A failure on
// one type is recorded in its result and does not stop the others.
func (d *Detector) Scan(ctx context.Context, lookbackHours int) ([]ScanResult, error) {
	if lookbackHours <= 0 {
		lookbackHours = d.cfg.LookbackHours
	}
	if lookbackHours < 1 || lookbackHours > maxLookbackHours {
		return nil, core.InvalidParameter("lookback hours must be in [1, %d], got %d", maxLookbackHours, lookbackHours)
	}
	threshold := d.cfg.ZThreshold
	if threshold <= 0 {
		threshold = 3.0
	}

	ops, err := d.store.TrackedOperationTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation types: %w", err)
	}

	results := make([]ScanResult, 0, len(ops))
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		found, err := d.DetectCombined(ctx, op.Name, lookbackHours, threshold)
		if err != nil {
			d.logger.Errorw("Anomaly detection failed", "operation_type", op.Name, "error", err)
			err = &core.UnitError{Unit: op.Name, Err: err}
		}
		results = append(results, ScanResult{OperationType: op.Name, Anomalies: found, Err: err})
	}
	return results, nil
}

type window struct {
	baseline *core.Baseline
	samples  []core.MetricSample
	now      time.Time
}

func (w *window) multiplier() float64 {
	if w.baseline.AlertThresholdMultiplier > 0 {
		return w.baseline.AlertThresholdMultiplier
	}
	return 2.0
}

// loadWindow returns nil when there is no active baseline or too few samples
func (d *Detector) loadWindow(ctx context.Context, operationType string, lookbackHours int) (*window, error) {
	b, err := d.activeBaseline(ctx, operationType)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := d.clock.Now()
	samples, err := d.samples.Samples(ctx, operationType, now.Add(-time.Duration(lookbackHours)*time.Hour), now)
	if err != nil {
		return nil, err
	}
	if len(samples) < d.cfg.MinSamples {
		d.logger.Debugw("Not enough samples for detection",
			"operation_type", operationType, "samples", len(samples), "required", d.cfg.MinSamples)
		return nil, nil
	}
	return &window{baseline: b, samples: samples, now: now}, nil
}

func (d *Detector) activeBaseline(ctx context.Context, operationType string) (*core.Baseline, error) {
	if b, ok := d.cache.Get(operationType); ok {
		metrics.BaselineCacheLookups.WithLabelValues("hit").Inc()
		return b, nil
	}
	metrics.BaselineCacheLookups.WithLabelValues("miss").Inc()

	b, err := d.baselines.ActiveBaseline(ctx, operationType)
	if err != nil {
		return nil, err
	}
	d.cache.Add(operationType, b)
	return b, nil
}

func (d *Detector) bucketize(samples []core.MetricSample) []core.Bucket {
	index := make(map[time.Time]int)
	var buckets []core.Bucket
	for _, s := range samples {
		start := d.bucket.Truncate(s.Timestamp)
		i, ok := index[start]
		if !ok {
			i = len(buckets)
			index[start] = i
			buckets = append(buckets, core.Bucket{Start: start})
		}
		buckets[i].Durations = append(buckets[i].Durations, s.DurationMicros)
	}
	for i := range buckets {
		b := &buckets[i]
		b.Count = len(b.Durations)
		var sum float64
		for _, v := range b.Durations {
			sum += v
		}
		b.Mean = sum / float64(b.Count)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Start.Before(buckets[j].Start) })
	return buckets
}

func (d *Detector) newAnomaly(w *window, method core.DetectionMethod, fill func(*core.Anomaly)) core.Anomaly {
	a := core.Anomaly{
		ID:            uuid.New().String(),
		OperationType: w.baseline.OperationType,
		Method:        method,
		BaselineID:    w.baseline.ID,
		DetectedAt:    w.now,
	}
	fill(&a)
	return a
}

func (d *Detector) persist(ctx context.Context, found []core.Anomaly) ([]core.Anomaly, error) {
	if len(found) == 0 {
		return nil, nil
	}
	stored, err := d.store.InsertAnomalies(ctx, found)
	if err != nil {
		return nil, fmt.Errorf("failed to persist anomalies: %w", err)
	}
	if skipped := len(found) - len(stored); skipped > 0 {
		d.logger.Debugw("Anomalies already recorded for bucket", "skipped", skipped)
	}
	for _, a := range stored {
		metrics.AnomaliesDetected.WithLabelValues(string(a.Method), string(a.Severity)).Inc()
		d.logger.Infow("Anomaly detected",
			"operation_type", a.OperationType,
			"method", a.Method,
			"severity", a.Severity,
			"z_score", a.ZScore,
			"ratio", a.DegradationRatio)
	}
	return stored, nil
}

func validateArgs(operationType string, lookbackHours int) error {
	if operationType == "" {
		return core.InvalidParameter("operation type is required")
	}
	if lookbackHours < 1 || lookbackHours > maxLookbackHours {
		return core.InvalidParameter("lookback hours must be in [1, %d], got %d", maxLookbackHours, lookbackHours)
	}
	return nil
}

func sortedDurations(samples []core.MetricSample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.DurationMicros
	}
	sort.Float64s(out)
	return out
}
