package correlation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/metrics"
	"perfwatch/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the analyzer needs
type Store interface {
	ActiveBaselines(ctx context.Context) ([]*core.Baseline, error)
	TrackedOperationTypes(ctx context.Context) ([]core.OperationType, error)
	InsertCorrelations(ctx context.Context, correlations []core.Correlation) error
}

// AlertSink receives classified correlations that should page someone
type AlertSink interface {
	RaiseCorrelation(ctx context.Context, c core.Correlation, severity core.Severity) error
}

// Report summarizes one analysis pass
type Report struct {
	Correlations   []core.Correlation `json:"correlations"`
	PairsEvaluated int                `json:"pairs_evaluated"`
	PairsSkipped   int                `json:"pairs_skipped"`
	WindowStart    time.Time          `json:"window_start"`
	WindowEnd      time.Time          `json:"window_end"`
}

// Analyzer finds operation types whose degradation moves together
type Analyzer struct {
	store   Store
	samples storage.SampleReader
	rules   *config.Rules
	cfg     config.CorrelationConfig
	sink    AlertSink
	clock   core.Clock
	logger  *zap.SugaredLogger
}

// NewAnalyzer creates an analyzer
func NewAnalyzer(store Store, samples storage.SampleReader, rules *config.Rules, cfg config.CorrelationConfig,
	clock core.Clock, logger *zap.SugaredLogger) *Analyzer {
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
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.75
	}
	if cfg.ConfidenceSaturation <= 0 {
		cfg.ConfidenceSaturation = 50
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = 24
	}
	return &Analyzer{store: store, samples: samples, rules: rules, cfg: cfg, clock: clock, logger: logger}
}

// SetAlertSink enables forwarding of classified correlations. Forwarding
// still requires raise_alerts in the configuration.
func (a *Analyzer) SetAlertSink(sink AlertSink) {
	a.sink = sink
}

type series struct {
	name     string
	category string
	ratios   map[int64]float64
}

// Analyze correlates the degradation series of every pair of operation types
// with an active baseline. lookbackHours <= 0 and an empty granularity use the
// configured defaults.
func (a *Analyzer) Analyze(ctx context.Context, lookbackHours int, granularity string) (*Report, error) {
	if lookbackHours <= 0 {
		lookbackHours = a.cfg.LookbackHours
	}
	if lookbackHours > 720 {
		return nil, core.InvalidParameter("lookback hours must be in [1, 720], got %d", lookbackHours)
	}
	if granularity == "" {
		granularity = a.cfg.Granularity
	}
	g, err := storage.ParseGranularity(granularity)
	if err != nil {
		return nil, core.InvalidParameter("%v", err)
	}

	end := a.clock.Now()
	start := end.Add(-time.Duration(lookbackHours) * time.Hour)
	report := &Report{WindowStart: start, WindowEnd: end}

	all, err := a.loadSeries(ctx, start, end, g)
	if err != nil {
		return nil, err
	}

	var raise []core.Correlation
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			x, y := align(all[i].ratios, all[j].ratios)
			if len(x) < a.cfg.MinSamples {
				report.PairsSkipped++
				continue
			}
			report.PairsEvaluated++

			r := Pearson(x, y)
			if math.Abs(r) < a.cfg.Threshold {
				continue
			}

			name, rec, generic := a.rules.ClassifyBottleneck(all[i].category, all[j].category)
			c := core.Correlation{
				ID:             uuid.New().String(),
				OperationA:     all[i].name,
				OperationB:     all[j].name,
				Coefficient:    r,
				SampleCount:    len(x),
				Bottleneck:     name,
				Recommendation: rec,
				Confidence:     Confidence(len(x), a.cfg.ConfidenceSaturation, r),
				WindowStart:    start,
				WindowEnd:      end,
				CreatedAt:      end,
			}
			report.Correlations = append(report.Correlations, c)
			metrics.CorrelationsFound.WithLabelValues(name).Inc()
			if !generic {
				raise = append(raise, c)
			}
		}
	}

	if len(report.Correlations) > 0 {
		if err := a.store.InsertCorrelations(ctx, report.Correlations); err != nil {
			return nil, fmt.Errorf("failed to persist correlations: %w", err)
		}
	}

	a.logger.Infow("Correlation analysis complete",
		"operation_types", len(all),
		"pairs_evaluated", report.PairsEvaluated,
		"pairs_skipped", report.PairsSkipped,
		"correlations", len(report.Correlations),
		"granularity", g.String())

	if a.cfg.RaiseAlerts && a.sink != nil {
		for _, c := range raise {
			if err := a.sink.RaiseCorrelation(ctx, c, SeverityFor(c.Coefficient)); err != nil {
				a.logger.Errorw("Failed to raise correlation alert",
					"operation_a", c.OperationA, "operation_b", c.OperationB, "error", err)
			}
		}
	}
	return report, nil
}

func (a *Analyzer) loadSeries(ctx context.Context, start, end time.Time, g storage.Granularity) ([]series, error) {
	baselines, err := a.store.ActiveBaselines(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load baselines: %w", err)
	}
	ops, err := a.store.TrackedOperationTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation types: %w", err)
	}
	categories := make(map[string]string, len(ops))
	for _, op := range ops {
		categories[op.Name] = op.Category
	}

	var out []series
	for _, b := range baselines {
		if b.Mean <= 0 {
			continue
		}
		category, tracked := categories[b.OperationType]
		if !tracked {
			continue
		}
		if category == "" || category == core.CategoryOther {
			category = a.rules.Categorize(b.OperationType)
		}

		buckets, err := a.samples.BucketMeans(ctx, b.OperationType, start, end, g)
		if err != nil {
			return nil, fmt.Errorf("failed to bucket %s: %w", b.OperationType, err)
		}
		s := series{name: b.OperationType, category: category, ratios: make(map[int64]float64, len(buckets))}
		for _, bk := range buckets {
			s.ratios[bk.Start.UnixNano()] = bk.Mean / b.Mean
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out, nil
}

// align returns the values of both series at their common buckets, in time order
func align(a, b map[int64]float64) (x, y []float64) {
	keys := make([]int64, 0, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	x = make([]float64, len(keys))
	y = make([]float64, len(keys))
	for i, k := range keys {
		x[i], y[i] = a[k], b[k]
	}
	return x, y
}

// Pearson returns the correlation coefficient of x and y, or 0 when either
// series is constant or the lengths differ
func Pearson(x, y []float64) float64 {
	n := len(x)
	if n == 0 || len(y) != n {
		return 0
	}

	var sumX, sumY, sumXY, sumX2, sumY2 float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumX2 += x[i] * x[i]
		sumY2 += y[i] * y[i]
	}

	nf := float64(n)
	num := nf*sumXY - sumX*sumY
	den := math.Sqrt((nf*sumX2 - sumX*sumX) * (nf*sumY2 - sumY*sumY))
	if den == 0 || math.IsNaN(den) {
		return 0
	}
	r := num / den
	// rounding can push a perfect correlation just past 1
	return math.Max(-1, math.Min(1, r))
}

// Confidence scales |r| by how close n is to the saturation sample count
func Confidence(n, saturation int, r float64) float64 {
	if saturation <= 0 {
		return math.Abs(r)
	}
	return math.Min(1, float64(n)/float64(saturation)) * math.Abs(r)
}

// SeverityFor returns the alert severity of a classified correlation
func SeverityFor(r float64) core.Severity {
	if math.Abs(r) >= 0.9 {
		return core.SeverityCritical
	}
	return core.SeverityWarning
}
