package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"perfwatch/baseline"
	"perfwatch/core"
	"perfwatch/detect"
	"perfwatch/metrics"

	"go.opentelemetry.io/otel/attribute"
)

// Job names
const (
	JobBaseline    = "baseline"
	JobAnomaly     = "anomaly"
	JobCorrelation = "correlation"
	JobDrain       = "drain"
)

// Recalculator runs the baseline engine and drops replaced baselines from
// the detector cache
type Recalculator struct {
	engine   *baseline.Engine
	detector *detect.Detector
}

// DefaultOptions returns the configured recalculation options
func (r *Recalculator) DefaultOptions(reason core.RecalcReason) baseline.Options {
	return r.engine.DefaultOptions(reason)
}

// Recalculate recomputes one operation type
func (r *Recalculator) Recalculate(ctx context.Context, op string, opts baseline.Options) (baseline.Outcome, error) {
	out, err := r.engine.Recalculate(ctx, op, opts)
	r.invalidate(out)
	return out, err
}

// RecalculateAll recomputes every tracked operation type within budget
func (r *Recalculator) RecalculateAll(ctx context.Context, opts baseline.Options, budget time.Duration) ([]baseline.Outcome, error) {
	outs, err := r.engine.RecalculateAll(ctx, opts, budget)
	for _, o := range outs {
		r.invalidate(o)
	}
	return outs, err
}

func (r *Recalculator) invalidate(o baseline.Outcome) {
	if o.Status == baseline.StatusUpdated && r.detector != nil {
		r.detector.Invalidate(o.OperationType)
	}
}

func (a *App) registerJobs() error {
	jobs := a.Config.Jobs
	specs := []struct {
		name    string
		enabled bool
		every   time.Duration
		budget  time.Duration
		run     JobFunc
	}{
		{JobBaseline, jobs.Baseline.Enabled, jobs.Baseline.Interval, jobs.Baseline.Budget, a.runBaselineJob},
		{JobAnomaly, jobs.Anomaly.Enabled, jobs.Anomaly.Interval, jobs.Anomaly.Budget, a.runAnomalyJob},
		{JobCorrelation, jobs.Correlation.Enabled, jobs.Correlation.Interval, jobs.Correlation.Budget, a.runCorrelationJob},
		{JobDrain, jobs.Drain.Enabled, jobs.Drain.Interval, jobs.Drain.Budget, a.runDrainJob},
	}
	for _, s := range specs {
		if !s.enabled {
			a.Sugar.Infow("Job disabled by configuration", "job", s.name)
			continue
		}
		if err := a.Scheduler.Add(s.name, s.every, s.budget, s.run); err != nil {
			return fmt.Errorf("failed to register job %s: %w", s.name, err)
		}
	}
	return nil
}

// runBaselineJob registers operation types newly seen in ClickHouse, then
// recalculates every tracked type within the job budget
func (a *App) runBaselineJob(ctx context.Context) ([]attribute.KeyValue, error) {
	if ch := a.Storage.ClickHouse; ch != nil {
		since := a.Clock.Now().AddDate(0, 0, -a.Config.Baseline.LookbackDays)
		names, err := ch.OperationTypes(ctx, since)
		if err != nil {
			return nil, err
		}
		added, err := a.Storage.SQLite.EnsureOperationTypes(ctx, names, a.Clock.Now())
		if err != nil {
			return nil, err
		}
		if added > 0 {
			a.Sugar.Infow("Registered new operation types from metric store", "added", added)
		}
	}

	opts := a.Recalc.DefaultOptions(core.ReasonScheduled)
	outcomes, err := a.Recalc.RecalculateAll(ctx, opts, a.Config.Jobs.Baseline.Budget)
	if err != nil {
		return nil, err
	}
	counts := make(map[baseline.Status]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return []attribute.KeyValue{
		attribute.Int("baseline.types", len(outcomes)),
		attribute.Int("baseline.updated", counts[baseline.StatusUpdated]),
		attribute.Int("baseline.failed", counts[baseline.StatusFailed]),
		attribute.Int("baseline.timeout", counts[baseline.StatusTimeout]),
	}, nil
}

// runAnomalyJob scans every tracked type and feeds each anomaly into the
// alert pipeline. Per-type detection failures raise pipeline alerts.
func (a *App) runAnomalyJob(ctx context.Context) ([]attribute.KeyValue, error) {
	results, err := a.Detector.Scan(ctx, a.Config.Detect.LookbackHours)
	if err != nil && len(results) == 0 {
		return nil, err
	}

	var anomalies, alerts, unitErrors int
	for _, r := range results {
		if r.Err != nil {
			unitErrors++
			if rerr := a.Pipeline.ReportFailure(ctx, r.OperationType, r.Err); rerr != nil {
				a.Sugar.Errorw("Failed to report detection failure", "operation_type", r.OperationType, "error", rerr)
			}
			continue
		}
		for _, an := range r.Anomalies {
			anomalies++
			res, cerr := a.Pipeline.RaiseAnomaly(ctx, an)
			if cerr != nil {
				a.Sugar.Errorw("Failed to create alert for anomaly", "anomaly_id", an.ID, "error", cerr)
				continue
			}
			if res.Alert != nil && !res.Duplicate {
				alerts++
			}
		}
	}
	return []attribute.KeyValue{
		attribute.Int("detect.types", len(results)),
		attribute.Int("detect.anomalies", anomalies),
		attribute.Int("detect.alerts", alerts),
		attribute.Int("detect.errors", unitErrors),
	}, err
}

func (a *App) runCorrelationJob(ctx context.Context) ([]attribute.KeyValue, error) {
	report, err := a.Analyzer.Analyze(ctx, a.Config.Correlation.LookbackHours, a.Config.Correlation.Granularity)
	if err != nil {
		return nil, err
	}
	return []attribute.KeyValue{
		attribute.Int("correlation.pairs", report.PairsEvaluated),
		attribute.Int("correlation.skipped", report.PairsSkipped),
		attribute.Int("correlation.found", len(report.Correlations)),
	}, nil
}

// runDrainJob delivers due notifications and refreshes the queue depth gauge
func (a *App) runDrainJob(ctx context.Context) ([]attribute.KeyValue, error) {
	report, err := a.Dispatcher.Drain(ctx)
	if derr := a.exportQueueDepth(context.WithoutCancel(ctx)); derr != nil {
		a.Sugar.Warnw("Failed to export queue depth", "error", derr)
	}
	attrs := []attribute.KeyValue{
		attribute.Int("drain.due", report.Due),
		attribute.Int("drain.sent", report.Sent),
		attribute.Int("drain.retrying", report.Retrying),
		attribute.Int("drain.failed", report.Failed),
		attribute.Int("drain.deferred", report.Deferred),
		attribute.Int("drain.batched", report.Batched),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return attrs, err
	}
	return attrs, nil
}

func (a *App) exportQueueDepth(ctx context.Context) error {
	depth, err := a.Storage.SQLite.QueueDepth(ctx)
	if err != nil {
		return err
	}
	for _, st := range []core.NotificationStatus{
		core.NotificationPending, core.NotificationRetrying, core.NotificationSent, core.NotificationFailed,
	} {
		metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(depth[st]))
	}
	return nil
}
