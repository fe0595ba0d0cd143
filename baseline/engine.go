// Package baseline computes rolling per-operation latency baselines and swaps
// them in atomically when they change significantly.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxLookbackDays = 365
	maxMinSamples   = 1000
)

// Status is the result class of one recalculation unit
type Status string

const (
	StatusUpdated   Status = "updated"
	StatusUnchanged Status = "unchanged"
	StatusSkipped   Status = "skipped"
	StatusConflict  Status = "conflict"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
)

// Store is the baseline persistence the engine needs
type Store interface {
	TrackedOperationTypes(ctx context.Context) ([]core.OperationType, error)
	ActiveBaseline(ctx context.Context, operationType string) (*core.Baseline, error)
	SwapBaseline(ctx context.Context, next *core.Baseline, history *core.BaselineHistory) error
	AcquireExecution(ctx context.Context, id, operationType string, startedAt, staleBefore time.Time) (bool, error)
	FinishExecution(ctx context.Context, exec *core.RecalcExecution) error
	InsertExecution(ctx context.Context, exec *core.RecalcExecution) error
}

// SampleSource reads raw sample durations
type SampleSource interface {
	SampleDurations(ctx context.Context, operationType string, start, end time.Time) ([]float64, error)
}

// FailureReporter raises self-monitoring alerts for failed units
type FailureReporter interface {
	ReportFailure(ctx context.Context, unit string, err error) error
}

// Options parameterize one recalculation request
type Options struct {
	LookbackDays int
	MinSamples   int
	Force        bool
	// Reason is recorded in history; Force overrides it with "force"
	Reason core.RecalcReason
}

// Validate rejects out-of-range parameters
func (o Options) Validate() error {
	if o.LookbackDays < 1 || o.LookbackDays > maxLookbackDays {
		return core.InvalidParameter("lookbackDays must be between 1 and %d, got %d", maxLookbackDays, o.LookbackDays)
	}
	if o.MinSamples < 1 || o.MinSamples > maxMinSamples {
		return core.InvalidParameter("minSamples must be between 1 and %d, got %d", maxMinSamples, o.MinSamples)
	}
	return nil
}

// Outcome reports what happened to one operation type
type Outcome struct {
	OperationType string         `json:"operation_type"`
	Status        Status         `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Baseline      *core.Baseline `json:"baseline,omitempty"`
	PreviousP99   float64        `json:"previous_p99,omitempty"`
	PercentChange float64        `json:"percent_change,omitempty"`
	SampleCount   int            `json:"sample_count"`
	Duration      time.Duration  `json:"duration"`
	Err           error          `json:"-"`
}

// ErrorText returns the error message, or "" for successful outcomes
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Engine recalculates baselines
type Engine struct {
	store    Store
	samples  SampleSource
	rules    *config.Rules
	cfg      config.BaselineConfig
	clock    core.Clock
	logger   *zap.SugaredLogger
	lease    core.Lease
	reporter FailureReporter
}

// NewEngine creates a baseline engine
func NewEngine(store Store, samples SampleSource, rules *config.Rules, cfg config.BaselineConfig, clock core.Clock, logger *zap.SugaredLogger) *Engine {
	if rules == nil {
		rules = config.DefaultRules()
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.StaleExecutionAfter <= 0 {
		cfg.StaleExecutionAfter = 30 * time.Minute
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	return &Engine{store: store, samples: samples, rules: rules, cfg: cfg, clock: clock, logger: logger}
}

// SetLease adds a cross-process lease taken before the database lease
func (e *Engine) SetLease(lease core.Lease) {
	e.lease = lease
}

// SetFailureReporter wires self-monitoring alerts for failed units
func (e *Engine) SetFailureReporter(r FailureReporter) {
	e.reporter = r
}

// DefaultOptions returns options from configuration
func (e *Engine) DefaultOptions(reason core.RecalcReason) Options {
	return Options{
		LookbackDays: e.cfg.LookbackDays,
		MinSamples:   e.cfg.MinSamples,
		Reason:       reason,
	}
}

// Recalculate recomputes the baseline of one operation type. Invalid
// parameters are rejected before any write. Unit failures are returned both
// as the outcome's Err and as the error.
func (e *Engine) Recalculate(ctx context.Context, operationType string, opts Options) (Outcome, error) {
	if err := opts.Validate(); err != nil {
		return Outcome{OperationType: operationType, Status: StatusFailed, Err: err}, err
	}
	if operationType == "" {
		err := core.InvalidParameter("operation type is required")
		return Outcome{Status: StatusFailed, Err: err}, err
	}

	out := e.runUnit(ctx, core.OperationType{Name: operationType}, opts)
	return out, out.Err
}

// RecalculateAll recomputes every tracked operation type. Exactly one outcome
// is returned per type, in the store's order. Once maxExecutionTime has
// elapsed or ctx is done, remaining types get timeout outcomes. Only invalid
// parameters or a failure to list types are returned as errors.
func (e *Engine) RecalculateAll(ctx context.Context, opts Options, maxExecutionTime time.Duration) ([]Outcome, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	types, err := e.store.TrackedOperationTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list operation types: %w", err)
	}

	start := e.clock.Now()
	outcomes := make([]Outcome, len(types))

	budgetExceeded := func() bool {
		if ctx.Err() != nil {
			return true
		}
		return maxExecutionTime > 0 && e.clock.Now().Sub(start) >= maxExecutionTime
	}
	timedOut := func(op string) Outcome {
		return Outcome{
			OperationType: op,
			Status:        StatusTimeout,
			Detail:        "execution budget exhausted before unit started",
			Err:           &core.UnitError{Unit: op, Err: core.ErrTimeout},
		}
	}

	if e.cfg.Parallelism == 1 || len(types) < 2 {
		for i, op := range types {
			if budgetExceeded() {
				outcomes[i] = timedOut(op.Name)
				continue
			}
			outcomes[i] = e.runUnit(ctx, op, opts)
		}
	} else {
		// workers outlive ctx so queued units can still report a timeout outcome
		pool := core.NewWorkerPool(context.WithoutCancel(ctx), e.cfg.Parallelism, len(types), "baseline", e.logger)
		if err := pool.Start(); err != nil {
			return nil, err
		}
		var wg sync.WaitGroup
		for i, op := range types {
			i, op := i, op
			wg.Add(1)
			task := func() {
				defer wg.Done()
				if budgetExceeded() {
					outcomes[i] = timedOut(op.Name)
					return
				}
				outcomes[i] = e.runUnit(ctx, op, opts)
			}
			if err := pool.SubmitWait(ctx, task); err != nil {
				wg.Done()
				outcomes[i] = timedOut(op.Name)
			}
		}
		wg.Wait()
		pool.Stop()
	}

	counts := make(map[Status]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	e.logger.Infow("Baseline recalculation batch finished",
		"types", len(types),
		"updated", counts[StatusUpdated],
		"unchanged", counts[StatusUnchanged],
		"skipped", counts[StatusSkipped],
		"conflict", counts[StatusConflict],
		"timeout", counts[StatusTimeout],
		"failed", counts[StatusFailed],
		"elapsed", e.clock.Now().Sub(start))
	return outcomes, nil
}

// runUnit recalculates one operation type under the lease
func (e *Engine) runUnit(ctx context.Context, op core.OperationType, opts Options) Outcome {
	started := e.clock.Now()
	out := Outcome{OperationType: op.Name}

	if e.lease != nil {
		release, acquired, err := e.lease.Acquire(ctx, "baseline:"+op.Name, e.cfg.StaleExecutionAfter)
		switch {
		case err != nil:
			// the database lease below still serializes this process's peers
			e.logger.Warnw("Distributed lease unavailable, relying on database lease",
				"operation_type", op.Name, "error", err)
		case !acquired:
			return e.conflict(out, started)
		default:
			defer release()
		}
	}

	execID := uuid.New().String()
	acquired, err := e.store.AcquireExecution(ctx, execID, op.Name, started, started.Add(-e.cfg.StaleExecutionAfter))
	if err != nil {
		return e.fail(ctx, out, nil, started, err)
	}
	if !acquired {
		return e.conflict(out, started)
	}

	exec := &core.RecalcExecution{ID: execID, OperationType: op.Name, Status: core.ExecutionRunning, StartedAt: started}
	out = e.compute(ctx, op, opts, started)
	if out.Err != nil {
		return e.fail(ctx, out, exec, started, out.Err)
	}

	out.Duration = e.finish(ctx, exec, out, started)
	metrics.BaselineRecalculations.WithLabelValues(string(out.Status)).Inc()
	return out
}

// compute does the statistics and, when warranted, the swap
func (e *Engine) compute(ctx context.Context, op core.OperationType, opts Options, now time.Time) Outcome {
	out := Outcome{OperationType: op.Name}

	windowStart := now.AddDate(0, 0, -opts.LookbackDays)
	if windowStart.After(now) {
		out.Err = fmt.Errorf("%w: window start %s after end %s", core.ErrInvalidTemporalRange, windowStart, now)
		return out
	}

	durations, err := e.samples.SampleDurations(ctx, op.Name, windowStart, now)
	if err != nil {
		out.Err = err
		return out
	}
	out.SampleCount = len(durations)
	if len(durations) < opts.MinSamples {
		out.Status = StatusSkipped
		out.Detail = fmt.Sprintf("insufficient samples: %d < %d", len(durations), opts.MinSamples)
		return out
	}

	sum := Summarize(durations)
	category := op.Category
	if category == "" || category == core.CategoryOther {
		category = e.rules.Categorize(op.Name)
	}
	next := &core.Baseline{
		ID:                       uuid.New().String(),
		OperationType:            op.Name,
		P50:                      sum.P50,
		P75:                      sum.P75,
		P90:                      sum.P90,
		P95:                      sum.P95,
		P99:                      sum.P99,
		Min:                      sum.Min,
		Max:                      sum.Max,
		Mean:                     sum.Mean,
		StdDev:                   sum.StdDev,
		SampleCount:              sum.Count,
		LookbackDays:             opts.LookbackDays,
		AlertThresholdMultiplier: e.rules.Multiplier(category),
		IsActive:                 true,
		CalculatedAt:             now,
	}
	if err := next.ValidateOrdering(); err != nil {
		out.Err = err
		return out
	}

	prev, err := e.store.ActiveBaseline(ctx, op.Name)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		out.Err = err
		return out
	}

	history := &core.BaselineHistory{
		ID:            uuid.New().String(),
		OperationType: op.Name,
		NewBaselineID: next.ID,
		NewP99:        next.P99,
		SampleCount:   next.SampleCount,
		Reason:        opts.Reason,
		CreatedAt:     now,
	}
	if opts.Force {
		history.Reason = core.ReasonForce
	} else if history.Reason == "" {
		history.Reason = core.ReasonManual
	}

	if prev != nil {
		change := PercentChange(prev.P99, next.P99)
		out.PreviousP99 = prev.P99
		out.PercentChange = change
		if !opts.Force && math.Abs(change) < e.cfg.MinChangePercent {
			out.Status = StatusUnchanged
			out.Baseline = prev
			out.Detail = fmt.Sprintf("p99 change %.2f%% below %.2f%%", change, e.cfg.MinChangePercent)
			return out
		}
		history.OldBaselineID = prev.ID
		history.OldP99 = prev.P99
		history.PercentChange = change
	}

	if err := e.store.SwapBaseline(ctx, next, history); err != nil {
		out.Err = err
		return out
	}

	out.Status = StatusUpdated
	out.Baseline = next
	metrics.BaselineP99.WithLabelValues(op.Name).Set(next.P99)
	e.logger.Infow("Baseline updated",
		"operation_type", op.Name,
		"p99", next.P99,
		"previous_p99", out.PreviousP99,
		"percent_change", out.PercentChange,
		"samples", next.SampleCount,
		"reason", history.Reason)
	return out
}

func (e *Engine) conflict(out Outcome, started time.Time) Outcome {
	out.Status = StatusConflict
	out.Detail = core.ErrConcurrencyConflict.Error() + ": recalculation already running"
	out.Duration = e.clock.Now().Sub(started)
	metrics.BaselineRecalculations.WithLabelValues(string(StatusConflict)).Inc()
	e.logger.Infow("Baseline recalculation skipped, lease held elsewhere", "operation_type", out.OperationType)
	return out
}

// fail records the failed unit and raises a self-monitoring alert. exec is
// nil when the execution row was never created.
func (e *Engine) fail(ctx context.Context, out Outcome, exec *core.RecalcExecution, started time.Time, err error) Outcome {
	out.Status = StatusFailed
	out.Baseline = nil
	out.Err = &core.UnitError{Unit: out.OperationType, Err: err}

	if exec == nil {
		exec = &core.RecalcExecution{ID: uuid.New().String(), OperationType: out.OperationType, StartedAt: started}
		out.Duration = e.finishWith(ctx, exec, out, started, e.store.InsertExecution)
	} else {
		out.Duration = e.finish(ctx, exec, out, started)
	}

	metrics.BaselineRecalculations.WithLabelValues(string(StatusFailed)).Inc()
	e.logger.Errorw("Baseline recalculation failed",
		"operation_type", out.OperationType,
		"error_kind", core.ErrorKind(err),
		"error", err)

	if e.reporter != nil {
		// a cancelled batch context must not stop the self-monitoring alert
		reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := e.reporter.ReportFailure(reportCtx, out.OperationType, err); rerr != nil {
			e.logger.Errorw("Failed to raise pipeline failure alert", "operation_type", out.OperationType, "error", rerr)
		}
	}
	return out
}

func (e *Engine) finish(ctx context.Context, exec *core.RecalcExecution, out Outcome, started time.Time) time.Duration {
	return e.finishWith(ctx, exec, out, started, e.store.FinishExecution)
}

func (e *Engine) finishWith(ctx context.Context, exec *core.RecalcExecution, out Outcome, started time.Time,
	write func(context.Context, *core.RecalcExecution) error) time.Duration {
	ended := e.clock.Now()
	exec.Status = core.ExecutionSuccess
	if out.Status == StatusFailed {
		exec.Status = core.ExecutionFailed
		exec.ErrorDetail = out.ErrorText()
	}
	exec.Outcome = string(out.Status)
	exec.EndedAt = &ended
	exec.DurationMs = ended.Sub(started).Milliseconds()
	if out.Status == StatusUpdated {
		exec.RecordsAffected = 1
	}
	elapsed := ended.Sub(started)
	metrics.BaselineRecalculationDuration.Observe(elapsed.Seconds())

	// the execution row must close even if the unit's context was cancelled
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := write(writeCtx, exec); err != nil {
		e.logger.Errorw("Failed to record recalculation execution", "execution_id", exec.ID, "error", err)
	}
	return elapsed
}
