package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"perfwatch/core"
	"perfwatch/metrics"
	"perfwatch/util/goroutine"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const tracerName = "perfwatch/scheduler"

var (
	// ErrJobRunning is returned by RunNow when the job is already in progress
	ErrJobRunning = errors.New("job already running")
	// ErrUnknownJob is returned by RunNow for a name that was never added
	ErrUnknownJob = errors.New("unknown job")

	errJobPanicked = errors.New("job panicked")
)

// JobFunc runs one pass of a periodic job. The returned attributes are
// recorded on the run's span.
type JobFunc func(ctx context.Context) ([]attribute.KeyValue, error)

// Job is a named periodic task with its own interval and wall-clock budget
type Job struct {
	Name     string
	Interval time.Duration
	Budget   time.Duration
	Run      JobFunc

	running atomic.Bool
}

// Scheduler owns one ticker per job. A run never overlaps with the previous
// run of the same job; a tick that finds the job still running is skipped.
type Scheduler struct {
	jobs   map[string]*Job
	order  []string
	tracer trace.Tracer
	logger *zap.SugaredLogger

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// NewScheduler creates a scheduler. A nil provider disables tracing.
func NewScheduler(tp trace.TracerProvider, logger *zap.SugaredLogger) *Scheduler {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		jobs:   make(map[string]*Job),
		tracer: tp.Tracer(tracerName),
		logger: logger,
	}
}

// Add registers a job. Jobs must be added before Start.
func (s *Scheduler) Add(name string, interval, budget time.Duration, run JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if interval <= 0 {
		return core.InvalidParameter("job %s: interval must be positive", name)
	}
	if _, dup := s.jobs[name]; dup {
		return core.InvalidParameter("job %s registered twice", name)
	}
	s.jobs[name] = &Job{Name: name, Interval: interval, Budget: budget, Run: run}
	s.order = append(s.order, name)
	return nil
}

// Jobs lists registered job names in registration order
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start launches one goroutine per job
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		job := s.jobs[name]
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Infow("Scheduler started", "jobs", s.order)
}

// Stop cancels in-flight runs and waits for every job goroutine to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job *Job) {
	defer s.wg.Done()
	defer goroutine.Recover("scheduler:"+job.Name, s.logger)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.execute(ctx, job); errors.Is(err, ErrJobRunning) {
				s.logger.Warnw("Skipping tick, previous run still in progress", "job", job.Name)
			}
		}
	}
}

// RunNow runs a job immediately in the caller's goroutine
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job *Job) error {
	if !job.running.CompareAndSwap(false, true) {
		return ErrJobRunning
	}
	defer job.running.Store(false)

	runCtx := ctx
	if job.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, job.Budget)
		defer cancel()
	}

	runCtx, span := s.tracer.Start(runCtx, "job."+job.Name,
		trace.WithAttributes(
			attribute.String("job.name", job.Name),
			attribute.String("job.budget", job.Budget.String())))
	defer span.End()

	start := time.Now()
	attrs, err := s.invoke(runCtx, job)
	elapsed := time.Since(start)

	span.SetAttributes(attrs...)
	span.SetAttributes(attribute.Int64("job.duration_ms", elapsed.Milliseconds()))
	metrics.JobDuration.WithLabelValues(job.Name).Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", core.ErrTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.JobRuns.WithLabelValues(job.Name, core.ErrorKind(err)).Inc()
		s.logger.Errorw("Job run failed", "job", job.Name, "elapsed", elapsed, "error", err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	metrics.JobRuns.WithLabelValues(job.Name, "ok").Inc()
	s.logger.Debugw("Job run finished", "job", job.Name, "elapsed", elapsed)
	return nil
}

// invoke runs the job body. A panic leaves err as errJobPanicked.
func (s *Scheduler) invoke(ctx context.Context, job *Job) (attrs []attribute.KeyValue, err error) {
	err = errJobPanicked
	defer goroutine.Recover("job:"+job.Name, s.logger)
	attrs, err = job.Run(ctx)
	return attrs, err
}
