package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perfwatch/config"
	"perfwatch/core"
	"perfwatch/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// QueueStore is the notification queue the dispatcher drains
type QueueStore interface {
	DueItems(ctx context.Context, now time.Time, limit int) ([]*core.NotificationQueueItem, error)
	ClaimItem(ctx context.Context, id, token string, now, claimUntil time.Time) (bool, error)
	CompleteAttempt(ctx context.Context, it *core.NotificationQueueItem, token string, log *core.DeliveryLog) error
	GetEndpoint(ctx context.Context, id string) (*core.WebhookEndpoint, error)
}

// Resolver decrypts the URL of an endpoint
type Resolver interface {
	Resolve(ctx context.Context, endpointID string) (string, error)
}

// Poster sends one request body to a URL
type Poster interface {
	Post(ctx context.Context, target string, format core.MessageFormat, body []byte) (int, error)
}

// Result is what happened to a queue item in one delivery pass
type Result string

const (
	ResultSent     Result = "sent"
	ResultRetrying Result = "retrying"
	ResultFailed   Result = "failed"
	// ResultDeferred means no attempt was made and no retry was consumed
	ResultDeferred Result = "deferred"
	// ResultSkipped means another worker holds the item
	ResultSkipped Result = "skipped"
	// ResultBatched means the item is waiting in a batch
	ResultBatched Result = "batched"
)

// DrainReport counts item results of one drain pass
type DrainReport struct {
	Due      int `json:"due"`
	Sent     int `json:"sent"`
	Retrying int `json:"retrying"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
	Skipped  int `json:"skipped"`
	Batched  int `json:"batched"`
}

func (r *DrainReport) add(res Result, n int) {
	switch res {
	case ResultSent:
		r.Sent += n
	case ResultRetrying:
		r.Retrying += n
	case ResultFailed:
		r.Failed += n
	case ResultDeferred:
		r.Deferred += n
	case ResultSkipped:
		r.Skipped += n
	case ResultBatched:
		r.Batched += n
	}
}

// Dispatcher delivers queued notifications. Every attempt runs under a claim
// so an item is worked by exactly one worker at a time.
type Dispatcher struct {
	store    QueueStore
	resolver Resolver
	poster   Poster
	breakers *core.BreakerSet
	batcher  *Batcher
	cfg      config.NotifyConfig
	clock    core.Clock
	logger   *zap.SugaredLogger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a dispatcher with one circuit breaker and one rate
// limiter per endpoint
func NewDispatcher(store QueueStore, resolver Resolver, poster Poster, cfg config.NotifyConfig,
	clock core.Clock, logger *zap.SugaredLogger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	breakers, err := core.NewBreakerSet(core.CircuitBreakerConfig{
		MaxFailures:         cfg.CircuitBreaker.MaxFailures,
		Timeout:             cfg.CircuitBreaker.Timeout,
		MaxHalfOpenRequests: cfg.CircuitBreaker.MaxHalfOpenRequests,
	}, clock)
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	return &Dispatcher{
		store:    store,
		resolver: resolver,
		poster:   poster,
		breakers: breakers,
		batcher:  NewBatcher(cfg.Batch.MaxSize, cfg.Batch.MaxWait, clock),
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// BreakerStates reports the circuit state of every endpoint seen so far
func (d *Dispatcher) BreakerStates() map[string]core.CircuitBreakerState {
	return d.breakers.States()
}

// Deliver claims one item and makes one delivery attempt. Items of batch
// endpoints are sent on their own.
func (d *Dispatcher) Deliver(ctx context.Context, it *core.NotificationQueueItem) (Result, error) {
	token := uuid.New().String()
	now := d.clock.Now()
	ok, err := d.store.ClaimItem(ctx, it.ID, token, now, now.Add(d.cfg.ClaimTTL))
	if err != nil {
		return "", err
	}
	if !ok {
		return ResultSkipped, nil
	}

	c := claimed{item: it, token: token}
	ep, err := d.store.GetEndpoint(ctx, it.EndpointID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return d.complete(ctx, nil, []claimed{c}, attempt{err: errors.New("endpoint no longer exists"), terminal: true}), nil
		}
		d.release(ctx, []claimed{c})
		return "", err
	}
	return d.send(ctx, ep, []claimed{c}), nil
}

// Drain delivers every due item. Items for batch endpoints are claimed into
// the batcher and sent once their batch is ready.
func (d *Dispatcher) Drain(ctx context.Context) (DrainReport, error) {
	var report DrainReport
	items, err := d.store.DueItems(ctx, d.clock.Now(), d.cfg.DrainLimit)
	if err != nil {
		return report, fmt.Errorf("failed to list due notifications: %w", err)
	}
	report.Due = len(items)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(res Result, n int) {
		mu.Lock()
		report.add(res, n)
		mu.Unlock()
	}

	// workers outlive ctx so claimed items are always completed
	pool := core.NewWorkerPool(context.WithoutCancel(ctx), d.cfg.Workers, len(items)+d.batcher.Pending()+1, "notify", d.logger)
	if err := pool.Start(); err != nil {
		return report, err
	}
	defer pool.Stop()

	submit := func(task func()) {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			task()
		}); err != nil {
			wg.Done()
			d.logger.Warnw("Failed to submit delivery task", "error", err)
		}
	}
	sendBatch := func(b *Batch) {
		submit(func() { record(d.sendBatch(ctx, b), b.Size()) })
	}

	endpoints := make(map[string]*core.WebhookEndpoint)
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		it := it
		ep, ok := endpoints[it.EndpointID]
		if !ok {
			if ep, err = d.store.GetEndpoint(ctx, it.EndpointID); err == nil {
				endpoints[it.EndpointID] = ep
			}
		}

		if ep == nil || !ep.Batch || !ep.Enabled {
			submit(func() {
				res, err := d.Deliver(ctx, it)
				if err != nil {
					d.logger.Errorw("Notification delivery failed", "item_id", it.ID, "error", err)
					return
				}
				record(res, 1)
			})
			continue
		}

		token := uuid.New().String()
		now := d.clock.Now()
		// the claim must outlive the time an item can spend accumulating
		ok, err := d.store.ClaimItem(ctx, it.ID, token, now, now.Add(d.cfg.Batch.MaxWait+d.cfg.ClaimTTL))
		if err != nil {
			d.logger.Errorw("Failed to claim notification", "item_id", it.ID, "error", err)
			continue
		}
		if !ok {
			record(ResultSkipped, 1)
			continue
		}
		record(ResultBatched, 1)
		if b := d.batcher.Add(ep.ID, it, token); b != nil {
			sendBatch(b)
		}
	}

	for _, b := range d.batcher.Ready() {
		sendBatch(b)
	}

	wg.Wait()
	return report, ctx.Err()
}

// FlushBatches sends every accumulating batch regardless of age
func (d *Dispatcher) FlushBatches(ctx context.Context) DrainReport {
	var report DrainReport
	for _, b := range d.batcher.Flush() {
		report.add(d.sendBatch(ctx, b), b.Size())
	}
	return report
}

func (d *Dispatcher) sendBatch(ctx context.Context, b *Batch) Result {
	ep, err := d.store.GetEndpoint(ctx, b.EndpointID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return d.complete(ctx, nil, b.items, attempt{err: errors.New("endpoint no longer exists"), terminal: true})
		}
		d.logger.Errorw("Failed to load batch endpoint", "endpoint_id", b.EndpointID, "error", err)
		d.release(ctx, b.items)
		return ResultDeferred
	}
	return d.send(ctx, ep, b.items)
}

type attempt struct {
	status   int
	latency  time.Duration
	err      error
	terminal bool
}

// send makes one HTTP attempt carrying every item in items
func (d *Dispatcher) send(ctx context.Context, ep *core.WebhookEndpoint, items []claimed) Result {
	if !ep.Enabled {
		return d.complete(ctx, ep, items, attempt{err: errors.New("endpoint is disabled"), terminal: true})
	}

	target, err := d.resolver.Resolve(ctx, ep.ID)
	if err != nil {
		d.logger.Errorw("Failed to resolve endpoint", "endpoint_id", ep.ID, "kind", core.ErrorKind(err))
		return d.complete(ctx, ep, items, attempt{err: fmt.Errorf("failed to resolve endpoint: %s", core.ErrorKind(err))})
	}

	if err := d.limiter(ep.ID).Wait(ctx); err != nil {
		d.release(ctx, items)
		return d.deferred(ep, items)
	}

	cb := d.breakers.Get(ep.ID)
	if err := cb.Allow(); err != nil {
		next := d.clock.Now().Add(d.cfg.CircuitBreaker.Timeout)
		for _, c := range items {
			it := *c.item
			it.NextAttemptAt = next
			if err := d.store.CompleteAttempt(context.WithoutCancel(ctx), &it, c.token, nil); err != nil {
				d.logger.Warnw("Failed to defer notification", "item_id", it.ID, "error", err)
			}
		}
		d.logger.Debugw("Circuit open, deferring delivery", "endpoint_id", ep.ID, "items", len(items))
		return d.deferred(ep, items)
	}

	format := items[0].item.Format
	body := items[0].item.Body
	if len(items) > 1 {
		bodies := make([][]byte, len(items))
		for i, c := range items {
			bodies[i] = c.item.Body
		}
		if body, err = FormatBatch(bodies, format); err != nil {
			cb.RecordFailure()
			return d.complete(ctx, ep, items, attempt{err: err, terminal: true})
		}
	}

	start := time.Now()
	status, err := d.poster.Post(ctx, target, format, body)
	latency := time.Since(start)
	metrics.DeliveryLatency.WithLabelValues(string(ep.Type)).Observe(latency.Seconds())

	var from, to core.CircuitBreakerState
	if err != nil {
		from, to = cb.RecordFailure()
	} else {
		from, to = cb.RecordSuccess()
	}
	if from != to {
		metrics.CircuitBreakerTransitions.WithLabelValues(ep.ID, string(to)).Inc()
		d.logger.Warnw("Endpoint circuit breaker changed state", "endpoint_id", ep.ID, "from", from, "to", to)
	}

	return d.complete(ctx, ep, items, attempt{status: status, latency: latency, err: err})
}

// complete records the attempt on every item, logs it, and releases the claims
func (d *Dispatcher) complete(ctx context.Context, ep *core.WebhookEndpoint, items []claimed, a attempt) Result {
	// persist the outcome even if the caller gave up mid-request
	ctx = context.WithoutCancel(ctx)
	now := d.clock.Now()
	endpointType := "unknown"
	if ep != nil {
		endpointType = string(ep.Type)
	}

	var result Result
	for _, c := range items {
		it := *c.item
		entry := &core.DeliveryLog{
			ID:          uuid.New().String(),
			ItemID:      it.ID,
			EndpointID:  it.EndpointID,
			Attempt:     it.RetryCount + 1,
			Success:     a.err == nil,
			StatusCode:  a.status,
			LatencyMs:   a.latency.Milliseconds(),
			AttemptedAt: now,
		}

		if a.err == nil {
			it.Status = core.NotificationSent
			it.SentAt = &now
			it.LastError = ""
		} else {
			entry.Error = a.err.Error()
			it.RetryCount++
			it.LastError = entry.Error
			maxRetries := it.MaxRetries
			if maxRetries < 1 {
				maxRetries = 1
			}
			if a.terminal || it.RetryCount >= maxRetries {
				it.Status = core.NotificationFailed
			} else {
				it.Status = core.NotificationRetrying
				it.NextAttemptAt = now.Add(core.BackoffDelay(it.RetryCount, d.cfg.RetryBase, d.cfg.RetryMax))
			}
		}

		res := Result(it.Status)
		if err := d.store.CompleteAttempt(ctx, &it, c.token, entry); err != nil {
			if errors.Is(err, core.ErrConcurrencyConflict) {
				res = ResultSkipped
			}
			d.logger.Errorw("Failed to record delivery attempt", "item_id", it.ID, "error", err)
		} else {
			*c.item = it
		}
		metrics.Deliveries.WithLabelValues(endpointType, string(res)).Inc()
		if res == ResultFailed {
			d.logger.Warnw("Notification failed permanently",
				"item_id", it.ID, "alert_id", it.AlertID, "endpoint_id", it.EndpointID,
				"retries", it.RetryCount, "error", it.LastError)
		}
		result = res
	}
	return result
}

// release drops claims without touching the retry state
func (d *Dispatcher) release(ctx context.Context, items []claimed) {
	for _, c := range items {
		if err := d.store.CompleteAttempt(context.WithoutCancel(ctx), c.item, c.token, nil); err != nil {
			d.logger.Warnw("Failed to release notification claim", "item_id", c.item.ID, "error", err)
		}
	}
}

func (d *Dispatcher) deferred(ep *core.WebhookEndpoint, items []claimed) Result {
	metrics.Deliveries.WithLabelValues(string(ep.Type), string(ResultDeferred)).Add(float64(len(items)))
	return ResultDeferred
}

func (d *Dispatcher) limiter(endpointID string) *rate.Limiter {
	d.limMu.Lock()
	defer d.limMu.Unlock()
	l, ok := d.limiters[endpointID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RateLimit), d.cfg.RateBurst)
		d.limiters[endpointID] = l
	}
	return l
}
