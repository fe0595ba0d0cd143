// Package core holds the domain model shared by every stage of the
// performance pipeline: metric samples, baselines and their history,
// anomalies, correlations, alerts, snoozes, notification queue items and
// webhook endpoints. It also carries the error taxonomy and the small
// reliability primitives (circuit breaker, worker pool, recalculation lease)
// the stages are built on.
package core
