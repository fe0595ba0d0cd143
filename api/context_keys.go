package api

import (
	"context"
	"time"
)

// contextKey is a private type to prevent context key collisions across packages
type contextKey string

const (
	// ContextKeySubject stores the authenticated token subject (string)
	ContextKeySubject contextKey = "subject"

	// ContextKeyRequestID stores the unique request identifier (string)
	ContextKeyRequestID contextKey = "request_id"

	// ContextKeyTraceStart stores the request start time (time.Time)
	ContextKeyTraceStart contextKey = "trace_start"
)

// GetSubject extracts the authenticated subject from the context
func GetSubject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(ContextKeySubject).(string)
	return sub, ok
}

// WithSubject returns a context carrying the authenticated subject
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, ContextKeySubject, subject)
}

// GetRequestID extracts the request ID from the context
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyRequestID).(string)
	return id
}

// WithRequestID returns a context carrying the request ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// WithTraceStart returns a context carrying the request start time
func WithTraceStart(ctx context.Context, start time.Time) context.Context {
	return context.WithValue(ctx, ContextKeyTraceStart, start)
}

// GetTraceStart extracts the request start time from the context
func GetTraceStart(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(ContextKeyTraceStart).(time.Time)
	return t, ok
}

// actor names who performed a mutating request: the token subject, or
// "api" when auth is disabled
func actor(ctx context.Context) string {
	if sub, ok := GetSubject(ctx); ok && sub != "" {
		return sub
	}
	return "api"
}
