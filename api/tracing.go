package api

import (
	"net/http"
	"strconv"
	"time"

	"perfwatch/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// apiTracerName names the tracer that records one server span per request
const apiTracerName = "perfwatch/api"

// RequestIDHeader carries the request correlation ID in both directions
const RequestIDHeader = "X-Request-ID"

// requestIDMiddleware tags every request with an ID, opens a server span
// named after the matched route and counts the request by route and status.
//
// An incoming X-Request-ID is kept after sanitization, otherwise a UUID is
// generated. The ID is echoed in the response and stored in the context.
func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := sanitizeRequestID(r.Header.Get(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)

		route := routeTemplate(r)
		ctx, span := a.tracer.Start(r.Context(), r.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("request.id", requestID),
			))
		defer span.End()

		ctx = WithRequestID(ctx, requestID)
		ctx = WithTraceStart(ctx, start)

		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", wrapped.statusCode))
		if wrapped.statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()

		a.logger.Debugw("request_completed",
			"request_id", requestID,
			"method", r.Method,
			"route", route,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// routeTemplate returns the mux path template ("/api/v1/snoozes/{id}") so
// metric labels stay bounded. Unmatched requests share one label.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// responseWriterWrapper records the first status code written
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriterWrapper) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	if !w.written {
		w.statusCode = http.StatusOK
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}

// sanitizeRequestID keeps alphanumerics, dashes and underscores and
// truncates to 64 characters
func sanitizeRequestID(id string) string {
	const maxLen = 64

	if id == "" {
		return ""
	}
	if len(id) > maxLen {
		id = id[:maxLen]
	}

	result := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '-' || c == '_' {
			result = append(result, c)
		}
	}
	return string(result)
}

// requestLogger returns a logger with the request ID attached
func (a *API) requestLogger(r *http.Request) *zap.SugaredLogger {
	if id := GetRequestID(r.Context()); id != "" {
		return a.logger.With("request_id", id)
	}
	return a.logger
}
