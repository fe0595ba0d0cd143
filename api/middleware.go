package api

import (
	"errors"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterIdle is how long an unused per-client limiter is kept
const rateLimiterIdle = time.Hour

// clientIP returns the remote host without port
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimitMiddleware provides rate limiting per client IP
func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		a.rateLimitersMu.Lock()
		entry, exists := a.rateLimiters[ip]
		if !exists {
			entry = &rateLimiterEntry{
				limiter: rate.NewLimiter(rate.Limit(a.config.Server.RateLimit.RequestsPerSecond), a.config.Server.RateLimit.Burst),
			}
			a.rateLimiters[ip] = entry
		}
		entry.lastSeen = time.Now()
		// captured under the lock; cleanup may delete the entry
		limiter := entry.limiter
		a.rateLimitersMu.Unlock()

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupRateLimiters periodically removes idle per-client limiters
func (a *API) cleanupRateLimiters() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.pruneRateLimiters(time.Now())
		case <-a.stopCh:
			return
		}
	}
}

func (a *API) pruneRateLimiters(now time.Time) int {
	a.rateLimitersMu.Lock()
	defer a.rateLimitersMu.Unlock()
	removed := 0
	for ip, entry := range a.rateLimiters {
		if now.Sub(entry.lastSeen) > rateLimiterIdle {
			delete(a.rateLimiters, ip)
			removed++
		}
	}
	return removed
}

// authMiddleware requires a valid bearer token on mutating requests.
// Reads stay open so dashboards and probes work without credentials.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			a.unauthorized(w, r, errors.New("missing bearer token"))
			return
		}
		claims, err := validateToken(token, a.config.Auth.JWTSecret, a.config.Auth.Issuer, a.clock.Now())
		if err != nil {
			a.unauthorized(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), claims.Subject)))
	})
}

func (a *API) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	a.requestLogger(r).Warnw("Rejected unauthenticated request",
		"method", r.Method, "path", r.URL.Path, "remote_ip", clientIP(r), "error", err)
	w.Header().Set("WWW-Authenticate", `Bearer realm="perfwatch"`)
	writeJSON(w, http.StatusUnauthorized, errorResponse{
		Error:     "unauthorized",
		Kind:      "unauthorized",
		RequestID: GetRequestID(r.Context()),
	})
}

// recoveryMiddleware turns a handler panic into a 500 reply
func (a *API) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				a.requestLogger(r).Errorw("Handler panic recovered",
					"path", r.URL.Path, "panic", rec, "stack", string(buf[:n]))
				writeJSON(w, http.StatusInternalServerError, errorResponse{
					Error:     "internal error",
					Kind:      "internal",
					RequestID: GetRequestID(r.Context()),
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
