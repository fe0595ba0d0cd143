package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"perfwatch/core"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	// maxRequestBody bounds JSON request bodies
	maxRequestBody = 1 << 20
	// maxErrorMessageLength bounds error messages sent to clients
	maxErrorMessageLength = 512
)

var requestValidator = validator.New()

var (
	connStringPattern = regexp.MustCompile(`(?:sqlite|redis|clickhouse|https?)://[^\s"']+`)
	secretPattern     = regexp.MustCompile(`(?i)(password|secret|token|key|credential)[:=]\s*["']?[^"'\s]+["']?`)
)

// errorResponse is the JSON body of every error reply
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

// sanitizeErrorMessage removes URLs and credentials from error messages
// before they reach clients. Webhook URLs are secrets.
func sanitizeErrorMessage(message string) string {
	message = connStringPattern.ReplaceAllString(message, "[URL]")
	message = secretPattern.ReplaceAllString(message, "$1=[REDACTED]")
	if len(message) > maxErrorMessageLength {
		message = message[:maxErrorMessageLength-3] + "..."
	}
	return message
}

// statusForError maps error kinds to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidParameter), errors.Is(err, core.ErrInvalidTemporalRange):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrDeliveryFailure):
		return http.StatusBadGateway
	case errors.Is(err, core.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error reply. The full error is logged; clients
// get a sanitized message, and only a generic one for internal errors.
func writeError(w http.ResponseWriter, r *http.Request, err error, logger *zap.SugaredLogger) {
	status := statusForError(err)
	kind := core.ErrorKind(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("Request failed", "path", r.URL.Path, "status", status, "kind", kind, "error", err)
	} else {
		logger.Debugw("Request rejected", "path", r.URL.Path, "status", status, "kind", kind, "error", err)
	}

	message := sanitizeErrorMessage(err.Error())
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: message, Kind: kind, RequestID: GetRequestID(r.Context())})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v and validates its struct tags.
// Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return core.InvalidParameter("request body is empty")
		}
		return core.InvalidParameter("malformed request body: %v", err)
	}
	if err := requestValidator.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return core.InvalidParameter("field %s failed %s validation", fe.Field(), fe.Tag())
		}
		return core.InvalidParameter("%v", err)
	}
	return nil
}

// queryInt parses an optional integer query parameter within [min, max]
func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.InvalidParameter("%s must be an integer", name)
	}
	if n < min || n > max {
		return 0, core.InvalidParameter("%s must be in [%d, %d], got %d", name, min, max, n)
	}
	return n, nil
}

// queryBool parses an optional boolean query parameter
func queryBool(r *http.Request, name string, def bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, core.InvalidParameter("%s must be a boolean", name)
	}
	return b, nil
}

func invalidPath(name string) error {
	return fmt.Errorf("%w: missing path parameter %s", core.ErrInvalidParameter, name)
}
