package core

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the pipeline. Callers match them with errors.Is.
var (
	// ErrInvalidParameter is returned when an argument is outside its allowed range
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidTemporalRange is returned when a window starts after it ends
	ErrInvalidTemporalRange = errors.New("invalid temporal range")
	// ErrInsufficientData is returned when too few samples exist for a statistic
	ErrInsufficientData = errors.New("insufficient data")
	// ErrDataIntegrity is returned when computed values violate an invariant
	ErrDataIntegrity = errors.New("data integrity violation")
	// ErrTimeout is returned when a wall-clock budget is exhausted
	ErrTimeout = errors.New("execution budget exceeded")
	// ErrDeliveryFailure is returned when a webhook attempt fails
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrNotFound is returned when a referenced entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict is returned when another run holds the lease
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// UnitError attaches the unit of work (usually an operation type) to an error
type UnitError struct {
	Unit string
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error {
	return e.Err
}

// InvalidParameter builds an ErrInvalidParameter with a description
func InvalidParameter(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, args...))
}

// ErrorKind returns a short label for the error class, used for metrics and API payloads
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, ErrInvalidTemporalRange):
		return "invalid_temporal_range"
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrDataIntegrity):
		return "data_integrity"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrDeliveryFailure):
		return "delivery_failure"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrencyConflict):
		return "concurrency_conflict"
	default:
		return "internal"
	}
}
