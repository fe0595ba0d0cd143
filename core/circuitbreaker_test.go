package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var breakerEpoch = time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

func newTestBreaker(t *testing.T, maxFailures uint32, timeout time.Duration) (*CircuitBreaker, *ManualClock) {
	t.Helper()
	clock := NewManualClock(breakerEpoch)
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:         maxFailures,
		Timeout:             timeout,
		MaxHalfOpenRequests: 1,
	}, clock)
	require.NoError(t, err)
	return cb, clock
}

func TestCircuitBreakerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  CircuitBreakerConfig
		wantErr bool
	}{
		{"defaults", DefaultCircuitBreakerConfig(), false},
		{"zero failures", CircuitBreakerConfig{MaxFailures: 0, Timeout: time.Second, MaxHalfOpenRequests: 1}, true},
		{"zero timeout", CircuitBreakerConfig{MaxFailures: 1, Timeout: 0, MaxHalfOpenRequests: 1}, true},
		{"negative timeout", CircuitBreakerConfig{MaxFailures: 1, Timeout: -time.Second, MaxHalfOpenRequests: 1}, true},
		{"zero probes", CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Second, MaxHalfOpenRequests: 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				_, cbErr := NewCircuitBreaker(tt.config, nil)
				assert.ErrorIs(t, cbErr, ErrInvalidCircuitBreakerConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		_, state := cb.RecordFailure()
		assert.Equal(t, CircuitBreakerStateClosed, state)
	}
	old, state := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateClosed, old)
	assert.Equal(t, CircuitBreakerStateOpen, state)
	assert.Equal(t, uint32(3), cb.Failures())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, uint32(0), cb.Failures())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, time.Minute)
	cb.RecordFailure()
	require.Equal(t, CircuitBreakerStateOpen, cb.State())

	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen, "timeout must be strictly exceeded")

	clock.Advance(time.Second)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitBreakerStateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrTooManyRequests)

	old, state := cb.RecordSuccess()
	assert.Equal(t, CircuitBreakerStateHalfOpen, old)
	assert.Equal(t, CircuitBreakerStateClosed, state)
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, time.Minute)
	cb.RecordFailure()
	clock.Advance(2 * time.Minute)
	require.NoError(t, cb.Allow())

	_, state := cb.RecordFailure()
	assert.Equal(t, CircuitBreakerStateOpen, state)
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)

	clock.Advance(2 * time.Minute)
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(t, 1, time.Hour)
	cb.RecordFailure()
	require.Equal(t, CircuitBreakerStateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Failures())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb, _ := newTestBreaker(t, 1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := cb.Allow(); err != nil && !errors.Is(err, ErrCircuitBreakerOpen) {
					t.Errorf("unexpected error: %v", err)
				}
				if i%2 == 0 {
					cb.RecordFailure()
				} else {
					cb.RecordSuccess()
				}
				_ = cb.State()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())
}

func TestBreakerSet(t *testing.T) {
	clock := NewManualClock(breakerEpoch)
	set, err := NewBreakerSet(CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Minute, MaxHalfOpenRequests: 1}, clock)
	require.NoError(t, err)

	a := set.Get("ep-a")
	assert.Same(t, a, set.Get("ep-a"))
	b := set.Get("ep-b")
	assert.NotSame(t, a, b)

	a.RecordFailure()
	states := set.States()
	assert.Equal(t, map[string]CircuitBreakerState{
		"ep-a": CircuitBreakerStateOpen,
		"ep-b": CircuitBreakerStateClosed,
	}, states)

	_, err = NewBreakerSet(CircuitBreakerConfig{}, clock)
	assert.ErrorIs(t, err, ErrInvalidCircuitBreakerConfig)
}
