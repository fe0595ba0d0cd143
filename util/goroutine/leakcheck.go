package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// leakPollInterval is how often the goroutine count is re-checked
const leakPollInterval = 50 * time.Millisecond

// AssertNoLeaks records the goroutine count and, when the test finishes,
// fails it if the count has not returned to that level within 5s. Call it
// first in tests that start schedulers, pools or batch flushers.
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	AssertNoLeaksWithin(t, 5*time.Second)
}

// AssertNoLeaksWithin is AssertNoLeaks with a custom settle timeout
func AssertNoLeaksWithin(t testing.TB, timeout time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()
	t.Cleanup(func() {
		if WaitForCount(before, timeout) {
			return
		}
		current := runtime.NumGoroutine()
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Errorf("goroutine leak: started with %d goroutines, ended with %d\n%s", before, current, buf[:n])
	})
}

// WaitForCount polls until at most target goroutines are running or timeout
// expires. It reports whether the target was reached.
func WaitForCount(target int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if runtime.NumGoroutine() <= target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(leakPollInterval)
	}
}
