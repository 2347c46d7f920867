package utils

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// WaitForWaiters reports whether clock has at least n waiters (timers,
// tickers or sleepers) within timeout. It lets tests advance a fake clock
// only once the code under test is parked on it.
func WaitForWaiters(clock clockwork.FakeClock, n int, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		clock.BlockUntil(n)
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
	}

	// BlockUntil cannot be cancelled; park n timers to release it, then
	// remove them again.
	parked := make([]clockwork.Timer, 0, n)
	for i := 0; i < n; i++ {
		parked = append(parked, clock.NewTimer(24*time.Hour))
	}
	<-done
	for _, t := range parked {
		t.Stop()
	}
	return false
}
