package tradepost

import "time"

// Clock abstracts time lookup and timer scheduling so connection-manager tests
// can drive heartbeat, pong-deadline, and reconnect timers without real sleeps.
type Clock interface {
	Now() time.Time
	// AfterFunc schedules f to run on its own goroutine after d and returns a
	// handle that can cancel it.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the
	// callback from firing.
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
