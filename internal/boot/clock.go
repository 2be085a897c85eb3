package boot

import "time"

// Clock is the monotonic timer source.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// SystemClock is a Clock on the host's monotonic clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time                         { return time.Now() }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Pin is the status output line.
type Pin interface {
	High()
	Low()
}

type nopPin struct{}

func (nopPin) High() {}
func (nopPin) Low()  {}
