package timer

import (
	"time"
)

// Ticker counts ticks of fixed resolution elapsed since it was created. Unlike a
// time.Ticker, it doesn't need a goroutine: the count is derived from the monotonic
// clock on every call.
type Ticker struct {
	epoch      time.Time
	resolution time.Duration
}

func New(resolution time.Duration) Ticker {
	if resolution <= 0 {
		resolution = time.Millisecond
	}

	return Ticker{
		epoch:      time.Now(),
		resolution: resolution,
	}
}

// Ticks returns the number of whole ticks elapsed.
func (t Ticker) Ticks() uint64 {
	return uint64(time.Since(t.epoch) / t.resolution)
}
