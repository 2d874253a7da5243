package ingestion

import "time"

// Clock drives the poll loop; tests substitute a manual one.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func RealClock() Clock {
	return realClock{}
}
