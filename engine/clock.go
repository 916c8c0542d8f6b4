package engine

import "time"

// Clock abstracts the deadline comparisons so tests can simulate elapsed
// time instead of sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock is the wall clock used in production.
var SystemClock Clock = systemClock{}
