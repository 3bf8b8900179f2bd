package clock

import "time"

// Clock abstracts the current time so services can run against a pinned
// instant in tests. Every time it hands out is UTC.
type Clock interface {
	Now() time.Time
}

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

func (f Func) Now() time.Time {
	return f()
}

// NewSystem returns the wall clock.
func NewSystem() Clock {
	return Func(func() time.Time {
		return time.Now().UTC()
	})
}

// NewFixed pins the clock to one instant. Tests that need time to move
// forward rebuild with a later instant.
func NewFixed(t time.Time) Clock {
	at := t.UTC()
	return Func(func() time.Time {
		return at
	})
}
