package domain

import "time"

// Slot is one bookable interval on a resource. Intervals are half-open:
// [StartsAt, EndsAt).
type Slot struct {
	ResourceID string
	StartsAt   time.Time
	EndsAt     time.Time
}

// Overlaps reports whether two slots on the same resource intersect.
func (s Slot) Overlaps(other Slot) bool {
	if s.ResourceID != other.ResourceID {
		return false
	}
	return s.StartsAt.Before(other.EndsAt) && other.StartsAt.Before(s.EndsAt)
}

// Date returns the slot's calendar date in UTC.
func (s Slot) Date() time.Time {
	y, m, d := s.StartsAt.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s Slot) Duration() time.Duration {
	return s.EndsAt.Sub(s.StartsAt)
}
