package domain

import "time"

// RecurringGroup indexes the reservations created from one weekly-recurrence
// request. It is a lookup index, not an owner: cancelling an instance never
// touches its siblings through the group.
type RecurringGroup struct {
	ID         string
	ResourceID string
	UserID     string
	Weekday    time.Weekday
	StartTime  time.Duration // offset from midnight UTC
	Duration   time.Duration
	Weeks      int
	CreatedAt  time.Time
}
