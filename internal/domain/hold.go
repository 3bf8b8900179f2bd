package domain

import "time"

type HoldStatus string

const (
	HoldStatusActive   HoldStatus = "active"
	HoldStatusPromoted HoldStatus = "promoted"
	HoldStatusExpired  HoldStatus = "expired"
	HoldStatusReleased HoldStatus = "released"
)

// Hold is a time-boxed claim on a slot between request and payment outcome.
// It shadows a Reservation in status HOLDING; expiry releases the slot.
type Hold struct {
	ID             string
	ResourceID     string
	ReservationID  string
	OwnerID        string // user, or "system" for waitlist offers
	StartsAt       time.Time
	EndsAt         time.Time
	Status         HoldStatus
	ExpiresAt      time.Time
	IdempotencyKey string
	CreatedAt      time.Time
}

func (h Hold) Slot() Slot {
	return Slot{ResourceID: h.ResourceID, StartsAt: h.StartsAt, EndsAt: h.EndsAt}
}

// Expired reports whether the hold can no longer be promoted.
func (h Hold) Expired(now time.Time) bool {
	return h.Status == HoldStatusExpired || !h.ExpiresAt.After(now)
}
