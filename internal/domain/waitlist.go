package domain

import "time"

type WaitlistStatus string

const (
	WaitlistStatusWaiting   WaitlistStatus = "WAITING"
	WaitlistStatusOffered   WaitlistStatus = "OFFERED"
	WaitlistStatusExpired   WaitlistStatus = "EXPIRED"
	WaitlistStatusConverted WaitlistStatus = "CONVERTED"
)

// WaitlistEntry is one place in the FIFO queue for a (resource, slot).
// Position is assigned on join and never reused; offers go strictly in
// position order.
type WaitlistEntry struct {
	ID             string
	ResourceID     string
	StartsAt       time.Time
	EndsAt         time.Time
	UserID         string
	Position       int64
	Status         WaitlistStatus
	OfferHoldID    string
	OfferExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (e WaitlistEntry) Slot() Slot {
	return Slot{ResourceID: e.ResourceID, StartsAt: e.StartsAt, EndsAt: e.EndsAt}
}
