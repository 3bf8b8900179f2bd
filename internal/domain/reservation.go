package domain

import "time"

type ReservationStatus string

const (
	ReservationStatusHolding             ReservationStatus = "HOLDING"
	ReservationStatusPendingConfirmation ReservationStatus = "PENDING_CONFIRMATION"
	ReservationStatusConfirmed           ReservationStatus = "CONFIRMED"
	ReservationStatusCancelled           ReservationStatus = "CANCELLED"
	ReservationStatusCompleted           ReservationStatus = "COMPLETED"
	ReservationStatusRejected            ReservationStatus = "REJECTED"
)

// Active reports whether the reservation still occupies its slot.
// Cancelled and rejected reservations are kept for audit but free the slot.
func (s ReservationStatus) Active() bool {
	return s != ReservationStatusCancelled && s != ReservationStatusRejected
}

// Reservation is the authoritative record of a claim on a resource time-slot.
// Rows are never physically deleted; cancellation is a status transition.
// Version increments on every mutation and callers must present the version
// they last observed (optimistic concurrency).
type Reservation struct {
	ID               string
	ResourceID       string
	UserID           string
	StartsAt         time.Time
	EndsAt           time.Time
	Status           ReservationStatus
	PaymentStatus    PaymentStatus
	TotalAmount      int64 // minor units, single currency
	Version          int64
	RecurringGroupID string // empty when not part of a series
	IdempotencyKey   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (r Reservation) Slot() Slot {
	return Slot{ResourceID: r.ResourceID, StartsAt: r.StartsAt, EndsAt: r.EndsAt}
}
