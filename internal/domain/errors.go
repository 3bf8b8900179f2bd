package domain

import (
	"errors"
	"fmt"
)

var (
	ErrFacilityNotFound       = errors.New("facility not found")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrHoldNotFound           = errors.New("hold not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrWaitlistEntryNotFound  = errors.New("waitlist entry not found")
	ErrHoldExpired            = errors.New("hold expired")
	ErrHoldNotActive          = errors.New("hold is not active")
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrIdempotencyConflict    = errors.New("idempotency conflict")
	ErrVersionConflict        = errors.New("version conflict")
	ErrInvalidSlot            = errors.New("invalid slot")
	ErrInvalidID              = errors.New("invalid id")
	ErrMinimumNotice          = errors.New("slot starts inside the minimum notice window")
	ErrAdvanceWindow          = errors.New("slot starts beyond the advance booking window")
	ErrAlreadyWaitlisted      = errors.New("already on the waitlist for this slot")
	ErrSlotNotFull            = errors.New("slot is still available")
	ErrPaymentState           = errors.New("payment is not in a state allowing this operation")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrInvalidTiers           = errors.New("invalid cancellation tier configuration")
)

// SlotConflictError reports that a requested slot overlaps an existing
// non-cancelled reservation or active hold, with up to three open
// alternatives on the same date.
type SlotConflictError struct {
	Requested    Slot
	Alternatives []Slot
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("slot %s [%s, %s) already held or reserved",
		e.Requested.ResourceID,
		e.Requested.StartsAt.Format("2006-01-02T15:04"),
		e.Requested.EndsAt.Format("15:04"),
	)
}

// GatewayError carries a gateway-provided reason for a terminal payment
// failure. Transient is set when the orchestrator may retry.
type GatewayError struct {
	Reason    string
	Transient bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s", e.Reason)
}
