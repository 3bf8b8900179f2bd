package domain

import "time"

type ConfirmationMode string

const (
	// ConfirmationInstant authorizes and captures at request time.
	ConfirmationInstant ConfirmationMode = "instant"
	// ConfirmationManual authorizes only; capture waits for an explicit
	// confirm action or times out.
	ConfirmationManual ConfirmationMode = "manual"
)

// CancellationTier maps a "cancelled at least HoursBefore hours before start"
// threshold to a refund percentage of the owner's share.
type CancellationTier struct {
	HoursBefore   int `json:"hours_before" validate:"min=0"`
	RefundPercent int `json:"refund_percent" validate:"min=0,max=100"`
}

// Facility is the read-only resource definition consumed from the catalog
// collaborator. The booking core never mutates it.
type Facility struct {
	ID                string
	OwnerID           string
	OpensAt           time.Duration // offset from midnight UTC
	ClosesAt          time.Duration
	SlotDuration      time.Duration
	BasePrice         int64 // minor units per slot
	ConfirmationMode  ConfirmationMode
	CancellationTiers []CancellationTier // empty means built-in defaults apply
	MinNotice         time.Duration      // reject holds starting sooner than this
	MaxAdvance        time.Duration      // reject holds starting later than this
	PayoutEligible    bool
	PayoutAccount     string
}

// PriceFor computes the facility price for a slot of the given duration,
// pro-rated against the base slot duration.
func (f Facility) PriceFor(d time.Duration) int64 {
	if f.SlotDuration <= 0 {
		return f.BasePrice
	}
	return f.BasePrice * int64(d) / int64(f.SlotDuration)
}
