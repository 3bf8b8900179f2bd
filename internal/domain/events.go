package domain

import "time"

// NotificationType enumerates the structured events exposed to the
// notification-delivery collaborator.
type NotificationType string

const (
	NotifyReservationConfirmed NotificationType = "reservation.confirmed"
	NotifyReservationCancelled NotificationType = "reservation.cancelled"
	NotifyReservationRejected  NotificationType = "reservation.rejected"
	NotifyPaymentCaptured      NotificationType = "payment.captured"
	NotifyPaymentRefunded      NotificationType = "payment.refunded"
	NotifyPaymentDisputed      NotificationType = "payment.disputed"
	NotifyWaitlistOffer        NotificationType = "waitlist.offer"
	NotifySeriesPriceUpdated   NotificationType = "series.price_updated"
)

// Notification carries a recipient ID, an event type and a minimal payload.
// Personal data is referenced by ID, never embedded.
type Notification struct {
	Type        NotificationType  `json:"type"`
	RecipientID string            `json:"recipient_id"`
	Payload     map[string]string `json:"payload,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// AvailabilityChangeKind describes what kind of ledger mutation freed or
// occupied a slot.
type AvailabilityChangeKind string

const (
	AvailabilityHoldCreated          AvailabilityChangeKind = "hold_created"
	AvailabilityHoldReleased         AvailabilityChangeKind = "hold_released"
	AvailabilityReservationConfirmed AvailabilityChangeKind = "reservation_confirmed"
	AvailabilityReservationCancelled AvailabilityChangeKind = "reservation_cancelled"
)

// AvailabilityChange is the delta broadcast to availability observers on any
// Slot Ledger mutation.
type AvailabilityChange struct {
	Kind       AvailabilityChangeKind `json:"kind"`
	ResourceID string                 `json:"resource_id"`
	StartsAt   time.Time              `json:"starts_at"`
	EndsAt     time.Time              `json:"ends_at"`
	OccurredAt time.Time              `json:"occurred_at"`
}
