package app

import (
	"context"
	"time"

	"github.com/kevag4/fieldbooking/internal/domain"
)

// Catalog is the read-only facility-catalog collaborator.
type Catalog interface {
	GetFacility(ctx context.Context, id string) (domain.Facility, error)
}

// Notifier hands structured events to the notification-delivery collaborator.
// Publishing is best-effort with respect to the caller's request flow.
type Notifier interface {
	Publish(ctx context.Context, n domain.Notification) error
}

// ChangePublisher is notified on every Slot Ledger mutation so cached
// availability can be invalidated and observers informed.
type ChangePublisher interface {
	OnChange(ctx context.Context, change domain.AvailabilityChange)
}

// GatewayIntentStatus mirrors the gateway's view of a payment intent.
type GatewayIntentStatus string

const (
	IntentAuthorized GatewayIntentStatus = "authorized"
	IntentCaptured   GatewayIntentStatus = "captured"
	IntentCancelled  GatewayIntentStatus = "cancelled"
	IntentFailed     GatewayIntentStatus = "failed"
	IntentExpired    GatewayIntentStatus = "expired"
)

type GatewayIntent struct {
	Ref              string
	Status           GatewayIntentStatus
	AuthorizedAmount int64
	CapturedAmount   int64
	Reason           string
}

// PaymentGateway is the external payment collaborator. Capture routes the
// owner's share to payoutAccount and keeps platformFee in one atomic
// operation; the split must never be two separate calls.
type PaymentGateway interface {
	Authorize(ctx context.Context, reservationID string, amount int64) (GatewayIntent, error)
	Capture(ctx context.Context, intentRef string, amount, platformFee int64, payoutAccount string) error
	Cancel(ctx context.Context, intentRef, reason string) error
	// Refund returns the gateway's identifier for the created refund.
	Refund(ctx context.Context, intentRef string, amount int64, reason string) (string, error)
	GetIntent(ctx context.Context, intentRef string) (GatewayIntent, error)
}

// AvailabilityView is the computed free-slot view for one resource and date.
type AvailabilityView struct {
	ResourceID  string       `json:"resource_id"`
	Date        time.Time    `json:"date"`
	Open        []SlotWindow `json:"open"`
	GeneratedAt time.Time    `json:"generated_at"`
	Stale       bool         `json:"stale"`
}

type SlotWindow struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

// AvailabilityCache stores computed views; Get returns nil on miss.
type AvailabilityCache interface {
	Get(ctx context.Context, resourceID string, date time.Time) (*AvailabilityView, error)
	Set(ctx context.Context, view AvailabilityView) error
	Invalidate(ctx context.Context, resourceID string, date time.Time) error
}

// AvailabilityBroadcaster fans availability deltas out to all connected
// observers across service instances.
type AvailabilityBroadcaster interface {
	Publish(ctx context.Context, change domain.AvailabilityChange) error
	Subscribe(ctx context.Context, resourceID string) (<-chan domain.AvailabilityChange, func(), error)
}
