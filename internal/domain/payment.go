package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusNone              PaymentStatus = "NONE"
	PaymentStatusAuthorized        PaymentStatus = "AUTHORIZED"
	PaymentStatusCaptured          PaymentStatus = "CAPTURED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusDisputed          PaymentStatus = "DISPUTED"
)

// Refund is one entry in a payment's refund history. Ref is the gateway's
// identifier for the refund and is the key duplicate callbacks are matched on.
type Refund struct {
	Ref    string    `json:"ref,omitempty"`
	Amount int64     `json:"amount"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Payment tracks the financial side of exactly one reservation. It is created
// on the first authorization attempt, updated by gateway callbacks, and never
// deleted. CaptureDeadline bounds how long a manual-mode authorization may sit
// uncaptured before the reconciler cancels it.
type Payment struct {
	ID               string
	ReservationID    string
	IntentRef        string // external payment-intent reference
	AuthorizedAmount int64
	CapturedAmount   int64
	PlatformFee      int64
	Status           PaymentStatus
	Refunds          []Refund
	Disputed         bool
	NeedsReview      bool // set by the reconciler when the correct action is ambiguous
	CaptureDeadline  *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RefundedTotal sums the refund history.
func (p Payment) RefundedTotal() int64 {
	var total int64
	for _, r := range p.Refunds {
		total += r.Amount
	}
	return total
}

// GatewayEventType enumerates asynchronous gateway callback outcomes.
type GatewayEventType string

const (
	GatewayEventAuthorizationSucceeded GatewayEventType = "authorization.succeeded"
	GatewayEventAuthorizationFailed    GatewayEventType = "authorization.failed"
	GatewayEventAuthorizationExpired   GatewayEventType = "authorization.expired"
	GatewayEventCaptureSucceeded       GatewayEventType = "capture.succeeded"
	GatewayEventRefundSucceeded        GatewayEventType = "refund.succeeded"
	GatewayEventDisputeOpened          GatewayEventType = "dispute.opened"
	GatewayEventIntentCancelled        GatewayEventType = "intent.cancelled"
)

// GatewayEvent is one asynchronous callback from the payment gateway. The ID
// is unique per delivery attempt chain; duplicates must be ignored.
type GatewayEvent struct {
	ID         string
	Type       GatewayEventType
	IntentRef  string
	RefundRef  string // set on refund.succeeded, identifies the refund itself
	Amount     int64
	Reason     string
	OccurredAt time.Time
}
