package app

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// PaymentRepository stores payments and the set of processed gateway event
// IDs. MarkEventProcessed must be atomic with the payment mutation it guards
// (same transaction) so a crash cannot record an event without its effect.
type PaymentRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreatePayment(ctx context.Context, p domain.Payment) error
	GetPaymentByReservation(ctx context.Context, reservationID string) (domain.Payment, error)
	GetPaymentByIntentRef(ctx context.Context, intentRef string) (domain.Payment, error)
	UpdatePayment(ctx context.Context, p domain.Payment) error
	// MarkEventProcessed records the event ID and reports whether this is the
	// first time it was seen.
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
	// ListOverdueAuthorized returns AUTHORIZED payments whose capture
	// deadline has passed.
	ListOverdueAuthorized(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error)
}

// PaymentOrchestrator drives every payment through
// NONE -> AUTHORIZED -> CAPTURED, with refund, failure and dispute branches,
// against an external gateway whose callbacks are the source of truth for
// terminal states.
type PaymentOrchestrator struct {
	payments  PaymentRepository
	ledger    LedgerRepository
	gateway   PaymentGateway
	notifier  Notifier
	publisher ChangePublisher
	clock     clock.Clock
	log       *logrus.Entry

	commissionPct        int
	manualCaptureTimeout time.Duration
	gatewayHoldExpiry    time.Duration
	maxAttempts          int
	retryBase            time.Duration
}

type OrchestratorConfig struct {
	CommissionPercent    int           // platform commission, default 10
	ManualCaptureTimeout time.Duration // policy timeout before auto-cancel, default 24h
	GatewayHoldExpiry    time.Duration // gateway authorization-hold lifetime, default 7d
	MaxAttempts          int           // authorize retries on transient failure
	RetryBase            time.Duration // backoff base
}

func NewPaymentOrchestrator(
	payments PaymentRepository,
	ledger LedgerRepository,
	gateway PaymentGateway,
	notifier Notifier,
	publisher ChangePublisher,
	clk clock.Clock,
	cfg OrchestratorConfig,
) *PaymentOrchestrator {
	if cfg.CommissionPercent <= 0 {
		cfg.CommissionPercent = 10
	}
	if cfg.ManualCaptureTimeout <= 0 {
		cfg.ManualCaptureTimeout = 24 * time.Hour
	}
	if cfg.GatewayHoldExpiry <= 0 {
		cfg.GatewayHoldExpiry = 7 * 24 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	return &PaymentOrchestrator{
		payments:             payments,
		ledger:               ledger,
		gateway:              gateway,
		notifier:             notifier,
		publisher:            publisher,
		clock:                clk,
		log:                  logrus.WithField("component", "payment_orchestrator"),
		commissionPct:        cfg.CommissionPercent,
		manualCaptureTimeout: cfg.ManualCaptureTimeout,
		gatewayHoldExpiry:    cfg.GatewayHoldExpiry,
		maxAttempts:          cfg.MaxAttempts,
		retryBase:            cfg.RetryBase,
	}
}

// captureWindow is the effective manual-capture timeout: the policy value,
// capped so capture completes at least 24h before the gateway's
// authorization hold expires. The cap boundary is inclusive.
func (o *PaymentOrchestrator) captureWindow() time.Duration {
	cap := o.gatewayHoldExpiry - 24*time.Hour
	if cap <= 0 {
		return o.manualCaptureTimeout
	}
	if o.manualCaptureTimeout > cap {
		return cap
	}
	return o.manualCaptureTimeout
}

// CommissionFor computes the platform fee for an amount.
func (o *PaymentOrchestrator) CommissionFor(amount int64) int64 {
	return amount * int64(o.commissionPct) / 100
}

// StartPayment authorizes funds for a reservation and, in instant mode,
// captures them in the same request. The caller blocks on this path; it is
// the only synchronous gateway interaction. Transient gateway failures are
// retried with exponential backoff.
func (o *PaymentOrchestrator) StartPayment(ctx context.Context, res domain.Reservation, fac domain.Facility) (domain.Payment, error) {
	now := o.clock.Now()

	if existing, err := o.payments.GetPaymentByReservation(ctx, res.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.Payment{}, err
	}

	intent, err := o.authorizeWithRetry(ctx, res.ID, res.TotalAmount)
	if err != nil {
		return domain.Payment{}, err
	}

	payment := domain.Payment{
		ID:               newID(),
		ReservationID:    res.ID,
		IntentRef:        intent.Ref,
		AuthorizedAmount: res.TotalAmount,
		PlatformFee:      o.CommissionFor(res.TotalAmount),
		Status:           domain.PaymentStatusAuthorized,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	// Every authorization gets a capture deadline. Instant mode normally
	// clears it a moment later on capture; if that capture fails, the
	// deadline keeps the stranded authorization visible to the reconciler.
	deadline := now.Add(o.captureWindow())
	payment.CaptureDeadline = &deadline

	if err := o.payments.CreatePayment(ctx, payment); err != nil {
		return domain.Payment{}, err
	}

	if fac.ConfirmationMode == domain.ConfirmationInstant {
		if err := o.capture(ctx, &payment, fac); err != nil {
			return payment, err
		}
	}
	return payment, nil
}

func (o *PaymentOrchestrator) authorizeWithRetry(ctx context.Context, reservationID string, amount int64) (GatewayIntent, error) {
	var lastErr error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := o.retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return GatewayIntent{}, ctx.Err()
			case <-time.After(delay):
			}
		}
		intent, err := o.gateway.Authorize(ctx, reservationID, amount)
		if err == nil {
			return intent, nil
		}
		lastErr = err
		var gwErr *domain.GatewayError
		if errors.As(err, &gwErr) && !gwErr.Transient {
			return GatewayIntent{}, err
		}
	}
	return GatewayIntent{}, lastErr
}

// Capture collects authorized funds for a reservation, splitting commission
// and owner payout in a single gateway operation.
func (o *PaymentOrchestrator) Capture(ctx context.Context, reservationID string, fac domain.Facility) (domain.Payment, error) {
	payment, err := o.payments.GetPaymentByReservation(ctx, reservationID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment.Status == domain.PaymentStatusCaptured {
		return payment, nil
	}
	if payment.Status != domain.PaymentStatusAuthorized {
		return payment, domain.ErrPaymentState
	}
	if err := o.capture(ctx, &payment, fac); err != nil {
		return payment, err
	}
	return payment, nil
}

func (o *PaymentOrchestrator) capture(ctx context.Context, p *domain.Payment, fac domain.Facility) error {
	payout := fac.PayoutAccount
	if !fac.PayoutEligible {
		payout = ""
	}
	// Commission and owner share travel in one call; the split is never two
	// separate gateway operations.
	if err := o.gateway.Capture(ctx, p.IntentRef, p.AuthorizedAmount, p.PlatformFee, payout); err != nil {
		return err
	}
	p.Status = domain.PaymentStatusCaptured
	p.CapturedAmount = p.AuthorizedAmount
	p.CaptureDeadline = nil
	p.UpdatedAt = o.clock.Now()
	return o.payments.UpdatePayment(ctx, *p)
}

// ReleaseOrRefund undoes a payment when its reservation is cancelled. An
// uncaptured authorization is cancelled at the gateway (funds released); a
// captured payment is refunded for the given amount. A zero refund amount on
// a captured payment records nothing and leaves the state CAPTURED.
func (o *PaymentOrchestrator) ReleaseOrRefund(ctx context.Context, reservationID string, amount int64, reason string) (domain.Payment, error) {
	payment, err := o.payments.GetPaymentByReservation(ctx, reservationID)
	if err != nil {
		return domain.Payment{}, err
	}
	now := o.clock.Now()

	switch payment.Status {
	case domain.PaymentStatusAuthorized:
		if err := o.gateway.Cancel(ctx, payment.IntentRef, reason); err != nil {
			return payment, err
		}
		payment.Status = domain.PaymentStatusRefunded
		payment.CaptureDeadline = nil
	case domain.PaymentStatusCaptured, domain.PaymentStatusPartiallyRefunded:
		if amount <= 0 {
			return payment, nil
		}
		if amount > payment.CapturedAmount-payment.RefundedTotal() {
			amount = payment.CapturedAmount - payment.RefundedTotal()
		}
		ref, err := o.gateway.Refund(ctx, payment.IntentRef, amount, reason)
		if err != nil {
			return payment, err
		}
		payment.Refunds = append(payment.Refunds, domain.Refund{Ref: ref, Amount: amount, Reason: reason, At: now})
		if payment.RefundedTotal() >= payment.CapturedAmount-payment.PlatformFee {
			payment.Status = domain.PaymentStatusRefunded
		} else {
			payment.Status = domain.PaymentStatusPartiallyRefunded
		}
	case domain.PaymentStatusRefunded, domain.PaymentStatusFailed:
		return payment, nil
	default:
		return payment, domain.ErrPaymentState
	}

	payment.UpdatedAt = now
	if err := o.payments.UpdatePayment(ctx, payment); err != nil {
		return payment, err
	}
	return payment, nil
}

// HandleGatewayEvent applies one asynchronous gateway callback. Processing is
// idempotent: the event ID is recorded in the same transaction as the state
// change, and duplicates are ignored. Out-of-order deliveries that would move
// the state backwards are also ignored.
func (o *PaymentOrchestrator) HandleGatewayEvent(ctx context.Context, ev domain.GatewayEvent) error {
	if ev.ID == "" || ev.IntentRef == "" {
		return domain.ErrInvalidID
	}
	now := o.clock.Now()

	var applied bool
	var payment domain.Payment
	err := o.payments.WithTx(ctx, func(txCtx context.Context) error {
		first, err := o.payments.MarkEventProcessed(txCtx, ev.ID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		payment, err = o.payments.GetPaymentByIntentRef(txCtx, ev.IntentRef)
		if err != nil {
			return err
		}
		applied = applyGatewayEvent(&payment, ev, now)
		if !applied {
			return nil
		}
		return o.payments.UpdatePayment(txCtx, payment)
	})
	if err != nil || !applied {
		return err
	}
	return o.settleReservation(ctx, payment, ev)
}

// applyGatewayEvent is the pure transition function of the payment state
// machine. It returns false when the event carries no new information for the
// current state, which makes replay and out-of-order delivery uniform no-ops.
func applyGatewayEvent(p *domain.Payment, ev domain.GatewayEvent, now time.Time) bool {
	switch ev.Type {
	case domain.GatewayEventAuthorizationSucceeded:
		// StartPayment already recorded the authorization; only a FAILED
		// payment recovering out-of-order would change here.
		return false
	case domain.GatewayEventCaptureSucceeded:
		if p.Status == domain.PaymentStatusCaptured || p.Status == domain.PaymentStatusRefunded || p.Status == domain.PaymentStatusPartiallyRefunded {
			return false
		}
		p.Status = domain.PaymentStatusCaptured
		if ev.Amount > 0 {
			p.CapturedAmount = ev.Amount
		} else {
			p.CapturedAmount = p.AuthorizedAmount
		}
		p.CaptureDeadline = nil
	case domain.GatewayEventAuthorizationFailed:
		if p.Status != domain.PaymentStatusAuthorized && p.Status != domain.PaymentStatusNone {
			return false
		}
		p.Status = domain.PaymentStatusFailed
		p.CaptureDeadline = nil
	case domain.GatewayEventAuthorizationExpired, domain.GatewayEventIntentCancelled:
		if p.Status != domain.PaymentStatusAuthorized {
			return false
		}
		p.Status = domain.PaymentStatusRefunded
		p.CaptureDeadline = nil
	case domain.GatewayEventRefundSucceeded:
		// Match on the gateway refund identifier only. Two legitimate refunds
		// may share amount and reason.
		for _, r := range p.Refunds {
			if r.Ref != "" && r.Ref == ev.RefundRef {
				return false // already recorded synchronously
			}
		}
		p.Refunds = append(p.Refunds, domain.Refund{Ref: ev.RefundRef, Amount: ev.Amount, Reason: ev.Reason, At: ev.OccurredAt})
		if p.RefundedTotal() >= p.CapturedAmount-p.PlatformFee {
			p.Status = domain.PaymentStatusRefunded
		} else {
			p.Status = domain.PaymentStatusPartiallyRefunded
		}
	case domain.GatewayEventDisputeOpened:
		if p.Disputed {
			return false
		}
		p.Disputed = true
		p.Status = domain.PaymentStatusDisputed
	default:
		return false
	}
	p.UpdatedAt = now
	return true
}

// settleReservation propagates a payment transition onto the reservation and
// emits the corresponding notification and availability change.
func (o *PaymentOrchestrator) settleReservation(ctx context.Context, payment domain.Payment, ev domain.GatewayEvent) error {
	now := o.clock.Now()
	var res domain.Reservation
	err := o.ledger.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		res, err = o.ledger.GetReservationForUpdate(txCtx, payment.ReservationID)
		if err != nil {
			return err
		}
		res.PaymentStatus = payment.Status
		switch ev.Type {
		case domain.GatewayEventCaptureSucceeded:
			if res.Status == domain.ReservationStatusPendingConfirmation || res.Status == domain.ReservationStatusHolding {
				res.Status = domain.ReservationStatusConfirmed
			}
		case domain.GatewayEventAuthorizationFailed, domain.GatewayEventAuthorizationExpired:
			if res.Status.Active() && res.Status != domain.ReservationStatusConfirmed {
				res.Status = domain.ReservationStatusRejected
			}
		}
		res.UpdatedAt = now
		_, err = o.ledger.UpdateReservation(txCtx, res, res.Version)
		return err
	})
	if err != nil {
		return err
	}

	switch ev.Type {
	case domain.GatewayEventCaptureSucceeded:
		o.notify(ctx, domain.NotifyPaymentCaptured, res)
		o.publisher.OnChange(ctx, domain.AvailabilityChange{
			Kind:       domain.AvailabilityReservationConfirmed,
			ResourceID: res.ResourceID,
			StartsAt:   res.StartsAt,
			EndsAt:     res.EndsAt,
			OccurredAt: now,
		})
	case domain.GatewayEventAuthorizationFailed, domain.GatewayEventAuthorizationExpired:
		o.notify(ctx, domain.NotifyReservationRejected, res)
		o.publisher.OnChange(ctx, domain.AvailabilityChange{
			Kind:       domain.AvailabilityHoldReleased,
			ResourceID: res.ResourceID,
			StartsAt:   res.StartsAt,
			EndsAt:     res.EndsAt,
			OccurredAt: now,
		})
	case domain.GatewayEventRefundSucceeded:
		o.notify(ctx, domain.NotifyPaymentRefunded, res)
	case domain.GatewayEventDisputeOpened:
		o.notify(ctx, domain.NotifyPaymentDisputed, res)
	}
	return nil
}

func (o *PaymentOrchestrator) notify(ctx context.Context, t domain.NotificationType, res domain.Reservation) {
	err := o.notifier.Publish(ctx, domain.Notification{
		Type:        t,
		RecipientID: res.UserID,
		Payload:     map[string]string{"reservation_id": res.ID},
		OccurredAt:  o.clock.Now(),
	})
	if err != nil {
		o.log.WithError(err).WithField("reservation_id", res.ID).Warn("notification publish failed")
	}
}

// Reconcile scans payments whose state disagrees with elapsed time and
// resolves them by querying the gateway directly. Unambiguous cases are
// corrected (capture already happened at the gateway, or the authorization
// ran out); anything else is flagged for manual review. Every correction is
// logged.
func (o *PaymentOrchestrator) Reconcile(ctx context.Context, limit int) (int, error) {
	now := o.clock.Now()
	overdue, err := o.payments.ListOverdueAuthorized(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, p := range overdue {
		intent, err := o.gateway.GetIntent(ctx, p.IntentRef)
		if err != nil {
			o.log.WithError(err).WithField("payment_id", p.ID).Warn("reconcile: gateway lookup failed")
			continue
		}
		log := o.log.WithFields(logrus.Fields{
			"payment_id":     p.ID,
			"reservation_id": p.ReservationID,
			"intent_status":  intent.Status,
		})

		switch intent.Status {
		case IntentCaptured:
			// The gateway captured but the callback never landed. Replay it
			// through the normal event path.
			ev := domain.GatewayEvent{
				ID:         "reconcile-capture-" + p.IntentRef,
				Type:       domain.GatewayEventCaptureSucceeded,
				IntentRef:  p.IntentRef,
				Amount:     intent.CapturedAmount,
				OccurredAt: now,
			}
			if err := o.HandleGatewayEvent(ctx, ev); err != nil {
				log.WithError(err).Error("reconcile: capture replay failed")
				continue
			}
			log.Info("reconcile: marked captured from gateway state")
			corrected++
		case IntentAuthorized:
			// Still authorized past the deadline: cancel and release.
			if err := o.gateway.Cancel(ctx, p.IntentRef, "capture deadline exceeded"); err != nil {
				log.WithError(err).Error("reconcile: cancel failed")
				continue
			}
			ev := domain.GatewayEvent{
				ID:         "reconcile-cancel-" + p.IntentRef,
				Type:       domain.GatewayEventAuthorizationExpired,
				IntentRef:  p.IntentRef,
				OccurredAt: now,
			}
			if err := o.HandleGatewayEvent(ctx, ev); err != nil {
				log.WithError(err).Error("reconcile: cancel replay failed")
				continue
			}
			log.Info("reconcile: cancelled overdue authorization")
			corrected++
		case IntentCancelled, IntentExpired:
			ev := domain.GatewayEvent{
				ID:         "reconcile-expired-" + p.IntentRef,
				Type:       domain.GatewayEventAuthorizationExpired,
				IntentRef:  p.IntentRef,
				OccurredAt: now,
			}
			if err := o.HandleGatewayEvent(ctx, ev); err != nil {
				log.WithError(err).Error("reconcile: expiry replay failed")
				continue
			}
			log.Info("reconcile: recorded gateway-side release")
			corrected++
		default:
			// Never silently dropped: flag and keep the row visible.
			p.NeedsReview = true
			p.UpdatedAt = now
			if err := o.payments.UpdatePayment(ctx, p); err != nil {
				log.WithError(err).Error("reconcile: flagging failed")
				continue
			}
			log.Warn("reconcile: ambiguous gateway state, flagged for manual review")
		}
	}
	return corrected, nil
}
