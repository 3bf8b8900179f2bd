package app

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/domain"
	"github.com/kevag4/fieldbooking/internal/policy"
)

// WaitlistHooks is how the reservation flow reaches the waitlist processor:
// a freed slot triggers the next offer, a promoted offer hold marks its entry
// converted.
type WaitlistHooks interface {
	OfferNext(ctx context.Context, slot domain.Slot) error
	MarkConverted(ctx context.Context, holdID, userID string) error
}

// ReservationService owns reservation lifecycle transitions after the hold
// phase: promotion, manual confirmation, cancellation with refund, and slot
// modification. Every mutation requires the version the caller last observed.
type ReservationService struct {
	ledger       LedgerRepository
	catalog      Catalog
	orchestrator *PaymentOrchestrator
	waitlist     WaitlistHooks
	publisher    ChangePublisher
	notifier     Notifier
	clock        clock.Clock
	log          *logrus.Entry
}

func NewReservationService(
	ledger LedgerRepository,
	catalog Catalog,
	orchestrator *PaymentOrchestrator,
	waitlist WaitlistHooks,
	publisher ChangePublisher,
	notifier Notifier,
	clk clock.Clock,
) *ReservationService {
	return &ReservationService{
		ledger:       ledger,
		catalog:      catalog,
		orchestrator: orchestrator,
		waitlist:     waitlist,
		publisher:    publisher,
		notifier:     notifier,
		clock:        clk,
		log:          logrus.WithField("component", "reservation_service"),
	}
}

// PromoteHold turns an unexpired hold into a pending reservation and drives
// the synchronous authorize (and, in instant mode, capture) path. A hold past
// its expiry is rejected with domain.ErrHoldExpired and stays released.
func (s *ReservationService) PromoteHold(ctx context.Context, holdID string) (domain.Reservation, error) {
	now := s.clock.Now()

	var hold domain.Hold
	var res domain.Reservation
	err := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		hold, err = s.ledger.GetHoldForUpdate(txCtx, holdID)
		if err != nil {
			return err
		}
		res, err = s.ledger.GetReservationForUpdate(txCtx, hold.ReservationID)
		if err != nil {
			return err
		}
		if hold.Status == domain.HoldStatusPromoted {
			return nil // idempotent replay
		}
		if hold.Expired(now) || hold.Status != domain.HoldStatusActive {
			return domain.ErrHoldExpired
		}
		if err := s.ledger.UpdateHoldStatus(txCtx, hold.ID, domain.HoldStatusPromoted); err != nil {
			return err
		}
		res.Status = domain.ReservationStatusPendingConfirmation
		res.UpdatedAt = now
		res, err = s.ledger.UpdateReservation(txCtx, res, res.Version)
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	if hold.Status == domain.HoldStatusPromoted {
		return res, nil
	}

	fac, err := s.catalog.GetFacility(ctx, res.ResourceID)
	if err != nil {
		return domain.Reservation{}, err
	}

	payment, err := s.orchestrator.StartPayment(ctx, res, fac)
	if err != nil {
		s.rejectAfterPaymentFailure(ctx, res, hold)
		return domain.Reservation{}, err
	}

	res, err = s.applyPaymentOutcome(ctx, res, payment, fac)
	if err != nil {
		return domain.Reservation{}, err
	}

	// Converting is a no-op unless the hold came from a waitlist offer.
	if err := s.waitlist.MarkConverted(ctx, hold.ID, res.UserID); err != nil {
		s.log.WithError(err).WithField("hold_id", hold.ID).Warn("waitlist conversion mark failed")
	}
	return res, nil
}

func (s *ReservationService) applyPaymentOutcome(ctx context.Context, res domain.Reservation, payment domain.Payment, fac domain.Facility) (domain.Reservation, error) {
	now := s.clock.Now()
	err := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		res, err = s.ledger.GetReservationForUpdate(txCtx, res.ID)
		if err != nil {
			return err
		}
		res.PaymentStatus = payment.Status
		if payment.Status == domain.PaymentStatusCaptured {
			res.Status = domain.ReservationStatusConfirmed
		}
		res.UpdatedAt = now
		res, err = s.ledger.UpdateReservation(txCtx, res, res.Version)
		return err
	})
	if err != nil {
		return res, err
	}

	if res.Status == domain.ReservationStatusConfirmed {
		s.notify(ctx, domain.NotifyReservationConfirmed, res)
		s.publisher.OnChange(ctx, domain.AvailabilityChange{
			Kind:       domain.AvailabilityReservationConfirmed,
			ResourceID: res.ResourceID,
			StartsAt:   res.StartsAt,
			EndsAt:     res.EndsAt,
			OccurredAt: now,
		})
	}
	return res, nil
}

// rejectAfterPaymentFailure releases the slot when the payment flow failed
// terminally. Errors are logged only; the caller already carries the gateway
// failure.
func (s *ReservationService) rejectAfterPaymentFailure(ctx context.Context, res domain.Reservation, hold domain.Hold) {
	now := s.clock.Now()

	// A failed instant-mode capture leaves the authorization standing at the
	// gateway. Release it now; ErrPaymentNotFound means the authorization
	// itself never went through.
	payStatus := domain.PaymentStatusFailed
	payment, rerr := s.orchestrator.ReleaseOrRefund(ctx, res.ID, 0, "payment failed")
	switch {
	case rerr == nil:
		payStatus = payment.Status
	case errors.Is(rerr, domain.ErrPaymentNotFound):
	default:
		s.log.WithError(rerr).WithField("reservation_id", res.ID).Warn("authorization release failed, left to reconciliation")
	}

	err := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		current, err := s.ledger.GetReservationForUpdate(txCtx, res.ID)
		if err != nil {
			return err
		}
		if !current.Status.Active() || current.Status == domain.ReservationStatusConfirmed {
			return nil
		}
		if err := s.ledger.UpdateHoldStatus(txCtx, hold.ID, domain.HoldStatusReleased); err != nil {
			return err
		}
		current.Status = domain.ReservationStatusRejected
		current.PaymentStatus = payStatus
		current.UpdatedAt = now
		_, err = s.ledger.UpdateReservation(txCtx, current, current.Version)
		return err
	})
	if err != nil {
		s.log.WithError(err).WithField("reservation_id", res.ID).Error("release after payment failure")
		return
	}
	s.notify(ctx, domain.NotifyReservationRejected, res)
	s.publisher.OnChange(ctx, domain.AvailabilityChange{
		Kind:       domain.AvailabilityHoldReleased,
		ResourceID: res.ResourceID,
		StartsAt:   res.StartsAt,
		EndsAt:     res.EndsAt,
		OccurredAt: now,
	})
}

// Confirm captures a manual-mode reservation's authorized funds. The caller
// must present the version it last observed; a mismatch leaves both the
// reservation and the payment untouched.
func (s *ReservationService) Confirm(ctx context.Context, reservationID string, version int64) (domain.Reservation, error) {
	res, err := s.ledger.GetReservation(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if res.Version != version {
		return domain.Reservation{}, domain.ErrVersionConflict
	}
	if res.Status == domain.ReservationStatusConfirmed {
		return res, nil
	}
	if res.Status != domain.ReservationStatusPendingConfirmation {
		return domain.Reservation{}, domain.ErrPaymentState
	}

	fac, err := s.catalog.GetFacility(ctx, res.ResourceID)
	if err != nil {
		return domain.Reservation{}, err
	}
	payment, err := s.orchestrator.Capture(ctx, res.ID, fac)
	if err != nil {
		return domain.Reservation{}, err
	}

	now := s.clock.Now()
	res.Status = domain.ReservationStatusConfirmed
	res.PaymentStatus = payment.Status
	res.UpdatedAt = now
	res, err = s.ledger.UpdateReservation(ctx, res, version)
	if err != nil {
		return domain.Reservation{}, err
	}

	s.notify(ctx, domain.NotifyReservationConfirmed, res)
	s.publisher.OnChange(ctx, domain.AvailabilityChange{
		Kind:       domain.AvailabilityReservationConfirmed,
		ResourceID: res.ResourceID,
		StartsAt:   res.StartsAt,
		EndsAt:     res.EndsAt,
		OccurredAt: now,
	})
	return res, nil
}

type CancelInput struct {
	ReservationID string
	Version       int64
	CancelledBy   policy.CancelledBy
	Reason        string
}

// Cancel soft-cancels a reservation, refunds per the facility's cancellation
// tiers, frees the slot and lets the waitlist claim it. Stale versions are
// rejected with the stored state unchanged.
func (s *ReservationService) Cancel(ctx context.Context, in CancelInput) (domain.Reservation, error) {
	now := s.clock.Now()

	var res domain.Reservation
	var replayed bool
	err := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		res, err = s.ledger.GetReservationForUpdate(txCtx, in.ReservationID)
		if err != nil {
			return err
		}
		if res.Status == domain.ReservationStatusCancelled {
			replayed = true
			return nil
		}
		if !res.Status.Active() {
			return domain.ErrPaymentState
		}
		res.Status = domain.ReservationStatusCancelled
		res.UpdatedAt = now
		res, err = s.ledger.UpdateReservation(txCtx, res, in.Version)
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	// A repeated cancel returns the stored state; the refund already ran the
	// first time and must not run again.
	if replayed {
		return res, nil
	}

	if res.PaymentStatus != domain.PaymentStatusNone {
		refund := s.refundAmount(ctx, res, in.CancelledBy, now)
		payment, err := s.orchestrator.ReleaseOrRefund(ctx, res.ID, refund, in.Reason)
		if err != nil {
			// The reservation is cancelled; the reconciler resolves the
			// payment if the gateway call failed mid-flight.
			s.log.WithError(err).WithField("reservation_id", res.ID).Error("refund failed, left to reconciliation")
		} else {
			res.PaymentStatus = payment.Status
			if updated, uerr := s.ledger.UpdateReservation(ctx, res, res.Version); uerr == nil {
				res = updated
			}
		}
	}

	s.notify(ctx, domain.NotifyReservationCancelled, res)
	s.publisher.OnChange(ctx, domain.AvailabilityChange{
		Kind:       domain.AvailabilityReservationCancelled,
		ResourceID: res.ResourceID,
		StartsAt:   res.StartsAt,
		EndsAt:     res.EndsAt,
		OccurredAt: now,
	})
	if err := s.waitlist.OfferNext(ctx, res.Slot()); err != nil {
		s.log.WithError(err).WithField("resource_id", res.ResourceID).Warn("waitlist offer failed")
	}
	return res, nil
}

func (s *ReservationService) refundAmount(ctx context.Context, res domain.Reservation, by policy.CancelledBy, now time.Time) int64 {
	var tiers []domain.CancellationTier
	if fac, err := s.catalog.GetFacility(ctx, res.ResourceID); err == nil {
		tiers = fac.CancellationTiers
	}
	fee := s.orchestrator.CommissionFor(res.TotalAmount)
	hours := res.StartsAt.Sub(now).Hours()
	return policy.ComputeRefund(res.TotalAmount, fee, tiers, by, hours)
}

type ModifyInput struct {
	ReservationID string
	Version       int64
	StartsAt      time.Time
	EndsAt        time.Time
}

// Modify moves a reservation to a new slot under the same version chain. The
// storage exclusion constraint rejects overlapping targets; the price is
// recomputed unless funds were already captured.
func (s *ReservationService) Modify(ctx context.Context, in ModifyInput) (domain.Reservation, error) {
	if !in.StartsAt.Before(in.EndsAt) {
		return domain.Reservation{}, domain.ErrInvalidSlot
	}
	now := s.clock.Now()

	var res domain.Reservation
	var oldSlot domain.Slot
	err := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		res, err = s.ledger.GetReservationForUpdate(txCtx, in.ReservationID)
		if err != nil {
			return err
		}
		if !res.Status.Active() {
			return domain.ErrPaymentState
		}
		fac, err := s.catalog.GetFacility(txCtx, res.ResourceID)
		if err != nil {
			return err
		}
		newSlot := domain.Slot{ResourceID: res.ResourceID, StartsAt: in.StartsAt, EndsAt: in.EndsAt}
		if err := checkBookingWindow(fac, newSlot, now); err != nil {
			return err
		}
		oldSlot = res.Slot()
		res.StartsAt = in.StartsAt
		res.EndsAt = in.EndsAt
		if res.PaymentStatus != domain.PaymentStatusCaptured && res.PaymentStatus != domain.PaymentStatusRefunded {
			res.TotalAmount = fac.PriceFor(newSlot.Duration())
		}
		res.UpdatedAt = now
		res, err = s.ledger.UpdateReservation(txCtx, res, in.Version)
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	s.publisher.OnChange(ctx, domain.AvailabilityChange{
		Kind:       domain.AvailabilityReservationCancelled,
		ResourceID: oldSlot.ResourceID,
		StartsAt:   oldSlot.StartsAt,
		EndsAt:     oldSlot.EndsAt,
		OccurredAt: now,
	})
	s.publisher.OnChange(ctx, domain.AvailabilityChange{
		Kind:       domain.AvailabilityReservationConfirmed,
		ResourceID: res.ResourceID,
		StartsAt:   res.StartsAt,
		EndsAt:     res.EndsAt,
		OccurredAt: now,
	})
	if err := s.waitlist.OfferNext(ctx, oldSlot); err != nil {
		s.log.WithError(err).Warn("waitlist offer after modify failed")
	}
	return res, nil
}

// AutoCancelOverdue rejects manual-mode reservations whose authorization was
// never confirmed within the capture window, releasing the held funds. Run
// from the sweeper.
func (s *ReservationService) AutoCancelOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.orchestrator.payments.ListOverdueAuthorized(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, p := range overdue {
		res, err := s.ledger.GetReservation(ctx, p.ReservationID)
		if err != nil {
			s.log.WithError(err).WithField("payment_id", p.ID).Warn("auto-cancel: reservation lookup failed")
			continue
		}
		if res.Status != domain.ReservationStatusPendingConfirmation {
			continue
		}
		_, err = s.Cancel(ctx, CancelInput{
			ReservationID: res.ID,
			Version:       res.Version,
			CancelledBy:   policy.CancelledByOwner,
			Reason:        "confirmation timeout",
		})
		if err != nil {
			s.log.WithError(err).WithField("reservation_id", res.ID).Warn("auto-cancel failed")
			continue
		}
		s.log.WithField("reservation_id", res.ID).Info("auto-cancelled unconfirmed reservation")
		cancelled++
	}
	return cancelled, nil
}

func (s *ReservationService) notify(ctx context.Context, t domain.NotificationType, res domain.Reservation) {
	err := s.notifier.Publish(ctx, domain.Notification{
		Type:        t,
		RecipientID: res.UserID,
		Payload:     map[string]string{"reservation_id": res.ID, "resource_id": res.ResourceID},
		OccurredAt:  s.clock.Now(),
	})
	if err != nil {
		s.log.WithError(err).WithField("reservation_id", res.ID).Warn("notification publish failed")
	}
}
