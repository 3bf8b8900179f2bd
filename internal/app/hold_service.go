package app

import (
	"context"
	"errors"
	"time"

	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// LedgerRepository is the storage contract for the slot ledger: reservations
// and the holds that shadow them. The store, not the application, is the
// source of truth for conflict prevention; CreateReservation returns a
// *domain.SlotConflictError when the slot overlaps an active row.
type LedgerRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	FindReservationByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error)
	CreateReservation(ctx context.Context, r domain.Reservation) error
	GetReservation(ctx context.Context, id string) (domain.Reservation, error)
	GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error)
	// UpdateReservation persists r only when the stored version still equals
	// expectedVersion, bumping the version by one. A mismatch yields
	// domain.ErrVersionConflict and leaves the row untouched.
	UpdateReservation(ctx context.Context, r domain.Reservation, expectedVersion int64) (domain.Reservation, error)
	// ListBusy returns the intervals occupied by non-cancelled reservations
	// in [from, to). Hold liveness is judged against the caller's now.
	ListBusy(ctx context.Context, resourceID string, from, to, now time.Time) ([]domain.Slot, error)
	CreateHold(ctx context.Context, h domain.Hold) error
	GetHold(ctx context.Context, id string) (domain.Hold, error)
	GetHoldForUpdate(ctx context.Context, id string) (domain.Hold, error)
	GetHoldByReservation(ctx context.Context, reservationID string) (domain.Hold, error)
	UpdateHoldStatus(ctx context.Context, id string, status domain.HoldStatus) error
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error)
}

type HoldService struct {
	ledger    LedgerRepository
	catalog   Catalog
	clock     clock.Clock
	publisher ChangePublisher
	holdTTL   time.Duration
}

const defaultHoldTTL = 5 * time.Minute

// maxAlternatives caps how many open slots a conflict response suggests.
const maxAlternatives = 3

func NewHoldService(ledger LedgerRepository, catalog Catalog, clk clock.Clock, publisher ChangePublisher, opts ...HoldServiceOption) *HoldService {
	svc := &HoldService{
		ledger:    ledger,
		catalog:   catalog,
		clock:     clk,
		publisher: publisher,
		holdTTL:   defaultHoldTTL,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type HoldServiceOption func(*HoldService)

// WithHoldTTL overrides the default TTL for new holds.
func WithHoldTTL(d time.Duration) HoldServiceOption {
	return func(s *HoldService) {
		if d > 0 {
			s.holdTTL = d
		}
	}
}

type RequestHoldInput struct {
	ResourceID     string
	OwnerID        string
	StartsAt       time.Time
	EndsAt         time.Time
	IdempotencyKey string
	// HoldTTL overrides the service default, used for waitlist offer holds.
	HoldTTL time.Duration
}

// RequestHold validates the slot against the facility's booking windows and
// records a tentative hold plus its shadowing HOLDING reservation. The
// overlap check and insertion are atomic at the storage level; on conflict
// the returned error carries up to three open alternatives on the same date.
// Repeated calls with the same idempotency key return the original hold.
func (s *HoldService) RequestHold(ctx context.Context, in RequestHoldInput) (domain.Hold, error) {
	if in.IdempotencyKey == "" {
		return domain.Hold{}, domain.ErrIdempotencyKeyRequired
	}
	if in.ResourceID == "" || in.OwnerID == "" {
		return domain.Hold{}, domain.ErrInvalidID
	}
	if !in.StartsAt.Before(in.EndsAt) {
		return domain.Hold{}, domain.ErrInvalidSlot
	}

	now := s.clock.Now()
	slot := domain.Slot{ResourceID: in.ResourceID, StartsAt: in.StartsAt, EndsAt: in.EndsAt}

	if existing, err := s.ledger.FindReservationByIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
		return domain.Hold{}, err
	} else if existing != nil {
		return s.replayHold(ctx, *existing, slot)
	}

	fac, err := s.catalog.GetFacility(ctx, in.ResourceID)
	if err != nil {
		return domain.Hold{}, err
	}
	if err := checkBookingWindow(fac, slot, now); err != nil {
		return domain.Hold{}, err
	}

	ttl := s.holdTTL
	if in.HoldTTL > 0 {
		ttl = in.HoldTTL
	}

	reservation := domain.Reservation{
		ID:             newID(),
		ResourceID:     in.ResourceID,
		UserID:         in.OwnerID,
		StartsAt:       in.StartsAt,
		EndsAt:         in.EndsAt,
		Status:         domain.ReservationStatusHolding,
		PaymentStatus:  domain.PaymentStatusNone,
		TotalAmount:    fac.PriceFor(slot.Duration()),
		Version:        1,
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	hold := domain.Hold{
		ID:             newID(),
		ResourceID:     in.ResourceID,
		ReservationID:  reservation.ID,
		OwnerID:        in.OwnerID,
		StartsAt:       in.StartsAt,
		EndsAt:         in.EndsAt,
		Status:         domain.HoldStatusActive,
		ExpiresAt:      now.Add(ttl),
		IdempotencyKey: in.IdempotencyKey,
		CreatedAt:      now,
	}

	err = s.ledger.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.ledger.CreateReservation(txCtx, reservation); err != nil {
			return err
		}
		return s.ledger.CreateHold(txCtx, hold)
	})
	if err != nil {
		var conflict *domain.SlotConflictError
		if errors.As(err, &conflict) {
			// A concurrent retry with the same key may have won the race.
			if existing, ferr := s.ledger.FindReservationByIdempotencyKey(ctx, in.IdempotencyKey); ferr == nil && existing != nil {
				return s.replayHold(ctx, *existing, slot)
			}
			conflict.Alternatives = s.alternatives(ctx, fac, slot, now)
			return domain.Hold{}, conflict
		}
		return domain.Hold{}, err
	}

	s.publisher.OnChange(ctx, domain.AvailabilityChange{
		Kind:       domain.AvailabilityHoldCreated,
		ResourceID: slot.ResourceID,
		StartsAt:   slot.StartsAt,
		EndsAt:     slot.EndsAt,
		OccurredAt: now,
	})
	return hold, nil
}

// replayHold resolves an idempotent retry against the reservation the
// original request created.
func (s *HoldService) replayHold(ctx context.Context, existing domain.Reservation, slot domain.Slot) (domain.Hold, error) {
	if existing.ResourceID != slot.ResourceID || !existing.StartsAt.Equal(slot.StartsAt) || !existing.EndsAt.Equal(slot.EndsAt) {
		return domain.Hold{}, domain.ErrIdempotencyConflict
	}
	return s.ledger.GetHoldByReservation(ctx, existing.ID)
}

// alternatives scans the facility's availability windows minus busy intervals
// and suggests open slots of the same duration on the same date. Failures
// here degrade the conflict response, they never fail the request.
func (s *HoldService) alternatives(ctx context.Context, fac domain.Facility, slot domain.Slot, now time.Time) []domain.Slot {
	date := slot.Date()
	busy, err := s.ledger.ListBusy(ctx, slot.ResourceID, date, date.Add(24*time.Hour), now)
	if err != nil {
		return nil
	}

	step := fac.SlotDuration
	if step <= 0 {
		step = slot.Duration()
	}

	var out []domain.Slot
	for _, w := range openWindows(fac, date, busy) {
		for start := w.StartsAt; !start.Add(slot.Duration()).After(w.EndsAt); start = start.Add(step) {
			candidate := domain.Slot{ResourceID: slot.ResourceID, StartsAt: start, EndsAt: start.Add(slot.Duration())}
			if candidate.StartsAt.Equal(slot.StartsAt) || !candidate.StartsAt.After(now) {
				continue
			}
			out = append(out, candidate)
			if len(out) == maxAlternatives {
				return out
			}
		}
	}
	return out
}

// ExpireDue expires active holds whose TTL has passed, rejecting their
// shadow reservations and releasing the slots. It returns the freed slots so
// the caller can drive waitlist offers, and processes at most limit holds.
func (s *HoldService) ExpireDue(ctx context.Context, limit int) ([]domain.Slot, error) {
	now := s.clock.Now()
	due, err := s.ledger.ListExpiredHolds(ctx, now, limit)
	if err != nil {
		return nil, err
	}

	var freed []domain.Slot
	for _, h := range due {
		err := s.ledger.WithTx(ctx, func(txCtx context.Context) error {
			current, err := s.ledger.GetHoldForUpdate(txCtx, h.ID)
			if err != nil {
				return err
			}
			if current.Status != domain.HoldStatusActive || current.ExpiresAt.After(now) {
				return nil // resolved concurrently
			}
			if err := s.ledger.UpdateHoldStatus(txCtx, current.ID, domain.HoldStatusExpired); err != nil {
				return err
			}
			res, err := s.ledger.GetReservationForUpdate(txCtx, current.ReservationID)
			if err != nil {
				return err
			}
			if res.Status == domain.ReservationStatusHolding {
				res.Status = domain.ReservationStatusRejected
				res.UpdatedAt = now
				if _, err := s.ledger.UpdateReservation(txCtx, res, res.Version); err != nil {
					return err
				}
			}
			freed = append(freed, current.Slot())
			return nil
		})
		if err != nil {
			return freed, err
		}
	}

	for _, slot := range freed {
		s.publisher.OnChange(ctx, domain.AvailabilityChange{
			Kind:       domain.AvailabilityHoldReleased,
			ResourceID: slot.ResourceID,
			StartsAt:   slot.StartsAt,
			EndsAt:     slot.EndsAt,
			OccurredAt: now,
		})
	}
	return freed, nil
}

// checkBookingWindow enforces the facility's opening hours, minimum notice
// and maximum advance window for a requested slot.
func checkBookingWindow(fac domain.Facility, slot domain.Slot, now time.Time) error {
	if slot.StartsAt.Before(now) {
		return domain.ErrInvalidSlot
	}
	date := slot.Date()
	opens := date.Add(fac.OpensAt)
	closes := date.Add(fac.ClosesAt)
	if slot.StartsAt.Before(opens) || slot.EndsAt.After(closes) {
		return domain.ErrInvalidSlot
	}
	if fac.MinNotice > 0 && slot.StartsAt.Before(now.Add(fac.MinNotice)) {
		return domain.ErrMinimumNotice
	}
	if fac.MaxAdvance > 0 && slot.StartsAt.After(now.Add(fac.MaxAdvance)) {
		return domain.ErrAdvanceWindow
	}
	return nil
}
