package app

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// WaitlistRepository persists the FIFO queue per (resource, slot). Positions
// are assigned by the store and never reused, so any instance can pop
// entries safely.
type WaitlistRepository interface {
	// CreateEntry assigns the next position; a second WAITING entry for the
	// same user and slot yields domain.ErrAlreadyWaitlisted.
	CreateEntry(ctx context.Context, e domain.WaitlistEntry) (domain.WaitlistEntry, error)
	GetEntry(ctx context.Context, id string) (domain.WaitlistEntry, error)
	// NextWaiting returns the WAITING entry with the lowest position for the
	// slot, or nil when the queue is empty.
	NextWaiting(ctx context.Context, slot domain.Slot) (*domain.WaitlistEntry, error)
	UpdateEntry(ctx context.Context, e domain.WaitlistEntry) error
	FindByOfferHold(ctx context.Context, holdID string) (*domain.WaitlistEntry, error)
	ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.WaitlistEntry, error)
	// ExpirePastSlots marks WAITING and OFFERED entries whose slot start has
	// passed as EXPIRED, returning how many were touched.
	ExpirePastSlots(ctx context.Context, now time.Time) (int64, error)
	// ExpireOthersForUser expires the user's other WAITING entries
	// overlapping the slot after a successful conversion.
	ExpireOthersForUser(ctx context.Context, userID string, slot domain.Slot, exceptID string) error
}

// holdRequester is the slice of HoldService the waitlist needs to open offer
// holds.
type holdRequester interface {
	RequestHold(ctx context.Context, in RequestHoldInput) (domain.Hold, error)
}

type WaitlistService struct {
	repo     WaitlistRepository
	holds    holdRequester
	notifier Notifier
	clock    clock.Clock
	log      *logrus.Entry
	offerTTL time.Duration
}

const defaultOfferTTL = 15 * time.Minute

func NewWaitlistService(repo WaitlistRepository, holds holdRequester, notifier Notifier, clk clock.Clock, offerTTL time.Duration) *WaitlistService {
	if offerTTL <= 0 {
		offerTTL = defaultOfferTTL
	}
	return &WaitlistService{
		repo:     repo,
		holds:    holds,
		notifier: notifier,
		clock:    clk,
		log:      logrus.WithField("component", "waitlist"),
		offerTTL: offerTTL,
	}
}

type JoinWaitlistInput struct {
	ResourceID     string
	StartsAt       time.Time
	EndsAt         time.Time
	UserID         string
	IdempotencyKey string
}

// Join appends the requester to the queue for the slot. The position is
// assigned by the store; joining twice returns the existing entry's error.
func (s *WaitlistService) Join(ctx context.Context, in JoinWaitlistInput) (domain.WaitlistEntry, error) {
	if in.IdempotencyKey == "" {
		return domain.WaitlistEntry{}, domain.ErrIdempotencyKeyRequired
	}
	if in.ResourceID == "" || in.UserID == "" {
		return domain.WaitlistEntry{}, domain.ErrInvalidID
	}
	if !in.StartsAt.Before(in.EndsAt) {
		return domain.WaitlistEntry{}, domain.ErrInvalidSlot
	}
	now := s.clock.Now()
	if !in.StartsAt.After(now) {
		return domain.WaitlistEntry{}, domain.ErrInvalidSlot
	}

	entry := domain.WaitlistEntry{
		ID:         newID(),
		ResourceID: in.ResourceID,
		StartsAt:   in.StartsAt,
		EndsAt:     in.EndsAt,
		UserID:     in.UserID,
		Status:     domain.WaitlistStatusWaiting,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return s.repo.CreateEntry(ctx, entry)
}

// OfferNext pops the lowest-position WAITING entry for a freed slot,
// transitions it to OFFERED with a time-boxed hold, and notifies the
// requester. An empty queue is not an error.
func (s *WaitlistService) OfferNext(ctx context.Context, slot domain.Slot) error {
	now := s.clock.Now()
	if !slot.StartsAt.After(now) {
		return nil // the slot already started; nothing to offer
	}

	// No transaction spans the pop and the hold request. Concurrent offers
	// for the same entry collapse on the offer hold's idempotency key, and
	// the ledger's exclusion constraint keeps the slot single-owner.
	entry, err := s.repo.NextWaiting(ctx, slot)
	if err != nil || entry == nil {
		return err
	}

	hold, err := s.holds.RequestHold(ctx, RequestHoldInput{
		ResourceID:     slot.ResourceID,
		OwnerID:        entry.UserID,
		StartsAt:       slot.StartsAt,
		EndsAt:         slot.EndsAt,
		IdempotencyKey: "waitlist-offer-" + entry.ID,
		HoldTTL:        s.offerTTL,
	})
	if err != nil {
		var conflict *domain.SlotConflictError
		if errors.As(err, &conflict) {
			// Someone grabbed the slot between cancel and offer. The entry
			// stays WAITING for the next release.
			return nil
		}
		return err
	}

	expires := hold.ExpiresAt
	entry.Status = domain.WaitlistStatusOffered
	entry.OfferHoldID = hold.ID
	entry.OfferExpiresAt = &expires
	entry.UpdatedAt = now
	if err := s.repo.UpdateEntry(ctx, *entry); err != nil {
		return err
	}

	if err := s.notifier.Publish(ctx, domain.Notification{
		Type:        domain.NotifyWaitlistOffer,
		RecipientID: entry.UserID,
		Payload: map[string]string{
			"hold_id":     hold.ID,
			"resource_id": slot.ResourceID,
			"expires_at":  expires.UTC().Format(time.RFC3339),
		},
		OccurredAt: now,
	}); err != nil {
		s.log.WithError(err).WithField("entry_id", entry.ID).Warn("offer notification failed")
	}
	return nil
}

// MarkConverted resolves the entry behind a promoted offer hold and expires
// the requester's other entries for the same slot. Unknown hold IDs are
// ordinary (non-offer) holds and are ignored.
func (s *WaitlistService) MarkConverted(ctx context.Context, holdID, userID string) error {
	entry, err := s.repo.FindByOfferHold(ctx, holdID)
	if err != nil {
		return err
	}
	if entry == nil || entry.Status != domain.WaitlistStatusOffered {
		return nil
	}
	now := s.clock.Now()
	entry.Status = domain.WaitlistStatusConverted
	entry.UpdatedAt = now
	if err := s.repo.UpdateEntry(ctx, *entry); err != nil {
		return err
	}
	return s.repo.ExpireOthersForUser(ctx, userID, entry.Slot(), entry.ID)
}

// ExpireDueOffers walks offers whose hold lapsed unconverted, expires them
// and moves the offer to the next entry in line, repeating per slot until a
// queue is empty or an offer sticks.
func (s *WaitlistService) ExpireDueOffers(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.ListExpiredOffers(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, e := range due {
		e.Status = domain.WaitlistStatusExpired
		e.UpdatedAt = now
		if err := s.repo.UpdateEntry(ctx, e); err != nil {
			return expired, err
		}
		expired++
		// Cascade to the next waiting entry for the same slot.
		if err := s.OfferNext(ctx, e.Slot()); err != nil {
			s.log.WithError(err).WithField("entry_id", e.ID).Warn("cascade offer failed")
		}
	}
	return expired, nil
}

// ExpirePastSlots retires entries whose slot start has passed.
func (s *WaitlistService) ExpirePastSlots(ctx context.Context) (int64, error) {
	return s.repo.ExpirePastSlots(ctx, s.clock.Now())
}
