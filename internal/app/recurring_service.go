package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// RecurringRepository stores series groups and the group index over
// reservations. The group never owns its instances; it is a lookup key.
type RecurringRepository interface {
	CreateGroup(ctx context.Context, g domain.RecurringGroup) error
	GetGroup(ctx context.Context, id string) (domain.RecurringGroup, error)
	ListGroupsByResource(ctx context.Context, resourceID string) ([]domain.RecurringGroup, error)
	SetReservationGroup(ctx context.Context, reservationID, groupID string) error
	// ListAdjustableInstances returns the group's future reservations whose
	// payment state still allows repricing (not CAPTURED, not REFUNDED).
	ListAdjustableInstances(ctx context.Context, groupID string, now time.Time) ([]domain.Reservation, error)
	UpdateInstanceAmount(ctx context.Context, reservationID string, amount int64) error
}

// RecurringService expands weekly-recurrence requests into independent
// reservation instances. Partial success is the expected outcome and is
// reported, never rolled back.
type RecurringService struct {
	repo     RecurringRepository
	holds    holdRequester
	catalog  Catalog
	notifier Notifier
	clock    clock.Clock
	log      *logrus.Entry
}

func NewRecurringService(repo RecurringRepository, holds holdRequester, catalog Catalog, notifier Notifier, clk clock.Clock) *RecurringService {
	return &RecurringService{
		repo:     repo,
		holds:    holds,
		catalog:  catalog,
		notifier: notifier,
		clock:    clk,
		log:      logrus.WithField("component", "recurring"),
	}
}

type CreateSeriesInput struct {
	ResourceID     string
	UserID         string
	Weekday        time.Weekday
	StartTime      time.Duration // offset from midnight UTC
	Duration       time.Duration
	Weeks          int
	IdempotencyKey string
}

// SeriesResult reports per-instance outcomes of a series expansion.
type SeriesResult struct {
	Group      domain.RecurringGroup
	Created    []domain.Hold
	Conflicted []domain.Slot
}

const maxSeriesWeeks = 52

// CreateSeries expands the request into one hold attempt per week. Instances
// that conflict are reported; siblings are unaffected.
func (s *RecurringService) CreateSeries(ctx context.Context, in CreateSeriesInput) (SeriesResult, error) {
	if in.IdempotencyKey == "" {
		return SeriesResult{}, domain.ErrIdempotencyKeyRequired
	}
	if in.ResourceID == "" || in.UserID == "" {
		return SeriesResult{}, domain.ErrInvalidID
	}
	if in.Weeks <= 0 || in.Weeks > maxSeriesWeeks || in.Duration <= 0 {
		return SeriesResult{}, domain.ErrInvalidSlot
	}

	now := s.clock.Now()
	group := domain.RecurringGroup{
		ID:         newID(),
		ResourceID: in.ResourceID,
		UserID:     in.UserID,
		Weekday:    in.Weekday,
		StartTime:  in.StartTime,
		Duration:   in.Duration,
		Weeks:      in.Weeks,
		CreatedAt:  now,
	}
	if err := s.repo.CreateGroup(ctx, group); err != nil {
		return SeriesResult{}, err
	}

	result := SeriesResult{Group: group}
	start := firstOccurrence(now, in.Weekday, in.StartTime)
	for week := 0; week < in.Weeks; week++ {
		startsAt := start.AddDate(0, 0, 7*week)
		endsAt := startsAt.Add(in.Duration)

		hold, err := s.holds.RequestHold(ctx, RequestHoldInput{
			ResourceID:     in.ResourceID,
			OwnerID:        in.UserID,
			StartsAt:       startsAt,
			EndsAt:         endsAt,
			IdempotencyKey: fmt.Sprintf("%s-w%02d", in.IdempotencyKey, week),
		})
		if err != nil {
			var conflict *domain.SlotConflictError
			if errors.As(err, &conflict) {
				result.Conflicted = append(result.Conflicted, conflict.Requested)
				continue
			}
			// Policy violations for individual dates behave like conflicts
			// from the series' point of view: skip, keep siblings.
			if errors.Is(err, domain.ErrMinimumNotice) || errors.Is(err, domain.ErrAdvanceWindow) || errors.Is(err, domain.ErrInvalidSlot) {
				result.Conflicted = append(result.Conflicted, domain.Slot{ResourceID: in.ResourceID, StartsAt: startsAt, EndsAt: endsAt})
				continue
			}
			return result, err
		}
		if err := s.repo.SetReservationGroup(ctx, hold.ReservationID, group.ID); err != nil {
			s.log.WithError(err).WithField("reservation_id", hold.ReservationID).Error("group index update failed")
		}
		result.Created = append(result.Created, hold)
	}
	return result, nil
}

// firstOccurrence returns the first slot start on or after now matching the
// weekday and time of day, in UTC.
func firstOccurrence(now time.Time, weekday time.Weekday, startTime time.Duration) time.Time {
	day := now.UTC().Truncate(24 * time.Hour)
	for i := 0; i < 8; i++ {
		candidate := day.AddDate(0, 0, i)
		if candidate.Weekday() == weekday {
			start := candidate.Add(startTime)
			if start.After(now) {
				return start
			}
		}
	}
	// Unreachable: any 8 consecutive days contain the weekday twice when the
	// first occurrence already passed.
	return day.AddDate(0, 0, 7).Add(startTime)
}

// ApplyPriceChange recomputes the price of future, not-yet-paid instances of
// every series on the facility and emits one coalesced notification per
// series.
func (s *RecurringService) ApplyPriceChange(ctx context.Context, facilityID string) error {
	fac, err := s.catalog.GetFacility(ctx, facilityID)
	if err != nil {
		return err
	}
	now := s.clock.Now()

	groups, err := s.repo.ListGroupsByResource(ctx, facilityID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		instances, err := s.repo.ListAdjustableInstances(ctx, g.ID, now)
		if err != nil {
			return err
		}
		updated := 0
		for _, res := range instances {
			amount := fac.PriceFor(res.Slot().Duration())
			if amount == res.TotalAmount {
				continue
			}
			if err := s.repo.UpdateInstanceAmount(ctx, res.ID, amount); err != nil {
				s.log.WithError(err).WithField("reservation_id", res.ID).Error("instance reprice failed")
				continue
			}
			updated++
		}
		if updated == 0 {
			continue
		}
		// One notification per series, not per instance.
		err = s.notifier.Publish(ctx, domain.Notification{
			Type:        domain.NotifySeriesPriceUpdated,
			RecipientID: g.UserID,
			Payload: map[string]string{
				"group_id":          g.ID,
				"resource_id":       facilityID,
				"updated_instances": fmt.Sprintf("%d", updated),
			},
			OccurredAt: now,
		})
		if err != nil {
			s.log.WithError(err).WithField("group_id", g.ID).Warn("series notification failed")
		}
	}
	return nil
}
