package app

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// AvailabilityService keeps the cached availability view consistent with the
// slot ledger and fans ledger mutations out to observers. Cache and broadcast
// work happens off the caller's request path.
type AvailabilityService struct {
	ledger      LedgerRepository
	catalog     Catalog
	cache       AvailabilityCache
	broadcaster AvailabilityBroadcaster
	clock       clock.Clock
	log         *logrus.Entry
	opTimeout   time.Duration
}

func NewAvailabilityService(ledger LedgerRepository, catalog Catalog, cache AvailabilityCache, broadcaster AvailabilityBroadcaster, clk clock.Clock) *AvailabilityService {
	return &AvailabilityService{
		ledger:      ledger,
		catalog:     catalog,
		cache:       cache,
		broadcaster: broadcaster,
		clock:       clk,
		log:         logrus.WithField("component", "availability"),
		opTimeout:   2 * time.Second,
	}
}

// OnChange invalidates the cached view for the affected resource and date and
// broadcasts the delta. It returns immediately; the caller's hold/confirm
// path never waits on cache or broadcast I/O.
func (s *AvailabilityService) OnChange(_ context.Context, change domain.AvailabilityChange) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
		defer cancel()

		date := domain.Slot{StartsAt: change.StartsAt}.Date()
		if err := s.cache.Invalidate(ctx, change.ResourceID, date); err != nil {
			s.log.WithError(err).WithField("resource_id", change.ResourceID).Warn("cache invalidation failed")
		}
		if err := s.broadcaster.Publish(ctx, change); err != nil {
			s.log.WithError(err).WithField("resource_id", change.ResourceID).Warn("availability broadcast failed")
		}
	}()
}

// Query returns the availability view for a resource and date. Cached views
// are served with Stale=true; misses are computed from the ledger and cached.
func (s *AvailabilityService) Query(ctx context.Context, resourceID string, date time.Time) (AvailabilityView, error) {
	date = domain.Slot{StartsAt: date}.Date()

	if cached, err := s.cache.Get(ctx, resourceID, date); err != nil {
		s.log.WithError(err).Warn("availability cache read failed")
	} else if cached != nil {
		cached.Stale = true
		return *cached, nil
	}

	view, err := s.Snapshot(ctx, resourceID, date)
	if err != nil {
		return AvailabilityView{}, err
	}
	if err := s.cache.Set(ctx, view); err != nil {
		s.log.WithError(err).Warn("availability cache write failed")
	}
	return view, nil
}

// Snapshot computes the authoritative view straight from the ledger,
// bypassing the cache. Used on observer connect and cache miss.
func (s *AvailabilityService) Snapshot(ctx context.Context, resourceID string, date time.Time) (AvailabilityView, error) {
	date = domain.Slot{StartsAt: date}.Date()
	fac, err := s.catalog.GetFacility(ctx, resourceID)
	if err != nil {
		return AvailabilityView{}, err
	}
	busy, err := s.ledger.ListBusy(ctx, resourceID, date, date.Add(24*time.Hour), s.clock.Now())
	if err != nil {
		return AvailabilityView{}, err
	}

	view := AvailabilityView{
		ResourceID:  resourceID,
		Date:        date,
		GeneratedAt: s.clock.Now(),
	}
	for _, w := range openWindows(fac, date, busy) {
		view.Open = append(view.Open, SlotWindow{StartsAt: w.StartsAt, EndsAt: w.EndsAt})
	}
	return view, nil
}

// Subscribe opens a live availability feed for a resource: the returned
// snapshot reflects the ledger at connect time, subsequent deltas arrive on
// the channel. Reconnecting observers call Subscribe again and start from a
// fresh snapshot instead of replaying missed deltas.
func (s *AvailabilityService) Subscribe(ctx context.Context, resourceID string, date time.Time) (AvailabilityView, <-chan domain.AvailabilityChange, func(), error) {
	changes, stop, err := s.broadcaster.Subscribe(ctx, resourceID)
	if err != nil {
		return AvailabilityView{}, nil, nil, err
	}
	snapshot, err := s.Snapshot(ctx, resourceID, date)
	if err != nil {
		stop()
		return AvailabilityView{}, nil, nil, err
	}
	return snapshot, changes, stop, nil
}

// openWindows subtracts busy intervals from the facility's opening hours on
// the given date. Busy intervals may overlap each other; the result is the
// sorted set of maximal free intervals.
func openWindows(fac domain.Facility, date time.Time, busy []domain.Slot) []domain.Slot {
	opens := date.Add(fac.OpensAt)
	closes := date.Add(fac.ClosesAt)
	if !opens.Before(closes) {
		return nil
	}

	sorted := make([]domain.Slot, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartsAt.Before(sorted[j].StartsAt) })

	var out []domain.Slot
	cursor := opens
	for _, b := range sorted {
		if !b.EndsAt.After(cursor) || !b.StartsAt.Before(closes) {
			continue
		}
		if b.StartsAt.After(cursor) {
			out = append(out, domain.Slot{ResourceID: fac.ID, StartsAt: cursor, EndsAt: b.StartsAt})
		}
		if b.EndsAt.After(cursor) {
			cursor = b.EndsAt
		}
	}
	if cursor.Before(closes) {
		out = append(out, domain.Slot{ResourceID: fac.ID, StartsAt: cursor, EndsAt: closes})
	}
	return out
}
