package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kevag4/fieldbooking/internal/domain"
)

// testNow is the instant every fixed-clock test starts from: a Thursday.
var testNow = time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)

func testFacility() domain.Facility {
	return domain.Facility{
		ID:               "court-1",
		OwnerID:          "owner-1",
		OpensAt:          8 * time.Hour,
		ClosesAt:         22 * time.Hour,
		SlotDuration:     time.Hour,
		BasePrice:        5000,
		ConfirmationMode: domain.ConfirmationInstant,
		MaxAdvance:       90 * 24 * time.Hour,
		PayoutEligible:   true,
		PayoutAccount:    "acct_court1",
	}
}

// fakeLedger is an in-memory LedgerRepository that mimics the storage
// exclusion constraint: inserting or moving a reservation over an active
// overlapping row fails with a SlotConflictError.
type fakeLedger struct {
	mu           sync.Mutex
	reservations map[string]domain.Reservation
	holds        map[string]domain.Hold
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		reservations: make(map[string]domain.Reservation),
		holds:        make(map[string]domain.Hold),
	}
}

func (f *fakeLedger) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeLedger) FindReservationByIdempotencyKey(_ context.Context, key string) (*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reservations {
		if r.IdempotencyKey == key {
			res := r
			return &res, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) overlapsActive(r domain.Reservation) bool {
	for _, other := range f.reservations {
		if other.ID == r.ID || other.ResourceID != r.ResourceID || !other.Status.Active() {
			continue
		}
		if r.StartsAt.Before(other.EndsAt) && other.StartsAt.Before(r.EndsAt) {
			return true
		}
	}
	return false
}

func (f *fakeLedger) CreateReservation(_ context.Context, r domain.Reservation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.reservations {
		if other.IdempotencyKey == r.IdempotencyKey {
			return domain.ErrIdempotencyConflict
		}
	}
	if r.Status.Active() && f.overlapsActive(r) {
		return &domain.SlotConflictError{Requested: r.Slot()}
	}
	f.reservations[r.ID] = r
	return nil
}

func (f *fakeLedger) GetReservation(_ context.Context, id string) (domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return r, nil
}

func (f *fakeLedger) GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error) {
	return f.GetReservation(ctx, id)
}

func (f *fakeLedger) UpdateReservation(_ context.Context, r domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.reservations[r.ID]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if stored.Version != expectedVersion {
		return domain.Reservation{}, domain.ErrVersionConflict
	}
	if r.Status.Active() && f.overlapsActive(r) {
		return domain.Reservation{}, &domain.SlotConflictError{Requested: r.Slot()}
	}
	r.Version = expectedVersion + 1
	f.reservations[r.ID] = r
	return r, nil
}

func (f *fakeLedger) ListBusy(_ context.Context, resourceID string, from, to, _ time.Time) ([]domain.Slot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Slot
	for _, r := range f.reservations {
		if r.ResourceID != resourceID || !r.Status.Active() {
			continue
		}
		if r.StartsAt.Before(to) && from.Before(r.EndsAt) {
			out = append(out, r.Slot())
		}
	}
	return out, nil
}

func (f *fakeLedger) CreateHold(_ context.Context, h domain.Hold) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.holds[h.ID] = h
	return nil
}

func (f *fakeLedger) GetHold(_ context.Context, id string) (domain.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[id]
	if !ok {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return h, nil
}

func (f *fakeLedger) GetHoldForUpdate(ctx context.Context, id string) (domain.Hold, error) {
	return f.GetHold(ctx, id)
}

func (f *fakeLedger) GetHoldByReservation(_ context.Context, reservationID string) (domain.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.holds {
		if h.ReservationID == reservationID {
			return h, nil
		}
	}
	return domain.Hold{}, domain.ErrHoldNotFound
}

func (f *fakeLedger) UpdateHoldStatus(_ context.Context, id string, status domain.HoldStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.holds[id]
	if !ok {
		return domain.ErrHoldNotFound
	}
	h.Status = status
	f.holds[id] = h
	return nil
}

func (f *fakeLedger) ListExpiredHolds(_ context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Hold
	for _, h := range f.holds {
		if h.Status == domain.HoldStatusActive && !h.ExpiresAt.After(now) {
			out = append(out, h)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type fakeCatalog struct {
	facilities map[string]domain.Facility
}

func (f *fakeCatalog) GetFacility(_ context.Context, id string) (domain.Facility, error) {
	fac, ok := f.facilities[id]
	if !ok {
		return domain.Facility{}, domain.ErrFacilityNotFound
	}
	return fac, nil
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []domain.AvailabilityChange
}

func (f *fakePublisher) OnChange(_ context.Context, change domain.AvailabilityChange) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, change)
}

func (f *fakePublisher) kinds() []domain.AvailabilityChangeKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.AvailabilityChangeKind, 0, len(f.changes))
	for _, c := range f.changes {
		out = append(out, c.Kind)
	}
	return out
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (f *fakeNotifier) Publish(_ context.Context, n domain.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) types() []domain.NotificationType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.NotificationType, 0, len(f.sent))
	for _, n := range f.sent {
		out = append(out, n.Type)
	}
	return out
}

// fakePayments is an in-memory PaymentRepository with a processed-event set.
type fakePayments struct {
	mu       sync.Mutex
	payments map[string]domain.Payment
	events   map[string]bool
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		payments: make(map[string]domain.Payment),
		events:   make(map[string]bool),
	}
}

func (f *fakePayments) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (f *fakePayments) CreatePayment(_ context.Context, p domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = p
	return nil
}

func (f *fakePayments) GetPaymentByReservation(_ context.Context, reservationID string) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.ReservationID == reservationID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (f *fakePayments) GetPaymentByIntentRef(_ context.Context, intentRef string) (domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.IntentRef == intentRef {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (f *fakePayments) UpdatePayment(_ context.Context, p domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.payments[p.ID]; !ok {
		return domain.ErrPaymentNotFound
	}
	f.payments[p.ID] = p
	return nil
}

func (f *fakePayments) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events[eventID] {
		return false, nil
	}
	f.events[eventID] = true
	return true, nil
}

func (f *fakePayments) ListOverdueAuthorized(_ context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Payment
	for _, p := range f.payments {
		if p.Status == domain.PaymentStatusAuthorized && !p.NeedsReview &&
			p.CaptureDeadline != nil && !p.CaptureDeadline.After(now) {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type captureCall struct {
	intentRef     string
	amount        int64
	platformFee   int64
	payoutAccount string
}

// fakeGateway scripts the payment collaborator. Unset hooks succeed.
type fakeGateway struct {
	mu sync.Mutex

	authorizeErr  error
	authorizeErrs []error // consumed one per attempt when set
	captureErr    error
	cancelErr     error
	refundErr     error
	intent        GatewayIntent
	intentErr     error

	authorizeCalls int
	captures       []captureCall
	cancels        []string
	refunds        []int64
}

func (f *fakeGateway) Authorize(_ context.Context, reservationID string, amount int64) (GatewayIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authorizeCalls++
	if len(f.authorizeErrs) > 0 {
		err := f.authorizeErrs[0]
		f.authorizeErrs = f.authorizeErrs[1:]
		if err != nil {
			return GatewayIntent{}, err
		}
	} else if f.authorizeErr != nil {
		return GatewayIntent{}, f.authorizeErr
	}
	return GatewayIntent{
		Ref:              "intent-" + reservationID,
		Status:           IntentAuthorized,
		AuthorizedAmount: amount,
	}, nil
}

func (f *fakeGateway) Capture(_ context.Context, intentRef string, amount, platformFee int64, payoutAccount string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captures = append(f.captures, captureCall{intentRef, amount, platformFee, payoutAccount})
	return nil
}

func (f *fakeGateway) Cancel(_ context.Context, intentRef, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancels = append(f.cancels, intentRef)
	return nil
}

func (f *fakeGateway) Refund(_ context.Context, _ string, amount int64, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return "", f.refundErr
	}
	f.refunds = append(f.refunds, amount)
	return fmt.Sprintf("refund-%d", len(f.refunds)), nil
}

func (f *fakeGateway) GetIntent(_ context.Context, _ string) (GatewayIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.intent, f.intentErr
}

// fakeWaitlistRepo assigns positions from a shared counter, as the store
// sequence does.
type fakeWaitlistRepo struct {
	mu      sync.Mutex
	entries map[string]domain.WaitlistEntry
	nextPos int64
}

func newFakeWaitlistRepo() *fakeWaitlistRepo {
	return &fakeWaitlistRepo{entries: make(map[string]domain.WaitlistEntry)}
}

func (f *fakeWaitlistRepo) CreateEntry(_ context.Context, e domain.WaitlistEntry) (domain.WaitlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, other := range f.entries {
		if other.UserID == e.UserID && other.Status == domain.WaitlistStatusWaiting &&
			other.ResourceID == e.ResourceID && other.StartsAt.Equal(e.StartsAt) && other.EndsAt.Equal(e.EndsAt) {
			return domain.WaitlistEntry{}, domain.ErrAlreadyWaitlisted
		}
	}
	f.nextPos++
	e.Position = f.nextPos
	f.entries[e.ID] = e
	return e, nil
}

func (f *fakeWaitlistRepo) GetEntry(_ context.Context, id string) (domain.WaitlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return domain.WaitlistEntry{}, domain.ErrWaitlistEntryNotFound
	}
	return e, nil
}

func (f *fakeWaitlistRepo) NextWaiting(_ context.Context, slot domain.Slot) (*domain.WaitlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *domain.WaitlistEntry
	for _, e := range f.entries {
		if e.Status != domain.WaitlistStatusWaiting || e.ResourceID != slot.ResourceID ||
			!e.StartsAt.Equal(slot.StartsAt) || !e.EndsAt.Equal(slot.EndsAt) {
			continue
		}
		entry := e
		if best == nil || entry.Position < best.Position {
			best = &entry
		}
	}
	return best, nil
}

func (f *fakeWaitlistRepo) UpdateEntry(_ context.Context, e domain.WaitlistEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[e.ID]; !ok {
		return domain.ErrWaitlistEntryNotFound
	}
	f.entries[e.ID] = e
	return nil
}

func (f *fakeWaitlistRepo) FindByOfferHold(_ context.Context, holdID string) (*domain.WaitlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.OfferHoldID == holdID {
			entry := e
			return &entry, nil
		}
	}
	return nil, nil
}

func (f *fakeWaitlistRepo) ListExpiredOffers(_ context.Context, now time.Time, limit int) ([]domain.WaitlistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.WaitlistEntry
	for _, e := range f.entries {
		if e.Status == domain.WaitlistStatusOffered && e.OfferExpiresAt != nil && !e.OfferExpiresAt.After(now) {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeWaitlistRepo) ExpirePastSlots(_ context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, e := range f.entries {
		if (e.Status == domain.WaitlistStatusWaiting || e.Status == domain.WaitlistStatusOffered) && !e.StartsAt.After(now) {
			e.Status = domain.WaitlistStatusExpired
			f.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (f *fakeWaitlistRepo) ExpireOthersForUser(_ context.Context, userID string, slot domain.Slot, exceptID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, e := range f.entries {
		if e.UserID != userID || e.ID == exceptID || e.Status != domain.WaitlistStatusWaiting {
			continue
		}
		if e.ResourceID == slot.ResourceID && e.StartsAt.Before(slot.EndsAt) && slot.StartsAt.Before(e.EndsAt) {
			e.Status = domain.WaitlistStatusExpired
			f.entries[id] = e
		}
	}
	return nil
}

// noopWaitlist satisfies WaitlistHooks for tests that don't exercise the
// waitlist path.
type noopWaitlist struct {
	offered   []domain.Slot
	converted []string
}

func (n *noopWaitlist) OfferNext(_ context.Context, slot domain.Slot) error {
	n.offered = append(n.offered, slot)
	return nil
}

func (n *noopWaitlist) MarkConverted(_ context.Context, holdID, _ string) error {
	n.converted = append(n.converted, holdID)
	return nil
}

type fakeRecurringRepo struct {
	mu        sync.Mutex
	groups    map[string]domain.RecurringGroup
	resGroups map[string]string
	instances map[string][]domain.Reservation
	amounts   map[string]int64
}

func newFakeRecurringRepo() *fakeRecurringRepo {
	return &fakeRecurringRepo{
		groups:    make(map[string]domain.RecurringGroup),
		resGroups: make(map[string]string),
		instances: make(map[string][]domain.Reservation),
		amounts:   make(map[string]int64),
	}
}

func (f *fakeRecurringRepo) CreateGroup(_ context.Context, g domain.RecurringGroup) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[g.ID] = g
	return nil
}

func (f *fakeRecurringRepo) GetGroup(_ context.Context, id string) (domain.RecurringGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return domain.RecurringGroup{}, domain.ErrReservationNotFound
	}
	return g, nil
}

func (f *fakeRecurringRepo) ListGroupsByResource(_ context.Context, resourceID string) ([]domain.RecurringGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RecurringGroup
	for _, g := range f.groups {
		if g.ResourceID == resourceID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeRecurringRepo) SetReservationGroup(_ context.Context, reservationID, groupID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resGroups[reservationID] = groupID
	return nil
}

func (f *fakeRecurringRepo) ListAdjustableInstances(_ context.Context, groupID string, _ time.Time) ([]domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[groupID], nil
}

func (f *fakeRecurringRepo) UpdateInstanceAmount(_ context.Context, reservationID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.amounts[reservationID] = amount
	return nil
}

// fakeCache records availability cache traffic.
type fakeCache struct {
	mu          sync.Mutex
	views       map[string]AvailabilityView
	invalidated []string
	signal      chan struct{}
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		views:  make(map[string]AvailabilityView),
		signal: make(chan struct{}, 16),
	}
}

func cacheKey(resourceID string, date time.Time) string {
	return resourceID + "|" + date.UTC().Format("2006-01-02")
}

func (f *fakeCache) Get(_ context.Context, resourceID string, date time.Time) (*AvailabilityView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[cacheKey(resourceID, date)]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (f *fakeCache) Set(_ context.Context, view AvailabilityView) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.views[cacheKey(view.ResourceID, view.Date)] = view
	return nil
}

func (f *fakeCache) Invalidate(_ context.Context, resourceID string, date time.Time) error {
	f.mu.Lock()
	key := cacheKey(resourceID, date)
	delete(f.views, key)
	f.invalidated = append(f.invalidated, key)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
	return nil
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []domain.AvailabilityChange
	subs      []chan domain.AvailabilityChange
	signal    chan struct{}
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{signal: make(chan struct{}, 16)}
}

func (f *fakeBroadcaster) Publish(_ context.Context, change domain.AvailabilityChange) error {
	f.mu.Lock()
	f.published = append(f.published, change)
	for _, ch := range f.subs {
		select {
		case ch <- change:
		default:
		}
	}
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeBroadcaster) Subscribe(_ context.Context, _ string) (<-chan domain.AvailabilityChange, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.AvailabilityChange, 16)
	f.subs = append(f.subs, ch)
	return ch, func() {}, nil
}
