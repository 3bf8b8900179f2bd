package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevag4/fieldbooking/internal/domain"
)

// WaitlistRepository persists the per-slot FIFO queue. Positions come from a
// sequence shared across all slots, so comparing them within one slot still
// yields strict arrival order.
type WaitlistRepository struct {
	pool *pgxpool.Pool
}

func NewWaitlistRepository(pool *pgxpool.Pool) *WaitlistRepository {
	return &WaitlistRepository{pool: pool}
}

const waitlistColumns = `id, resource_id, starts_at, ends_at, user_id, position, status,
COALESCE(offer_hold_id::text, ''), offer_expires_at, created_at, updated_at`

func (r *WaitlistRepository) CreateEntry(ctx context.Context, e domain.WaitlistEntry) (domain.WaitlistEntry, error) {
	const stmt = `
INSERT INTO waitlist_entries (id, resource_id, starts_at, ends_at, user_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING position`

	err := r.queryRow(ctx, stmt,
		e.ID, e.ResourceID, e.StartsAt, e.EndsAt, e.UserID, e.Status, e.CreatedAt, e.UpdatedAt,
	).Scan(&e.Position)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WaitlistEntry{}, domain.ErrAlreadyWaitlisted
		}
		if isInvalidUUID(err) {
			return domain.WaitlistEntry{}, domain.ErrInvalidID
		}
		return domain.WaitlistEntry{}, fmt.Errorf("create waitlist entry: %w", err)
	}
	return e, nil
}

func (r *WaitlistRepository) GetEntry(ctx context.Context, id string) (domain.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE id = $1`
	e, err := r.scanEntry(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.WaitlistEntry{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.WaitlistEntry{}, domain.ErrWaitlistEntryNotFound
		}
		return domain.WaitlistEntry{}, fmt.Errorf("get waitlist entry: %w", err)
	}
	return e, nil
}

// NextWaiting returns the head of the queue for the slot. Concurrent readers
// may see the same entry; the offer hold's idempotency key collapses their
// offers into one.
func (r *WaitlistRepository) NextWaiting(ctx context.Context, slot domain.Slot) (*domain.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + `
FROM waitlist_entries
WHERE resource_id = $1 AND starts_at = $2 AND ends_at = $3 AND status = 'WAITING'
ORDER BY position
LIMIT 1`

	e, err := r.scanEntry(r.queryRow(ctx, query, slot.ResourceID, slot.StartsAt, slot.EndsAt))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("next waiting: %w", err)
	}
	return &e, nil
}

func (r *WaitlistRepository) UpdateEntry(ctx context.Context, e domain.WaitlistEntry) error {
	const stmt = `
UPDATE waitlist_entries
SET status = $2, offer_hold_id = NULLIF($3, '')::uuid, offer_expires_at = $4, updated_at = $5
WHERE id = $1`

	tag, err := r.exec(ctx, stmt, e.ID, e.Status, e.OfferHoldID, e.OfferExpiresAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update waitlist entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWaitlistEntryNotFound
	}
	return nil
}

func (r *WaitlistRepository) FindByOfferHold(ctx context.Context, holdID string) (*domain.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + ` FROM waitlist_entries WHERE offer_hold_id = $1`
	e, err := r.scanEntry(r.queryRow(ctx, query, holdID))
	if err != nil {
		if err == pgx.ErrNoRows || isInvalidUUID(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("find by offer hold: %w", err)
	}
	return &e, nil
}

func (r *WaitlistRepository) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]domain.WaitlistEntry, error) {
	query := `SELECT ` + waitlistColumns + `
FROM waitlist_entries
WHERE status = 'OFFERED' AND offer_expires_at IS NOT NULL AND offer_expires_at <= $1
ORDER BY offer_expires_at
LIMIT $2`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired offers: %w", err)
	}
	defer rows.Close()

	var out []domain.WaitlistEntry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired offer: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *WaitlistRepository) ExpirePastSlots(ctx context.Context, now time.Time) (int64, error) {
	const stmt = `
UPDATE waitlist_entries
SET status = 'EXPIRED', updated_at = $1
WHERE status IN ('WAITING', 'OFFERED') AND starts_at <= $1`

	tag, err := r.exec(ctx, stmt, now)
	if err != nil {
		return 0, fmt.Errorf("expire past slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *WaitlistRepository) ExpireOthersForUser(ctx context.Context, userID string, slot domain.Slot, exceptID string) error {
	const stmt = `
UPDATE waitlist_entries
SET status = 'EXPIRED', updated_at = NOW()
WHERE user_id = $1 AND id <> $2 AND status = 'WAITING'
  AND resource_id = $3 AND starts_at < $5 AND ends_at > $4`

	_, err := r.exec(ctx, stmt, userID, exceptID, slot.ResourceID, slot.StartsAt, slot.EndsAt)
	if err != nil {
		return fmt.Errorf("expire others for user: %w", err)
	}
	return nil
}

func (r *WaitlistRepository) scanEntry(row pgx.Row) (domain.WaitlistEntry, error) {
	var e domain.WaitlistEntry
	err := row.Scan(
		&e.ID, &e.ResourceID, &e.StartsAt, &e.EndsAt, &e.UserID, &e.Position, &e.Status,
		&e.OfferHoldID, &e.OfferExpiresAt, &e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (r *WaitlistRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *WaitlistRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *WaitlistRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
