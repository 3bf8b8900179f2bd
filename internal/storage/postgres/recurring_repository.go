package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevag4/fieldbooking/internal/domain"
)

// RecurringRepository stores series groups. Time-of-day offsets and durations
// are persisted as whole seconds.
type RecurringRepository struct {
	pool *pgxpool.Pool
}

func NewRecurringRepository(pool *pgxpool.Pool) *RecurringRepository {
	return &RecurringRepository{pool: pool}
}

func (r *RecurringRepository) CreateGroup(ctx context.Context, g domain.RecurringGroup) error {
	const stmt = `
INSERT INTO recurring_groups (id, resource_id, user_id, weekday, start_seconds, duration_seconds, weeks, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.pool.Exec(ctx, stmt,
		g.ID, g.ResourceID, g.UserID, int(g.Weekday),
		int64(g.StartTime/time.Second), int64(g.Duration/time.Second), g.Weeks, g.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create recurring group: %w", err)
	}
	return nil
}

func (r *RecurringRepository) GetGroup(ctx context.Context, id string) (domain.RecurringGroup, error) {
	const query = `
SELECT id, resource_id, user_id, weekday, start_seconds, duration_seconds, weeks, created_at
FROM recurring_groups WHERE id = $1`

	g, err := scanGroup(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.RecurringGroup{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.RecurringGroup{}, domain.ErrReservationNotFound
		}
		return domain.RecurringGroup{}, fmt.Errorf("get recurring group: %w", err)
	}
	return g, nil
}

func (r *RecurringRepository) ListGroupsByResource(ctx context.Context, resourceID string) ([]domain.RecurringGroup, error) {
	const query = `
SELECT id, resource_id, user_id, weekday, start_seconds, duration_seconds, weeks, created_at
FROM recurring_groups WHERE resource_id = $1 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list recurring groups: %w", err)
	}
	defer rows.Close()

	var out []domain.RecurringGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recurring group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *RecurringRepository) SetReservationGroup(ctx context.Context, reservationID, groupID string) error {
	const stmt = `UPDATE reservations SET recurring_group_id = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, stmt, reservationID, groupID)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("set reservation group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func (r *RecurringRepository) ListAdjustableInstances(ctx context.Context, groupID string, now time.Time) ([]domain.Reservation, error) {
	const query = `
SELECT r.id, r.resource_id, r.user_id, r.starts_at, r.ends_at, r.status, r.payment_status,
r.total_amount, r.version, COALESCE(r.recurring_group_id::text, ''), r.idempotency_key, r.created_at, r.updated_at
FROM reservations r
LEFT JOIN payments p ON p.reservation_id = r.id
WHERE r.recurring_group_id = $1
  AND r.starts_at > $2
  AND r.status NOT IN ('CANCELLED', 'REJECTED', 'COMPLETED')
  AND (p.id IS NULL OR p.status NOT IN ('CAPTURED', 'REFUNDED', 'PARTIALLY_REFUNDED'))
ORDER BY r.starts_at`

	rows, err := r.pool.Query(ctx, query, groupID, now)
	if err != nil {
		return nil, fmt.Errorf("list adjustable instances: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan adjustable instance: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *RecurringRepository) UpdateInstanceAmount(ctx context.Context, reservationID string, amount int64) error {
	const stmt = `UPDATE reservations SET total_amount = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, stmt, reservationID, amount)
	if err != nil {
		return fmt.Errorf("update instance amount: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

func scanGroup(row pgx.Row) (domain.RecurringGroup, error) {
	var g domain.RecurringGroup
	var weekday int
	var startSec, durSec int64
	err := row.Scan(&g.ID, &g.ResourceID, &g.UserID, &weekday, &startSec, &durSec, &g.Weeks, &g.CreatedAt)
	if err != nil {
		return domain.RecurringGroup{}, err
	}
	g.Weekday = time.Weekday(weekday)
	g.StartTime = time.Duration(startSec) * time.Second
	g.Duration = time.Duration(durSec) * time.Second
	return g, nil
}
