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

// LedgerRepository persists reservations and holds. Slot exclusivity is
// enforced by the reservations table's EXCLUDE constraint; every write that
// could overlap translates 23P01 into *domain.SlotConflictError.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const reservationColumns = `id, resource_id, user_id, starts_at, ends_at, status, payment_status,
total_amount, version, COALESCE(recurring_group_id::text, ''), idempotency_key, created_at, updated_at`

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(
		&res.ID, &res.ResourceID, &res.UserID, &res.StartsAt, &res.EndsAt,
		&res.Status, &res.PaymentStatus, &res.TotalAmount, &res.Version,
		&res.RecurringGroupID, &res.IdempotencyKey, &res.CreatedAt, &res.UpdatedAt,
	)
	return res, err
}

func (r *LedgerRepository) FindReservationByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE idempotency_key = $1`
	res, err := scanReservation(r.queryRow(ctx, query, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find reservation by idempotency key: %w", err)
	}
	return &res, nil
}

func (r *LedgerRepository) CreateReservation(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, resource_id, user_id, starts_at, ends_at, status, payment_status,
	total_amount, version, recurring_group_id, idempotency_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, '')::uuid, $11, $12, $13)`

	_, err := r.exec(ctx, stmt,
		res.ID, res.ResourceID, res.UserID, res.StartsAt, res.EndsAt,
		res.Status, res.PaymentStatus, res.TotalAmount, res.Version,
		res.RecurringGroupID, res.IdempotencyKey, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		if isExclusionViolation(err) {
			return &domain.SlotConflictError{Requested: res.Slot()}
		}
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create reservation: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	return r.getReservation(ctx, query, id)
}

func (r *LedgerRepository) GetReservationForUpdate(ctx context.Context, id string) (domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1 FOR UPDATE`
	return r.getReservation(ctx, query, id)
}

func (r *LedgerRepository) getReservation(ctx context.Context, query, id string) (domain.Reservation, error) {
	res, err := scanReservation(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Reservation{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return res, nil
}

// UpdateReservation applies r only when the stored version still equals
// expectedVersion. The guarded UPDATE never blocks readers; a stale caller
// gets domain.ErrVersionConflict and the row stays untouched.
func (r *LedgerRepository) UpdateReservation(ctx context.Context, res domain.Reservation, expectedVersion int64) (domain.Reservation, error) {
	const stmt = `
UPDATE reservations
SET starts_at = $3, ends_at = $4, status = $5, payment_status = $6, total_amount = $7,
	recurring_group_id = NULLIF($8, '')::uuid, updated_at = $9, version = version + 1
WHERE id = $1 AND version = $2
RETURNING version`

	err := r.queryRow(ctx, stmt,
		res.ID, expectedVersion, res.StartsAt, res.EndsAt, res.Status,
		res.PaymentStatus, res.TotalAmount, res.RecurringGroupID, res.UpdatedAt,
	).Scan(&res.Version)
	if err != nil {
		if isExclusionViolation(err) {
			return domain.Reservation{}, &domain.SlotConflictError{Requested: res.Slot()}
		}
		if isInvalidUUID(err) {
			return domain.Reservation{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			// Distinguish a missing row from a stale version.
			if _, gerr := r.GetReservation(ctx, res.ID); gerr != nil {
				return domain.Reservation{}, gerr
			}
			return domain.Reservation{}, domain.ErrVersionConflict
		}
		return domain.Reservation{}, fmt.Errorf("update reservation: %w", err)
	}
	return res, nil
}

// ListBusy returns intervals occupied by non-cancelled reservations in
// [from, to). HOLDING rows whose hold already lapsed at now are reported
// free even before the sweep releases them.
func (r *LedgerRepository) ListBusy(ctx context.Context, resourceID string, from, to, now time.Time) ([]domain.Slot, error) {
	const query = `
SELECT r.resource_id, r.starts_at, r.ends_at
FROM reservations r
LEFT JOIN holds h ON h.reservation_id = r.id AND h.status = 'active'
WHERE r.resource_id = $1
  AND r.starts_at < $3 AND r.ends_at > $2
  AND r.status NOT IN ('CANCELLED', 'REJECTED')
  AND (r.status <> 'HOLDING' OR (h.expires_at IS NOT NULL AND h.expires_at > $4))
ORDER BY r.starts_at`

	rows, err := r.query(ctx, query, resourceID, from, to, now)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list busy: %w", err)
	}
	defer rows.Close()

	var out []domain.Slot
	for rows.Next() {
		var s domain.Slot
		if err := rows.Scan(&s.ResourceID, &s.StartsAt, &s.EndsAt); err != nil {
			return nil, fmt.Errorf("scan busy slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const holdColumns = `id, resource_id, reservation_id, owner_id, starts_at, ends_at, status, expires_at, idempotency_key, created_at`

func scanHold(row pgx.Row) (domain.Hold, error) {
	var h domain.Hold
	err := row.Scan(
		&h.ID, &h.ResourceID, &h.ReservationID, &h.OwnerID, &h.StartsAt, &h.EndsAt,
		&h.Status, &h.ExpiresAt, &h.IdempotencyKey, &h.CreatedAt,
	)
	return h, err
}

func (r *LedgerRepository) CreateHold(ctx context.Context, h domain.Hold) error {
	const stmt = `
INSERT INTO holds (id, resource_id, reservation_id, owner_id, starts_at, ends_at, status, expires_at, idempotency_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.exec(ctx, stmt,
		h.ID, h.ResourceID, h.ReservationID, h.OwnerID, h.StartsAt, h.EndsAt,
		h.Status, h.ExpiresAt, h.IdempotencyKey, h.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create hold: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetHold(ctx context.Context, id string) (domain.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE id = $1`
	return r.getHold(ctx, query, id)
}

func (r *LedgerRepository) GetHoldForUpdate(ctx context.Context, id string) (domain.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE id = $1 FOR UPDATE`
	return r.getHold(ctx, query, id)
}

func (r *LedgerRepository) GetHoldByReservation(ctx context.Context, reservationID string) (domain.Hold, error) {
	query := `SELECT ` + holdColumns + ` FROM holds WHERE reservation_id = $1 ORDER BY created_at DESC LIMIT 1`
	return r.getHold(ctx, query, reservationID)
}

func (r *LedgerRepository) getHold(ctx context.Context, query, id string) (domain.Hold, error) {
	h, err := scanHold(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Hold{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Hold{}, domain.ErrHoldNotFound
		}
		return domain.Hold{}, fmt.Errorf("get hold: %w", err)
	}
	return h, nil
}

func (r *LedgerRepository) UpdateHoldStatus(ctx context.Context, id string, status domain.HoldStatus) error {
	tag, err := r.exec(ctx, `UPDATE holds SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("update hold status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrHoldNotFound
	}
	return nil
}

// ListExpiredHolds returns active holds past their expiry. SKIP LOCKED keeps
// concurrent sweepers from stalling on each other's rows.
func (r *LedgerRepository) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]domain.Hold, error) {
	query := `SELECT ` + holdColumns + `
FROM holds
WHERE status = 'active' AND expires_at <= $1
ORDER BY expires_at
LIMIT $2
FOR UPDATE SKIP LOCKED`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", err)
	}
	defer rows.Close()

	var out []domain.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *LedgerRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *LedgerRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *LedgerRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
