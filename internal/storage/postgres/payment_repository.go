package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevag4/fieldbooking/internal/domain"
)

// PaymentRepository stores payments and the processed-event set used to
// deduplicate gateway callbacks. Refund history travels as a JSONB column;
// it is append-only and small.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

func (r *PaymentRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const paymentColumns = `id, reservation_id, intent_ref, authorized_amount, captured_amount,
platform_fee, status, refunds, disputed, needs_review, capture_deadline, created_at, updated_at`

func (r *PaymentRepository) CreatePayment(ctx context.Context, p domain.Payment) error {
	refunds, err := json.Marshal(p.Refunds)
	if err != nil {
		return fmt.Errorf("marshal refunds: %w", err)
	}
	const stmt = `
INSERT INTO payments (id, reservation_id, intent_ref, authorized_amount, captured_amount,
	platform_fee, status, refunds, disputed, needs_review, capture_deadline, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err = r.exec(ctx, stmt,
		p.ID, p.ReservationID, p.IntentRef, p.AuthorizedAmount, p.CapturedAmount,
		p.PlatformFee, p.Status, refunds, p.Disputed, p.NeedsReview, p.CaptureDeadline,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrIdempotencyConflict
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetPaymentByReservation(ctx context.Context, reservationID string) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE reservation_id = $1`
	return r.getPayment(ctx, query, reservationID)
}

func (r *PaymentRepository) GetPaymentByIntentRef(ctx context.Context, intentRef string) (domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE intent_ref = $1 FOR UPDATE`
	return r.getPayment(ctx, query, intentRef)
}

func (r *PaymentRepository) getPayment(ctx context.Context, query, arg string) (domain.Payment, error) {
	var p domain.Payment
	var refunds []byte
	err := r.queryRow(ctx, query, arg).Scan(
		&p.ID, &p.ReservationID, &p.IntentRef, &p.AuthorizedAmount, &p.CapturedAmount,
		&p.PlatformFee, &p.Status, &refunds, &p.Disputed, &p.NeedsReview, &p.CaptureDeadline,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Payment{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	if len(refunds) > 0 {
		if err := json.Unmarshal(refunds, &p.Refunds); err != nil {
			return domain.Payment{}, fmt.Errorf("unmarshal refunds: %w", err)
		}
	}
	return p, nil
}

func (r *PaymentRepository) UpdatePayment(ctx context.Context, p domain.Payment) error {
	refunds, err := json.Marshal(p.Refunds)
	if err != nil {
		return fmt.Errorf("marshal refunds: %w", err)
	}
	const stmt = `
UPDATE payments
SET captured_amount = $2, status = $3, refunds = $4, disputed = $5, needs_review = $6,
	capture_deadline = $7, updated_at = $8
WHERE id = $1`

	tag, err := r.exec(ctx, stmt,
		p.ID, p.CapturedAmount, p.Status, refunds, p.Disputed, p.NeedsReview,
		p.CaptureDeadline, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

// MarkEventProcessed records a gateway event ID, reporting whether this was
// its first delivery. Runs inside the same transaction as the mutation it
// guards.
func (r *PaymentRepository) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	const stmt = `INSERT INTO payment_events (event_id, processed_at) VALUES ($1, NOW()) ON CONFLICT (event_id) DO NOTHING`
	tag, err := r.exec(ctx, stmt, eventID)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PaymentRepository) ListOverdueAuthorized(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + `
FROM payments
WHERE status = 'AUTHORIZED' AND capture_deadline IS NOT NULL AND capture_deadline <= $1 AND NOT needs_review
ORDER BY capture_deadline
LIMIT $2`

	rows, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list overdue authorized: %w", err)
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		var p domain.Payment
		var refunds []byte
		err := rows.Scan(
			&p.ID, &p.ReservationID, &p.IntentRef, &p.AuthorizedAmount, &p.CapturedAmount,
			&p.PlatformFee, &p.Status, &refunds, &p.Disputed, &p.NeedsReview, &p.CaptureDeadline,
			&p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan overdue payment: %w", err)
		}
		if len(refunds) > 0 {
			if err := json.Unmarshal(refunds, &p.Refunds); err != nil {
				return nil, fmt.Errorf("unmarshal refunds: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PaymentRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *PaymentRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}

func (r *PaymentRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}
