package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kevag4/fieldbooking/internal/domain"
)

// FacilityRepository reads the facility catalog. The booking core treats the
// catalog as external reference data; only durations-as-seconds and the
// cancellation-tier JSONB need translation.
type FacilityRepository struct {
	pool *pgxpool.Pool
}

func NewFacilityRepository(pool *pgxpool.Pool) *FacilityRepository {
	return &FacilityRepository{pool: pool}
}

func (r *FacilityRepository) GetFacility(ctx context.Context, id string) (domain.Facility, error) {
	const query = `
SELECT id, owner_id, opens_seconds, closes_seconds, slot_seconds, base_price,
	confirmation_mode, cancellation_tiers, min_notice_seconds, max_advance_seconds,
	payout_eligible, COALESCE(payout_account, '')
FROM facilities WHERE id = $1`

	var f domain.Facility
	var opens, closes, slot, minNotice, maxAdvance int64
	var tiers []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&f.ID, &f.OwnerID, &opens, &closes, &slot, &f.BasePrice,
		&f.ConfirmationMode, &tiers, &minNotice, &maxAdvance,
		&f.PayoutEligible, &f.PayoutAccount,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Facility{}, domain.ErrInvalidID
		}
		if err == pgx.ErrNoRows {
			return domain.Facility{}, domain.ErrFacilityNotFound
		}
		return domain.Facility{}, fmt.Errorf("get facility: %w", err)
	}

	f.OpensAt = time.Duration(opens) * time.Second
	f.ClosesAt = time.Duration(closes) * time.Second
	f.SlotDuration = time.Duration(slot) * time.Second
	f.MinNotice = time.Duration(minNotice) * time.Second
	f.MaxAdvance = time.Duration(maxAdvance) * time.Second
	if len(tiers) > 0 {
		if err := json.Unmarshal(tiers, &f.CancellationTiers); err != nil {
			return domain.Facility{}, fmt.Errorf("unmarshal cancellation tiers: %w", err)
		}
	}
	return f, nil
}
