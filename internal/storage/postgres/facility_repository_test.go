package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kevag4/fieldbooking/internal/domain"
	"github.com/kevag4/fieldbooking/internal/testutil"
)

func TestFacilityRepositoryGetFacility(t *testing.T) {
	ctx, pool := setupDB(t)
	repo := NewFacilityRepository(pool)

	id := testutil.InsertFacility(t, ctx, pool, domain.Facility{
		OpensAt:          9 * time.Hour,
		ClosesAt:         21 * time.Hour,
		SlotDuration:     90 * time.Minute,
		BasePrice:        7500,
		ConfirmationMode: domain.ConfirmationManual,
		MinNotice:        2 * time.Hour,
		MaxAdvance:       30 * 24 * time.Hour,
		PayoutEligible:   true,
		PayoutAccount:    "acct_main",
	})

	got, err := repo.GetFacility(ctx, id)
	if err != nil {
		t.Fatalf("GetFacility: %v", err)
	}
	if got.OpensAt != 9*time.Hour || got.ClosesAt != 21*time.Hour {
		t.Fatalf("hours = %v to %v", got.OpensAt, got.ClosesAt)
	}
	if got.SlotDuration != 90*time.Minute || got.BasePrice != 7500 {
		t.Fatalf("slot = %v at %d", got.SlotDuration, got.BasePrice)
	}
	if got.ConfirmationMode != domain.ConfirmationManual {
		t.Fatalf("mode = %s", got.ConfirmationMode)
	}
	if got.MinNotice != 2*time.Hour || got.MaxAdvance != 30*24*time.Hour {
		t.Fatalf("notice = %v, advance = %v", got.MinNotice, got.MaxAdvance)
	}
	if !got.PayoutEligible || got.PayoutAccount != "acct_main" {
		t.Fatalf("payout = %v %q", got.PayoutEligible, got.PayoutAccount)
	}
	if len(got.CancellationTiers) != 0 {
		t.Fatalf("tiers = %+v, want built-in defaults", got.CancellationTiers)
	}

	t.Run("missing payout account reads as empty", func(t *testing.T) {
		plain := testutil.InsertFacility(t, ctx, pool, domain.Facility{BasePrice: 5000})
		got, err := repo.GetFacility(ctx, plain)
		if err != nil {
			t.Fatalf("GetFacility: %v", err)
		}
		if got.PayoutEligible || got.PayoutAccount != "" {
			t.Fatalf("payout = %v %q, want ineligible and empty", got.PayoutEligible, got.PayoutAccount)
		}
	})

	t.Run("custom cancellation tiers", func(t *testing.T) {
		_, err := pool.Exec(ctx, `UPDATE facilities SET cancellation_tiers = $2 WHERE id = $1`,
			id, `[{"hours_before": 48, "refund_percent": 100}, {"hours_before": 0, "refund_percent": 25}]`)
		if err != nil {
			t.Fatalf("set tiers: %v", err)
		}
		got, err := repo.GetFacility(ctx, id)
		if err != nil {
			t.Fatalf("GetFacility: %v", err)
		}
		want := []domain.CancellationTier{
			{HoursBefore: 48, RefundPercent: 100},
			{HoursBefore: 0, RefundPercent: 25},
		}
		if len(got.CancellationTiers) != 2 || got.CancellationTiers[0] != want[0] || got.CancellationTiers[1] != want[1] {
			t.Fatalf("tiers = %+v, want %+v", got.CancellationTiers, want)
		}
	})

	t.Run("unknown facility", func(t *testing.T) {
		if _, err := repo.GetFacility(ctx, uuid.NewString()); !errors.Is(err, domain.ErrFacilityNotFound) {
			t.Fatalf("err = %v, want ErrFacilityNotFound", err)
		}
	})
}
