// Package policy holds the pure cancellation-refund calculation. It has no
// storage or clock dependencies so it can be exercised exhaustively in tests.
package policy

import (
	"github.com/kevag4/fieldbooking/internal/domain"
)

type CancelledBy string

const (
	CancelledByRenter CancelledBy = "renter"
	CancelledByOwner  CancelledBy = "owner"
)

// DefaultTiers applies when a facility carries no tier configuration:
// full refund at 24h or more, half at 12h, nothing below.
var DefaultTiers = []domain.CancellationTier{
	{HoursBefore: 24, RefundPercent: 100},
	{HoursBefore: 12, RefundPercent: 50},
	{HoursBefore: 0, RefundPercent: 0},
}

// ValidateTiers checks a tier configuration at load time: thresholds must be
// strictly descending and the last tier must cover down to 0 hours, so every
// non-negative hour value matches exactly one tier.
func ValidateTiers(tiers []domain.CancellationTier) error {
	if len(tiers) == 0 {
		return nil
	}
	for i, t := range tiers {
		if t.HoursBefore < 0 || t.RefundPercent < 0 || t.RefundPercent > 100 {
			return domain.ErrInvalidTiers
		}
		if i > 0 && t.HoursBefore >= tiers[i-1].HoursBefore {
			return domain.ErrInvalidTiers
		}
	}
	if tiers[len(tiers)-1].HoursBefore != 0 {
		return domain.ErrInvalidTiers
	}
	return nil
}

// ComputeRefund returns the refundable amount in minor units.
//
// The platform fee is subtracted first and is never refundable. The remainder
// (the owner's share) is multiplied by the percentage of the tier whose
// threshold is the largest value <= hoursBeforeStart. An owner-initiated
// cancellation always refunds 100% of the owner's share. The function is
// total: any non-negative input yields a defined result in
// [0, ownerShare].
func ComputeRefund(totalAmount, platformFee int64, tiers []domain.CancellationTier, cancelledBy CancelledBy, hoursBeforeStart float64) int64 {
	ownerShare := totalAmount - platformFee
	if ownerShare <= 0 {
		return 0
	}
	if hoursBeforeStart < 0 {
		hoursBeforeStart = 0
	}
	if cancelledBy == CancelledByOwner {
		return ownerShare
	}

	if len(tiers) == 0 || ValidateTiers(tiers) != nil {
		tiers = DefaultTiers
	}

	percent := 0
	for _, t := range tiers {
		if hoursBeforeStart >= float64(t.HoursBefore) {
			percent = t.RefundPercent
			break
		}
	}

	refund := ownerShare * int64(percent) / 100
	if refund > ownerShare {
		refund = ownerShare
	}
	if refund < 0 {
		refund = 0
	}
	return refund
}
