// Package worker runs the periodic background passes: hold expiry, waitlist
// offer cascades and payment reconciliation. Each pass runs on one instance
// at a time behind a Redis leader lock.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/app"
)

// Leader gates a pass to a single instance.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// Sweeper expires lapsed holds and waitlist offers on a short cadence. Freed
// slots cascade to the waitlist so the next requester gets an offer within
// one sweep of the hold lapsing.
type Sweeper struct {
	holds    *app.HoldService
	waitlist *app.WaitlistService
	interval time.Duration
	leader   Leader
	log      *logrus.Entry
}

const sweepBatchSize = 100

func NewSweeper(holds *app.HoldService, waitlist *app.WaitlistService, leader Leader, interval time.Duration) *Sweeper {
	return &Sweeper{
		holds:    holds,
		waitlist: waitlist,
		interval: interval,
		leader:   leader,
		log:      logrus.WithField("component", "sweeper"),
	}
}

func (w *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("sweeper started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Sweeper) sweep(ctx context.Context) {
	ok, err := w.leader.TryAcquire(ctx)
	if err != nil {
		w.log.WithError(err).Warn("leader election failed, skipping sweep")
		return
	}
	if !ok {
		return
	}

	freed, err := w.holds.ExpireDue(ctx, sweepBatchSize)
	if err != nil {
		w.log.WithError(err).Error("hold expiry pass failed")
	}
	for _, slot := range freed {
		if err := w.waitlist.OfferNext(ctx, slot); err != nil {
			w.log.WithError(err).WithField("resource_id", slot.ResourceID).Warn("waitlist offer failed")
		}
	}
	if len(freed) > 0 {
		w.log.WithField("expired", len(freed)).Info("expired lapsed holds")
	}

	expired, err := w.waitlist.ExpireDueOffers(ctx, sweepBatchSize)
	if err != nil {
		w.log.WithError(err).Error("offer expiry pass failed")
	}
	if expired > 0 {
		w.log.WithField("expired", expired).Info("expired lapsed offers")
	}

	if retired, err := w.waitlist.ExpirePastSlots(ctx); err != nil {
		w.log.WithError(err).Error("past-slot expiry pass failed")
	} else if retired > 0 {
		w.log.WithField("retired", retired).Info("retired past-slot waitlist entries")
	}
}
