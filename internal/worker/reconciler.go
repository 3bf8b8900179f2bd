package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kevag4/fieldbooking/internal/app"
)

// Reconciler periodically compares locally AUTHORIZED payments past their
// capture deadline against gateway state and auto-cancels reservations whose
// confirmation window ran out.
type Reconciler struct {
	orchestrator *app.PaymentOrchestrator
	reservations *app.ReservationService
	interval     time.Duration
	leader       Leader
	log          *logrus.Entry
}

const reconcileBatchSize = 200

func NewReconciler(orchestrator *app.PaymentOrchestrator, reservations *app.ReservationService, leader Leader, interval time.Duration) *Reconciler {
	return &Reconciler{
		orchestrator: orchestrator,
		reservations: reservations,
		interval:     interval,
		leader:       leader,
		log:          logrus.WithField("component", "reconciler"),
	}
}

func (w *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("reconciler started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			w.run(ctx)
		}
	}
}

func (w *Reconciler) run(ctx context.Context) {
	ok, err := w.leader.TryAcquire(ctx)
	if err != nil {
		w.log.WithError(err).Warn("leader election failed, skipping reconcile")
		return
	}
	if !ok {
		return
	}

	cancelled, err := w.reservations.AutoCancelOverdue(ctx, reconcileBatchSize)
	if err != nil {
		w.log.WithError(err).Error("auto-cancel pass failed")
	}
	if cancelled > 0 {
		w.log.WithField("cancelled", cancelled).Info("auto-cancelled unconfirmed reservations")
	}

	corrected, err := w.orchestrator.Reconcile(ctx, reconcileBatchSize)
	if err != nil {
		w.log.WithError(err).Error("reconcile pass failed")
	}
	if corrected > 0 {
		w.log.WithField("corrected", corrected).Info("reconciled payment records")
	}
}
