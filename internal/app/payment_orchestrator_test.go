package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kevag4/fieldbooking/internal/clock"
	"github.com/kevag4/fieldbooking/internal/domain"
)

type orchestratorFixture struct {
	orch      *PaymentOrchestrator
	ledger    *fakeLedger
	payments  *fakePayments
	gateway   *fakeGateway
	notifier  *fakeNotifier
	publisher *fakePublisher
}

func makeOrchestrator(t *testing.T, cfg OrchestratorConfig) orchestratorFixture {
	t.Helper()
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	f := orchestratorFixture{
		ledger:    newFakeLedger(),
		payments:  newFakePayments(),
		gateway:   &fakeGateway{},
		notifier:  &fakeNotifier{},
		publisher: &fakePublisher{},
	}
	f.orch = NewPaymentOrchestrator(f.payments, f.ledger, f.gateway, f.notifier, f.publisher, clock.NewFixed(testNow), cfg)
	return f
}

func seedReservation(t *testing.T, ledger *fakeLedger, status domain.ReservationStatus, amount int64) domain.Reservation {
	t.Helper()
	res := domain.Reservation{
		ID:             newID(),
		ResourceID:     "court-1",
		UserID:         "user-1",
		StartsAt:       testNow.Add(2 * time.Hour),
		EndsAt:         testNow.Add(3 * time.Hour),
		Status:         status,
		PaymentStatus:  domain.PaymentStatusNone,
		TotalAmount:    amount,
		Version:        1,
		IdempotencyKey: newID(),
	}
	if err := ledger.CreateReservation(context.Background(), res); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}
	return res
}

func TestStartPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("instant mode captures with commission split", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)

		payment, err := f.orch.StartPayment(ctx, res, testFacility())
		if err != nil {
			t.Fatalf("StartPayment: %v", err)
		}
		if payment.Status != domain.PaymentStatusCaptured {
			t.Fatalf("status = %s, want CAPTURED", payment.Status)
		}
		if payment.PlatformFee != 1000 {
			t.Fatalf("platform fee = %d, want 1000", payment.PlatformFee)
		}
		if len(f.gateway.captures) != 1 {
			t.Fatalf("capture calls = %d, want 1", len(f.gateway.captures))
		}
		call := f.gateway.captures[0]
		if call.amount != 10000 || call.platformFee != 1000 || call.payoutAccount != "acct_court1" {
			t.Fatalf("capture call = %+v", call)
		}
		if payment.CaptureDeadline != nil {
			t.Fatalf("instant capture left a deadline: %s", payment.CaptureDeadline)
		}
	})

	t.Run("manual mode authorizes with capture deadline", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{ManualCaptureTimeout: 24 * time.Hour})
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)
		fac := testFacility()
		fac.ConfirmationMode = domain.ConfirmationManual

		payment, err := f.orch.StartPayment(ctx, res, fac)
		if err != nil {
			t.Fatalf("StartPayment: %v", err)
		}
		if payment.Status != domain.PaymentStatusAuthorized {
			t.Fatalf("status = %s, want AUTHORIZED", payment.Status)
		}
		if payment.CaptureDeadline == nil || !payment.CaptureDeadline.Equal(testNow.Add(24*time.Hour)) {
			t.Fatalf("capture deadline = %v, want now+24h", payment.CaptureDeadline)
		}
		if len(f.gateway.captures) != 0 {
			t.Fatalf("manual mode captured immediately")
		}
	})

	t.Run("deadline capped one day before gateway hold expiry", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{
			ManualCaptureTimeout: 72 * time.Hour,
			GatewayHoldExpiry:    48 * time.Hour,
		})
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)
		fac := testFacility()
		fac.ConfirmationMode = domain.ConfirmationManual

		payment, err := f.orch.StartPayment(ctx, res, fac)
		if err != nil {
			t.Fatalf("StartPayment: %v", err)
		}
		if payment.CaptureDeadline == nil || !payment.CaptureDeadline.Equal(testNow.Add(24*time.Hour)) {
			t.Fatalf("capture deadline = %v, want now+24h", payment.CaptureDeadline)
		}
	})

	t.Run("failed instant capture stays visible to the reconciler", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{ManualCaptureTimeout: 24 * time.Hour})
		f.gateway.captureErr = &domain.GatewayError{Reason: "capture declined"}
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)

		if _, err := f.orch.StartPayment(ctx, res, testFacility()); err == nil {
			t.Fatal("expected the capture failure to surface")
		}
		stranded, err := f.payments.GetPaymentByReservation(ctx, res.ID)
		if err != nil {
			t.Fatalf("GetPaymentByReservation: %v", err)
		}
		if stranded.Status != domain.PaymentStatusAuthorized {
			t.Fatalf("status = %s, want AUTHORIZED", stranded.Status)
		}
		if stranded.CaptureDeadline == nil || !stranded.CaptureDeadline.Equal(testNow.Add(24*time.Hour)) {
			t.Fatalf("capture deadline = %v, want now+24h", stranded.CaptureDeadline)
		}

		f.gateway.captureErr = nil
		f.gateway.intent = GatewayIntent{Ref: stranded.IntentRef, Status: IntentAuthorized, AuthorizedAmount: 10000}
		late := NewPaymentOrchestrator(f.payments, f.ledger, f.gateway, f.notifier, f.publisher,
			clock.NewFixed(testNow.Add(25*time.Hour)), OrchestratorConfig{RetryBase: time.Millisecond})
		corrected, err := late.Reconcile(ctx, 10)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if corrected != 1 || len(f.gateway.cancels) != 1 {
			t.Fatalf("corrected=%d cancels=%d, want the stranded authorization cancelled", corrected, len(f.gateway.cancels))
		}
	})

	t.Run("replays an existing payment", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)

		first, err := f.orch.StartPayment(ctx, res, testFacility())
		if err != nil {
			t.Fatalf("first StartPayment: %v", err)
		}
		second, err := f.orch.StartPayment(ctx, res, testFacility())
		if err != nil {
			t.Fatalf("second StartPayment: %v", err)
		}
		if second.ID != first.ID {
			t.Fatalf("replay created a new payment")
		}
		if f.gateway.authorizeCalls != 1 {
			t.Fatalf("authorize calls = %d, want 1", f.gateway.authorizeCalls)
		}
	})

	t.Run("retries transient authorize failures", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		f.gateway.authorizeErrs = []error{
			&domain.GatewayError{Reason: "timeout", Transient: true},
			nil,
		}
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)

		if _, err := f.orch.StartPayment(ctx, res, testFacility()); err != nil {
			t.Fatalf("StartPayment: %v", err)
		}
		if f.gateway.authorizeCalls != 2 {
			t.Fatalf("authorize calls = %d, want 2", f.gateway.authorizeCalls)
		}
	})

	t.Run("fails fast on terminal gateway errors", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		f.gateway.authorizeErr = &domain.GatewayError{Reason: "card declined"}
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)

		_, err := f.orch.StartPayment(ctx, res, testFacility())
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) {
			t.Fatalf("err = %v, want GatewayError", err)
		}
		if f.gateway.authorizeCalls != 1 {
			t.Fatalf("authorize calls = %d, want 1", f.gateway.authorizeCalls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{MaxAttempts: 3})
		f.gateway.authorizeErr = &domain.GatewayError{Reason: "timeout", Transient: true}
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)

		if _, err := f.orch.StartPayment(ctx, res, testFacility()); err == nil {
			t.Fatal("expected error after exhausted retries")
		}
		if f.gateway.authorizeCalls != 3 {
			t.Fatalf("authorize calls = %d, want 3", f.gateway.authorizeCalls)
		}
	})
}

func TestReleaseOrRefund(t *testing.T) {
	ctx := context.Background()

	seedPayment := func(t *testing.T, f orchestratorFixture, status domain.PaymentStatus, captured int64) domain.Payment {
		t.Helper()
		p := domain.Payment{
			ID:               newID(),
			ReservationID:    "res-1",
			IntentRef:        "intent-1",
			AuthorizedAmount: 10000,
			CapturedAmount:   captured,
			PlatformFee:      1000,
			Status:           status,
		}
		if err := f.payments.CreatePayment(ctx, p); err != nil {
			t.Fatalf("seed payment: %v", err)
		}
		return p
	}

	t.Run("cancels an uncaptured authorization", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		seedPayment(t, f, domain.PaymentStatusAuthorized, 0)

		payment, err := f.orch.ReleaseOrRefund(ctx, "res-1", 9000, "cancelled")
		if err != nil {
			t.Fatalf("ReleaseOrRefund: %v", err)
		}
		if payment.Status != domain.PaymentStatusRefunded {
			t.Fatalf("status = %s, want REFUNDED", payment.Status)
		}
		if len(f.gateway.cancels) != 1 || len(f.gateway.refunds) != 0 {
			t.Fatalf("cancels=%d refunds=%d, want release not refund", len(f.gateway.cancels), len(f.gateway.refunds))
		}
	})

	t.Run("partial refund of a captured payment", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		seedPayment(t, f, domain.PaymentStatusCaptured, 10000)

		payment, err := f.orch.ReleaseOrRefund(ctx, "res-1", 4000, "renter cancel")
		if err != nil {
			t.Fatalf("ReleaseOrRefund: %v", err)
		}
		if payment.Status != domain.PaymentStatusPartiallyRefunded {
			t.Fatalf("status = %s, want PARTIALLY_REFUNDED", payment.Status)
		}
		if payment.RefundedTotal() != 4000 {
			t.Fatalf("refunded = %d, want 4000", payment.RefundedTotal())
		}
	})

	t.Run("refund to the full owner share becomes REFUNDED", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		seedPayment(t, f, domain.PaymentStatusCaptured, 10000)

		payment, err := f.orch.ReleaseOrRefund(ctx, "res-1", 9000, "renter cancel")
		if err != nil {
			t.Fatalf("ReleaseOrRefund: %v", err)
		}
		if payment.Status != domain.PaymentStatusRefunded {
			t.Fatalf("status = %s, want REFUNDED", payment.Status)
		}
	})

	t.Run("refund clamps to the remaining captured amount", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		seedPayment(t, f, domain.PaymentStatusCaptured, 10000)

		if _, err := f.orch.ReleaseOrRefund(ctx, "res-1", 25000, "renter cancel"); err != nil {
			t.Fatalf("ReleaseOrRefund: %v", err)
		}
		if f.gateway.refunds[0] != 10000 {
			t.Fatalf("refund = %d, want clamped to 10000", f.gateway.refunds[0])
		}
	})

	t.Run("zero refund leaves a captured payment untouched", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		seedPayment(t, f, domain.PaymentStatusCaptured, 10000)

		payment, err := f.orch.ReleaseOrRefund(ctx, "res-1", 0, "inside no-refund tier")
		if err != nil {
			t.Fatalf("ReleaseOrRefund: %v", err)
		}
		if payment.Status != domain.PaymentStatusCaptured {
			t.Fatalf("status = %s, want CAPTURED", payment.Status)
		}
		if len(f.gateway.refunds) != 0 {
			t.Fatalf("gateway refund issued for a zero amount")
		}
	})
}

func TestHandleGatewayEvent(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, f orchestratorFixture, paymentStatus domain.PaymentStatus, resStatus domain.ReservationStatus) (domain.Payment, domain.Reservation) {
		t.Helper()
		res := seedReservation(t, f.ledger, resStatus, 10000)
		p := domain.Payment{
			ID:               newID(),
			ReservationID:    res.ID,
			IntentRef:        "intent-" + res.ID,
			AuthorizedAmount: 10000,
			PlatformFee:      1000,
			Status:           paymentStatus,
		}
		if paymentStatus == domain.PaymentStatusCaptured {
			p.CapturedAmount = 10000
		}
		if err := f.payments.CreatePayment(ctx, p); err != nil {
			t.Fatalf("seed payment: %v", err)
		}
		return p, res
	}

	t.Run("capture success confirms the reservation", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, res := seed(t, f, domain.PaymentStatusAuthorized, domain.ReservationStatusPendingConfirmation)

		err := f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
			ID: "evt-1", Type: domain.GatewayEventCaptureSucceeded,
			IntentRef: p.IntentRef, Amount: 10000, OccurredAt: testNow,
		})
		if err != nil {
			t.Fatalf("HandleGatewayEvent: %v", err)
		}

		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusCaptured || got.CapturedAmount != 10000 {
			t.Fatalf("payment = %s/%d, want CAPTURED/10000", got.Status, got.CapturedAmount)
		}
		updated, _ := f.ledger.GetReservation(ctx, res.ID)
		if updated.Status != domain.ReservationStatusConfirmed {
			t.Fatalf("reservation status = %s, want CONFIRMED", updated.Status)
		}
		types := f.notifier.types()
		if len(types) != 1 || types[0] != domain.NotifyPaymentCaptured {
			t.Fatalf("notifications = %v, want [payment.captured]", types)
		}
	})

	t.Run("duplicate deliveries are ignored", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seed(t, f, domain.PaymentStatusAuthorized, domain.ReservationStatusPendingConfirmation)
		ev := domain.GatewayEvent{
			ID: "evt-1", Type: domain.GatewayEventCaptureSucceeded,
			IntentRef: p.IntentRef, Amount: 10000, OccurredAt: testNow,
		}
		if err := f.orch.HandleGatewayEvent(ctx, ev); err != nil {
			t.Fatalf("first delivery: %v", err)
		}
		if err := f.orch.HandleGatewayEvent(ctx, ev); err != nil {
			t.Fatalf("duplicate delivery: %v", err)
		}
		if got := len(f.notifier.types()); got != 1 {
			t.Fatalf("notifications = %d, want 1", got)
		}
	})

	t.Run("rejects events without identifiers", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		err := f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{Type: domain.GatewayEventCaptureSucceeded})
		if !errors.Is(err, domain.ErrInvalidID) {
			t.Fatalf("err = %v, want ErrInvalidID", err)
		}
	})

	t.Run("authorization failure rejects the reservation", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, res := seed(t, f, domain.PaymentStatusAuthorized, domain.ReservationStatusPendingConfirmation)

		err := f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
			ID: "evt-2", Type: domain.GatewayEventAuthorizationFailed,
			IntentRef: p.IntentRef, OccurredAt: testNow,
		})
		if err != nil {
			t.Fatalf("HandleGatewayEvent: %v", err)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusFailed {
			t.Fatalf("payment status = %s, want FAILED", got.Status)
		}
		updated, _ := f.ledger.GetReservation(ctx, res.ID)
		if updated.Status != domain.ReservationStatusRejected {
			t.Fatalf("reservation status = %s, want REJECTED", updated.Status)
		}
		kinds := f.publisher.kinds()
		if len(kinds) != 1 || kinds[0] != domain.AvailabilityHoldReleased {
			t.Fatalf("published kinds = %v, want [hold_released]", kinds)
		}
	})

	t.Run("out-of-order expiry after capture is a no-op", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seed(t, f, domain.PaymentStatusCaptured, domain.ReservationStatusConfirmed)

		err := f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
			ID: "evt-3", Type: domain.GatewayEventAuthorizationExpired,
			IntentRef: p.IntentRef, OccurredAt: testNow,
		})
		if err != nil {
			t.Fatalf("HandleGatewayEvent: %v", err)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusCaptured {
			t.Fatalf("payment status = %s, want CAPTURED unchanged", got.Status)
		}
	})

	t.Run("refund events accumulate to REFUNDED", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seed(t, f, domain.PaymentStatusCaptured, domain.ReservationStatusCancelled)

		err := f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
			ID: "evt-4", Type: domain.GatewayEventRefundSucceeded,
			IntentRef: p.IntentRef, Amount: 4000, Reason: "partial", OccurredAt: testNow,
		})
		if err != nil {
			t.Fatalf("first refund event: %v", err)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusPartiallyRefunded {
			t.Fatalf("payment status = %s, want PARTIALLY_REFUNDED", got.Status)
		}

		err = f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
			ID: "evt-5", Type: domain.GatewayEventRefundSucceeded,
			IntentRef: p.IntentRef, Amount: 5000, Reason: "remainder", OccurredAt: testNow,
		})
		if err != nil {
			t.Fatalf("second refund event: %v", err)
		}
		got, _ = f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusRefunded {
			t.Fatalf("payment status = %s, want REFUNDED", got.Status)
		}
	})

	t.Run("identical refunds with distinct refs both count", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seed(t, f, domain.PaymentStatusCaptured, domain.ReservationStatusCancelled)

		for i, ref := range []string{"re-1", "re-2"} {
			err := f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
				ID: fmt.Sprintf("evt-ref-%d", i), Type: domain.GatewayEventRefundSucceeded,
				IntentRef: p.IntentRef, RefundRef: ref,
				Amount: 2000, Reason: "goodwill", OccurredAt: testNow,
			})
			if err != nil {
				t.Fatalf("refund event %s: %v", ref, err)
			}
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if len(got.Refunds) != 2 || got.RefundedTotal() != 4000 {
			t.Fatalf("refunds = %+v, want both 2000 refunds recorded", got.Refunds)
		}
	})

	t.Run("refund callback replaying a synchronous refund is a no-op", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seed(t, f, domain.PaymentStatusCaptured, domain.ReservationStatusCancelled)

		payment, err := f.orch.ReleaseOrRefund(ctx, p.ReservationID, 3000, "renter cancel")
		if err != nil {
			t.Fatalf("ReleaseOrRefund: %v", err)
		}
		if len(payment.Refunds) != 1 || payment.Refunds[0].Ref == "" {
			t.Fatalf("refunds = %+v, want one entry carrying the gateway ref", payment.Refunds)
		}

		err = f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
			ID: "evt-replay", Type: domain.GatewayEventRefundSucceeded,
			IntentRef: p.IntentRef, RefundRef: payment.Refunds[0].Ref,
			Amount: 3000, Reason: "renter cancel", OccurredAt: testNow,
		})
		if err != nil {
			t.Fatalf("HandleGatewayEvent: %v", err)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if len(got.Refunds) != 1 || got.RefundedTotal() != 3000 {
			t.Fatalf("refunds = %+v, want the callback deduplicated", got.Refunds)
		}
	})

	t.Run("dispute flags the payment", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seed(t, f, domain.PaymentStatusCaptured, domain.ReservationStatusConfirmed)

		err := f.orch.HandleGatewayEvent(ctx, domain.GatewayEvent{
			ID: "evt-6", Type: domain.GatewayEventDisputeOpened,
			IntentRef: p.IntentRef, OccurredAt: testNow,
		})
		if err != nil {
			t.Fatalf("HandleGatewayEvent: %v", err)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusDisputed || !got.Disputed {
			t.Fatalf("payment = %s disputed=%v, want DISPUTED/true", got.Status, got.Disputed)
		}
		types := f.notifier.types()
		if types[len(types)-1] != domain.NotifyPaymentDisputed {
			t.Fatalf("last notification = %s, want payment.disputed", types[len(types)-1])
		}
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	seedOverdue := func(t *testing.T, f orchestratorFixture) (domain.Payment, domain.Reservation) {
		t.Helper()
		res := seedReservation(t, f.ledger, domain.ReservationStatusPendingConfirmation, 10000)
		deadline := testNow.Add(-time.Hour)
		p := domain.Payment{
			ID:               newID(),
			ReservationID:    res.ID,
			IntentRef:        "intent-" + res.ID,
			AuthorizedAmount: 10000,
			PlatformFee:      1000,
			Status:           domain.PaymentStatusAuthorized,
			CaptureDeadline:  &deadline,
		}
		if err := f.payments.CreatePayment(ctx, p); err != nil {
			t.Fatalf("seed payment: %v", err)
		}
		return p, res
	}

	t.Run("adopts a capture that happened at the gateway", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, res := seedOverdue(t, f)
		f.gateway.intent = GatewayIntent{Ref: p.IntentRef, Status: IntentCaptured, CapturedAmount: 10000}

		corrected, err := f.orch.Reconcile(ctx, 10)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if corrected != 1 {
			t.Fatalf("corrected = %d, want 1", corrected)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusCaptured {
			t.Fatalf("payment status = %s, want CAPTURED", got.Status)
		}
		updated, _ := f.ledger.GetReservation(ctx, res.ID)
		if updated.Status != domain.ReservationStatusConfirmed {
			t.Fatalf("reservation status = %s, want CONFIRMED", updated.Status)
		}
	})

	t.Run("cancels an authorization stuck past the deadline", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, res := seedOverdue(t, f)
		f.gateway.intent = GatewayIntent{Ref: p.IntentRef, Status: IntentAuthorized, AuthorizedAmount: 10000}

		corrected, err := f.orch.Reconcile(ctx, 10)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if corrected != 1 {
			t.Fatalf("corrected = %d, want 1", corrected)
		}
		if len(f.gateway.cancels) != 1 {
			t.Fatalf("gateway cancels = %d, want 1", len(f.gateway.cancels))
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusRefunded {
			t.Fatalf("payment status = %s, want REFUNDED", got.Status)
		}
		updated, _ := f.ledger.GetReservation(ctx, res.ID)
		if updated.Status != domain.ReservationStatusRejected {
			t.Fatalf("reservation status = %s, want REJECTED", updated.Status)
		}
	})

	t.Run("records a gateway-side release", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seedOverdue(t, f)
		f.gateway.intent = GatewayIntent{Ref: p.IntentRef, Status: IntentExpired}

		corrected, err := f.orch.Reconcile(ctx, 10)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if corrected != 1 {
			t.Fatalf("corrected = %d, want 1", corrected)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if got.Status != domain.PaymentStatusRefunded {
			t.Fatalf("payment status = %s, want REFUNDED", got.Status)
		}
	})

	t.Run("flags ambiguous gateway state for review", func(t *testing.T) {
		f := makeOrchestrator(t, OrchestratorConfig{})
		p, _ := seedOverdue(t, f)
		f.gateway.intent = GatewayIntent{Ref: p.IntentRef, Status: IntentFailed}

		corrected, err := f.orch.Reconcile(ctx, 10)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if corrected != 0 {
			t.Fatalf("corrected = %d, want 0", corrected)
		}
		got, _ := f.payments.GetPaymentByIntentRef(ctx, p.IntentRef)
		if !got.NeedsReview {
			t.Fatal("ambiguous payment not flagged for review")
		}
		again, _ := f.payments.ListOverdueAuthorized(ctx, testNow, 10)
		if len(again) != 0 {
			t.Fatalf("flagged payment still listed as overdue")
		}
	})
}
