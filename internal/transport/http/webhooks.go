package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kevag4/fieldbooking/internal/domain"
)

const signatureHeader = "X-Gateway-Signature"

// GatewayEventHandler applies an asynchronous gateway event to the matching
// payment record.
type GatewayEventHandler interface {
	HandleGatewayEvent(ctx context.Context, ev domain.GatewayEvent) error
}

// HandlePaymentWebhook returns the handler for POST /webhooks/payments.
// Deliveries are verified against the shared secret when one is configured;
// duplicate deliveries succeed without effect.
func HandlePaymentWebhook(svc GatewayEventHandler, secret string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "unreadable request body")
			return
		}

		if secret != "" && !validSignature(body, r.Header.Get(signatureHeader), secret) {
			writeError(w, http.StatusUnauthorized, codeInvalidSignature, "signature mismatch")
			return
		}

		var req gatewayEventRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.ID == "" || req.Type == "" || req.IntentRef == "" {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "id, type and intent_ref are required")
			return
		}

		occurredAt := req.OccurredAt
		if occurredAt.IsZero() {
			occurredAt = time.Now().UTC()
		}

		err = svc.HandleGatewayEvent(r.Context(), domain.GatewayEvent{
			ID:         req.ID,
			Type:       domain.GatewayEventType(req.Type),
			IntentRef:  req.IntentRef,
			RefundRef:  req.RefundRef,
			Amount:     req.Amount,
			Reason:     req.Reason,
			OccurredAt: occurredAt,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}
}

func validSignature(body []byte, header, secret string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header))
}

type gatewayEventRequest struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	IntentRef  string    `json:"intent_ref"`
	RefundRef  string    `json:"refund_ref,omitempty"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
