package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kevag4/fieldbooking/internal/app"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// HoldRequester is the minimal interface needed to open a hold.
type HoldRequester interface {
	RequestHold(ctx context.Context, in app.RequestHoldInput) (domain.Hold, error)
}

// HoldPromoter promotes a hold into a pending reservation.
type HoldPromoter interface {
	PromoteHold(ctx context.Context, holdID string) (domain.Reservation, error)
}

// HandleRequestHold returns the handler for POST /holds.
func HandleRequestHold(svc HoldRequester) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req requestHoldRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if err := req.validate(); err != nil {
			writeDomainError(w, err)
			return
		}

		hold, err := svc.RequestHold(r.Context(), app.RequestHoldInput{
			ResourceID:     req.ResourceID,
			OwnerID:        req.UserID,
			StartsAt:       req.StartsAt,
			EndsAt:         req.EndsAt,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(holdResponse{
			ID:        hold.ID,
			Status:    string(hold.Status),
			ExpiresAt: hold.ExpiresAt,
		})
	}
}

// HandlePromoteHold returns the handler for POST /holds/{id}/promote.
func HandlePromoteHold(svc HoldPromoter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		holdID := r.PathValue("id")
		if holdID == "" {
			writeError(w, http.StatusBadRequest, codeInvalidID, "hold id is required")
			return
		}

		res, err := svc.PromoteHold(r.Context(), holdID)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(toReservationResponse(res))
	}
}

type requestHoldRequest struct {
	ResourceID     string    `json:"resource_id"`
	UserID         string    `json:"user_id"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func (r requestHoldRequest) validate() error {
	if r.ResourceID == "" || r.UserID == "" {
		return fmt.Errorf("%w: resource_id and user_id are required", domain.ErrInvalidID)
	}
	if r.IdempotencyKey == "" {
		return domain.ErrIdempotencyKeyRequired
	}
	if r.StartsAt.IsZero() || r.EndsAt.IsZero() || !r.StartsAt.Before(r.EndsAt) {
		return domain.ErrInvalidSlot
	}
	return nil
}

type holdResponse struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}
