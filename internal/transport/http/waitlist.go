package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kevag4/fieldbooking/internal/app"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// WaitlistJoiner appends a requester to the queue for a full slot.
type WaitlistJoiner interface {
	Join(ctx context.Context, in app.JoinWaitlistInput) (domain.WaitlistEntry, error)
}

// HandleJoinWaitlist returns the handler for POST /resources/{id}/waitlist.
func HandleJoinWaitlist(svc WaitlistJoiner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req joinWaitlistRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		entry, err := svc.Join(r.Context(), app.JoinWaitlistInput{
			ResourceID:     r.PathValue("id"),
			StartsAt:       req.StartsAt,
			EndsAt:         req.EndsAt,
			UserID:         req.UserID,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(waitlistEntryResponse{
			ID:       entry.ID,
			Position: entry.Position,
			Status:   string(entry.Status),
		})
	}
}

type joinWaitlistRequest struct {
	UserID         string    `json:"user_id"`
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

type waitlistEntryResponse struct {
	ID       string `json:"id"`
	Position int64  `json:"position"`
	Status   string `json:"status"`
}
