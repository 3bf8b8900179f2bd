package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kevag4/fieldbooking/internal/app"
	"github.com/kevag4/fieldbooking/internal/domain"
	"github.com/kevag4/fieldbooking/internal/policy"
)

// ReservationConfirmer captures payment for a manually-confirmed reservation.
type ReservationConfirmer interface {
	Confirm(ctx context.Context, reservationID string, version int64) (domain.Reservation, error)
}

// ReservationCanceller cancels a reservation and settles its refund.
type ReservationCanceller interface {
	Cancel(ctx context.Context, in app.CancelInput) (domain.Reservation, error)
}

// ReservationModifier moves a reservation to a different slot.
type ReservationModifier interface {
	Modify(ctx context.Context, in app.ModifyInput) (domain.Reservation, error)
}

// HandleConfirmReservation returns the handler for POST /reservations/{id}/confirm.
func HandleConfirmReservation(svc ReservationConfirmer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		res, err := svc.Confirm(r.Context(), r.PathValue("id"), req.Version)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(toReservationResponse(res))
	}
}

// HandleCancelReservation returns the handler for POST /reservations/{id}/cancel.
func HandleCancelReservation(svc ReservationCanceller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		cancelledBy := policy.CancelledByRenter
		if req.CancelledBy == "owner" {
			cancelledBy = policy.CancelledByOwner
		}

		res, err := svc.Cancel(r.Context(), app.CancelInput{
			ReservationID: r.PathValue("id"),
			Version:       req.Version,
			CancelledBy:   cancelledBy,
			Reason:        req.Reason,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(toReservationResponse(res))
	}
}

// HandleModifyReservation returns the handler for PATCH /reservations/{id}.
func HandleModifyReservation(svc ReservationModifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modifyRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		if req.StartsAt.IsZero() || req.EndsAt.IsZero() {
			writeDomainError(w, domain.ErrInvalidSlot)
			return
		}

		res, err := svc.Modify(r.Context(), app.ModifyInput{
			ReservationID: r.PathValue("id"),
			Version:       req.Version,
			StartsAt:      req.StartsAt,
			EndsAt:        req.EndsAt,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(toReservationResponse(res))
	}
}

type confirmRequest struct {
	Version int64 `json:"version"`
}

type cancelRequest struct {
	Version     int64  `json:"version"`
	CancelledBy string `json:"cancelled_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

type modifyRequest struct {
	Version  int64     `json:"version"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type reservationResponse struct {
	ID            string    `json:"id"`
	ResourceID    string    `json:"resource_id"`
	StartsAt      time.Time `json:"starts_at"`
	EndsAt        time.Time `json:"ends_at"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	TotalAmount   int64     `json:"total_amount"`
	Version       int64     `json:"version"`
}

func toReservationResponse(res domain.Reservation) reservationResponse {
	return reservationResponse{
		ID:            res.ID,
		ResourceID:    res.ResourceID,
		StartsAt:      res.StartsAt,
		EndsAt:        res.EndsAt,
		Status:        string(res.Status),
		PaymentStatus: string(res.PaymentStatus),
		TotalAmount:   res.TotalAmount,
		Version:       res.Version,
	}
}
