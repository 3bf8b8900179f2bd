package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/kevag4/fieldbooking/internal/domain"
)

const (
	codeMethodNotAllowed    = "method_not_allowed"
	codeNotFound            = "not_found"
	codeInvalidRequestBody  = "invalid_request_body"
	codeInvalidID           = "invalid_id"
	codeInvalidSlot         = "invalid_slot"
	codeIdempotencyRequired = "idempotency_key_required"
	codeIdempotencyConflict = "idempotency_conflict"
	codeSlotConflict        = "slot_conflict"
	codeVersionConflict     = "version_conflict"
	codeMinimumNotice       = "minimum_notice"
	codeAdvanceWindow       = "advance_window"
	codeFacilityNotFound    = "facility_not_found"
	codeReservationNotFound = "reservation_not_found"
	codeHoldNotFound        = "hold_not_found"
	codeHoldExpired         = "hold_expired"
	codeHoldNotActive       = "hold_not_active"
	codeAlreadyWaitlisted   = "already_waitlisted"
	codeSlotNotFull         = "slot_not_full"
	codePaymentState        = "payment_state"
	codeGatewayUnavailable  = "gateway_unavailable"
	codeForbidden           = "forbidden"
	codeInvalidSignature    = "invalid_signature"
	codeInternalError       = "internal_error"
)

type errorResponse struct {
	Error           string         `json:"error"`
	Code            string         `json:"code"`
	ConflictingSlot *slotResponse  `json:"conflicting_slot,omitempty"`
	Alternatives    []slotResponse `json:"alternatives,omitempty"`
}

type slotResponse struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// writeDomainError maps service-layer sentinels onto HTTP statuses. A slot
// conflict carries the contested interval and its alternative slots in the
// response body.
func writeDomainError(w http.ResponseWriter, err error) {
	var conflict *domain.SlotConflictError
	if errors.As(err, &conflict) {
		alts := make([]slotResponse, 0, len(conflict.Alternatives))
		for _, s := range conflict.Alternatives {
			alts = append(alts, slotResponse{StartsAt: s.StartsAt, EndsAt: s.EndsAt})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(errorResponse{
			Error: "slot unavailable",
			Code:  codeSlotConflict,
			ConflictingSlot: &slotResponse{
				StartsAt: conflict.Requested.StartsAt,
				EndsAt:   conflict.Requested.EndsAt,
			},
			Alternatives: alts,
		})
		return
	}

	var gatewayErr *domain.GatewayError
	if errors.As(err, &gatewayErr) {
		writeError(w, http.StatusBadGateway, codeGatewayUnavailable, gatewayErr.Error())
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidID):
		writeError(w, http.StatusBadRequest, codeInvalidID, err.Error())
	case errors.Is(err, domain.ErrInvalidSlot), errors.Is(err, domain.ErrInvalidTiers):
		writeError(w, http.StatusBadRequest, codeInvalidSlot, err.Error())
	case errors.Is(err, domain.ErrIdempotencyKeyRequired):
		writeError(w, http.StatusBadRequest, codeIdempotencyRequired, err.Error())
	case errors.Is(err, domain.ErrMinimumNotice):
		writeError(w, http.StatusUnprocessableEntity, codeMinimumNotice, err.Error())
	case errors.Is(err, domain.ErrAdvanceWindow):
		writeError(w, http.StatusUnprocessableEntity, codeAdvanceWindow, err.Error())
	case errors.Is(err, domain.ErrFacilityNotFound):
		writeError(w, http.StatusNotFound, codeFacilityNotFound, err.Error())
	case errors.Is(err, domain.ErrReservationNotFound), errors.Is(err, domain.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, codeReservationNotFound, err.Error())
	case errors.Is(err, domain.ErrHoldNotFound), errors.Is(err, domain.ErrWaitlistEntryNotFound):
		writeError(w, http.StatusNotFound, codeHoldNotFound, err.Error())
	case errors.Is(err, domain.ErrHoldExpired):
		writeError(w, http.StatusGone, codeHoldExpired, err.Error())
	case errors.Is(err, domain.ErrHoldNotActive):
		writeError(w, http.StatusConflict, codeHoldNotActive, err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, codeIdempotencyConflict, err.Error())
	case errors.Is(err, domain.ErrVersionConflict):
		writeError(w, http.StatusConflict, codeVersionConflict, err.Error())
	case errors.Is(err, domain.ErrAlreadyWaitlisted):
		writeError(w, http.StatusConflict, codeAlreadyWaitlisted, err.Error())
	case errors.Is(err, domain.ErrSlotNotFull):
		writeError(w, http.StatusConflict, codeSlotNotFull, err.Error())
	case errors.Is(err, domain.ErrPaymentState):
		writeError(w, http.StatusConflict, codePaymentState, err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable):
		writeError(w, http.StatusBadGateway, codeGatewayUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}
