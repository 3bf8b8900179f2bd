package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kevag4/fieldbooking/internal/app"
	"github.com/kevag4/fieldbooking/internal/domain"
)

// AvailabilityQuerier serves computed free-slot views and live change feeds.
type AvailabilityQuerier interface {
	Query(ctx context.Context, resourceID string, date time.Time) (app.AvailabilityView, error)
	Subscribe(ctx context.Context, resourceID string, date time.Time) (app.AvailabilityView, <-chan domain.AvailabilityChange, func(), error)
}

// HandleAvailability returns the handler for GET /resources/{id}/availability.
// The date query parameter defaults to today (UTC).
func HandleAvailability(svc AvailabilityQuerier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := parseDateParam(w, r)
		if !ok {
			return
		}

		view, err := svc.Query(r.Context(), r.PathValue("id"), date)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(view)
	}
}

// HandleAvailabilityStream returns the SSE handler for
// GET /resources/{id}/availability/stream. The first event is a full
// snapshot; subsequent events are deltas.
func HandleAvailabilityStream(svc AvailabilityQuerier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, codeInternalError, "streaming unsupported")
			return
		}
		date, ok := parseDateParam(w, r)
		if !ok {
			return
		}

		snapshot, changes, stop, err := svc.Subscribe(r.Context(), r.PathValue("id"), date)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		defer stop()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		writeSSE(w, "snapshot", snapshot)
		flusher.Flush()

		heartbeat := time.NewTicker(25 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = w.Write([]byte(": keep-alive\n\n"))
				flusher.Flush()
			case change, open := <-changes:
				if !open {
					return
				}
				writeSSE(w, "change", change)
				flusher.Flush()
			}
		}
	}
}

func parseDateParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), true
	}
	date, err := time.Parse("2006-01-02", raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "date must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}

func writeSSE(w http.ResponseWriter, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: " + event + "\ndata: "))
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n\n"))
}
