package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kevag4/fieldbooking/internal/app"
)

// SeriesCreator expands a weekly recurrence into individual holds.
type SeriesCreator interface {
	CreateSeries(ctx context.Context, in app.CreateSeriesInput) (app.SeriesResult, error)
}

// HandleCreateSeries returns the handler for POST /series.
func HandleCreateSeries(svc SeriesCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createSeriesRequest
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		weekday, ok := parseWeekday(req.Weekday)
		if !ok {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "unknown weekday")
			return
		}
		startTime, err := time.ParseDuration(req.StartTime)
		if err != nil || startTime < 0 || startTime >= 24*time.Hour {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "start_time must be an offset like 18h30m")
			return
		}
		duration, err := time.ParseDuration(req.Duration)
		if err != nil || duration <= 0 {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "duration must be a positive duration")
			return
		}

		result, err := svc.CreateSeries(r.Context(), app.CreateSeriesInput{
			ResourceID:     req.ResourceID,
			UserID:         req.UserID,
			Weekday:        weekday,
			StartTime:      startTime,
			Duration:       duration,
			Weeks:          req.Weeks,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		resp := seriesResponse{GroupID: result.Group.ID}
		for _, h := range result.Created {
			resp.Created = append(resp.Created, holdResponse{
				ID:        h.ID,
				Status:    string(h.Status),
				ExpiresAt: h.ExpiresAt,
			})
		}
		for _, s := range result.Conflicted {
			resp.Conflicted = append(resp.Conflicted, slotResponse{StartsAt: s.StartsAt, EndsAt: s.EndsAt})
		}

		w.Header().Set("Content-Type", "application/json")
		// An all-conflict expansion still creates the group; report it as a
		// partial success.
		if len(resp.Created) == 0 && len(resp.Conflicted) > 0 {
			w.WriteHeader(http.StatusConflict)
		} else {
			w.WriteHeader(http.StatusCreated)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func parseWeekday(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) {
			return d, true
		}
	}
	return 0, false
}

type createSeriesRequest struct {
	ResourceID     string `json:"resource_id"`
	UserID         string `json:"user_id"`
	Weekday        string `json:"weekday"`
	StartTime      string `json:"start_time"`
	Duration       string `json:"duration"`
	Weeks          int    `json:"weeks"`
	IdempotencyKey string `json:"idempotency_key"`
}

type seriesResponse struct {
	GroupID    string         `json:"group_id"`
	Created    []holdResponse `json:"created"`
	Conflicted []slotResponse `json:"conflicted,omitempty"`
}
