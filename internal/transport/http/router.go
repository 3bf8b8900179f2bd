package http

import (
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// Services bundles the application services the router exposes.
type Services struct {
	Holds        HoldRequester
	Promotions   HoldPromoter
	Reservations interface {
		ReservationConfirmer
		ReservationCanceller
		ReservationModifier
	}
	Waitlist      WaitlistJoiner
	Series        SeriesCreator
	Availability  AvailabilityQuerier
	Webhooks      GatewayEventHandler
	WebhookSecret string
	CORSOrigins   []string
}

// NewRouter wires all booking endpoints onto a ServeMux with logging, CORS
// and body-limit middleware applied.
func NewRouter(svcs Services) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", HealthHandler)
	mux.Handle("POST /holds", HandleRequestHold(svcs.Holds))
	mux.Handle("POST /holds/{id}/promote", HandlePromoteHold(svcs.Promotions))
	mux.Handle("POST /reservations/{id}/confirm", HandleConfirmReservation(svcs.Reservations))
	mux.Handle("POST /reservations/{id}/cancel", HandleCancelReservation(svcs.Reservations))
	mux.Handle("PATCH /reservations/{id}", HandleModifyReservation(svcs.Reservations))
	mux.Handle("POST /resources/{id}/waitlist", HandleJoinWaitlist(svcs.Waitlist))
	mux.Handle("GET /resources/{id}/availability", HandleAvailability(svcs.Availability))
	mux.Handle("GET /resources/{id}/availability/stream", HandleAvailabilityStream(svcs.Availability))
	mux.Handle("POST /series", HandleCreateSeries(svcs.Series))
	mux.Handle("POST /webhooks/payments", HandlePaymentWebhook(svcs.Webhooks, svcs.WebhookSecret))
	mux.Handle("/", NotFoundHandler())

	handler := LimitBody(mux)
	handler = CORS(svcs.CORSOrigins, handler)
	return RequestLogger(handler, logrus.WithField("component", "http"))
}

// HealthHandler reports basic liveness for the service.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
}

// CORS adds basic CORS headers for a configured allow-list.
func CORS(allowedOrigins []string, next http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAll = true
			continue
		}
		allowed[origin] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowedOrigin := allowAll
		if !allowAll {
			_, allowedOrigin = allowed[origin]
		}
		if !allowedOrigin {
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				writeError(w, http.StatusForbidden, codeForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		if allowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
