package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const correlationHeader = "X-Correlation-ID"

// maxBodyBytes caps request bodies; booking payloads are small.
const maxBodyBytes = 64 << 10

// RequestLogger logs request details and latency, tagging every response
// with a correlation ID so failures can be traced across log streams.
func RequestLogger(next http.Handler, logger *logrus.Entry) http.Handler {
	if logger == nil {
		logger = logrus.WithField("component", "http")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		correlationID := r.Header.Get(correlationHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set(correlationHeader, correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		logger.WithFields(logrus.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         rec.status,
			"duration":       time.Since(start).String(),
			"correlation_id": correlationID,
		}).Info("request")
	})
}

// LimitBody rejects oversized request bodies before handlers decode them.
func LimitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes SSE flushes through to the underlying writer.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
