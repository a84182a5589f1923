package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/acquira/gateway/internal/metrics"
)

const requestIDKey contextKey = "request_id"

// RequestID accepts an inbound X-Request-ID or generates one, echoes it on
// the response, and logs every finished request with route-level metrics.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(sw, r.WithContext(ctx))

		elapsed := time.Since(start)
		route := routeTemplate(r)
		metrics.ObserveHTTP(route, r.Method, sw.status, elapsed)
		slog.Info("request",
			"request_id", id,
			"method", r.Method,
			"route", route,
			"status", sw.status,
			"duration_ms", elapsed.Milliseconds())
	})
}

// RequestIDFrom returns the request id stored by RequestID, or "".
func RequestIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
