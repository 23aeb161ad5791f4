package receiving_api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/BearBump/ScanBox/internal/logger"
)

const correlationHeader = "X-Correlation-ID"

// RequestLogger stores a correlation ID in the request context (the chi
// request ID when present) and logs each request once it completes.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = middleware.GetReqID(r.Context())
		}
		ctx, id := logger.WithCorrelationID(r.Context(), id)
		w.Header().Set(correlationHeader, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		l := logger.ForContext(ctx).WithFields(logger.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if status >= http.StatusInternalServerError {
			l.Warn("request served")
			return
		}
		l.Info("request served")
	})
}
