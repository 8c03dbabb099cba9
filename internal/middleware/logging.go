package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"camrelay/internal/log"
)

// AccessLog logs one line per request with status, size and latency.
// Websocket upgrades are logged when the socket closes.
func AccessLog(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := logger.Debug()
			switch {
			case status >= 500:
				ev = logger.Error()
			case status >= 400:
				ev = logger.Info()
			}
			ev.Str(log.FieldRequestID, chimw.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur(log.FieldLatency, time.Since(start)).
				Str(log.FieldRemoteAddr, r.RemoteAddr).
				Msg("http request")
		})
	}
}
