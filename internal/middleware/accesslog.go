package middleware

import (
	"net/http"
	"time"

	"github.com/smartmob-project/smartmob-agent/internal/eventlog"
)

// Clock returns monotonically increasing seconds; injected so tests can
// pin request durations.
type Clock func() float64

func defaultClock() Clock {
	start := time.Now()
	return func() float64 {
		return time.Since(start).Seconds()
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

// AccessLog emits exactly one http.access event per request, whatever the
// handler's outcome. A panicking handler is logged with outcome 500 and
// the panic propagates unchanged; the recoverer sits inside this
// middleware so the response still becomes a 500.
func AccessLog(log eventlog.Logger, clock Clock) func(next http.Handler) http.Handler {
	if log == nil {
		log = eventlog.Nop()
	}
	if clock == nil {
		clock = defaultClock()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			arrival := time.Now().UTC()
			ref := clock()
			wrapped := wrapResponseWriter(w)

			emit := func(outcome int) {
				requestID := GetRequestID(r.Context())
				if requestID == "" {
					requestID = "?"
				}
				log.Info("http.access",
					eventlog.String("path", r.URL.Path),
					eventlog.Int("outcome", outcome),
					eventlog.Float64("duration", clock()-ref),
					eventlog.String("request", requestID),
					eventlog.Time(eventlog.TimestampKey, arrival),
				)
			}

			defer func() {
				if rec := recover(); rec != nil {
					emit(http.StatusInternalServerError)
					panic(rec)
				}
			}()

			next.ServeHTTP(wrapped, r)
			emit(wrapped.status)
		})
	}
}
