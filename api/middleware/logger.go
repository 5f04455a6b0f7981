package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/0xmhha/ledger-crawler/internal/logger"
)

// statusRecorder captures the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Logger attaches a request-scoped logger to the request context and logs
// every request at a level chosen by its status code. Handlers read the
// scoped logger with logger.FromContext.
func Logger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			reqLog := log
			if id := chimiddleware.GetReqID(r.Context()); id != "" {
				reqLog = log.With(zap.String("request_id", id))
			}
			r = r.WithContext(logger.WithLogger(r.Context(), reqLog))

			next.ServeHTTP(rec, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case rec.status >= 500:
				reqLog.Error("http request - server error", fields...)
			case rec.status >= 400:
				reqLog.Warn("http request - client error", fields...)
			default:
				reqLog.Debug("http request", fields...)
			}
		}
		return http.HandlerFunc(fn)
	}
}
