package logger

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the status API request id in both directions.
const RequestIDHeader = "X-Request-ID"

type requestScopeKey struct{}

type requestScope struct {
	id    string
	entry *logrus.Entry
}

// FromContext returns the request-scoped entry installed by
// RequestLoggerMiddleware, or an entry on the standard logger.
func FromContext(ctx context.Context) *logrus.Entry {
	if scope, ok := ctx.Value(requestScopeKey{}).(*requestScope); ok {
		return scope.entry
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// RequestID returns the id of the request being served, if any.
func RequestID(ctx context.Context) string {
	if scope, ok := ctx.Value(requestScopeKey{}).(*requestScope); ok {
		return scope.id
	}
	return ""
}

// RequestLoggerMiddleware scopes an entry to every status API request. It
// reuses the incoming request id and mints one when the client sent none.
func RequestLoggerMiddleware(log *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(RequestIDHeader, id)
			}
			scope := &requestScope{
				id: id,
				entry: log.WithFields(Fields{
					"request_id": id,
					"method":     r.Method,
					"path":       r.URL.Path,
					"remote_ip":  r.RemoteAddr,
				}),
			}
			scope.entry.Debug("Request started")
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestScopeKey{}, scope)))
		})
	}
}

// StatusRecorder remembers the first status code written through it.
type StatusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func NewStatusRecorder(w http.ResponseWriter) *StatusRecorder {
	return &StatusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rw *StatusRecorder) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.status = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *StatusRecorder) Write(b []byte) (int, error) {
	rw.WriteHeader(http.StatusOK)
	return rw.ResponseWriter.Write(b)
}

func (rw *StatusRecorder) Status() int { return rw.status }
