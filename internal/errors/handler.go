package errors

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

const requestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON body of every status API failure.
type ErrorResponse struct {
	Error    ErrorDetails `json:"error"`
	TraceID  string       `json:"trace_id,omitempty"`
	Metadata interface{}  `json:"metadata,omitempty"`
}

type ErrorDetails struct {
	Type    ErrorType              `json:"type"`
	Op      string                 `json:"op,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandler turns codec errors into status API responses.
type ErrorHandler struct {
	logger *logrus.Logger
}

func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// HandleError writes err with the status its type maps to. Errors that are
// not CodecErrors are reported as internal without leaking their text.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	codecErr, ok := GetCodecError(err)
	if !ok {
		codecErr = WrapInternalError(err, "An unexpected error occurred")
	}
	status := codecErr.HTTPStatus()
	traceID := r.Header.Get(requestIDHeader)

	entry := h.logger.WithFields(logrus.Fields{
		"error_type": codecErr.Type,
		"op":         codecErr.Op,
		"trace_id":   traceID,
		"method":     r.Method,
		"path":       r.URL.Path,
	})
	switch {
	case status >= http.StatusInternalServerError:
		entry.Error(codecErr.Error())
	case status >= http.StatusBadRequest:
		entry.Warn(codecErr.Error())
	default:
		entry.Info(codecErr.Error())
	}

	h.Write(w, status, ErrorResponse{
		Error: ErrorDetails{
			Type:    codecErr.Type,
			Op:      codecErr.Op,
			Message: codecErr.Message,
			Details: codecErr.Details,
		},
		TraceID: traceID,
	})
}

func (h *ErrorHandler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.HandleError(w, r, NewNotFoundError("endpoint"))
}

func (h *ErrorHandler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.Write(w, http.StatusMethodNotAllowed, ErrorResponse{
		Error:   ErrorDetails{Type: ErrorTypeValidation, Message: "Method not allowed"},
		TraceID: r.Header.Get(requestIDHeader),
	})
}

// Write sends resp as JSON with the given status.
func (h *ErrorHandler) Write(w http.ResponseWriter, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.WithError(err).Error("Failed to encode error response")
	}
}

// Middleware recovers handler panics into a 500 response.
func (h *ErrorHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recovered := recover(); recovered != nil {
				h.logger.WithFields(logrus.Fields{
					"panic":    recovered,
					"method":   r.Method,
					"path":     r.URL.Path,
					"trace_id": r.Header.Get(requestIDHeader),
				}).Error("Panic recovered in HTTP handler")
				h.HandleError(w, r, NewInternalError("An unexpected error occurred"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
