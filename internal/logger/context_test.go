package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestRequestLoggerMiddleware(t *testing.T) {
	base := logrus.New()
	base.SetOutput(&discard{})

	var gotID string
	var gotEntry *logrus.Entry
	h := RequestLoggerMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = RequestID(r.Context())
		gotEntry = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/codecs", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotEmpty(t, gotID)
	assert.Equal(t, gotID, gotEntry.Data["request_id"])
	assert.Equal(t, "/api/v1/codecs", gotEntry.Data["path"])

	req = httptest.NewRequest(http.MethodPost, "/api/v1/codecs/encoder/keyframe", nil)
	req.Header.Set(RequestIDHeader, "pli-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "pli-42", gotID)
}

func TestFromContext_Fallback(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))
	assert.Empty(t, RequestID(context.Background()))
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := NewStatusRecorder(rec)

	rw.WriteHeader(http.StatusConflict)
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("busy"))

	assert.Equal(t, http.StatusConflict, rw.Status())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
