package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwcodec/internal/codec"
	cerrors "github.com/zsiec/hwcodec/internal/errors"
	"github.com/zsiec/hwcodec/internal/reservation"
	"github.com/zsiec/hwcodec/pkg/version"
)

func itoa(n int) string { return strconv.Itoa(n) }

type stubEncoder struct {
	stats     codec.EncoderStats
	health    codec.DrainHealth
	keyframes atomic.Int32
}

func (s *stubEncoder) Stats() codec.EncoderStats      { return s.stats }
func (s *stubEncoder) DrainHealth() codec.DrainHealth { return s.health }
func (s *stubEncoder) RequestKeyframe()               { s.keyframes.Add(1) }

type stubDecoder struct {
	stats codec.DecoderStats
}

func (s *stubDecoder) Stats() codec.DecoderStats { return s.stats }

func TestHandleVersion(t *testing.T) {
	s, _ := newTestServer(t)
	rr := serve(s, http.MethodGet, "/version")

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var info version.Info
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &info))
	assert.Equal(t, version.Version, info.Version)
}

func TestHandleCodecs(t *testing.T) {
	s, backend := newTestServer(t)
	enc := &stubEncoder{stats: codec.EncoderStats{Width: 640, Height: 480, FramesSubmitted: 12}}
	dec := &stubDecoder{stats: codec.DecoderStats{PicturesDecoded: 7}}
	s.AttachCodecs(enc, dec, 0)

	res := backend.ForRole(reservation.RoleEncoder)
	require.NoError(t, res.Reserve(context.Background()))
	defer res.Release(context.Background())

	rr := serve(s, http.MethodGet, "/api/v1/codecs")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp CodecsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotNil(t, resp.Encoder)
	assert.Equal(t, 640, resp.Encoder.Width)
	assert.Equal(t, uint64(12), resp.Encoder.FramesSubmitted)
	require.NotNil(t, resp.Decoder)
	assert.Equal(t, uint64(7), resp.Decoder.PicturesDecoded)
	assert.Equal(t, "memory", resp.Backend)
	assert.Contains(t, resp.Reservations, "encoder")
	assert.NotContains(t, resp.Reservations, "decoder")
}

func TestHandleCodecs_NoneAttached(t *testing.T) {
	s, _ := newTestServer(t)
	rr := serve(s, http.MethodGet, "/api/v1/codecs")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp CodecsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Nil(t, resp.Encoder)
	assert.Nil(t, resp.Decoder)
	assert.Empty(t, resp.Reservations)
}

func TestHandleKeyframe(t *testing.T) {
	s, _ := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodPost, "/api/v1/codecs/encoder/keyframe").Code)

	enc := &stubEncoder{}
	s.AttachCodecs(enc, nil, 0)
	assert.Equal(t, http.StatusAccepted, serve(s, http.MethodPost, "/api/v1/codecs/encoder/keyframe").Code)
	assert.Equal(t, int32(1), enc.keyframes.Load())

	rr := serve(s, http.MethodGet, "/api/v1/codecs/encoder/keyframe")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rr := serve(s, http.MethodGet, "/nope")
	require.Equal(t, http.StatusNotFound, rr.Code)

	var resp cerrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, cerrors.ErrorTypeNotFound, resp.Error.Type)
}
