package server

import (
	"encoding/json"
	"net/http"

	"github.com/zsiec/hwcodec/internal/codec"
	cerrors "github.com/zsiec/hwcodec/internal/errors"
	"github.com/zsiec/hwcodec/pkg/version"
)

// CodecsResponse is the body of GET /api/v1/codecs.
type CodecsResponse struct {
	Encoder      *codec.EncoderStats `json:"encoder,omitempty"`
	Decoder      *codec.DecoderStats `json:"decoder,omitempty"`
	Backend      string              `json:"reservation_backend,omitempty"`
	Reservations map[string]string   `json:"reservations"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := s.writeJSON(w, http.StatusOK, version.GetInfo()); err != nil {
		s.logger.WithError(err).Error("Failed to encode version response")
	}
}

func (s *Server) handleCodecs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	enc, dec := s.encoder, s.decoder
	s.mu.RUnlock()

	resp := CodecsResponse{Reservations: map[string]string{}}
	if enc != nil {
		stats := enc.Stats()
		resp.Encoder = &stats
	}
	if dec != nil {
		stats := dec.Stats()
		resp.Decoder = &stats
	}
	if s.backend != nil {
		resp.Backend = s.backend.Name()
		holders, err := s.backend.Holders(r.Context())
		if err != nil {
			s.writeError(w, r, cerrors.WrapInternalError(err, "failed to list codec reservations"))
			return
		}
		for role, owner := range holders {
			resp.Reservations[string(role)] = owner
		}
	}

	if err := s.writeJSON(w, http.StatusOK, resp); err != nil {
		s.logger.WithError(err).Error("Failed to encode codecs response")
	}
}

func (s *Server) handleKeyframe(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	enc := s.encoder
	s.mu.RUnlock()

	if enc == nil {
		s.writeError(w, r, cerrors.NewNotFoundError("encoder"))
		return
	}
	enc.RequestKeyframe()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.errorHandler.HandleError(w, r, err)
}
