package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/zsiec/hwcodec/internal/config"
	cerrors "github.com/zsiec/hwcodec/internal/errors"
	"github.com/zsiec/hwcodec/internal/h264"
	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/metrics"
	"github.com/zsiec/hwcodec/internal/reservation"
)

// DecoderStats is a snapshot of decoder state for the status API.
type DecoderStats struct {
	SessionID       string `json:"session_id"`
	Initialized     bool   `json:"initialized"`
	ConfigSubmitted bool   `json:"config_submitted"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	UnitsSubmitted  uint64 `json:"units_submitted"`
	PicturesDecoded uint64 `json:"pictures_decoded"`
}

// H264Decoder feeds Annex-B access units to a hardware decoder. The
// out-of-band configuration is derived from the first unit; decoded
// pictures arrive through the device's own callback.
type H264Decoder struct {
	factory     DecoderDeviceFactory
	reservation reservation.Reservation
	cfg         config.DecoderConfig
	sessionID   string
	logger      *logger.SampledLogger

	mu              sync.Mutex
	device          DecoderDevice
	configSubmitted bool
	width           int
	height          int

	cbMu     sync.RWMutex
	callback DecodeCompleteCallback

	submitted atomic.Uint64
	decoded   atomic.Uint64
}

// NewH264Decoder creates an uninitialized decoder. backend supplies the
// decoder role reservation.
func NewH264Decoder(factory DecoderDeviceFactory, backend reservation.Backend, cfg config.DecoderConfig, log logger.Logger) *H264Decoder {
	if log == nil {
		log = logger.NewNullLogger()
	}
	sessionID := uuid.New().String()
	return &H264Decoder{
		factory:     factory,
		reservation: backend.ForRole(reservation.RoleDecoder),
		cfg:         cfg,
		sessionID:   sessionID,
		logger: logger.NewCodecLogger(log.WithFields(map[string]interface{}{
			"component":  "h264_decoder",
			"session_id": sessionID,
		})),
	}
}

// InitDecode reserves the decoder role and starts a device configured for
// the initial picture size. Zero dimensions fall back to the configured
// defaults.
func (d *H264Decoder) InitDecode(ctx context.Context, width, height int) error {
	const op = "decoder.init"

	if width <= 0 || height <= 0 {
		width, height = d.cfg.Width, d.cfg.Height
	}
	if width <= 0 || height <= 0 {
		return cerrors.NewValidationError(fmt.Sprintf("invalid dimensions %dx%d", width, height))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return nil
	}

	if err := d.reservation.Reserve(ctx); err != nil {
		if errors.Is(err, reservation.ErrReserved) {
			d.logger.Warn("Decoder in use")
			return cerrors.NewDeviceBusyError(op, string(reservation.RoleDecoder))
		}
		return cerrors.NewDeviceError(op, "failed to reserve decoder", err)
	}

	device, err := d.factory()
	if err != nil {
		_ = d.reservation.Release(ctx)
		return cerrors.NewDeviceError(op, "failed to create decoder device", err)
	}
	if err := device.Configure(DecoderFormat{MIME: MIMETypeAVC, Width: width, Height: height}); err != nil {
		_ = device.Close()
		_ = d.reservation.Release(ctx)
		d.logger.WithError(err).Error("Decoder not started")
		return cerrors.NewConfigurationError(op, err)
	}
	device.SetDecodedCallback(d.onPicture)

	d.device = device
	d.width = width
	d.height = height
	metrics.RecordReconfiguration(metrics.RoleDecoder, "initial", 0)

	d.logger.WithFields(map[string]interface{}{
		"width":  width,
		"height": height,
	}).Info("Decoder started")
	return nil
}

// RegisterDecodeCompleteCallback installs the receiver of decoded pictures.
func (d *H264Decoder) RegisterDecodeCompleteCallback(cb DecodeCompleteCallback) error {
	if cb == nil {
		return cerrors.NewValidationError("decode complete callback is nil")
	}
	d.cbMu.Lock()
	d.callback = cb
	d.cbMu.Unlock()
	return nil
}

func (d *H264Decoder) onPicture(p DecodedPicture) {
	if p.Buffer == nil {
		return
	}
	d.decoded.Add(1)
	metrics.RecordFrameEmitted(metrics.RoleDecoder, "picture", len(p.Buffer.Bytes()))
	d.logger.DebugWithCategory(logger.CategoryDecoderPicture, "Picture decoded", map[string]interface{}{
		"width":          p.Buffer.Width(),
		"height":         p.Buffer.Height(),
		"render_time_ms": p.RenderTimeMs,
	})

	d.cbMu.RLock()
	cb := d.callback
	d.cbMu.RUnlock()
	if cb != nil {
		cb(&DecodedImage{
			Buffer:       p.Buffer,
			Width:        p.Buffer.Width(),
			Height:       p.Buffer.Height(),
			RenderTimeMs: p.RenderTimeMs,
		})
	}
}

// Decode submits one access unit. The first unit of a session must carry
// SPS and PPS.
func (d *H264Decoder) Decode(input *EncodedImage, renderTimeMs int64) error {
	const op = "decoder.decode"

	if input == nil || len(input.Data) == 0 {
		d.logger.Warn("Empty input data")
		return cerrors.NewEmptyInputError(op)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return cerrors.NewUninitializedError(op)
	}

	if !d.configSubmitted {
		cc, err := h264.MakeCodecConfig(input.Data)
		if err != nil {
			d.logger.WithError(err).Error("Missing codec config")
			return cerrors.NewMalformedBitstreamError(op, err)
		}
		if err := d.device.FillInput(cc.Record, true, renderTimeMs); err != nil {
			return cerrors.NewDeviceError(op, "failed to submit codec config", err)
		}
		d.configSubmitted = true
		d.width, d.height = cc.Width, cc.Height
		d.logger.WithFields(map[string]interface{}{
			"width":  cc.Width,
			"height": cc.Height,
		}).Debug("Codec config submitted")
	}

	if err := d.device.FillInput(input.Data, false, renderTimeMs); err != nil {
		return cerrors.NewDeviceError(op, "failed to submit input data", err)
	}
	d.submitted.Add(1)
	metrics.RecordFrameSubmitted(metrics.RoleDecoder)
	return nil
}

// Release stops the device and gives up the reservation. It is safe to
// call repeatedly.
func (d *H264Decoder) Release(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		if err := d.device.Close(); err != nil {
			d.logger.WithError(err).Warn("Failed to close decoder device")
		}
		d.device = nil
		d.logger.Info("Decoder released")
	}
	d.configSubmitted = false

	if err := d.reservation.Release(ctx); err != nil {
		return cerrors.NewDeviceError("decoder.release", "failed to release reservation", err)
	}
	return nil
}

// Stats returns a snapshot of the decoder.
func (d *H264Decoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DecoderStats{
		SessionID:       d.sessionID,
		Initialized:     d.device != nil,
		ConfigSubmitted: d.configSubmitted,
		Width:           d.width,
		Height:          d.height,
		UnitsSubmitted:  d.submitted.Load(),
		PicturesDecoded: d.decoded.Load(),
	}
}
