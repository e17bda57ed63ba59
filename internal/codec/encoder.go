package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/hwcodec/internal/config"
	cerrors "github.com/zsiec/hwcodec/internal/errors"
	"github.com/zsiec/hwcodec/internal/h264"
	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/metrics"
	"github.com/zsiec/hwcodec/internal/reservation"
	"github.com/zsiec/hwcodec/internal/timestamp"
)

// CodecSettings are the session parameters negotiated by the pipeline.
type CodecSettings struct {
	Width            int
	Height           int
	MaxFramerate     int
	StartBitrateKbps int
}

// EncoderStats is a snapshot of encoder state for the status API.
type EncoderStats struct {
	SessionID        string     `json:"session_id"`
	Initialized      bool       `json:"initialized"`
	Configured       bool       `json:"configured"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	Framerate        int        `json:"framerate"`
	BitrateKbps      int        `json:"bitrate_kbps"`
	KeyframePolicy   string     `json:"keyframe_policy"`
	FramesSubmitted  uint64     `json:"frames_submitted"`
	Reconfigurations uint64     `json:"reconfigurations"`
	RefreshRequests  uint64     `json:"refresh_requests"`
	PendingMetadata  int        `json:"pending_metadata"`
	Drain            DrainStats `json:"drain"`
	DrainError       string     `json:"drain_error,omitempty"`
}

// DrainHealth describes the encoder's drain loop for liveness checks.
type DrainHealth struct {
	Started      bool
	Running      bool
	LastActivity time.Time
	Err          error
}

// H264Encoder adapts an asynchronous hardware encoder to the synchronous
// per-frame encode contract of a real-time pipeline.
//
// Encode, SetRates and Release must be called from a single goroutine.
// RequestKeyframe and Stats may be called from any goroutine.
type H264Encoder struct {
	factory     EncoderDeviceFactory
	reservation reservation.Reservation
	cfg         config.EncoderConfig
	baseLogger  logger.Logger
	logger      *logger.SampledLogger

	mu     sync.Mutex
	device EncoderDevice
	drain  *OutputDrainLoop
	store  *FrameMetadataStore
	policy *KeyframePolicy

	sessionID          string
	width              int
	height             int
	framerate          int
	bitrateKbps        int
	configured         bool
	reconfigurePending bool
	reconfigureReason  string
	unwrapper          *timestamp.Unwrapper

	cbMu     sync.RWMutex
	callback EncodeCompleteCallback

	keyframeRequested atomic.Bool
	submitted         atomic.Uint64
	reconfigurations  atomic.Uint64
	refreshRequests   atomic.Uint64
	// lastDrain keeps the counters of a released session visible.
	lastDrain DrainStats
}

// NewH264Encoder creates an uninitialized encoder. backend supplies the
// encoder role reservation.
func NewH264Encoder(factory EncoderDeviceFactory, backend reservation.Backend, cfg config.EncoderConfig, log logger.Logger) *H264Encoder {
	if log == nil {
		log = logger.NewNullLogger()
	}
	e := &H264Encoder{
		factory:     factory,
		reservation: backend.ForRole(reservation.RoleEncoder),
		cfg:         cfg,
		store:       NewFrameMetadataStore(),
		policy:      NewKeyframePolicy(cfg.KeyframePolicy),
		unwrapper:   timestamp.NewUnwrapper(timestamp.VideoClockRate),
	}
	e.setLogger(log)
	return e
}

func (e *H264Encoder) setLogger(log logger.Logger) {
	e.sessionID = uuid.New().String()
	e.baseLogger = log.WithFields(map[string]interface{}{
		"component":  "h264_encoder",
		"session_id": e.sessionID,
	})
	e.logger = logger.NewCodecLogger(e.baseLogger)
}

// InitEncode opens the device and reserves the encoder role. Device
// configuration is deferred to the first Encode since InitEncode may be
// called several times with provisional settings.
func (e *H264Encoder) InitEncode(ctx context.Context, settings CodecSettings) error {
	const op = "encoder.init"

	if settings.Width <= 0 || settings.Height <= 0 {
		return cerrors.NewValidationError(fmt.Sprintf("invalid dimensions %dx%d", settings.Width, settings.Height))
	}
	if settings.MaxFramerate <= 0 || settings.StartBitrateKbps <= 0 {
		return cerrors.NewValidationError("framerate and start bitrate must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil {
		device, err := e.factory()
		if err != nil {
			return cerrors.NewDeviceError(op, "failed to create encoder device", err)
		}
		e.device = device
		e.logger.Debug("Encoder device created")
	}

	if err := e.reservation.Reserve(ctx); err != nil {
		e.closeDevice()
		if errors.Is(err, reservation.ErrReserved) {
			return cerrors.NewDeviceBusyError(op, string(reservation.RoleEncoder))
		}
		return cerrors.NewDeviceError(op, "failed to reserve encoder", err)
	}

	e.width = settings.Width
	e.height = settings.Height
	e.framerate = settings.MaxFramerate
	e.bitrateKbps = settings.StartBitrateKbps
	metrics.SetEncoderTargets(e.bitrateKbps, e.framerate)

	e.logger.WithFields(map[string]interface{}{
		"width":        e.width,
		"height":       e.height,
		"framerate":    e.framerate,
		"bitrate_kbps": e.bitrateKbps,
	}).Info("Encoder reserved")
	return nil
}

// RegisterEncodeCompleteCallback installs the receiver of encoded images.
func (e *H264Encoder) RegisterEncodeCompleteCallback(cb EncodeCompleteCallback) error {
	if cb == nil {
		return cerrors.NewValidationError("encode complete callback is nil")
	}
	e.cbMu.Lock()
	e.callback = cb
	e.cbMu.Unlock()
	return nil
}

func (e *H264Encoder) deliver(img *EncodedImage) {
	e.cbMu.RLock()
	cb := e.callback
	e.cbMu.RUnlock()
	if cb != nil {
		cb(img)
	}
}

// Encode submits one frame. forceKeyframe asks for a refresh frame
// regardless of the keyframe policy.
func (e *H264Encoder) Encode(frame *VideoFrame, forceKeyframe bool) error {
	const op = "encoder.encode"

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil {
		return cerrors.NewUninitializedError(op)
	}
	if e.drain != nil {
		if err := e.drain.Err(); err != nil {
			return err
		}
	}
	if frame == nil || frame.Buffer == nil {
		return cerrors.NewEmptyInputError(op)
	}

	// A buffer the device cannot take must not move the configured size.
	nv12, err := ToNV12(frame.Buffer)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrorTypeValidation, op, "unsupported frame buffer")
	}

	width, height := nv12.Width(), nv12.Height()
	if width != e.width || height != e.height {
		e.logger.WithFields(map[string]interface{}{
			"from": fmt.Sprintf("%dx%d", e.width, e.height),
			"to":   fmt.Sprintf("%dx%d", width, height),
		}).Info("Resolution changed")
		e.width = width
		e.height = height
		e.markReconfigure("resolution")
	}

	if !e.configured || e.reconfigurePending {
		if err := e.configure(); err != nil {
			return err
		}
	}

	requested := e.keyframeRequested.Swap(false)
	if refresh, reason := e.policy.Evaluate(e.bitrateKbps, forceKeyframe || requested); refresh {
		e.requestRefresh(reason)
	}

	tsUs := e.unwrapper.Microseconds(frame.Timestamp)
	md := FrameMetadata{
		Width:        width,
		Height:       height,
		Timestamp:    frame.Timestamp,
		RenderTimeMs: frame.RenderTimeMs,
	}

	// Metadata goes in first: the drain loop may see the output before
	// device.Encode returns.
	if err := e.store.Push(tsUs, md); err != nil {
		return err
	}
	if err := e.device.Encode(nv12.Bytes(), width, height, tsUs); err != nil {
		_, _ = e.store.Pop(tsUs)
		return cerrors.NewDeviceError(op, "device rejected frame", err)
	}

	if e.drain == nil {
		e.drain = NewOutputDrainLoop(e.device, e.store, e.deliver, e.cfg.DrainTimeout, e.baseLogger)
		e.drain.Start()
	}

	e.submitted.Add(1)
	metrics.RecordFrameSubmitted(metrics.RoleEncoder)
	metrics.SetPendingMetadata(metrics.RoleEncoder, e.store.Len())
	return nil
}

func (e *H264Encoder) markReconfigure(reason string) {
	if !e.configured {
		return
	}
	e.reconfigurePending = true
	e.reconfigureReason = reason
}

func (e *H264Encoder) configure() error {
	const op = "encoder.configure"

	reason := "initial"
	if e.configured {
		reason = e.reconfigureReason
		e.logger.InfoWithCategory(logger.CategoryReconfigure, "Reconfiguring encoder", map[string]interface{}{
			"width":     e.width,
			"height":    e.height,
			"framerate": e.framerate,
			"reason":    reason,
		})
	}
	e.configured = false
	e.reconfigurePending = false

	params := e.formatParams()
	start := time.Now()
	if err := e.device.Configure(params); err != nil {
		e.logger.WithError(err).Error("Failed to configure encoder")
		return cerrors.NewConfigurationError(op, err).WithDetails(map[string]interface{}{
			"width":  params.Width,
			"height": params.Height,
		})
	}
	elapsed := time.Since(start)

	e.configured = true
	e.reconfigurations.Add(1)
	e.policy.Reset(e.bitrateKbps)
	metrics.RecordReconfiguration(metrics.RoleEncoder, reason, elapsed.Seconds())

	e.logger.WithFields(map[string]interface{}{
		"width":        params.Width,
		"height":       params.Height,
		"framerate":    params.Framerate,
		"bitrate_kbps": e.bitrateKbps,
		"duration":     elapsed,
	}).Info("Encoder configured")
	return nil
}

func (e *H264Encoder) formatParams() FormatParams {
	iframe := e.cfg.IFrameInterval
	if iframe <= 0 {
		iframe = 4
	}
	level := e.cfg.Level
	if level <= 0 {
		level = 30
	}
	mode := e.cfg.BitrateMode
	if mode == "" {
		mode = "cbr"
	}
	return FormatParams{
		MIME:                 MIMETypeAVC,
		Width:                e.width,
		Height:               e.height,
		Stride:               e.width,
		SliceHeight:          e.height,
		ColorFormat:          ColorFormatNV12,
		BitrateBps:           e.bitrateKbps * 1000,
		Framerate:            e.framerate,
		IFrameIntervalSec:    iframe,
		ProfileIdc:           profileIdc(e.cfg.Profile),
		Level:                level,
		BitrateMode:          mode,
		PrependParameterSets: true,
	}
}

func profileIdc(profile string) uint8 {
	switch profile {
	case "main":
		return h264.ProfileMain
	case "high":
		return h264.ProfileHigh
	default:
		return h264.ProfileBaseline
	}
}

func (e *H264Encoder) requestRefresh(reason string) {
	e.refreshRequests.Add(1)
	metrics.RecordRefreshRequest(reason)
	if err := e.device.RequestRefreshFrame(); err != nil {
		e.logger.WithError(err).Warn("Refresh frame request failed")
		return
	}
	e.logger.InfoWithCategory(logger.CategoryKeyframeForce, "Requested refresh frame", map[string]interface{}{
		"reason":       reason,
		"bitrate_kbps": e.bitrateKbps,
	})
}

// RequestKeyframe asks for a refresh frame on the next Encode. It is safe
// to call from receiver feedback goroutines.
func (e *H264Encoder) RequestKeyframe() {
	e.keyframeRequested.Store(true)
}

// SetRates updates the target bitrate and framerate. Bitrate reaches the
// device at once; a framerate change that moves to another ladder step is
// applied by reconfiguring on the next Encode.
func (e *H264Encoder) SetRates(bitrateKbps, framerate int) error {
	const op = "encoder.set_rates"

	if bitrateKbps <= 0 || framerate <= 0 {
		return cerrors.NewValidationError(fmt.Sprintf("invalid rates %d kbps @ %d fps", bitrateKbps, framerate))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device == nil {
		return cerrors.NewUninitializedError(op)
	}

	if rate := QuantizeFramerate(framerate, e.framerate); rate != e.framerate {
		e.logger.WithFields(map[string]interface{}{
			"requested": framerate,
			"from":      e.framerate,
			"to":        rate,
		}).Debug("Framerate step changed")
		e.framerate = rate
		e.markReconfigure("framerate")
	}

	e.bitrateKbps = bitrateKbps
	metrics.SetEncoderTargets(e.bitrateKbps, e.framerate)

	if e.configured {
		if err := e.device.SetBitrate(bitrateKbps); err != nil {
			return cerrors.NewDeviceError(op, "failed to set bitrate", err)
		}
	}
	return nil
}

// SetChannelParameters accepts network conditions. packetLoss is the lost
// fraction scaled to 0-255. The hardware encoder has no use for them.
func (e *H264Encoder) SetChannelParameters(packetLoss uint8, rttMs int64) error {
	e.logger.WithFields(map[string]interface{}{
		"packet_loss": packetLoss,
		"rtt_ms":      rttMs,
	}).Debug("Channel parameters updated")
	return nil
}

// Release stops the drain loop, closes the device and gives up the
// reservation. It is safe to call repeatedly.
func (e *H264Encoder) Release(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.drain != nil {
		e.drain.Stop()
		e.lastDrain = e.drain.Stats()
		e.drain = nil
	}
	e.store.Clear()
	metrics.SetPendingMetadata(metrics.RoleEncoder, 0)

	e.configured = false
	e.reconfigurePending = false
	e.keyframeRequested.Store(false)
	e.unwrapper.Reset()

	hadDevice := e.device != nil
	e.closeDevice()

	if err := e.reservation.Release(ctx); err != nil {
		e.logger.WithError(err).Warn("Failed to release encoder reservation")
		return cerrors.NewDeviceError("encoder.release", "failed to release reservation", err)
	}
	if hadDevice {
		e.logger.Info("Encoder released")
	}
	return nil
}

func (e *H264Encoder) closeDevice() {
	if e.device == nil {
		return
	}
	if err := e.device.Close(); err != nil {
		e.logger.WithError(err).Warn("Failed to close encoder device")
	}
	e.device = nil
}

// Stats returns a snapshot of the encoder.
func (e *H264Encoder) Stats() EncoderStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := EncoderStats{
		SessionID:        e.sessionID,
		Initialized:      e.device != nil,
		Configured:       e.configured,
		Width:            e.width,
		Height:           e.height,
		Framerate:        e.framerate,
		BitrateKbps:      e.bitrateKbps,
		KeyframePolicy:   e.policy.Mode(),
		FramesSubmitted:  e.submitted.Load(),
		Reconfigurations: e.reconfigurations.Load(),
		RefreshRequests:  e.refreshRequests.Load(),
		PendingMetadata:  e.store.Len(),
		Drain:            e.lastDrain,
	}
	if e.drain != nil {
		s.Drain = e.drain.Stats()
		if err := e.drain.Err(); err != nil {
			s.DrainError = err.Error()
		}
	}
	return s
}

// DrainHealth reports on the drain loop of the current session.
func (e *H264Encoder) DrainHealth() DrainHealth {
	e.mu.Lock()
	drain := e.drain
	e.mu.Unlock()

	if drain == nil {
		return DrainHealth{}
	}
	return DrainHealth{
		Started:      true,
		Running:      drain.Running(),
		LastActivity: drain.LastActivity(),
		Err:          drain.Err(),
	}
}
