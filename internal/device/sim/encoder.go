// Package sim provides in-process stand-ins for the hardware H.264 codec.
// They produce well-formed Annex-B framing with real parameter sets but no
// actual picture coding, and mimic the asynchronous output behavior of a
// hardware device.
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/config"
	"github.com/zsiec/hwcodec/internal/h264"
	"github.com/zsiec/hwcodec/internal/logger"
)

const outputQueueSize = 256

var (
	// ErrClosed is returned by every call on a closed device.
	ErrClosed = errors.New("sim device closed")
	// ErrNotConfigured is returned when input arrives before Configure.
	ErrNotConfigured = errors.New("sim device not configured")
	// ErrQueueFull is returned when output is not drained fast enough.
	ErrQueueFull = errors.New("sim device output queue full")
)

type output struct {
	unit    codec.EncodedUnit
	err     error
	readyAt time.Time
}

// Encoder is a simulated asynchronous H.264 encoder device.
//
// Like common mobile encoders it emits SPS/PPS in a buffer of their own,
// stamped with the timestamp of the IDR that follows, and only does so
// after a (re)configuration. Later IDRs carry no parameter sets unless
// BundleParams is set.
type Encoder struct {
	cfg    config.SimConfig
	logger logger.Logger

	out     chan output
	closeCh chan struct{}

	mu          sync.Mutex
	params      codec.FormatParams
	configured  bool
	closed      bool
	frames      int
	forceIDR    bool
	sentParams  bool
	bitrateKbps int
}

// NewEncoder creates an unconfigured device.
func NewEncoder(cfg config.SimConfig, log logger.Logger) *Encoder {
	if log == nil {
		log = logger.NewNullLogger()
	}
	if cfg.GOPSize <= 0 {
		cfg.GOPSize = 120
	}
	if cfg.DeltaFrameLen <= 0 {
		cfg.DeltaFrameLen = 256
	}
	return &Encoder{
		cfg:     cfg,
		logger:  log.WithField("component", "sim_encoder"),
		out:     make(chan output, outputQueueSize),
		closeCh: make(chan struct{}),
	}
}

// EncoderFactory returns a codec.EncoderDeviceFactory opening sim encoders.
func EncoderFactory(cfg config.SimConfig, log logger.Logger) codec.EncoderDeviceFactory {
	return func() (codec.EncoderDevice, error) {
		return NewEncoder(cfg, log), nil
	}
}

func (e *Encoder) Configure(params codec.FormatParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if params.MIME != codec.MIMETypeAVC {
		return fmt.Errorf("unsupported mime %q", params.MIME)
	}
	if params.Width <= 0 || params.Height <= 0 || params.Width%2 != 0 || params.Height%2 != 0 {
		return fmt.Errorf("unsupported dimensions %dx%d", params.Width, params.Height)
	}
	if params.ColorFormat != codec.ColorFormatNV12 {
		return fmt.Errorf("unsupported color format %s", params.ColorFormat)
	}

	e.params = params
	e.configured = true
	e.frames = 0
	e.sentParams = false
	e.bitrateKbps = params.BitrateBps / 1000

	e.logger.WithFields(map[string]interface{}{
		"width":     params.Width,
		"height":    params.Height,
		"framerate": params.Framerate,
		"bitrate":   params.BitrateBps,
	}).Debug("Sim encoder configured")
	return nil
}

func (e *Encoder) Encode(frame []byte, width, height int, timestampUs int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.closed:
		return ErrClosed
	case !e.configured:
		return ErrNotConfigured
	case width != e.params.Width || height != e.params.Height:
		return fmt.Errorf("frame %dx%d does not match configured %dx%d", width, height, e.params.Width, e.params.Height)
	case len(frame) != codec.NV12Size(width, height):
		return fmt.Errorf("frame is %d bytes, want %d", len(frame), codec.NV12Size(width, height))
	}

	idx := e.frames
	e.frames++
	readyAt := time.Now().Add(e.cfg.Latency)

	if e.cfg.DropEvery > 0 && idx > 0 && idx%e.cfg.DropEvery == 0 {
		return e.enqueue(output{
			err:     &codec.FrameDropError{TimestampUs: timestampUs, Err: errors.New("simulated drop")},
			readyAt: readyAt,
		})
	}

	if idx%e.cfg.GOPSize != 0 && !e.forceIDR {
		return e.enqueue(output{
			unit:    codec.EncodedUnit{Data: h264.AnnexB(slice(h264.NALTypeSlice, frame, e.cfg.DeltaFrameLen)), TimestampUs: timestampUs},
			readyAt: readyAt,
		})
	}

	e.forceIDR = false
	idr := slice(h264.NALTypeIDR, frame, e.cfg.DeltaFrameLen*4)
	sps := h264.BuildSPS(h264.SPSParams{
		Width:      width,
		Height:     height,
		ProfileIdc: e.params.ProfileIdc,
		LevelIdc:   uint8(e.params.Level),
	})
	pps := h264.BuildPPS()

	if e.cfg.BundleParams {
		return e.enqueue(output{
			unit: codec.EncodedUnit{
				Data:        h264.AnnexB(sps, pps, idr),
				TimestampUs: timestampUs,
				Flags:       codec.FlagSyncFrame,
			},
			readyAt: readyAt,
		})
	}

	if !e.sentParams {
		if err := e.enqueue(output{
			unit: codec.EncodedUnit{
				Data:        h264.AnnexB(sps, pps),
				TimestampUs: timestampUs,
				Flags:       codec.FlagCodecConfig,
			},
			readyAt: readyAt,
		}); err != nil {
			return err
		}
		e.sentParams = true
	}
	return e.enqueue(output{
		unit:    codec.EncodedUnit{Data: h264.AnnexB(idr), TimestampUs: timestampUs, Flags: codec.FlagSyncFrame},
		readyAt: readyAt,
	})
}

func (e *Encoder) enqueue(o output) error {
	select {
	case e.out <- o:
		return nil
	default:
		return ErrQueueFull
	}
}

func (e *Encoder) GetNextEncodedFrame(timeout time.Duration) (codec.EncodedUnit, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.closeCh:
		return codec.EncodedUnit{}, ErrClosed
	case <-timer.C:
		return codec.EncodedUnit{}, codec.ErrNoOutput
	case o := <-e.out:
		if wait := time.Until(o.readyAt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-e.closeCh:
				return codec.EncodedUnit{}, ErrClosed
			}
		}
		return o.unit, o.err
	}
}

func (e *Encoder) RequestRefreshFrame() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.forceIDR = true
	return nil
}

func (e *Encoder) SetBitrate(kbps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.bitrateKbps = kbps
	return nil
}

// Bitrate returns the bitrate currently applied to the device.
func (e *Encoder) Bitrate() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bitrateKbps
}

func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.closeCh)
	return nil
}

// slice builds a NAL unit of the given type whose payload is derived from
// the picture. Payload bytes are never zero so no start code emulation can
// occur.
func slice(nalType uint8, frame []byte, size int) []byte {
	nal := make([]byte, size)
	nal[0] = 0x60 | nalType // nal_ref_idc 3
	step := len(frame) / size
	if step == 0 {
		step = 1
	}
	for i := 1; i < size; i++ {
		var b byte
		if j := i * step; j < len(frame) {
			b = frame[j]
		}
		nal[i] = b | 0x80
	}
	return nal
}
