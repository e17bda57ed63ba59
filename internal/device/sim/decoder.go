package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Eyevinn/mp4ff/avc"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/h264"
	"github.com/zsiec/hwcodec/internal/logger"
)

type decodeJob struct {
	luma         byte
	renderTimeMs int64
}

// Decoder is a simulated asynchronous H.264 decoder device. Every frame
// submitted after the codec configuration yields one NV12 picture, delivered
// from the device's own goroutine.
type Decoder struct {
	logger logger.Logger

	jobs    chan decodeJob
	closeCh chan struct{}
	doneCh  chan struct{}

	mu         sync.Mutex
	width      int
	height     int
	hasConfig  bool
	configured bool
	closed     bool
	cb         func(codec.DecodedPicture)
}

// NewDecoder creates a decoder device and starts its output goroutine.
func NewDecoder(log logger.Logger) *Decoder {
	if log == nil {
		log = logger.NewNullLogger()
	}
	d := &Decoder{
		logger:  log.WithField("component", "sim_decoder"),
		jobs:    make(chan decodeJob, outputQueueSize),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go d.run()
	return d
}

// DecoderFactory returns a codec.DecoderDeviceFactory opening sim decoders.
func DecoderFactory(log logger.Logger) codec.DecoderDeviceFactory {
	return func() (codec.DecoderDevice, error) {
		return NewDecoder(log), nil
	}
}

func (d *Decoder) Configure(format codec.DecoderFormat) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	if format.MIME != codec.MIMETypeAVC {
		return fmt.Errorf("unsupported mime %q", format.MIME)
	}
	if format.Width <= 0 || format.Height <= 0 {
		return fmt.Errorf("unsupported dimensions %dx%d", format.Width, format.Height)
	}
	d.width, d.height = format.Width, format.Height
	d.configured = true
	return nil
}

func (d *Decoder) SetDecodedCallback(cb func(codec.DecodedPicture)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

func (d *Decoder) FillInput(unit []byte, isConfig bool, renderTimeMs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.closed:
		return ErrClosed
	case !d.configured:
		return ErrNotConfigured
	case len(unit) == 0:
		return errors.New("empty input")
	}

	if isConfig {
		return d.applyConfig(unit)
	}
	if !d.hasConfig {
		return errors.New("frame submitted before codec config")
	}

	nalus := h264.SplitNALUnits(unit)
	if len(nalus) == 0 {
		return errors.New("input carries no NAL units")
	}

	// Parameter sets travelling in-band may change the picture size.
	if nalus[0].Type == h264.NALTypeSPS {
		if sps, err := h264.ParseSPS(unit[nalus[0].Offset : nalus[0].Offset+nalus[0].Length]); err == nil {
			d.width, d.height = sps.Dimensions()
		}
	}

	var slice *h264.NALUnit
	for i := range nalus {
		if nalus[i].Type == h264.NALTypeSlice || nalus[i].Type == h264.NALTypeIDR {
			slice = &nalus[i]
		}
	}
	if slice == nil {
		// Parameter sets alone produce no picture.
		return nil
	}
	var luma byte
	if slice.Length > 1 {
		luma = unit[slice.Offset+1]
	}

	select {
	case d.jobs <- decodeJob{luma: luma, renderTimeMs: renderTimeMs}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Decoder) applyConfig(record []byte) error {
	rec, err := avc.DecodeAVCDecConfRec(record)
	if err != nil {
		return fmt.Errorf("decode avcC: %w", err)
	}
	if len(rec.SPSnalus) == 0 {
		return errors.New("avcC carries no SPS")
	}
	sps, err := h264.ParseSPS(rec.SPSnalus[0])
	if err != nil {
		return fmt.Errorf("parse SPS: %w", err)
	}
	d.width, d.height = sps.Dimensions()
	d.hasConfig = true

	d.logger.WithFields(map[string]interface{}{
		"width":  d.width,
		"height": d.height,
		"sps":    len(rec.SPSnalus),
		"pps":    len(rec.PPSnalus),
	}).Debug("Sim decoder received codec config")
	return nil
}

func (d *Decoder) run() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.closeCh:
			return
		case job := <-d.jobs:
			d.mu.Lock()
			cb := d.cb
			width, height := d.width, d.height
			d.mu.Unlock()

			if cb == nil {
				continue
			}
			pic := codec.NewNV12Buffer(width, height)
			y := pic.Y()
			for i := range y {
				y[i] = job.luma
			}
			uv := pic.UV()
			for i := range uv {
				uv[i] = 128
			}
			cb(codec.DecodedPicture{Buffer: pic, RenderTimeMs: job.renderTimeMs})
		}
	}
}

// Close stops the device. No picture is delivered after Close returns.
func (d *Decoder) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.closeCh)
	d.mu.Unlock()

	<-d.doneCh
	return nil
}
