package main

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/config"
	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/rtpsink"
	"github.com/zsiec/hwcodec/internal/timestamp"
)

// harness feeds synthetic pictures through the encoder and loops its output
// back into the decoder, optionally over an RTP round trip.
type harness struct {
	cfg     *config.Config
	encoder *codec.H264Encoder
	decoder *codec.H264Decoder
	logger  *logger.SampledLogger

	packetizer   *rtpsink.Packetizer
	depacketizer *rtpsink.Depacketizer

	encoded      atomic.Uint64
	decoded      atomic.Uint64
	decodeErrors atomic.Uint64
}

func newHarness(cfg *config.Config, enc *codec.H264Encoder, dec *codec.H264Decoder, log logger.Logger) *harness {
	h := &harness{
		cfg:     cfg,
		encoder: enc,
		decoder: dec,
		logger:  logger.NewCodecLogger(log.WithField("component", "harness")),
	}
	if cfg.RTP.Enabled {
		h.packetizer = rtpsink.NewPacketizer(cfg.RTP)
		h.depacketizer = rtpsink.NewDepacketizer()
	}
	return h
}

func (h *harness) run(ctx context.Context) error {
	if err := h.decoder.RegisterDecodeCompleteCallback(func(*codec.DecodedImage) {
		h.decoded.Add(1)
	}); err != nil {
		return err
	}
	if err := h.decoder.InitDecode(ctx, h.cfg.Decoder.Width, h.cfg.Decoder.Height); err != nil {
		return fmt.Errorf("init decoder: %w", err)
	}
	defer h.decoder.Release(context.Background())

	if err := h.encoder.RegisterEncodeCompleteCallback(h.onEncoded); err != nil {
		return err
	}
	settings := codec.CodecSettings{
		Width:            h.cfg.Encoder.Width,
		Height:           h.cfg.Encoder.Height,
		MaxFramerate:     h.cfg.Encoder.Framerate,
		StartBitrateKbps: h.cfg.Encoder.StartBitrateKbps,
	}
	if err := h.encoder.InitEncode(ctx, settings); err != nil {
		return fmt.Errorf("init encoder: %w", err)
	}
	defer h.encoder.Release(context.Background())

	if h.packetizer != nil && h.cfg.RTP.RTCPAddr != "" {
		conn, err := net.ListenPacket("udp", h.cfg.RTP.RTCPAddr)
		if err != nil {
			return fmt.Errorf("listen for rtcp: %w", err)
		}
		defer conn.Close()
		listener := rtpsink.NewFeedbackListener(h.packetizer.SSRC(), h.encoder, h.logger)
		go func() {
			if err := listener.Serve(ctx, conn); err != nil {
				h.logger.WithError(err).Error("RTCP listener stopped")
			}
		}()
	}

	err := h.feed(ctx, settings)

	// Release the encoder first so no output reaches a released decoder.
	if relErr := h.encoder.Release(context.Background()); relErr != nil && err == nil {
		err = relErr
	}

	h.logger.WithFields(map[string]interface{}{
		"encoded":       h.encoded.Load(),
		"decoded":       h.decoded.Load(),
		"decode_errors": h.decodeErrors.Load(),
	}).Info("Harness finished")
	return err
}

// feed submits sim.frames pictures (forever when zero) at the configured
// framerate. Halfway through, the target bitrate drops by 30% the way a
// congestion controller would.
func (h *harness) feed(ctx context.Context, settings codec.CodecSettings) error {
	fps := settings.MaxFramerate
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	frames := h.cfg.Sim.Frames
	step := uint32(timestamp.VideoClockRate / fps)
	var ts uint32

	for i := 0; frames == 0 || i < frames; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if frames > 0 && i == frames/2 {
			if err := h.encoder.SetRates(settings.StartBitrateKbps*7/10, fps); err != nil {
				return fmt.Errorf("set rates: %w", err)
			}
		}

		frame := &codec.VideoFrame{
			Buffer:       syntheticPicture(settings.Width, settings.Height, i),
			Timestamp:    ts,
			RenderTimeMs: time.Now().UnixMilli(),
		}
		if err := h.encoder.Encode(frame, false); err != nil {
			return fmt.Errorf("encode frame %d: %w", i, err)
		}
		ts += step
	}
	return nil
}

// onEncoded runs on the encoder's drain goroutine.
func (h *harness) onEncoded(img *codec.EncodedImage) {
	h.encoded.Add(1)

	if h.packetizer == nil {
		h.decode(img)
		return
	}

	for _, pkt := range h.packetizer.Packetize(img) {
		// Round trip through the wire format.
		buf, err := pkt.Marshal()
		if err != nil {
			h.logger.WithError(err).Error("Failed to marshal RTP packet")
			continue
		}
		var received rtp.Packet
		if err := received.Unmarshal(buf); err != nil {
			h.logger.WithError(err).Error("Failed to unmarshal RTP packet")
			continue
		}

		units, err := h.depacketizer.Push(&received)
		if err != nil {
			h.logger.WarnWithCategory(logger.CategoryDrainError, "Depacketization failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		for _, unit := range units {
			h.decode(unit)
		}
	}
}

func (h *harness) decode(img *codec.EncodedImage) {
	renderMs := int64(img.Timestamp) * 1000 / timestamp.VideoClockRate
	if err := h.decoder.Decode(img, renderMs); err != nil {
		h.decodeErrors.Add(1)
		h.logger.WarnWithCategory(logger.CategoryDecoderPicture, "Decode failed", map[string]interface{}{
			"error":     err.Error(),
			"timestamp": img.Timestamp,
		})
	}
}

// syntheticPicture draws a diagonal gradient that moves with n.
func syntheticPicture(width, height, n int) *codec.I420Buffer {
	buf := codec.NewI420Buffer(width, height)
	for y := 0; y < height; y++ {
		row := buf.Y[y*buf.StrideY:]
		for x := 0; x < width; x++ {
			row[x] = byte(x + y + n)
		}
	}
	for i := range buf.U {
		buf.U[i] = 128
		buf.V[i] = byte(128 + n%32)
	}
	return buf
}
