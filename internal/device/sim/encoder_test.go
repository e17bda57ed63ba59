package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/hwcodec/internal/codec"
	"github.com/zsiec/hwcodec/internal/config"
	"github.com/zsiec/hwcodec/internal/h264"
	"github.com/zsiec/hwcodec/internal/logger"
	"github.com/zsiec/hwcodec/internal/reservation"
)

func testParams(width, height int) codec.FormatParams {
	return codec.FormatParams{
		MIME:        codec.MIMETypeAVC,
		Width:       width,
		Height:      height,
		ColorFormat: codec.ColorFormatNV12,
		BitrateBps:  500000,
		Framerate:   30,
		ProfileIdc:  h264.ProfileBaseline,
		Level:       31,
	}
}

func nextUnit(t *testing.T, e *Encoder) codec.EncodedUnit {
	t.Helper()
	unit, err := e.GetNextEncodedFrame(time.Second)
	require.NoError(t, err)
	return unit
}

func TestEncoder_SeparateParameterSets(t *testing.T) {
	e := NewEncoder(config.SimConfig{GOPSize: 3}, nil)
	defer e.Close()
	require.NoError(t, e.Configure(testParams(320, 240)))

	frame := codec.NewNV12Buffer(320, 240).Bytes()
	for i := 0; i < 4; i++ {
		require.NoError(t, e.Encode(frame, 320, 240, int64(i)*33333))
	}

	ps := nextUnit(t, e)
	assert.Equal(t, codec.FlagCodecConfig, ps.Flags)
	assert.Equal(t, int64(0), ps.TimestampUs)
	assert.True(t, h264.IsParameterSets(ps.Data))

	sps, err := h264.ParseSPS(ps.Data[4:h264.ParameterSetLength(ps.Data)])
	require.NoError(t, err)
	w, hgt := sps.Dimensions()
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, hgt)

	idr := nextUnit(t, e)
	assert.Equal(t, codec.FlagSyncFrame, idr.Flags)
	assert.Equal(t, int64(0), idr.TimestampUs)
	assert.True(t, h264.ContainsIDR(idr.Data))
	assert.False(t, h264.IsParameterSets(idr.Data))

	for i := 1; i < 3; i++ {
		delta := nextUnit(t, e)
		assert.Zero(t, delta.Flags)
		nalus := h264.SplitNALUnits(delta.Data)
		require.Len(t, nalus, 1)
		assert.Equal(t, uint8(h264.NALTypeSlice), nalus[0].Type)
	}

	// The next GOP starts without parameter sets.
	idr = nextUnit(t, e)
	assert.Equal(t, codec.FlagSyncFrame, idr.Flags)
	assert.False(t, h264.IsParameterSets(idr.Data))
}

func TestEncoder_BundledParameterSets(t *testing.T) {
	e := NewEncoder(config.SimConfig{BundleParams: true}, nil)
	defer e.Close()
	require.NoError(t, e.Configure(testParams(64, 64)))
	require.NoError(t, e.Encode(codec.NewNV12Buffer(64, 64).Bytes(), 64, 64, 0))

	unit := nextUnit(t, e)
	assert.Equal(t, codec.FlagSyncFrame, unit.Flags)
	nalus := h264.SplitNALUnits(unit.Data)
	require.Len(t, nalus, 3)
	assert.Equal(t, uint8(h264.NALTypeSPS), nalus[0].Type)
	assert.Equal(t, uint8(h264.NALTypePPS), nalus[1].Type)
	assert.Equal(t, uint8(h264.NALTypeIDR), nalus[2].Type)
}

func TestEncoder_RefreshForcesIDR(t *testing.T) {
	e := NewEncoder(config.SimConfig{BundleParams: true}, nil)
	defer e.Close()
	require.NoError(t, e.Configure(testParams(64, 64)))
	frame := codec.NewNV12Buffer(64, 64).Bytes()

	require.NoError(t, e.Encode(frame, 64, 64, 0))
	require.NoError(t, e.Encode(frame, 64, 64, 1))
	require.NoError(t, e.RequestRefreshFrame())
	require.NoError(t, e.Encode(frame, 64, 64, 2))

	assert.True(t, h264.ContainsIDR(nextUnit(t, e).Data))
	assert.False(t, h264.ContainsIDR(nextUnit(t, e).Data))
	assert.True(t, h264.ContainsIDR(nextUnit(t, e).Data))
}

func TestEncoder_Drops(t *testing.T) {
	e := NewEncoder(config.SimConfig{DropEvery: 2, BundleParams: true}, nil)
	defer e.Close()
	require.NoError(t, e.Configure(testParams(64, 64)))
	frame := codec.NewNV12Buffer(64, 64).Bytes()
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Encode(frame, 64, 64, int64(i)))
	}

	nextUnit(t, e)
	nextUnit(t, e)
	_, err := e.GetNextEncodedFrame(time.Second)
	var drop *codec.FrameDropError
	require.True(t, errors.As(err, &drop))
	assert.Equal(t, int64(2), drop.TimestampUs)
}

func TestEncoder_Errors(t *testing.T) {
	e := NewEncoder(config.SimConfig{}, nil)
	frame := codec.NewNV12Buffer(64, 64).Bytes()

	assert.ErrorIs(t, e.Encode(frame, 64, 64, 0), ErrNotConfigured)

	bad := testParams(63, 64)
	assert.Error(t, e.Configure(bad))
	bad = testParams(64, 64)
	bad.MIME = "video/hevc"
	assert.Error(t, e.Configure(bad))

	require.NoError(t, e.Configure(testParams(64, 64)))
	assert.Error(t, e.Encode(frame, 32, 32, 0))
	assert.Error(t, e.Encode(frame[:10], 64, 64, 0))

	_, err := e.GetNextEncodedFrame(5 * time.Millisecond)
	assert.ErrorIs(t, err, codec.ErrNoOutput)

	require.NoError(t, e.SetBitrate(800))
	assert.Equal(t, 800, e.Bitrate())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Encode(frame, 64, 64, 0), ErrClosed)
	_, err = e.GetNextEncodedFrame(time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEncoder_Latency(t *testing.T) {
	e := NewEncoder(config.SimConfig{Latency: 30 * time.Millisecond, BundleParams: true}, nil)
	defer e.Close()
	require.NoError(t, e.Configure(testParams(64, 64)))

	start := time.Now()
	require.NoError(t, e.Encode(codec.NewNV12Buffer(64, 64).Bytes(), 64, 64, 0))
	nextUnit(t, e)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestH264EncoderWithSimDevice(t *testing.T) {
	cfg := config.DefaultEncoderConfig()
	cfg.DrainTimeout = 10 * time.Millisecond
	backend := reservation.NewMemoryBackend(logger.NewNullLogger())
	enc := codec.NewH264Encoder(EncoderFactory(config.SimConfig{GOPSize: 3}, nil), backend, cfg, nil)

	images := make(chan *codec.EncodedImage, 32)
	require.NoError(t, enc.RegisterEncodeCompleteCallback(func(img *codec.EncodedImage) { images <- img }))
	require.NoError(t, enc.InitEncode(context.Background(), codec.CodecSettings{
		Width:            320,
		Height:           240,
		MaxFramerate:     30,
		StartBitrateKbps: 500,
	}))
	defer enc.Release(context.Background())

	for i := 0; i < 4; i++ {
		frame := &codec.VideoFrame{Buffer: codec.NewNV12Buffer(320, 240), Timestamp: uint32(i * 3000)}
		require.NoError(t, enc.Encode(frame, false))
	}

	next := func() *codec.EncodedImage {
		select {
		case img := <-images:
			return img
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for encoded image")
			return nil
		}
	}

	// Separate parameter sets, then the first IDR which needs no prepend.
	ps := next()
	assert.Equal(t, codec.FrameTypeKey, ps.FrameType)
	assert.Len(t, ps.Fragments, 2)
	idr := next()
	assert.Equal(t, codec.FrameTypeKey, idr.FrameType)
	assert.Len(t, idr.Fragments, 1)
	assert.Equal(t, uint32(0), idr.Timestamp)

	assert.Equal(t, codec.FrameTypeDelta, next().FrameType)
	assert.Equal(t, codec.FrameTypeDelta, next().FrameType)

	// Second GOP: cached parameter sets are delivered ahead of the IDR.
	prepend := next()
	assert.Len(t, prepend.Fragments, 2)
	assert.Equal(t, uint32(9000), prepend.Timestamp)
	idr = next()
	assert.Equal(t, codec.FrameTypeKey, idr.FrameType)
	assert.Equal(t, uint32(9000), idr.Timestamp)
	assert.Equal(t, 320, idr.Width)

	assert.Equal(t, uint64(1), enc.Stats().Drain.Prepends)
}
