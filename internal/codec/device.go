package codec

import (
	"errors"
	"fmt"
	"time"
)

// MIMETypeAVC identifies H.264 to the hardware codec.
const MIMETypeAVC = "video/avc"

// ColorFormat is the raw picture layout the encoder consumes.
type ColorFormat int

const (
	// ColorFormatNV12 is YUV 4:2:0 semi-planar: a Y plane followed by one
	// interleaved CbCr plane at half resolution.
	ColorFormatNV12 ColorFormat = iota + 1
)

func (c ColorFormat) String() string {
	switch c {
	case ColorFormatNV12:
		return "nv12"
	default:
		return fmt.Sprintf("color_format(%d)", int(c))
	}
}

// BufferFlag describes an output unit.
type BufferFlag uint32

const (
	// FlagSyncFrame marks a unit decodable without earlier units.
	FlagSyncFrame BufferFlag = 1 << iota
	// FlagCodecConfig marks a unit carrying only codec configuration. Not all
	// devices set it reliably, so the bitstream is inspected instead.
	FlagCodecConfig
)

// FormatParams is the complete configuration pushed to an encoder device.
type FormatParams struct {
	MIME              string
	Width             int
	Height            int
	Stride            int
	SliceHeight       int
	ColorFormat       ColorFormat
	BitrateBps        int
	Framerate         int
	IFrameIntervalSec int
	ProfileIdc        uint8
	Level             int
	BitrateMode       string
	// PrependParameterSets asks the device to bundle SPS/PPS with every IDR.
	// Devices are free to ignore it.
	PrependParameterSets bool
}

// EncodedUnit is one buffer retrieved from the encoder.
type EncodedUnit struct {
	Data        []byte
	TimestampUs int64
	Flags       BufferFlag
}

// ErrNoOutput is returned by GetNextEncodedFrame when nothing became
// available within the wait.
var ErrNoOutput = errors.New("no encoder output available")

// FrameDropError is returned by GetNextEncodedFrame when the device
// discarded the input submitted at TimestampUs.
type FrameDropError struct {
	TimestampUs int64
	Err         error
}

func (e *FrameDropError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame at %dus dropped: %v", e.TimestampUs, e.Err)
	}
	return fmt.Sprintf("frame at %dus dropped", e.TimestampUs)
}

func (e *FrameDropError) Unwrap() error { return e.Err }

// EncoderDevice is an asynchronous hardware H.264 encoder. Input is queued
// with Encode and output is retrieved independently with GetNextEncodedFrame,
// usually from another goroutine.
type EncoderDevice interface {
	Configure(params FormatParams) error
	// Encode queues one NV12 picture stamped with timestampUs.
	Encode(frame []byte, width, height int, timestampUs int64) error
	// GetNextEncodedFrame blocks for at most timeout. It returns ErrNoOutput
	// on timeout, *FrameDropError when an input was discarded, or any other
	// error for a failed retrieval.
	GetNextEncodedFrame(timeout time.Duration) (EncodedUnit, error)
	RequestRefreshFrame() error
	SetBitrate(kbps int) error
	Close() error
}

// EncoderDeviceFactory opens an encoder device.
type EncoderDeviceFactory func() (EncoderDevice, error)

// DecoderFormat configures a decoder device.
type DecoderFormat struct {
	MIME   string
	Width  int
	Height int
}

// DecodedPicture is delivered by a decoder device for every decoded frame.
type DecodedPicture struct {
	Buffer       *NV12Buffer
	RenderTimeMs int64
}

// DecoderDevice is an asynchronous hardware H.264 decoder. Decoded pictures
// are pushed to the callback installed with SetDecodedCallback.
type DecoderDevice interface {
	Configure(format DecoderFormat) error
	// FillInput queues one bitstream unit. isConfig marks an
	// AVCDecoderConfigurationRecord rather than Annex-B frame data.
	FillInput(unit []byte, isConfig bool, renderTimeMs int64) error
	SetDecodedCallback(cb func(DecodedPicture))
	Close() error
}

// DecoderDeviceFactory opens a decoder device.
type DecoderDeviceFactory func() (DecoderDevice, error)
