package codec

import (
	"fmt"
)

// FrameType indicates whether an encoded frame is independently decodable.
type FrameType int

const (
	FrameTypeDelta FrameType = iota
	FrameTypeKey
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "key"
	case FrameTypeDelta:
		return "delta"
	default:
		return fmt.Sprintf("frame_type(%d)", int(f))
	}
}

// VideoFrameBuffer is a raw YUV 4:2:0 picture.
type VideoFrameBuffer interface {
	Width() int
	Height() int
}

// I420Buffer is a fully planar YUV 4:2:0 picture.
type I420Buffer struct {
	width, height int

	Y, U, V []byte
	StrideY int
	StrideU int
	StrideV int
}

// NewI420Buffer allocates a tightly packed I420 picture.
func NewI420Buffer(width, height int) *I420Buffer {
	cw, ch := chromaSize(width, height)
	data := make([]byte, width*height+2*cw*ch)
	return &I420Buffer{
		width:   width,
		height:  height,
		Y:       data[:width*height],
		U:       data[width*height : width*height+cw*ch],
		V:       data[width*height+cw*ch:],
		StrideY: width,
		StrideU: cw,
		StrideV: cw,
	}
}

func (b *I420Buffer) Width() int  { return b.width }
func (b *I420Buffer) Height() int { return b.height }

func (b *I420Buffer) validate() error {
	cw, ch := chromaSize(b.width, b.height)
	switch {
	case b.width <= 0 || b.height <= 0:
		return fmt.Errorf("invalid I420 dimensions %dx%d", b.width, b.height)
	case b.StrideY < b.width || b.StrideU < cw || b.StrideV < cw:
		return fmt.Errorf("I420 strides %d/%d/%d too small for width %d", b.StrideY, b.StrideU, b.StrideV, b.width)
	case len(b.Y) < planeLen(b.StrideY, b.width, b.height):
		return fmt.Errorf("I420 Y plane too short: %d bytes", len(b.Y))
	case len(b.U) < planeLen(b.StrideU, cw, ch) || len(b.V) < planeLen(b.StrideV, cw, ch):
		return fmt.Errorf("I420 chroma planes too short: %d/%d bytes", len(b.U), len(b.V))
	}
	return nil
}

// NV12Buffer is a semi-planar YUV 4:2:0 picture laid out contiguously with
// stride equal to width: the Y plane followed by interleaved CbCr rows.
type NV12Buffer struct {
	width, height int
	data          []byte
}

// NewNV12Buffer allocates an NV12 picture.
func NewNV12Buffer(width, height int) *NV12Buffer {
	return &NV12Buffer{
		width:  width,
		height: height,
		data:   make([]byte, NV12Size(width, height)),
	}
}

// WrapNV12 adopts data as an NV12 picture without copying.
func WrapNV12(width, height int, data []byte) (*NV12Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid NV12 dimensions %dx%d", width, height)
	}
	if want := NV12Size(width, height); len(data) != want {
		return nil, fmt.Errorf("NV12 buffer is %d bytes, want %d for %dx%d", len(data), want, width, height)
	}
	return &NV12Buffer{width: width, height: height, data: data}, nil
}

func (b *NV12Buffer) Width() int  { return b.width }
func (b *NV12Buffer) Height() int { return b.height }

// Y returns the luma plane.
func (b *NV12Buffer) Y() []byte { return b.data[:b.width*b.height] }

// UV returns the interleaved chroma plane.
func (b *NV12Buffer) UV() []byte { return b.data[b.width*b.height:] }

// Bytes returns the whole picture as handed to the device.
func (b *NV12Buffer) Bytes() []byte { return b.data }

// NV12Size returns the byte size of a packed NV12 picture.
func NV12Size(width, height int) int {
	cw, ch := chromaSize(width, height)
	return width*height + 2*cw*ch
}

func chromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

func planeLen(stride, width, rows int) int {
	if rows == 0 {
		return 0
	}
	return stride*(rows-1) + width
}

// ToNV12 returns buf in the device's native layout. An NV12 buffer is
// returned as is; an I420 buffer is converted into a freshly allocated one.
func ToNV12(buf VideoFrameBuffer) (*NV12Buffer, error) {
	switch b := buf.(type) {
	case *NV12Buffer:
		if b == nil {
			return nil, fmt.Errorf("nil NV12 buffer")
		}
		return b, nil
	case *I420Buffer:
		if b == nil {
			return nil, fmt.Errorf("nil I420 buffer")
		}
		if err := b.validate(); err != nil {
			return nil, err
		}
		return i420ToNV12(b), nil
	case nil:
		return nil, fmt.Errorf("nil frame buffer")
	default:
		return nil, fmt.Errorf("unsupported frame buffer %T", buf)
	}
}

func i420ToNV12(src *I420Buffer) *NV12Buffer {
	w, h := src.width, src.height
	cw, ch := chromaSize(w, h)
	dst := NewNV12Buffer(w, h)

	y := dst.Y()
	for row := 0; row < h; row++ {
		copy(y[row*w:(row+1)*w], src.Y[row*src.StrideY:row*src.StrideY+w])
	}

	uv := dst.UV()
	for row := 0; row < ch; row++ {
		u := src.U[row*src.StrideU:]
		v := src.V[row*src.StrideV:]
		out := uv[row*2*cw:]
		for col := 0; col < cw; col++ {
			out[2*col] = u[col]
			out[2*col+1] = v[col]
		}
	}
	return dst
}

// VideoFrame is one raw picture submitted for encoding.
type VideoFrame struct {
	Buffer VideoFrameBuffer
	// Timestamp is the 90 kHz RTP timestamp of the picture.
	Timestamp    uint32
	RenderTimeMs int64
}

// Fragment locates one NAL unit payload inside EncodedImage.Data.
type Fragment struct {
	Offset int
	Length int
}

// EncodedImage is one encoded output delivered to the pipeline.
type EncodedImage struct {
	Data      []byte
	FrameType FrameType
	// Fragments lists the NAL units of Data in bitstream order, start codes
	// excluded.
	Fragments     []Fragment
	Width         int
	Height        int
	Timestamp     uint32
	CaptureTimeMs int64
	Complete      bool
}

// NAL returns the payload of fragment i.
func (e *EncodedImage) NAL(i int) []byte {
	f := e.Fragments[i]
	return e.Data[f.Offset : f.Offset+f.Length]
}

// EncodeCompleteCallback receives encoded images from the drain loop.
type EncodeCompleteCallback func(image *EncodedImage)

// DecodedImage is one picture produced by the decoder.
type DecodedImage struct {
	Buffer       *NV12Buffer
	Width        int
	Height       int
	RenderTimeMs int64
}

// DecodeCompleteCallback receives decoded pictures from the device.
type DecodeCompleteCallback func(image *DecodedImage)
