package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToNV12_FromI420(t *testing.T) {
	src := NewI420Buffer(4, 2)
	for i := range src.Y {
		src.Y[i] = byte(i)
	}
	src.U[0], src.U[1] = 0xA0, 0xA1
	src.V[0], src.V[1] = 0xB0, 0xB1

	dst, err := ToNV12(src)
	require.NoError(t, err)

	assert.Equal(t, 4, dst.Width())
	assert.Equal(t, 2, dst.Height())
	assert.Equal(t, NV12Size(4, 2), len(dst.Bytes()))
	assert.Equal(t, src.Y, dst.Y())
	assert.Equal(t, []byte{0xA0, 0xB0, 0xA1, 0xB1}, dst.UV())
}

func TestToNV12_PaddedStrides(t *testing.T) {
	src := &I420Buffer{
		width:   2,
		height:  2,
		Y:       []byte{1, 2, 0xFF, 3, 4},
		U:       []byte{5},
		V:       []byte{6},
		StrideY: 3,
		StrideU: 1,
		StrideV: 1,
	}

	dst, err := ToNV12(src)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, dst.Bytes())
}

func TestToNV12_Passthrough(t *testing.T) {
	buf := NewNV12Buffer(320, 240)
	got, err := ToNV12(buf)
	require.NoError(t, err)
	assert.Same(t, buf, got)
}

type rgbBuffer struct{}

func (rgbBuffer) Width() int  { return 2 }
func (rgbBuffer) Height() int { return 2 }

func TestToNV12_Errors(t *testing.T) {
	_, err := ToNV12(nil)
	assert.Error(t, err)

	_, err = ToNV12(rgbBuffer{})
	assert.Error(t, err)

	short := NewI420Buffer(4, 4)
	short.Y = short.Y[:3]
	_, err = ToNV12(short)
	assert.Error(t, err)
}

func TestWrapNV12(t *testing.T) {
	buf, err := WrapNV12(4, 4, make([]byte, 24))
	require.NoError(t, err)
	assert.Len(t, buf.Y(), 16)
	assert.Len(t, buf.UV(), 8)

	_, err = WrapNV12(4, 4, make([]byte, 23))
	assert.Error(t, err)

	_, err = WrapNV12(0, 4, nil)
	assert.Error(t, err)
}

func TestEncodedImage_NAL(t *testing.T) {
	img := &EncodedImage{
		Data:      []byte{0, 0, 0, 1, 0x67, 0x42, 0, 0, 0, 1, 0x68},
		Fragments: []Fragment{{Offset: 4, Length: 2}, {Offset: 10, Length: 1}},
	}
	assert.Equal(t, []byte{0x67, 0x42}, img.NAL(0))
	assert.Equal(t, []byte{0x68}, img.NAL(1))
}

func TestFrameType_String(t *testing.T) {
	assert.Equal(t, "key", FrameTypeKey.String())
	assert.Equal(t, "delta", FrameTypeDelta.String())
	assert.Equal(t, "frame_type(9)", FrameType(9).String())
}
