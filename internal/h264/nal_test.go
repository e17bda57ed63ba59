package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1E, 0xDA, 0x02, 0x80}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x21, 0xA0}
	testP   = []byte{0x41, 0x9A, 0x02, 0x11}
)

func TestSplitNALUnits_ParameterSetsAndIDR(t *testing.T) {
	buf := AnnexB(testSPS, testPPS, testIDR)

	units := SplitNALUnits(buf)
	require.Len(t, units, 3)

	assert.Equal(t, NALUnit{PrefixOffset: 0, Offset: 4, Length: len(testSPS), Type: NALTypeSPS}, units[0])

	ppsPrefix := 4 + len(testSPS)
	assert.Equal(t, NALUnit{PrefixOffset: ppsPrefix, Offset: ppsPrefix + 4, Length: len(testPPS), Type: NALTypePPS}, units[1])

	idrPrefix := ppsPrefix + 4 + len(testPPS)
	assert.Equal(t, NALUnit{PrefixOffset: idrPrefix, Offset: idrPrefix + 4, Length: len(testIDR), Type: NALTypeIDR}, units[2])

	for i, want := range [][]byte{testSPS, testPPS, testIDR} {
		assert.Equal(t, want, buf[units[i].Offset:units[i].Offset+units[i].Length], "unit %d", i)
	}
}

func TestSplitNALUnits_ThreeByteStartCodes(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01}
	buf = append(buf, testP...)
	buf = append(buf, 0x00, 0x00, 0x01)
	buf = append(buf, testP...)

	units := SplitNALUnits(buf)
	require.Len(t, units, 2)
	assert.Equal(t, 3, units[0].Offset)
	assert.Equal(t, len(testP), units[0].Length)
	assert.Equal(t, 3+len(testP), units[1].PrefixOffset)
	assert.Equal(t, uint8(NALTypeSlice), units[1].Type)
}

func TestSplitNALUnits_Degenerate(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"no start code", []byte{0x65, 0x01, 0x02}},
		{"start code only", []byte{0x00, 0x00, 0x00, 0x01}},
		{"zero padding", []byte{0x00, 0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, SplitNALUnits(tt.data))
		})
	}
}

func TestIsParameterSets(t *testing.T) {
	assert.True(t, IsParameterSets(AnnexB(testSPS, testPPS)))
	assert.True(t, IsParameterSets(AnnexB(testSPS, testPPS, testIDR)))
	assert.False(t, IsParameterSets(AnnexB(testIDR)))
	assert.False(t, IsParameterSets(AnnexB(testPPS, testSPS)))
	assert.False(t, IsParameterSets([]byte{0x00, 0x00, 0x00, 0x01}))
	assert.False(t, IsParameterSets(nil))

	short := append([]byte{0x00, 0x00, 0x01}, testSPS...)
	assert.True(t, IsParameterSets(short), "3-byte start code")
	assert.False(t, IsParameterSets(append([]byte{0xFF}, short...)), "garbage before start code")
}

func TestParameterSetLength(t *testing.T) {
	psOnly := AnnexB(testSPS, testPPS)
	assert.Equal(t, len(psOnly), ParameterSetLength(psOnly))

	bundled := AnnexB(testSPS, testPPS, testIDR)
	assert.Equal(t, len(psOnly), ParameterSetLength(bundled))
	assert.Equal(t, psOnly, bundled[:ParameterSetLength(bundled)])

	assert.Equal(t, 0, ParameterSetLength(AnnexB(testIDR)))
}

func TestExtractParameterSets(t *testing.T) {
	spss, ppss := ExtractParameterSets(AnnexB(testSPS, testPPS, testIDR))
	require.Len(t, spss, 1)
	require.Len(t, ppss, 1)
	assert.Equal(t, testSPS, spss[0])
	assert.Equal(t, testPPS, ppss[0])

	spss, ppss = ExtractParameterSets(AnnexB(testP))
	assert.Empty(t, spss)
	assert.Empty(t, ppss)
}

func TestContainsIDR(t *testing.T) {
	assert.True(t, ContainsIDR(AnnexB(testSPS, testPPS, testIDR)))
	assert.False(t, ContainsIDR(AnnexB(testP)))
}
