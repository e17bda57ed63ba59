package h264

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
)

var (
	// ErrMissingSPS is returned when an access unit carries no SPS.
	ErrMissingSPS = errors.New("SPS not found")
	// ErrMissingPPS is returned when an access unit carries no PPS.
	ErrMissingPPS = errors.New("PPS not found")
)

// CodecConfig is the out-of-band decoder configuration derived from an
// access unit carrying parameter sets.
type CodecConfig struct {
	Width  int
	Height int
	// Record is an encoded AVCDecoderConfigurationRecord (avcC payload)
	// holding the SPS and PPS.
	Record []byte
}

// MakeCodecConfig recovers the picture dimensions from the first SPS in an
// Annex-B access unit and synthesizes an AVCDecoderConfigurationRecord from
// its SPS and PPS.
func MakeCodecConfig(accessUnit []byte) (*CodecConfig, error) {
	spss, ppss := ExtractParameterSets(accessUnit)
	if len(spss) == 0 {
		return nil, ErrMissingSPS
	}
	if len(ppss) == 0 {
		return nil, ErrMissingPPS
	}

	sps, err := ParseSPS(spss[0])
	if err != nil {
		return nil, fmt.Errorf("parse SPS: %w", err)
	}
	width, height := sps.Dimensions()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid SPS dimensions %dx%d", width, height)
	}

	avcC, err := mp4.CreateAvcC(spss, ppss, true)
	if err != nil {
		return nil, fmt.Errorf("create avcC: %w", err)
	}

	var buf bytes.Buffer
	if err := avcC.DecConfRec.Encode(&buf); err != nil {
		return nil, fmt.Errorf("encode avcC: %w", err)
	}

	return &CodecConfig{
		Width:  width,
		Height: height,
		Record: buf.Bytes(),
	}, nil
}
