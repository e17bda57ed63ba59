package h264

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeCodecConfig(t *testing.T) {
	sps := BuildSPS(SPSParams{Width: 640, Height: 480})
	pps := BuildPPS()
	au := AnnexB(sps, pps, testIDR)

	cfg, err := MakeCodecConfig(au)
	require.NoError(t, err)

	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 480, cfg.Height)
	require.Greater(t, len(cfg.Record), 6)
	assert.Equal(t, byte(1), cfg.Record[0], "configurationVersion")
	assert.Equal(t, byte(ProfileBaseline), cfg.Record[1])
	assert.Equal(t, byte(30), cfg.Record[3])
	assert.Contains(t, string(cfg.Record), string(sps))
	assert.Contains(t, string(cfg.Record), string(pps))
}

func TestMakeCodecConfig_MissingParameterSets(t *testing.T) {
	_, err := MakeCodecConfig(AnnexB(testIDR))
	assert.ErrorIs(t, err, ErrMissingSPS)

	_, err = MakeCodecConfig(AnnexB(BuildSPS(SPSParams{Width: 320, Height: 240}), testIDR))
	assert.ErrorIs(t, err, ErrMissingPPS)

	_, err = MakeCodecConfig(nil)
	assert.ErrorIs(t, err, ErrMissingSPS)
}
