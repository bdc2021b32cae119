package h264util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildAVCDecoderConfigLayout(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xE0, 0x1E, 0xAB, 0xCD}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}

	config, err := BuildAVCDecoderConfig(sps, pps)
	require.NoError(t, err)

	assert.Equal(t, byte(1), config[0], "configurationVersion")
	assert.Equal(t, byte(0x42), config[1], "AVCProfileIndication")
	assert.Equal(t, byte(0xE0), config[2], "profile_compatibility")
	assert.Equal(t, byte(0x1E), config[3], "AVCLevelIndication")
	assert.Equal(t, byte(0xFF), config[4], "lengthSizeMinusOne")
	assert.Equal(t, byte(0xE1), config[5], "numOfSequenceParameterSets")

	spsLen := int(config[6])<<8 | int(config[7])
	assert.Equal(t, len(sps), spsLen)
	assert.Equal(t, sps, config[8:8+len(sps)])

	ppsOffset := 8 + len(sps)
	assert.Equal(t, byte(1), config[ppsOffset], "numOfPictureParameterSets")
	ppsLen := int(config[ppsOffset+1])<<8 | int(config[ppsOffset+2])
	assert.Equal(t, len(pps), ppsLen)
	assert.Equal(t, pps, config[ppsOffset+3:ppsOffset+3+len(pps)])
	assert.Len(t, config, ppsOffset+3+len(pps))
}

func TestBuildAVCDecoderConfigRejectsShortSPS(t *testing.T) {
	t.Parallel()
	_, err := BuildAVCDecoderConfig([]byte{0x67, 0x42}, []byte{0x68})
	assert.Error(t, err)
}

func TestBuildAVCDecoderConfigRejectsEmptyPPS(t *testing.T) {
	t.Parallel()
	_, err := BuildAVCDecoderConfig([]byte{0x67, 0x42, 0xE0, 0x1E}, nil)
	assert.Error(t, err)
}

func TestParseAVCDecoderConfigRoundTripsBuildAVCDecoderConfig(t *testing.T) {
	t.Parallel()
	sps := []byte{0x67, 0x42, 0xE0, 0x1E, 0xAB, 0xCD}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}

	config, err := BuildAVCDecoderConfig(sps, pps)
	require.NoError(t, err)

	gotSPS, gotPPS, err := ParseAVCDecoderConfig(config)
	require.NoError(t, err)
	assert.Equal(t, sps, gotSPS)
	assert.Equal(t, pps, gotPPS)
}

func TestParseAVCDecoderConfigRejectsTooShort(t *testing.T) {
	t.Parallel()
	_, _, err := ParseAVCDecoderConfig([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestAppendAVCCNAL(t *testing.T) {
	t.Parallel()
	got := AppendAVCCNAL(nil, []byte{0x65, 0xAA, 0xBB})
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x03, 0x65, 0xAA, 0xBB}, got)
}
