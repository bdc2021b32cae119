package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInputAudioSamplesValid(t *testing.T) {
	s := InputAudioSamples{
		StartPTS:   0,
		EndPTS:     20 * time.Millisecond,
		SampleRate: 48000,
		Samples:    AudioSamples{Channels: AudioChannelsStereo, Stereo: make([]StereoSample, 960)},
	}
	assert.True(t, s.Valid())

	offByOne := s
	offByOne.Samples.Stereo = make([]StereoSample, 961)
	assert.True(t, offByOne.Valid())

	offByTwo := s
	offByTwo.Samples.Stereo = make([]StereoSample, 962)
	assert.False(t, offByTwo.Valid())
}

func TestAudioSamplesLen(t *testing.T) {
	mono := AudioSamples{Channels: AudioChannelsMono, Mono: []float64{1, 2, 3}}
	assert.Equal(t, 3, mono.Len())

	stereo := AudioSamples{Channels: AudioChannelsStereo, Stereo: []StereoSample{{}, {}}}
	assert.Equal(t, 2, stereo.Len())
}
