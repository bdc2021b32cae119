package audiomix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/media"
)

func monoBatch(values ...float64) media.InputAudioSamples {
	return media.InputAudioSamples{
		Samples: media.AudioSamples{Channels: media.AudioChannelsMono, Mono: values},
	}
}

func stereoBatch(pairs ...media.StereoSample) media.InputAudioSamples {
	return media.InputAudioSamples{
		Samples: media.AudioSamples{Channels: media.AudioChannelsStereo, Stereo: pairs},
	}
}

func TestSumClipClampsOutOfRangeSamples(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 1.0}},
		Strategy: StrategySumClip,
		Channels: media.AudioChannelsStereo,
	})

	mixed, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(media.StereoSample{L: 1.5, R: -2.0}, media.StereoSample{L: 0.2, R: 0.3}),
	}, 2)
	require.True(t, ok)
	assert.Equal(t, 1.0, mixed.Stereo[0].L)
	assert.Equal(t, -1.0, mixed.Stereo[0].R)
	assert.Equal(t, 0.2, mixed.Stereo[1].L)
}

func TestSumScaleNoChangeWithinBand(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 1.0}},
		Strategy: StrategySumScale,
		Channels: media.AudioChannelsStereo,
	})

	// max(|l|,|r|) = 0.8, within [VOL_UP_THRESHOLD, VOL_DOWN_THRESHOLD] = [0.7, 1.0]: no change.
	mixed, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(media.StereoSample{L: 0.8, R: -0.1}, media.StereoSample{L: 0.1, R: 0.1}),
	}, 2)
	require.True(t, ok)
	assert.InDelta(t, 0.8, mixed.Stereo[0].L, 1e-12)
	assert.Equal(t, 1.0, m.outputs["out"].scaler.factor)
}

func TestSumScaleDecreasesAndRampsLinearly(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 1.0}},
		Strategy: StrategySumScale,
		Channels: media.AudioChannelsStereo,
	})

	mixed, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(
			media.StereoSample{L: 0.9, R: -0.9},
			media.StereoSample{L: 1.1, R: -1.1}, // out of range
			media.StereoSample{L: 0.95, R: -0.95},
			media.StereoSample{L: 0.98, R: -0.98},
			media.StereoSample{L: 0.7, R: -0.7},
		),
	}, 5)
	require.True(t, ok)

	assert.InDelta(t, 0.98, m.outputs["out"].scaler.factor, 1e-12)
	want := []float64{
		1.0 * 0.9,
		1.0, // clipped
		0.992 * 0.95,
		0.988 * 0.98,
		0.984 * 0.7,
	}
	for i, w := range want {
		assert.InDelta(t, w, mixed.Stereo[i].L, 1e-9, "sample %d", i)
	}
}

func TestSumScaleIncreasesAfterQuietTick(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 1.0}},
		Strategy: StrategySumScale,
		Channels: media.AudioChannelsStereo,
	})

	// First tick forces a decrease to 0.98.
	_, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(
			media.StereoSample{L: 1.1, R: -1.1},
			media.StereoSample{L: 1.1, R: -1.1},
		),
	}, 2)
	require.True(t, ok)
	require.InDelta(t, 0.98, m.outputs["out"].scaler.factor, 1e-12)

	// Second, quiet tick: max_sample * 0.98 = 0.294 < 0.7 -> increase by 0.01.
	mixed, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(
			media.StereoSample{L: 0.3, R: -0.3},
			media.StereoSample{L: 0.3, R: -0.3},
		),
	}, 2)
	require.True(t, ok)
	assert.InDelta(t, 0.99, m.outputs["out"].scaler.factor, 1e-12)
	assert.InDelta(t, 0.98*0.3, mixed.Stereo[0].L, 1e-9)
	assert.InDelta(t, 0.985*0.3, mixed.Stereo[1].L, 1e-9)
}

func TestSumSamplesAppliesPerInputVolumeAndSkipsUnknownInputs(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs: []InputMix{
			{InputID: "a", Volume: 0.5},
			{InputID: "b", Volume: 2.0},
			{InputID: "ghost", Volume: 1.0}, // never present in a tick
		},
		Strategy: StrategySumClip,
		Channels: media.AudioChannelsStereo,
	})

	mixed, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(media.StereoSample{L: 0.2, R: 0.2}),
		"b": stereoBatch(media.StereoSample{L: 0.1, R: -0.1}),
	}, 1)
	require.True(t, ok)
	assert.InDelta(t, 0.2*0.5+0.1*2.0, mixed.Stereo[0].L, 1e-12)
	assert.InDelta(t, 0.2*0.5-0.1*2.0, mixed.Stereo[0].R, 1e-12)
}

func TestMonoDownmixAveragesChannels(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 1.0}},
		Strategy: StrategySumClip,
		Channels: media.AudioChannelsMono,
	})

	mixed, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(media.StereoSample{L: 0.4, R: 0.8}),
	}, 1)
	require.True(t, ok)
	require.Equal(t, media.AudioChannelsMono, mixed.Channels)
	assert.InDelta(t, 0.6, mixed.Mono[0], 1e-12)
}

func TestMonoInputUpmixedToStereoOutput(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 1.0}},
		Strategy: StrategySumClip,
		Channels: media.AudioChannelsStereo,
	})

	mixed, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": monoBatch(0.5),
	}, 1)
	require.True(t, ok)
	assert.Equal(t, 0.5, mixed.Stereo[0].L)
	assert.Equal(t, 0.5, mixed.Stereo[0].R)
}

func TestUpdateOutputPreservesRunningScalingFactor(t *testing.T) {
	m := New(nil)
	m.RegisterOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 1.0}},
		Strategy: StrategySumScale,
		Channels: media.AudioChannelsStereo,
	})
	_, ok := m.MixTick("out", map[media.InputID]media.InputAudioSamples{
		"a": stereoBatch(media.StereoSample{L: 1.1, R: -1.1}),
	}, 1)
	require.True(t, ok)
	before := m.outputs["out"].scaler.factor

	require.True(t, m.UpdateOutput("out", OutputConfig{
		Inputs:   []InputMix{{InputID: "a", Volume: 0.8}},
		Strategy: StrategySumScale,
		Channels: media.AudioChannelsStereo,
	}))
	assert.Equal(t, before, m.outputs["out"].scaler.factor)
}

func TestMixTickUnknownOutputReturnsFalse(t *testing.T) {
	m := New(nil)
	_, ok := m.MixTick("missing", nil, 0)
	assert.False(t, ok)
}
