package media

import "fmt"

// AudioChannels selects how many channels an audio sample batch or mixer
// output carries.
type AudioChannels int

const (
	// AudioChannelsMono carries one float64 sample per frame.
	AudioChannelsMono AudioChannels = iota
	// AudioChannelsStereo carries an (L, R) float64 pair per frame.
	AudioChannelsStereo
)

// StereoSample is one (left, right) sample pair in [-1.0, 1.0].
type StereoSample struct {
	L, R float64
}

// AudioSamples is the closed variant over mono/stereo sample storage,
// selected by Channels. Exactly one of Mono/Stereo is populated.
type AudioSamples struct {
	Channels AudioChannels
	Mono     []float64
	Stereo   []StereoSample
}

// Len returns the number of sample frames, regardless of channel layout.
func (a AudioSamples) Len() int {
	if a.Channels == AudioChannelsMono {
		return len(a.Mono)
	}
	return len(a.Stereo)
}

// InputAudioSamples is a contiguous batch of audio samples from one input,
// covering the half-open PTS range [StartPTS, EndPTS). Invariant:
// (EndPTS-StartPTS)*SampleRate == len(samples) within ±1 sample (spec §3).
type InputAudioSamples struct {
	StartPTS   PTS
	EndPTS     PTS
	SampleRate int
	Samples    AudioSamples
}

func (s InputAudioSamples) String() string {
	return fmt.Sprintf("InputAudioSamples{[%s,%s) n=%d}", s.StartPTS, s.EndPTS, s.Samples.Len())
}

// expectedLen returns how many sample frames should be present given the
// batch's PTS range and sample rate, per the spec §3 invariant.
func (s InputAudioSamples) expectedLen() int {
	return int((s.EndPTS - s.StartPTS).Seconds() * float64(s.SampleRate))
}

// Valid reports whether the batch respects the contiguity invariant
// against the stated sample rate, within the ±1 sample tolerance the spec
// allows for rounding.
func (s InputAudioSamples) Valid() bool {
	diff := s.Samples.Len() - s.expectedLen()
	if diff < 0 {
		diff = -diff
	}
	return diff <= 1
}
