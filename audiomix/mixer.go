// Package audiomix implements the Audio Mixer described in spec §4.4
// (C4): for each output, combine the tick's per-input sample batches into
// one stereo or mono stream according to that output's mixing strategy
// and per-input volumes.
//
// Grounded directly on original_source/compositor_pipeline/src/audio_mixer.rs
// and audio_mixer/mix.rs: one InternalAudioMixer-equivalent owns a
// per-output SampleMixer-equivalent (here, a *scaler) that carries its
// adaptive scaling_factor across ticks, since the ramp depends on the
// previous tick's value.
package audiomix

import (
	"log/slog"
	"sync"

	"github.com/mediaforge/compositor-core/media"
)

// MixingStrategy selects how summed samples are brought back into range.
type MixingStrategy int

const (
	// StrategySumClip hard-clamps summed samples to [-1, 1].
	StrategySumClip MixingStrategy = iota
	// StrategySumScale maintains an adaptive per-output scaling factor
	// instead of clipping, ramped linearly across each tick to avoid
	// zipper noise.
	StrategySumScale
)

// Adaptive scaling constants, named and valued exactly as
// audio_mixer.rs's VOL_DOWN_THRESHOLD / VOL_UP_THRESHOLD /
// VOL_DOWN_INCREMENT / VOL_UP_INCREMENT.
const (
	volDownThreshold = 1.0
	volUpThreshold   = 0.7
	volDownIncrement = 0.02
	volUpIncrement   = 0.01
)

// InputMix is one input's contribution to an output's mix.
type InputMix struct {
	InputID media.InputID
	Volume  float64
}

// OutputConfig is one output's mixing configuration (spec §4.4
// "Per-output configuration").
type OutputConfig struct {
	Inputs   []InputMix
	Strategy MixingStrategy
	Channels media.AudioChannels
}

// scaler carries a SumScale output's adaptive scaling_factor across
// ticks. newScaler sets the initial state of the Rust SampleMixer::new
// (scaling_factor: 1.0); the zero value has factor 0 and is not used.
type scaler struct {
	factor float64
}

func newScaler() *scaler {
	return &scaler{factor: 1.0}
}

type outputEntry struct {
	cfg    OutputConfig
	scaler *scaler
}

// Mixer owns every output's mixing configuration and adaptive scaling
// state. Safe for concurrent use: register/update/unregister calls come
// from the orchestrator's control path while MixTick is called once per
// tick from the owning output's goroutine.
type Mixer struct {
	mu      sync.Mutex
	outputs map[media.OutputID]*outputEntry
	log     *slog.Logger
}

// New creates an empty Mixer.
func New(log *slog.Logger) *Mixer {
	if log == nil {
		log = slog.Default()
	}
	return &Mixer{outputs: make(map[media.OutputID]*outputEntry), log: log}
}

// RegisterOutput installs or replaces an output's mixing configuration.
// A fresh scaling_factor (1.0) is only created the first time; updating
// config for an already-registered output preserves its running factor,
// matching update_output in the Rust original (which only swaps `audio`,
// never resets the SampleMixer).
func (m *Mixer) RegisterOutput(id media.OutputID, cfg OutputConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.outputs[id]; ok {
		entry.cfg = cfg
		return
	}
	m.outputs[id] = &outputEntry{cfg: cfg, scaler: newScaler()}
}

// UpdateOutput replaces an output's mixing configuration in place,
// returning false if the output was never registered.
func (m *Mixer) UpdateOutput(id media.OutputID, cfg OutputConfig) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.outputs[id]
	if !ok {
		return false
	}
	entry.cfg = cfg
	return true
}

// UnregisterOutput drops an output's mixing state.
func (m *Mixer) UnregisterOutput(id media.OutputID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.outputs, id)
}

// MixTick mixes one tick's worth of per-input sample batches for a single
// output, per spec §4.4's algorithm. samplesCount is the tick's
// authoritative sample count (from the Queue's audio tick window), used
// even if an input's batch is short or missing so every output tick has a
// consistent length.
func (m *Mixer) MixTick(id media.OutputID, inputs map[media.InputID]media.InputAudioSamples, samplesCount int) (media.AudioSamples, bool) {
	m.mu.Lock()
	entry, ok := m.outputs[id]
	m.mu.Unlock()
	if !ok {
		return media.AudioSamples{}, false
	}

	summed := m.sumSamples(entry.cfg, inputs, samplesCount)

	var mixed []stereoPair
	switch entry.cfg.Strategy {
	case StrategySumClip:
		mixed = clipSamples(summed)
	default:
		mixed = m.scaleSamples(entry.scaler, summed)
	}

	return downmix(mixed, entry.cfg.Channels), true
}

type stereoPair struct{ l, r float64 }

// sumSamples sums each configured input's volume-scaled contribution into
// a zeroed buffer, in the configuration's input order — fixing
// summation order makes two runs over identical inputs bit-identical
// (spec §4.4 "Numeric determinism"). Unknown or absent input ids are
// silently skipped.
func (m *Mixer) sumSamples(cfg OutputConfig, inputs map[media.InputID]media.InputAudioSamples, samplesCount int) []stereoPair {
	sum := make([]stereoPair, samplesCount)
	for _, im := range cfg.Inputs {
		batch, ok := inputs[im.InputID]
		if !ok {
			continue
		}
		n := batch.Samples.Len()
		if n > samplesCount {
			n = samplesCount
		}
		switch batch.Samples.Channels {
		case media.AudioChannelsMono:
			for i := 0; i < n; i++ {
				v := batch.Samples.Mono[i] * im.Volume
				sum[i].l += v
				sum[i].r += v
			}
		default:
			for i := 0; i < n; i++ {
				s := batch.Samples.Stereo[i]
				sum[i].l += s.L * im.Volume
				sum[i].r += s.R * im.Volume
			}
		}
	}
	return sum
}

func clipSamples(in []stereoPair) []stereoPair {
	out := make([]stereoPair, len(in))
	for i, s := range in {
		out[i] = stereoPair{l: clamp(s.l, -1, 1), r: clamp(s.r, -1, 1)}
	}
	return out
}

// scaleSamples implements SampleMixer::scale_samples verbatim: derive
// max_sample across the tick, step scaling_factor by one increment
// (never more, regardless of how far off-target max_sample is), then
// linearly interpolate from the previous factor to the new one across
// the tick's samples before clamping.
func (m *Mixer) scaleSamples(s *scaler, in []stereoPair) []stereoPair {
	if len(in) == 0 {
		m.log.Error("audio mixer received an empty tick")
		return in
	}

	maxSample := 0.0
	for _, p := range in {
		if a := absMax(p.l, p.r); a > maxSample {
			maxSample = a
		}
	}

	oldFactor := s.factor
	if maxSample*s.factor > volDownThreshold {
		s.factor = max64(s.factor-volDownIncrement, 0.0)
	} else if maxSample*s.factor < volUpThreshold {
		s.factor = min64(s.factor+volUpIncrement, 1.0)
	}

	factorDiff := s.factor - oldFactor
	n := len(in)
	out := make([]stereoPair, n)
	for i, p := range in {
		factor := oldFactor + factorDiff*float64(i)/float64(n)
		out[i] = stereoPair{l: clamp(p.l*factor, -1, 1), r: clamp(p.r*factor, -1, 1)}
	}
	return out
}

func downmix(in []stereoPair, channels media.AudioChannels) media.AudioSamples {
	if channels == media.AudioChannelsMono {
		mono := make([]float64, len(in))
		for i, p := range in {
			mono[i] = (p.l + p.r) / 2
		}
		return media.AudioSamples{Channels: media.AudioChannelsMono, Mono: mono}
	}
	stereo := make([]media.StereoSample, len(in))
	for i, p := range in {
		stereo[i] = media.StereoSample{L: p.l, R: p.r}
	}
	return media.AudioSamples{Channels: media.AudioChannelsStereo, Stereo: stereo}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absMax(a, b float64) float64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	if a > b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
