package queue

import (
	"math"

	"github.com/mediaforge/compositor-core/media"
)

// selectForTick implements the audio tick algorithm (spec §4.3 "identical
// in spirit [to video] but slices each input's sample buffer to
// [T, T+period), zero-padding missing ranges and truncating overlaps").
//
// Consumed ring entries (or the consumed portion of a partially-overlapping
// entry) are removed; entries entirely before the window are dropped.
func (s *audioInputState) selectForTick(target, period media.PTS, sampleRate int, channels media.AudioChannels) media.InputAudioSamples {
	windowEnd := target + period
	wantLen := int(math.Round(period.Seconds() * float64(sampleRate)))

	out := media.InputAudioSamples{
		StartPTS:   target,
		EndPTS:     windowEnd,
		SampleRate: sampleRate,
		Samples:    zeroSamples(channels, wantLen),
	}

	kept := s.ring[:0]
	for _, e := range s.ring {
		ent := e.samples
		if ent.EndPTS <= target {
			// entirely before the window: drop.
			continue
		}
		if ent.StartPTS >= windowEnd {
			// entirely after the window: keep untouched for a later tick.
			kept = append(kept, e)
			continue
		}

		copyOverlap(&out, ent, target, sampleRate)

		if ent.EndPTS > windowEnd {
			// partially consumed: keep the remainder, trimmed to start at
			// windowEnd.
			trimmed, ok := trimFront(ent, windowEnd, sampleRate)
			if ok {
				kept = append(kept, audioRingEntry{samples: trimmed})
			}
		}
		// else: fully consumed by this tick, drop.
	}
	s.ring = kept

	if s.pendingEOS && len(s.ring) == 0 {
		s.done = true
	}

	return out
}

func zeroSamples(channels media.AudioChannels, n int) media.AudioSamples {
	if n < 0 {
		n = 0
	}
	if channels == media.AudioChannelsMono {
		return media.AudioSamples{Channels: channels, Mono: make([]float64, n)}
	}
	return media.AudioSamples{Channels: channels, Stereo: make([]media.StereoSample, n)}
}

// copyOverlap writes the portion of ent falling within [target, target+len(out)/rate)
// into out at the corresponding offset, converting channel layout if needed.
func copyOverlap(out *media.InputAudioSamples, ent media.InputAudioSamples, target media.PTS, sampleRate int) {
	entLen := ent.Samples.Len()
	if entLen == 0 {
		return
	}
	entDur := ent.EndPTS - ent.StartPTS
	if entDur <= 0 {
		return
	}
	perSample := entDur / media.PTS(entLen)
	if perSample <= 0 {
		return
	}

	outLen := out.Samples.Len()
	for i := 0; i < entLen; i++ {
		samplePTS := ent.StartPTS + media.PTS(i)*perSample
		offset := int(math.Round((samplePTS - target).Seconds() * float64(sampleRate)))
		if offset < 0 || offset >= outLen {
			continue
		}
		writeSample(&out.Samples, offset, ent.Samples, i)
	}
}

func writeSample(dst *media.AudioSamples, dstIdx int, src media.AudioSamples, srcIdx int) {
	switch dst.Channels {
	case media.AudioChannelsMono:
		if src.Channels == media.AudioChannelsMono {
			dst.Mono[dstIdx] = src.Mono[srcIdx]
		} else {
			s := src.Stereo[srcIdx]
			dst.Mono[dstIdx] = (s.L + s.R) / 2
		}
	default:
		if src.Channels == media.AudioChannelsStereo {
			dst.Stereo[dstIdx] = src.Stereo[srcIdx]
		} else {
			m := src.Mono[srcIdx]
			dst.Stereo[dstIdx] = media.StereoSample{L: m, R: m}
		}
	}
}

// trimFront drops every sample of ent before newStart, returning the
// remaining batch. ok is false if nothing remains.
func trimFront(ent media.InputAudioSamples, newStart media.PTS, sampleRate int) (media.InputAudioSamples, bool) {
	entLen := ent.Samples.Len()
	if entLen == 0 {
		return ent, false
	}
	entDur := ent.EndPTS - ent.StartPTS
	if entDur <= 0 {
		return ent, false
	}
	perSample := entDur / media.PTS(entLen)
	dropCount := int(math.Round((newStart - ent.StartPTS).Seconds() * float64(sampleRate)))
	if perSample > 0 {
		dropCount = int((newStart - ent.StartPTS) / perSample)
	}
	if dropCount <= 0 {
		return ent, true
	}
	if dropCount >= entLen {
		return ent, false
	}

	trimmed := ent
	trimmed.StartPTS = newStart
	if ent.Samples.Channels == media.AudioChannelsMono {
		trimmed.Samples.Mono = append([]float64(nil), ent.Samples.Mono[dropCount:]...)
	} else {
		trimmed.Samples.Stereo = append([]media.StereoSample(nil), ent.Samples.Stereo[dropCount:]...)
	}
	return trimmed, true
}
