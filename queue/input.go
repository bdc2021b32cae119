package queue

import (
	"github.com/mediaforge/compositor-core/media"
)

// InputID and OutputID reuse the media package's string identifiers.
type (
	InputID  = media.InputID
	OutputID = media.OutputID
)

// VideoInputOptions configures how one video input participates in every
// output's tick, per spec §4.3 "Input registration options".
type VideoInputOptions struct {
	// Required makes a tick block on this input until it has a frame at or
	// past the tick's target PTS, or until the tick's max_wait deadline.
	Required bool
	// Offset logically translates every frame's PTS from this input before
	// it is compared against a tick's target.
	Offset media.PTS
	// BufferDuration is an additional per-input delay absorbing jitter;
	// applied the same way Offset is (it shifts the selection-time PTS).
	BufferDuration media.PTS
	// RingDepth bounds how many frames are held before the oldest is
	// dropped. Zero selects media.VideoRingDepth.
	RingDepth int
}

func (o VideoInputOptions) shift() media.PTS {
	return o.Offset + o.BufferDuration
}

func (o VideoInputOptions) ringDepth() int {
	if o.RingDepth > 0 {
		return o.RingDepth
	}
	return media.VideoRingDepth
}

// AudioInputOptions is the audio analog of VideoInputOptions.
type AudioInputOptions struct {
	Required       bool
	Offset         media.PTS
	BufferDuration media.PTS
	RingDepth      int
}

func (o AudioInputOptions) shift() media.PTS {
	return o.Offset + o.BufferDuration
}

func (o AudioInputOptions) ringDepth() int {
	if o.RingDepth > 0 {
		return o.RingDepth
	}
	return media.AudioRingDepth
}

type videoRingEntry struct {
	pts   media.PTS // shifted selection-time PTS
	frame media.Frame
}

// videoInputState is the per-input bounded FIFO plus bookkeeping described
// in spec §4.3 "Per-input state".
type videoInputState struct {
	opts VideoInputOptions

	ring []videoRingEntry

	lastEmitted *media.Frame
	done        bool
	pendingEOS  bool

	droppedOverflow uint64
}

func newVideoInputState(opts VideoInputOptions) *videoInputState {
	return &videoInputState{opts: opts}
}

// push appends a frame, applying the input's shift, and enforces the ring
// depth bound by dropping the oldest entry on overflow.
func (s *videoInputState) push(frame media.Frame) {
	s.ring = append(s.ring, videoRingEntry{pts: frame.PTS + s.opts.shift(), frame: frame})
	depth := s.opts.ringDepth()
	for len(s.ring) > depth {
		s.ring = s.ring[1:]
		s.droppedOverflow++
	}
}

// selectForTick implements the video tick algorithm's per-input step (spec
// §4.3 step 2): drop stale frames, then pick the closest-to-target frame
// within the tick's half-period window, falling back to the last emitted
// (or caller-supplied zero) frame when nothing qualifies.
func (s *videoInputState) selectForTick(target media.PTS, period media.PTS, zero media.Frame) (frame media.Frame, ready bool) {
	cutoff := target - period/2
	kept := s.ring[:0]
	for _, e := range s.ring {
		if e.pts < cutoff {
			continue
		}
		kept = append(kept, e)
	}
	s.ring = kept

	best, found := bestCandidate(s.ring, target, period)
	if found {
		s.lastEmitted = &best
	}

	if s.pendingEOS && len(s.ring) == 0 {
		s.done = true
	}

	if found {
		return best, true
	}
	if s.lastEmitted != nil {
		return *s.lastEmitted, false
	}
	return zero, false
}

// bestCandidate picks the ring entry with pts closest to target, ties
// going to the earlier pts, restricted to the tick's half-period window on
// both sides: a frame further than period/2 from target (in either
// direction) is treated as "not yet available" rather than forced into
// view, so an input whose first frame lies far in the future (e.g. behind
// a large per-input offset) stays on the reuse/zero-frame fallback until
// its frame actually enters the window.
func bestCandidate(ring []videoRingEntry, target, period media.PTS) (media.Frame, bool) {
	half := period / 2
	var (
		best      media.Frame
		bestPTS   media.PTS
		bestDelta media.PTS
		found     bool
	)
	for _, e := range ring {
		delta := e.pts - target
		if delta < 0 {
			delta = -delta
		}
		if delta > half {
			continue
		}
		if !found || delta < bestDelta || (delta == bestDelta && e.pts < bestPTS) {
			best = e.frame
			bestPTS = e.pts
			bestDelta = delta
			found = true
		}
	}
	return best, found
}

type audioRingEntry struct {
	samples media.InputAudioSamples // StartPTS/EndPTS already shifted at push time
}

type audioInputState struct {
	opts AudioInputOptions

	ring       []audioRingEntry
	done       bool
	pendingEOS bool

	droppedOverflow uint64
}

func newAudioInputState(opts AudioInputOptions) *audioInputState {
	return &audioInputState{opts: opts}
}

func (s *audioInputState) push(samples media.InputAudioSamples) {
	shift := s.opts.shift()
	samples.StartPTS += shift
	samples.EndPTS += shift
	s.ring = append(s.ring, audioRingEntry{samples: samples})
	depth := s.opts.ringDepth()
	for len(s.ring) > depth {
		s.ring = s.ring[1:]
		s.droppedOverflow++
	}
}
