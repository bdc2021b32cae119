package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mediaforge/compositor-core/clock"
	"github.com/mediaforge/compositor-core/coreerr"
	"github.com/mediaforge/compositor-core/media"
)

// BackpressureMode selects how a required input's missing deadline is
// handled, per spec §4.3 "Deadlines and 'never drop' mode".
type BackpressureMode int

const (
	// ModeLive treats a missing required input as EOS for that input once
	// its tick deadline (T+max_wait) passes.
	ModeLive BackpressureMode = iota
	// ModeOffline ("never drop") ignores wall-clock drift: a required
	// input is honored until it is explicitly marked EOS, however long
	// that takes. Intended for file-to-file transcoding.
	ModeOffline
)

// VideoTick is one output's video gather result: one frame per configured
// video input, all sharing the tick's target PTS.
type VideoTick struct {
	PTS    media.PTS
	Frames map[InputID]media.Frame
}

// AudioTick is one output's audio gather result: one sample batch per
// configured audio input, covering [PTS, PTS+Period).
type AudioTick struct {
	PTS     media.PTS
	Period  media.PTS
	Samples map[InputID]media.InputAudioSamples
}

// OutputOptions configures one output's tick cadence and input set.
type OutputOptions struct {
	VideoInputIDs []InputID
	AudioInputIDs []InputID

	Framerate Framerate // video tick period
	MaxWait   media.PTS // spec §4.3 required-input deadline

	AudioPeriod     media.PTS // defaults to 20ms
	AudioSampleRate int       // required if AudioInputIDs is non-empty
	AudioChannels   media.AudioChannels

	// ZeroResolution/ZeroFormat seed the all-zero fallback frame (spec
	// §4.3 step 2, "reuse the last emitted frame ... or an all-zero frame
	// if none exists yet") before any real frame has ever been selected.
	ZeroResolution media.Resolution
	ZeroFormat     media.PixelFormat
}

type outputState struct {
	opts OutputOptions

	nextVideoTickPTS media.PTS
	nextAudioTickPTS media.PTS

	closed bool
}

func (o *outputState) audioPeriod() media.PTS {
	if o.opts.AudioPeriod > 0 {
		return o.opts.AudioPeriod
	}
	return 20 * media.PTS(time.Millisecond)
}

// Queue is the central per-process scheduler described in spec §4.3: it
// owns every input's bounded ring and every output's tick cursor, and
// gathers tick-aligned bundles on demand.
//
// Mirrors the single Mutex-guarded internal queue plus "check queue"
// wakeup channel of the Rust original (src/queue.rs), generalized from one
// output to many and exposed as a blocking pull (CollectVideoTick /
// CollectAudioTick) instead of a push to an unbounded sender, since Go
// callers already run one goroutine per output and can call these in a
// loop.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	clk  clockSource
	mode BackpressureMode

	videoInputs map[InputID]*videoInputState
	audioInputs map[InputID]*audioInputState
	outputs     map[OutputID]*outputState

	released bool
}

type clockSource interface {
	Now() media.PTS
}

// New creates a Queue. clk supplies the wall-clock-derived PTS used to
// evaluate required-input deadlines.
func New(clk *clock.Clock, mode BackpressureMode) *Queue {
	q := &Queue{
		clk:         clk,
		mode:        mode,
		videoInputs: make(map[InputID]*videoInputState),
		audioInputs: make(map[InputID]*audioInputState),
		outputs:     make(map[OutputID]*outputState),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// RegisterVideoInput adds a video input's ring. Re-registering an existing
// id is a configuration error.
func (q *Queue) RegisterVideoInput(id InputID, opts VideoInputOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.videoInputs[id]; exists {
		return coreerr.Configuration(fmt.Errorf("video input %q already registered", id))
	}
	q.videoInputs[id] = newVideoInputState(opts)
	return nil
}

// RegisterAudioInput adds an audio input's ring.
func (q *Queue) RegisterAudioInput(id InputID, opts AudioInputOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.audioInputs[id]; exists {
		return coreerr.Configuration(fmt.Errorf("audio input %q already registered", id))
	}
	q.audioInputs[id] = newAudioInputState(opts)
	return nil
}

// UnregisterVideoInput drops a video input's ring immediately.
func (q *Queue) UnregisterVideoInput(id InputID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.videoInputs, id)
	q.cond.Broadcast()
}

// UnregisterAudioInput drops an audio input's ring immediately.
func (q *Queue) UnregisterAudioInput(id InputID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.audioInputs, id)
	q.cond.Broadcast()
}

// RegisterOutput installs an output's tick cursor and input set.
func (q *Queue) RegisterOutput(id OutputID, opts OutputOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.outputs[id]; exists {
		return coreerr.Configuration(fmt.Errorf("output %q already registered", id))
	}
	for _, vid := range opts.VideoInputIDs {
		if _, ok := q.videoInputs[vid]; !ok {
			return coreerr.Configuration(fmt.Errorf("output %q references unknown video input %q", id, vid))
		}
	}
	for _, aid := range opts.AudioInputIDs {
		if _, ok := q.audioInputs[aid]; !ok {
			return coreerr.Configuration(fmt.Errorf("output %q references unknown audio input %q", id, aid))
		}
	}
	q.outputs[id] = &outputState{opts: opts}
	return nil
}

// UnregisterOutput stops scheduling ticks for id.
func (q *Queue) UnregisterOutput(id OutputID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if out, ok := q.outputs[id]; ok {
		out.closed = true
	}
	q.cond.Broadcast()
}

// Release opens the tick gate: before Release, CollectVideoTick and
// CollectAudioTick block regardless of data availability (spec §4.6
// "Before start, the Queue buffers but does not emit ticks").
func (q *Queue) Release() {
	q.mu.Lock()
	q.released = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// EnqueueFrame appends a decoded frame to id's ring.
func (q *Queue) EnqueueFrame(id InputID, frame media.Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.videoInputs[id]
	if !ok {
		return coreerr.Invariant(fmt.Errorf("enqueue to unknown video input %q", id))
	}
	st.push(frame)
	q.cond.Broadcast()
	return nil
}

// EnqueueAudioSamples appends a decoded sample batch to id's ring.
func (q *Queue) EnqueueAudioSamples(id InputID, samples media.InputAudioSamples) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.audioInputs[id]
	if !ok {
		return coreerr.Invariant(fmt.Errorf("enqueue to unknown audio input %q", id))
	}
	st.push(samples)
	q.cond.Broadcast()
	return nil
}

// MarkVideoInputEOS records that no further video frames will arrive for
// id. It is not marked done until its ring drains (spec §4.3 "EOS
// propagation").
func (q *Queue) MarkVideoInputEOS(id InputID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.videoInputs[id]; ok {
		st.pendingEOS = true
		if len(st.ring) == 0 {
			st.done = true
		}
	}
	q.cond.Broadcast()
}

// MarkAudioInputEOS is the audio analog of MarkVideoInputEOS.
func (q *Queue) MarkAudioInputEOS(id InputID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if st, ok := q.audioInputs[id]; ok {
		st.pendingEOS = true
		if len(st.ring) == 0 {
			st.done = true
		}
	}
	q.cond.Broadcast()
}

// InputDone reports whether every ring registered under id (video, audio,
// or both) has drained after an EOS mark.
func (q *Queue) InputDone(id InputID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	any := false
	if st, ok := q.videoInputs[id]; ok {
		any = true
		if !st.done {
			return false
		}
	}
	if st, ok := q.audioInputs[id]; ok {
		any = true
		if !st.done {
			return false
		}
	}
	return any
}

var errOutputClosed = fmt.Errorf("output closed")

// CollectVideoTick blocks until the next video tick for id is ready (every
// required input present, or its deadline/EOS fallback reached), or ctx is
// cancelled. Implements spec §4.3's video tick algorithm.
func (q *Queue) CollectVideoTick(ctx context.Context, id OutputID) (VideoTick, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	out, ok := q.outputs[id]
	if !ok {
		return VideoTick{}, coreerr.Invariant(fmt.Errorf("unknown output %q", id))
	}

	period := media.PTS(out.opts.Framerate.Period())
	zero := media.ZeroFrame(0, out.opts.ZeroResolution, out.opts.ZeroFormat)

	for {
		if err := ctx.Err(); err != nil {
			return VideoTick{}, err
		}
		if out.closed {
			return VideoTick{}, coreerr.Invariant(errOutputClosed)
		}
		if !q.released {
			q.cond.Wait()
			continue
		}

		target := out.nextVideoTickPTS
		frames := make(map[InputID]media.Frame, len(out.opts.VideoInputIDs))
		ready := true
		wait := time.Duration(-1)
		for _, vid := range out.opts.VideoInputIDs {
			st := q.videoInputs[vid]
			if st == nil {
				continue
			}
			frame, selected := st.selectForTick(target, period, withPTS(zero, target))
			frames[vid] = frame
			if selected {
				continue
			}
			if st.opts.Required && !q.deadlinePassed(st.done, target+out.opts.MaxWait) {
				ready = false
				if q.mode == ModeLive {
					wait = minWait(wait, q.remaining(target+out.opts.MaxWait))
				}
			}
		}

		if !ready {
			q.waitWithTimeout(wait)
			continue
		}

		out.nextVideoTickPTS += period
		return VideoTick{PTS: target, Frames: frames}, nil
	}
}

// CollectAudioTick is the audio analog of CollectVideoTick, implementing
// the slice-and-zero-pad algorithm in audiotick.go.
func (q *Queue) CollectAudioTick(ctx context.Context, id OutputID) (AudioTick, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()

	q.mu.Lock()
	defer q.mu.Unlock()

	out, ok := q.outputs[id]
	if !ok {
		return AudioTick{}, coreerr.Invariant(fmt.Errorf("unknown output %q", id))
	}

	period := out.audioPeriod()

	for {
		if err := ctx.Err(); err != nil {
			return AudioTick{}, err
		}
		if out.closed {
			return AudioTick{}, coreerr.Invariant(errOutputClosed)
		}
		if !q.released {
			q.cond.Wait()
			continue
		}

		target := out.nextAudioTickPTS
		ready := true
		wait := time.Duration(-1)
		for _, aid := range out.opts.AudioInputIDs {
			st := q.audioInputs[aid]
			if st == nil {
				continue
			}
			deadline := target + period + out.opts.MaxWait
			if st.opts.Required && !hasCoverage(st, target+period) && !q.deadlinePassed(st.done, deadline) {
				ready = false
				if q.mode == ModeLive {
					wait = minWait(wait, q.remaining(deadline))
				}
			}
		}
		if !ready {
			q.waitWithTimeout(wait)
			continue
		}

		samples := make(map[InputID]media.InputAudioSamples, len(out.opts.AudioInputIDs))
		for _, aid := range out.opts.AudioInputIDs {
			st := q.audioInputs[aid]
			if st == nil {
				continue
			}
			samples[aid] = st.selectForTick(target, period, out.opts.AudioSampleRate, out.opts.AudioChannels)
		}

		out.nextAudioTickPTS += period
		return AudioTick{PTS: target, Period: period, Samples: samples}, nil
	}
}

// deadlinePassed evaluates spec §4.3's "deadline has not passed" /
// "never drop" split: Live mode honors MaxWait against the clock; Offline
// mode only yields once the input is explicitly done.
func (q *Queue) deadlinePassed(done bool, deadline media.PTS) bool {
	if done {
		return true
	}
	if q.mode == ModeOffline {
		return false
	}
	return q.clk.Now() >= deadline
}

// remaining converts a PTS deadline into a wall-clock duration from now,
// clamped to zero. Only meaningful in ModeLive, where a PTS difference
// tracks a real elapsed duration 1:1 (both derive from time.Since(t0)).
func (q *Queue) remaining(deadline media.PTS) time.Duration {
	d := time.Duration(deadline - q.clk.Now())
	if d < 0 {
		d = 0
	}
	return d
}

func minWait(a, b time.Duration) time.Duration {
	if a < 0 {
		return b
	}
	if b < a {
		return b
	}
	return a
}

// waitWithTimeout blocks on the condition variable, with an optional
// deadline: q.mu must be held by the caller, matching sync.Cond.Wait's
// contract. A negative d waits indefinitely for a Broadcast (used when no
// required input has a finite deadline, e.g. ModeOffline).
func (q *Queue) waitWithTimeout(d time.Duration) {
	if d < 0 {
		q.cond.Wait()
		return
	}
	timer := time.AfterFunc(d, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	q.cond.Wait()
	timer.Stop()
}

func hasCoverage(st *audioInputState, through media.PTS) bool {
	for _, e := range st.ring {
		if e.samples.EndPTS >= through {
			return true
		}
	}
	return false
}

func withPTS(f media.Frame, pts media.PTS) media.Frame {
	f.PTS = pts
	return f
}
