// Package pipeline implements the Pipeline Orchestrator (spec §4.6, C6):
// it owns the Queue, the Audio Mixer, and every output's Scene State
// tree, wiring registered inputs' decoders to the Queue and each
// registered output's tick stream through a renderer and encoder to its
// sink.
//
// Grounded on internal/pipeline/pipeline.go's shape — a small object
// accepting a narrow interface for its downstream fan-out
// (Broadcaster there, transport.Renderer/transport.ChunkSink here) and
// running a context-scoped per-stream loop — generalized from prism's
// one demuxer/one relay model to many inputs and many outputs, each with
// its own goroutine instead of one shared select loop, since outputs here
// run on independent tick cadences rather than draining shared channels.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mediaforge/compositor-core/audiomix"
	"github.com/mediaforge/compositor-core/coreerr"
	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/queue"
	"github.com/mediaforge/compositor-core/scene"
	"github.com/mediaforge/compositor-core/stats"
	"github.com/mediaforge/compositor-core/transport"
)

// InitInfo is returned from RegisterInput. Protocol-specific init detail
// (e.g. a WHIP bearer token) is minted by the transport adapter itself
// before or after this call; the orchestrator only echoes the input's id
// back so callers have a single return-value shape to check for error.
type InitInfo struct {
	InputID media.InputID
}

// InputOptions configures one registered input (spec §4.6 register_input).
type InputOptions struct {
	Video *queue.VideoInputOptions
	Audio *queue.AudioInputOptions

	// Source decodes/demuxes this input's byte source and pushes frames
	// and sample batches into the orchestrator until ctx is cancelled or
	// the source is exhausted.
	Source transport.FrameSource
}

// PacketLossSampler reports a WebRTC output's cumulative lost/sent RTCP
// counters, polled every 10s to drive spec §4.6's loss-feedback loop.
type PacketLossSampler func() (lost, sent uint64)

// OutputOptions configures one registered output (spec §4.6 register_output).
type OutputOptions struct {
	Tick queue.OutputOptions

	InitialScene scene.Component
	AudioMix     audiomix.OutputConfig
	EndCondition EndCondition

	Renderer         transport.Renderer
	VideoTransformer transport.VideoTransformer
	AudioTransformer transport.AudioTransformer
	Sink             transport.ChunkSink

	// KeyframeRequests, if non-nil, is read by the video tick loop: a
	// pending receive forces the next encoded frame to be an IDR (spec
	// §4.6 "Keyframe forcing" — fed by a WebRTC PLI or any other source
	// the transport adapter wires in).
	KeyframeRequests <-chan struct{}
	// KeyframeInterval, if positive, also forces a keyframe at least this
	// often regardless of PLI activity.
	KeyframeInterval media.PTS

	// PacketLoss, if non-nil, is sampled every PacketLossInterval (default
	// 10s, per spec §4.6 "Packet-loss feedback") to feed Opus's
	// packet_loss_perc via OnPacketLoss.
	PacketLoss         PacketLossSampler
	OnPacketLoss       func(lossPct int)
	PacketLossInterval time.Duration
}

// pendingUpdate holds an update_output call until the next tick boundary
// applies it (spec §5 "update_output posts a pending update, applied at
// the next tick").
type pendingUpdate struct {
	scene    *scene.Component
	audioMix *audiomix.OutputConfig
	endCond  *EndCondition
}

type inputEntry struct {
	cancel context.CancelFunc
}

type outputEntry struct {
	opts    OutputOptions
	tree    *scene.Tree
	endCond EndCondition

	mu      sync.Mutex
	pending *pendingUpdate

	cancel context.CancelFunc

	lastKeyframePTS media.PTS
}

// Orchestrator wires the Queue, Mixer, and per-output Scene State trees
// together and drives every registered output's tick loop. One
// Orchestrator instance owns one running pipeline.
type Orchestrator struct {
	log   *slog.Logger
	queue *queue.Queue
	mixer *audiomix.Mixer
	bus   *stats.Bus

	mu      sync.Mutex
	inputs  map[media.InputID]*inputEntry
	outputs map[media.OutputID]*outputEntry

	captionsMu sync.Mutex
	captions   map[media.InputID][]media.Caption

	wg sync.WaitGroup
}

// New creates an Orchestrator over the given Queue, Mixer, and stats Bus.
// The caller constructs these (and the Clock the Queue depends on)
// exactly as cmd/compositor's main wires internal/pipeline's
// dependencies today, just with this spec's object graph instead.
func New(q *queue.Queue, mixer *audiomix.Mixer, bus *stats.Bus, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		log:     log,
		queue:   q,
		mixer:   mixer,
		bus:     bus,
		inputs:   make(map[media.InputID]*inputEntry),
		outputs:  make(map[media.OutputID]*outputEntry),
		captions: make(map[media.InputID][]media.Caption),
	}
}

// RegisterInput installs id's queue rings and starts its decoder/demuxer
// goroutine, running until the Orchestrator is stopped or the source
// itself finishes.
func (o *Orchestrator) RegisterInput(ctx context.Context, id media.InputID, opts InputOptions) (InitInfo, error) {
	o.mu.Lock()
	if _, exists := o.inputs[id]; exists {
		o.mu.Unlock()
		return InitInfo{}, coreerr.Configuration(fmt.Errorf("input %q already registered", id))
	}
	o.mu.Unlock()

	if opts.Video != nil {
		if err := o.queue.RegisterVideoInput(id, *opts.Video); err != nil {
			return InitInfo{}, err
		}
	}
	if opts.Audio != nil {
		if err := o.queue.RegisterAudioInput(id, *opts.Audio); err != nil {
			return InitInfo{}, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.inputs[id] = &inputEntry{cancel: cancel}
	o.mu.Unlock()

	o.bus.Emit(stats.Event{Kind: stats.KindInputRegistered, Timestamp: now(), InputID: id})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		sink := &frameSinkAdapter{o: o, id: id}
		err := opts.Source.Run(runCtx, sink)
		if opts.Video != nil {
			o.queue.MarkVideoInputEOS(id)
		}
		if opts.Audio != nil {
			o.queue.MarkAudioInputEOS(id)
		}
		if err != nil && runCtx.Err() == nil {
			o.log.Error("input source terminated", "input", id, "error", err)
		}
		o.bus.Emit(stats.Event{Kind: stats.KindInputDone, Timestamp: now(), InputID: id})
	}()

	return InitInfo{InputID: id}, nil
}

// UnregisterInput cancels id's decoder goroutine and drops its queue
// rings immediately.
func (o *Orchestrator) UnregisterInput(id media.InputID) {
	o.mu.Lock()
	entry, ok := o.inputs[id]
	delete(o.inputs, id)
	o.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	o.queue.UnregisterVideoInput(id)
	o.queue.UnregisterAudioInput(id)

	o.captionsMu.Lock()
	delete(o.captions, id)
	o.captionsMu.Unlock()
}

// RegisterOutput installs output id's scene tree, mixer configuration,
// and tick cursor, then starts its video/audio tick loops.
func (o *Orchestrator) RegisterOutput(ctx context.Context, id media.OutputID, opts OutputOptions) error {
	o.mu.Lock()
	if _, exists := o.outputs[id]; exists {
		o.mu.Unlock()
		return coreerr.Configuration(fmt.Errorf("output %q already registered", id))
	}
	o.mu.Unlock()

	if err := o.queue.RegisterOutput(id, opts.Tick); err != nil {
		return err
	}
	o.mixer.RegisterOutput(id, opts.AudioMix)

	tree := scene.NewTree()
	tree.Update(opts.InitialScene, 0)

	runCtx, cancel := context.WithCancel(ctx)
	entry := &outputEntry{opts: opts, tree: tree, endCond: opts.EndCondition, cancel: cancel}

	o.mu.Lock()
	o.outputs[id] = entry
	o.mu.Unlock()

	o.bus.Emit(stats.Event{Kind: stats.KindOutputRegistered, Timestamp: now(), OutputID: id})

	if len(opts.Tick.VideoInputIDs) > 0 {
		o.wg.Add(1)
		go o.runVideoLoop(runCtx, id, entry)
	}
	if len(opts.Tick.AudioInputIDs) > 0 {
		o.wg.Add(1)
		go o.runAudioLoop(runCtx, id, entry)
	}
	if opts.PacketLoss != nil {
		interval := opts.PacketLossInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		o.wg.Add(1)
		go o.runPacketLossLoop(runCtx, opts.PacketLoss, opts.OnPacketLoss, id, interval)
	}

	return nil
}

// UpdateOutput posts a pending scene/audio-mix/end-condition swap for id,
// applied atomically at the output's next tick (spec §5). Any of the
// three pointers may be nil to leave that aspect unchanged.
func (o *Orchestrator) UpdateOutput(id media.OutputID, newScene *scene.Component, audioMix *audiomix.OutputConfig, endCond *EndCondition) error {
	o.mu.Lock()
	entry, ok := o.outputs[id]
	o.mu.Unlock()
	if !ok {
		return coreerr.Configuration(fmt.Errorf("update_output: unknown output %q", id))
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.pending = &pendingUpdate{scene: newScene, audioMix: audioMix, endCond: endCond}
	return nil
}

// UnregisterOutput flushes and tears down output id.
func (o *Orchestrator) UnregisterOutput(id media.OutputID) {
	o.mu.Lock()
	entry, ok := o.outputs[id]
	delete(o.outputs, id)
	o.mu.Unlock()
	if !ok {
		return
	}
	entry.cancel()
	o.queue.UnregisterOutput(id)
	o.mixer.UnregisterOutput(id)
	if entry.opts.Sink != nil {
		if err := entry.opts.Sink.Close(); err != nil {
			o.log.Warn("output sink close failed", "output", id, "error", err)
		}
	}
	o.bus.Emit(stats.Event{Kind: stats.KindOutputDone, Timestamp: now(), OutputID: id})
}

// Start releases the Queue's tick gate: every registered output's tick
// loops begin actually producing ticks instead of blocking (spec §4.6
// "releases the Queue's tick gate").
func (o *Orchestrator) Start() {
	o.queue.Release()
}

// Wait blocks until every input and output goroutine has exited, for use
// after every input/output has been unregistered and the caller's
// top-level context cancelled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// applyPending swaps in any update_output posted since the last tick.
func (e *outputEntry) applyPending(pts media.PTS, mixer *audiomix.Mixer, id media.OutputID) {
	e.mu.Lock()
	p := e.pending
	e.pending = nil
	e.mu.Unlock()
	if p == nil {
		return
	}
	if p.scene != nil {
		e.tree.Update(*p.scene, pts)
	}
	if p.audioMix != nil {
		mixer.UpdateOutput(id, *p.audioMix)
	}
	if p.endCond != nil {
		e.endCond = *p.endCond
	}
}

// runVideoLoop drives one output's video tick cadence: collect, resolve
// the scene, render, encode (honoring any pending keyframe request), and
// write to the sink, checking the end condition every tick.
func (o *Orchestrator) runVideoLoop(ctx context.Context, id media.OutputID, entry *outputEntry) {
	defer o.wg.Done()
	for {
		if o.checkEndCondition(id, entry) {
			o.UnregisterOutput(id)
			return
		}

		tick, err := o.queue.CollectVideoTick(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Error("video tick collection failed", "output", id, "error", err)
			}
			return
		}

		entry.applyPending(tick.PTS, o.mixer, id)
		entry.tree.ApplyCaptions(o.LatestCaptions)

		resolved, ok := entry.tree.Evaluate(tick.PTS)
		if !ok {
			continue
		}

		frame, err := entry.opts.Renderer.Render(resolved, tick.Frames, tick.PTS)
		if err != nil {
			o.log.Error("render failed", "output", id, "error", err)
			o.bus.Emit(stats.Event{Kind: stats.KindFrameDropped, Timestamp: now(), OutputID: id, Reason: err.Error()})
			continue
		}

		forceKeyframe := entry.pendingKeyframe(tick.PTS)
		chunk, err := entry.opts.VideoTransformer(frame, forceKeyframe)
		if err != nil {
			o.log.Error("video encode failed", "output", id, "error", err)
			continue
		}
		if chunk.IsKeyframe {
			entry.lastKeyframePTS = tick.PTS
		}
		if err := entry.opts.Sink.WriteChunk(chunk); err != nil {
			o.log.Error("video sink write failed", "output", id, "error", err)
		}
	}
}

// pendingKeyframe drains a non-blocking receive on KeyframeRequests and
// also honors KeyframeInterval, per spec §4.6's two keyframe triggers.
func (e *outputEntry) pendingKeyframe(pts media.PTS) bool {
	if e.opts.KeyframeRequests != nil {
		select {
		case <-e.opts.KeyframeRequests:
			return true
		default:
		}
	}
	if e.opts.KeyframeInterval > 0 && pts-e.lastKeyframePTS >= e.opts.KeyframeInterval {
		return true
	}
	return false
}

// runAudioLoop drives one output's audio tick cadence: collect, mix, and
// encode.
func (o *Orchestrator) runAudioLoop(ctx context.Context, id media.OutputID, entry *outputEntry) {
	defer o.wg.Done()
	for {
		tick, err := o.queue.CollectAudioTick(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				o.log.Error("audio tick collection failed", "output", id, "error", err)
			}
			return
		}

		entry.applyPending(tick.PTS, o.mixer, id)

		samplesCount := int((tick.Period).Seconds() * float64(entry.opts.Tick.AudioSampleRate))
		mixed, ok := o.mixer.MixTick(id, tick.Samples, samplesCount)
		if !ok {
			continue
		}

		if entry.opts.AudioTransformer == nil {
			continue
		}
		chunk, err := entry.opts.AudioTransformer(mixed, tick.PTS)
		if err != nil {
			o.log.Error("audio encode failed", "output", id, "error", err)
			continue
		}
		if err := entry.opts.Sink.WriteChunk(chunk); err != nil {
			o.log.Error("audio sink write failed", "output", id, "error", err)
		}
	}
}

// runPacketLossLoop implements spec §4.6's 10s RTCP sampling: loss_pct is
// rounded up to the nearest multiple of 5 and clamped to 0 when no
// packets were sent in the interval.
func (o *Orchestrator) runPacketLossLoop(ctx context.Context, sample PacketLossSampler, onUpdate func(int), id media.OutputID, interval time.Duration) {
	defer o.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevLost, prevSent uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lost, sent := sample()
			deltaLost := lost - prevLost
			deltaSent := sent - prevSent
			prevLost, prevSent = lost, sent

			pct := 0
			if deltaSent > 0 {
				rawPct := float64(deltaLost) / float64(deltaSent) * 100
				pct = int(math.Ceil(rawPct/5)) * 5
			}

			if onUpdate != nil {
				onUpdate(pct)
			}
			o.bus.Emit(stats.Event{Kind: stats.KindPacketLoss, Timestamp: now(), OutputID: id, LossPct: pct})
		}
	}
}

// checkEndCondition evaluates entry's end condition against every
// currently-registered input's done state.
func (o *Orchestrator) checkEndCondition(outputID media.OutputID, entry *outputEntry) bool {
	o.mu.Lock()
	ids := make([]media.InputID, 0, len(o.inputs))
	for id := range o.inputs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	entry.mu.Lock()
	cond := entry.endCond
	entry.mu.Unlock()

	return cond.satisfied(ids, o.queue.InputDone)
}

// frameSinkAdapter implements transport.FrameSink by forwarding directly
// into the Orchestrator's Queue.
type frameSinkAdapter struct {
	o  *Orchestrator
	id media.InputID
}

func (a *frameSinkAdapter) PutVideoFrame(id media.InputID, f media.Frame) error {
	return a.o.queue.EnqueueFrame(id, f)
}

func (a *frameSinkAdapter) PutAudioSamples(id media.InputID, s media.InputAudioSamples) error {
	return a.o.queue.EnqueueAudioSamples(id, s)
}

func (a *frameSinkAdapter) MarkVideoEOS(id media.InputID) {
	a.o.queue.MarkVideoInputEOS(id)
}

func (a *frameSinkAdapter) MarkAudioEOS(id media.InputID) {
	a.o.queue.MarkAudioInputEOS(id)
}

// PutCaption implements transport.CaptionSink, keeping the most recent
// captionBacklog lines per input for scene.InputStream.Captions to read.
func (a *frameSinkAdapter) PutCaption(id media.InputID, c media.Caption) {
	a.o.captionsMu.Lock()
	defer a.o.captionsMu.Unlock()
	lines := append(a.o.captions[id], c)
	if len(lines) > captionBacklog {
		lines = lines[len(lines)-captionBacklog:]
	}
	a.o.captions[id] = lines
}

// captionBacklog bounds how many recent caption lines LatestCaptions
// returns per input.
const captionBacklog = 8

// LatestCaptions returns the most recent closed-caption lines decoded for
// input id, oldest first. Intended to be read just before building the
// scene.Component tree passed to UpdateOutput, so a scene.InputStream
// node can carry them into its Captions side-table.
func (o *Orchestrator) LatestCaptions(id media.InputID) []media.Caption {
	o.captionsMu.Lock()
	defer o.captionsMu.Unlock()
	out := make([]media.Caption, len(o.captions[id]))
	copy(out, o.captions[id])
	return out
}

// now is split out so tests can't accidentally depend on wall-clock
// timestamps in stats Events being deterministic; Event.Timestamp is
// purely observational (spec §4.7), never consulted for scheduling.
func now() time.Time { return time.Now() }
