package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/audiomix"
	"github.com/mediaforge/compositor-core/clock"
	"github.com/mediaforge/compositor-core/media"
	"github.com/mediaforge/compositor-core/queue"
	"github.com/mediaforge/compositor-core/scene"
	"github.com/mediaforge/compositor-core/stats"
	"github.com/mediaforge/compositor-core/transport"
)

// fakeSource feeds frames supplied over a channel into the Orchestrator's
// Queue until the channel is closed or ctx is cancelled.
type fakeSource struct {
	id     media.InputID
	frames chan media.Frame
}

func (s *fakeSource) Run(ctx context.Context, sink transport.FrameSink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-s.frames:
			if !ok {
				return nil
			}
			if err := sink.PutVideoFrame(s.id, f); err != nil {
				return err
			}
		}
	}
}

// passthroughRenderer returns the sole input's current frame unchanged.
type passthroughRenderer struct{ id media.InputID }

func (r passthroughRenderer) Render(_ scene.Component, frames map[media.InputID]media.Frame, pts media.PTS) (media.Frame, error) {
	f := frames[r.id]
	f.PTS = pts
	return f, nil
}

// recordingSink collects every chunk written to it.
type recordingSink struct {
	mu     sync.Mutex
	chunks []media.EncodedChunk
	notify chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64)}
}

func (s *recordingSink) WriteChunk(c media.EncodedChunk) error {
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func fakeVideoTransformer(f media.Frame, forceKeyframe bool) (media.EncodedChunk, error) {
	return media.EncodedChunk{PTS: f.PTS, Kind: media.ChunkKindVideo, Codec: media.CodecH264, IsKeyframe: forceKeyframe}, nil
}

func testFrame(pts media.PTS) media.Frame {
	return media.ZeroFrame(pts, media.Resolution{Width: 16, Height: 16}, media.PixelFormatYUV420P)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *stats.Bus) {
	t.Helper()
	q := queue.New(clock.New(), queue.ModeOffline)
	mixer := audiomix.New(nil)
	bus := stats.NewBus(nil)
	return New(q, mixer, bus, nil), bus
}

func TestOrchestratorRegisterInputAndOutputEncodesTicks(t *testing.T) {
	orch, bus := newTestOrchestrator(t)
	_, subCh := bus.Subscribe(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{id: "in_1", frames: make(chan media.Frame, 8)}
	_, err := orch.RegisterInput(ctx, "in_1", InputOptions{
		Video:  &queue.VideoInputOptions{Required: true},
		Source: src,
	})
	require.NoError(t, err)

	sink := newRecordingSink()
	err = orch.RegisterOutput(ctx, "out_1", OutputOptions{
		Tick: queue.OutputOptions{
			VideoInputIDs:  []queue.InputID{"in_1"},
			Framerate:      queue.Framerate{Num: 30, Den: 1},
			MaxWait:        media.PTS(time.Second),
			ZeroResolution: media.Resolution{Width: 16, Height: 16},
			ZeroFormat:     media.PixelFormatYUV420P,
		},
		InitialScene:     scene.Component{Kind: scene.KindInputStream, InputStream: &scene.InputStream{InputID: "in_1"}},
		EndCondition:     NeverEndCondition(),
		Renderer:         passthroughRenderer{id: "in_1"},
		VideoTransformer: fakeVideoTransformer,
		Sink:             sink,
	})
	require.NoError(t, err)

	var evs []stats.Event
	drain := func() {
		for {
			select {
			case ev := <-subCh:
				evs = append(evs, ev)
			default:
				return
			}
		}
	}
	drain()
	assert.Contains(t, kinds(evs), stats.KindInputRegistered)
	assert.Contains(t, kinds(evs), stats.KindOutputRegistered)

	orch.Start()

	src.frames <- testFrame(0)
	src.frames <- testFrame(media.PTS(33 * time.Millisecond))
	src.frames <- testFrame(media.PTS(66 * time.Millisecond))

	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)

	orch.UnregisterOutput("out_1")
	close(src.frames)
	orch.UnregisterInput("in_1")
	orch.Wait()
}

func TestOrchestratorUpdateOutputAppliesSceneAtNextTick(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := &fakeSource{id: "in_1", frames: make(chan media.Frame, 8)}
	_, err := orch.RegisterInput(ctx, "in_1", InputOptions{
		Video:  &queue.VideoInputOptions{Required: true},
		Source: src,
	})
	require.NoError(t, err)

	sink := newRecordingSink()
	initial := scene.Component{Kind: scene.KindInputStream, InputStream: &scene.InputStream{InputID: "in_1"}}
	err = orch.RegisterOutput(ctx, "out_1", OutputOptions{
		Tick: queue.OutputOptions{
			VideoInputIDs:  []queue.InputID{"in_1"},
			Framerate:      queue.Framerate{Num: 30, Den: 1},
			MaxWait:        media.PTS(time.Second),
			ZeroResolution: media.Resolution{Width: 16, Height: 16},
			ZeroFormat:     media.PixelFormatYUV420P,
		},
		InitialScene:     initial,
		EndCondition:     NeverEndCondition(),
		Renderer:         passthroughRenderer{id: "in_1"},
		VideoTransformer: fakeVideoTransformer,
		Sink:             sink,
	})
	require.NoError(t, err)

	orch.Start()
	src.frames <- testFrame(0)
	require.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 5*time.Millisecond)

	updated := scene.Component{Kind: scene.KindInputStream, InputStream: &scene.InputStream{InputID: "in_1"}}
	require.NoError(t, orch.UpdateOutput("out_1", &updated, nil, nil))

	src.frames <- testFrame(media.PTS(33 * time.Millisecond))
	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	orch.UnregisterOutput("out_1")
	close(src.frames)
	orch.UnregisterInput("in_1")
	orch.Wait()
}

func TestOrchestratorPacketLossSamplingFeedsCallback(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lastPct int
	var mu sync.Mutex
	called := make(chan struct{}, 1)

	sample := func() (uint64, uint64) { return 17, 100 } // 17% loss rounds up to the nearest multiple of 5
	onUpdate := func(pct int) {
		mu.Lock()
		lastPct = pct
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}

	sink := newRecordingSink()
	err := orch.RegisterOutput(ctx, "out_1", OutputOptions{
		Tick: queue.OutputOptions{
			Framerate:      queue.Framerate{Num: 30, Den: 1},
			ZeroResolution: media.Resolution{Width: 16, Height: 16},
			ZeroFormat:     media.PixelFormatYUV420P,
		},
		InitialScene:       scene.Component{Kind: scene.KindView, View: &scene.View{}},
		EndCondition:       NeverEndCondition(),
		Sink:               sink,
		PacketLoss:         sample,
		OnPacketLoss:       onUpdate,
		PacketLossInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	orch.Start()

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("packet loss callback never fired")
	}

	mu.Lock()
	assert.Equal(t, 20, lastPct)
	mu.Unlock()

	orch.UnregisterOutput("out_1")
	orch.Wait()
}

func kinds(evs []stats.Event) []stats.Kind {
	out := make([]stats.Kind, len(evs))
	for i, e := range evs {
		out[i] = e.Kind
	}
	return out
}
