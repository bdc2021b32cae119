package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/clock"
	"github.com/mediaforge/compositor-core/media"
)

func mkFrame(pts media.PTS) media.Frame {
	return media.Frame{PTS: pts, Resolution: media.Resolution{Width: 2, Height: 2}}
}

func newTestQueue(mode BackpressureMode) *Queue {
	return New(clock.New(), mode)
}

// Tick period is exactly den/num seconds (spec §8 "Testable Properties").
func TestFramerateExactPeriod(t *testing.T) {
	f := Framerate{Num: 30, Den: 1}
	assert.Equal(t, time.Second/30, f.Period())

	f2 := Framerate{Num: 24000, Den: 1001}
	assert.InDelta(t, 1001.0/24000.0, f2.Period().Seconds(), 1e-9)
}

func TestVideoTickSelectsClosestFrameWithinHalfPeriod(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterVideoInput("a", VideoInputOptions{}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		VideoInputIDs: []InputID{"a"},
		Framerate:     Framerate{Num: 30, Den: 1},
		MaxWait:       0,
	}))
	q.Release()

	period := Framerate{Num: 30, Den: 1}.Period()
	// Frame exactly at the first tick's target (0).
	require.NoError(t, q.EnqueueFrame("a", mkFrame(media.PTS(0))))
	require.NoError(t, q.EnqueueFrame("a", mkFrame(period))) // belongs to tick 2

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tick, err := q.CollectVideoTick(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, media.PTS(0), tick.PTS)
	assert.Equal(t, media.PTS(0), tick.Frames["a"].PTS)
}

func TestVideoTickReusesLastFrameWhenNoneAvailable(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterVideoInput("a", VideoInputOptions{}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		VideoInputIDs:  []InputID{"a"},
		Framerate:      Framerate{Num: 10, Den: 1},
		ZeroResolution: media.Resolution{Width: 4, Height: 4},
	}))
	q.Release()

	period := Framerate{Num: 10, Den: 1}.Period()
	require.NoError(t, q.EnqueueFrame("a", mkFrame(0)))

	ctx := context.Background()
	first, err := q.CollectVideoTick(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, media.PTS(0), first.Frames["a"].PTS)

	// Second tick: no new frame arrived, input isn't required, so it
	// reuses the last emitted frame rather than blocking.
	second, err := q.CollectVideoTick(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, media.PTS(0), second.Frames["a"].PTS)
	assert.Equal(t, period, second.PTS)
}

func TestVideoTickBlocksOnRequiredInputUntilMaxWaitElapses(t *testing.T) {
	clk := clock.New()
	q := New(clk, ModeLive)
	require.NoError(t, q.RegisterVideoInput("a", VideoInputOptions{Required: true}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		VideoInputIDs: []InputID{"a"},
		Framerate:     Framerate{Num: 30, Den: 1},
		MaxWait:       30 * time.Millisecond,
	}))
	q.Release()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tick, err := q.CollectVideoTick(ctx, "out")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	// Falls back to the zero frame since nothing was ever emitted.
	assert.Contains(t, tick.Frames, InputID("a"))
}

func TestVideoTickUnblocksAsSoonAsRequiredFrameArrives(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterVideoInput("a", VideoInputOptions{Required: true}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		VideoInputIDs: []InputID{"a"},
		Framerate:     Framerate{Num: 30, Den: 1},
		MaxWait:       time.Hour, // would never fire on its own within the test timeout
	}))
	q.Release()

	var wg sync.WaitGroup
	wg.Add(1)
	var tick VideoTick
	var tickErr error
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tick, tickErr = q.CollectVideoTick(ctx, "out")
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.EnqueueFrame("a", mkFrame(0)))
	wg.Wait()

	require.NoError(t, tickErr)
	assert.Equal(t, media.PTS(0), tick.Frames["a"].PTS)
}

func TestVideoInputOffsetShiftsSelectionTime(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterVideoInput("tile1", VideoInputOptions{}))
	require.NoError(t, q.RegisterVideoInput("tile2", VideoInputOptions{Offset: 5 * time.Second}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		VideoInputIDs: []InputID{"tile1", "tile2"},
		Framerate:     Framerate{Num: 1, Den: 1},
	}))
	q.Release()

	require.NoError(t, q.EnqueueFrame("tile2", mkFrame(0))) // appears at T=5s after the offset

	ctx := context.Background()
	var last VideoTick
	for i := 0; i < 6; i++ {
		tick, err := q.CollectVideoTick(ctx, "out")
		require.NoError(t, err)
		last = tick
	}
	assert.Equal(t, 5*time.Second, last.PTS)
	assert.Equal(t, media.PTS(0), last.Frames["tile2"].PTS)
}

func TestQueueBuffersWithoutEmittingBeforeRelease(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterVideoInput("a", VideoInputOptions{}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		VideoInputIDs: []InputID{"a"},
		Framerate:     Framerate{Num: 30, Den: 1},
	}))
	require.NoError(t, q.EnqueueFrame("a", mkFrame(0)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.CollectVideoTick(ctx, "out")
	assert.Error(t, err, "ticks must not be emitted before Release")
}

func TestAudioTickZeroPadsMissingRange(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterAudioInput("a", AudioInputOptions{}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		AudioInputIDs:   []InputID{"a"},
		Framerate:       Framerate{Num: 50, Den: 1}, // unused for audio but required for video period calc
		AudioPeriod:     20 * time.Millisecond,
		AudioSampleRate: 100,
		AudioChannels:   media.AudioChannelsMono,
	}))
	q.Release()

	ctx := context.Background()
	tick, err := q.CollectAudioTick(ctx, "out")
	require.NoError(t, err)
	samples := tick.Samples["a"]
	assert.Equal(t, 2, samples.Samples.Len()) // 20ms @ 100Hz = 2 samples
	for _, s := range samples.Samples.Mono {
		assert.Equal(t, 0.0, s)
	}
}

func TestAudioTickSlicesAndTrimsOverlap(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterAudioInput("a", AudioInputOptions{}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		AudioInputIDs:   []InputID{"a"},
		Framerate:       Framerate{Num: 50, Den: 1},
		AudioPeriod:     10 * time.Millisecond,
		AudioSampleRate: 100,
		AudioChannels:   media.AudioChannelsMono,
	}))
	q.Release()

	// 30ms batch covering three tick windows at 100Hz (3 samples).
	require.NoError(t, q.EnqueueAudioSamples("a", media.InputAudioSamples{
		StartPTS:   0,
		EndPTS:     30 * time.Millisecond,
		SampleRate: 100,
		Samples:    media.AudioSamples{Channels: media.AudioChannelsMono, Mono: []float64{1, 2, 3}},
	}))

	ctx := context.Background()
	first, err := q.CollectAudioTick(ctx, "out")
	require.NoError(t, err)
	require.Equal(t, 1, first.Samples["a"].Samples.Len())
	assert.Equal(t, 1.0, first.Samples["a"].Samples.Mono[0])

	second, err := q.CollectAudioTick(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, 2.0, second.Samples["a"].Samples.Mono[0])

	third, err := q.CollectAudioTick(ctx, "out")
	require.NoError(t, err)
	assert.Equal(t, 3.0, third.Samples["a"].Samples.Mono[0])
}

func TestOfflineModeNeverDropsRequiredInputUntilEOS(t *testing.T) {
	q := newTestQueue(ModeOffline)
	require.NoError(t, q.RegisterVideoInput("a", VideoInputOptions{Required: true}))
	require.NoError(t, q.RegisterOutput("out", OutputOptions{
		VideoInputIDs: []InputID{"a"},
		Framerate:     Framerate{Num: 30, Den: 1},
		MaxWait:       time.Millisecond, // would fire immediately in Live mode
	}))
	q.Release()

	done := make(chan struct{})
	go func() {
		ctx := context.Background()
		_, _ = q.CollectVideoTick(ctx, "out")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("offline mode must not honor max_wait; it should block until EOS")
	case <-time.After(100 * time.Millisecond):
	}

	q.MarkVideoInputEOS("a")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick did not unblock after EOS mark")
	}
}

func TestInputDoneRequiresAllRegisteredRingsDrained(t *testing.T) {
	q := newTestQueue(ModeLive)
	require.NoError(t, q.RegisterVideoInput("a", VideoInputOptions{}))
	require.NoError(t, q.RegisterAudioInput("a", AudioInputOptions{}))

	assert.False(t, q.InputDone("a"))
	q.MarkVideoInputEOS("a")
	assert.False(t, q.InputDone("a"), "audio ring still open")
	q.MarkAudioInputEOS("a")
	assert.True(t, q.InputDone("a"))
}
