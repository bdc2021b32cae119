package scene

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/media"
)

func f64(v float64) *float64 { return &v }

func rescalerComponent(id ComponentID, top, left float64, tr *Transition) Component {
	return Component{
		ID: id, HasID: true, Kind: KindRescaler, Transition: tr,
		Rescaler: &Rescaler{Width: 300, Height: 300, Top: top, Right: left, Mode: ModeFill},
	}
}

func TestFirstUpdateHasNoTransitionEvenIfRequested(t *testing.T) {
	tr := NewTree()
	tr.Update(rescalerComponent("r", 0, 0, &Transition{DurationMS: 1000}), 0)

	out, ok := tr.Evaluate(0)
	require.True(t, ok)
	assert.Equal(t, float64(0), out.Rescaler.Top)
}

func TestTransitionInterpolatesLinearlyOverDuration(t *testing.T) {
	tr := NewTree()
	tr.Update(rescalerComponent("r", 0, 0, nil), 0)
	tr.Update(rescalerComponent("r", 100, 0, &Transition{DurationMS: 1000, Easing: InterpolationKind{Function: EasingLinear}}), 0)

	out, _ := tr.Evaluate(media.PTS(500 * time.Millisecond))
	assert.InDelta(t, 50, out.Rescaler.Top, 1e-9)

	out, _ = tr.Evaluate(media.PTS(1000 * time.Millisecond))
	assert.InDelta(t, 100, out.Rescaler.Top, 1e-9)

	// Past the deadline, state clamps at 1.0 rather than overshooting.
	out, _ = tr.Evaluate(media.PTS(5000 * time.Millisecond))
	assert.InDelta(t, 100, out.Rescaler.Top, 1e-9)
}

func TestTransitionMidflightTileAddition(t *testing.T) {
	// Tiles {A,B} at t=0, update to {A,B,C} at t=1s with a 700ms linear
	// transition; C is present mid-transition (t=1.35s) and after it ends
	// (t=1.8s).
	tiles := func(ids ...ComponentID) Component {
		children := make([]Component, len(ids))
		for i, id := range ids {
			children[i] = Component{ID: id, HasID: true, Kind: KindInputStream, InputStream: &InputStream{InputID: media.InputID(id)}}
		}
		return Component{Kind: KindTiles, Tiles: &Tiles{Margin: 10, Children: children}}
	}

	tr := NewTree()
	tr.Update(tiles("A", "B"), 0)

	duration := media.PTS(700 * time.Millisecond)
	update := tiles("A", "B", "C")
	update.Transition = &Transition{DurationMS: 700, Easing: InterpolationKind{Function: EasingLinear}}
	tr.Update(update, media.PTS(1*time.Second))

	out, ok := tr.Evaluate(media.PTS(1*time.Second) + media.PTS(350*time.Millisecond))
	require.True(t, ok)
	require.Len(t, out.Tiles.Children, 3)

	out, _ = tr.Evaluate(media.PTS(1*time.Second) + duration + media.PTS(100*time.Millisecond))
	assert.Len(t, out.Tiles.Children, 3)
}

func TestNoPropsChangeSkipsFreshTransition(t *testing.T) {
	tr := NewTree()
	c := rescalerComponent("r", 10, 20, nil)
	tr.Update(c, 0)

	// Re-send identical props with a transition attached: since nothing
	// changed, no transition should start and the value should not move.
	same := rescalerComponent("r", 10, 20, &Transition{DurationMS: 1000})
	tr.Update(same, media.PTS(1*time.Second))

	out, _ := tr.Evaluate(media.PTS(1500 * time.Millisecond))
	assert.Equal(t, float64(10), out.Rescaler.Top)
}

func TestInterruptRebaseStartsFromCurrentRenderedValue(t *testing.T) {
	tr := NewTree()
	tr.Update(rescalerComponent("r", 0, 0, nil), 0)
	tr.Update(rescalerComponent("r", 100, 0, &Transition{
		DurationMS: 1000, Easing: InterpolationKind{Function: EasingLinear},
	}), 0)

	// Halfway through the first transition (top should be 50), interrupt
	// with a new target and a shorter, interrupting transition.
	halfway := media.PTS(500 * time.Millisecond)
	mid, _ := tr.Evaluate(halfway)
	require.InDelta(t, 50, mid.Rescaler.Top, 1e-9)

	tr.Update(rescalerComponent("r", 200, 0, &Transition{
		DurationMS: 1000, Easing: InterpolationKind{Function: EasingLinear}, InterruptPrevious: true,
	}), halfway)

	// Immediately after interrupting, the rendered value should still be
	// close to the pre-interrupt value, not jump straight to the new
	// target or restart from some unrelated baseline.
	out, _ := tr.Evaluate(halfway)
	assert.InDelta(t, 50, out.Rescaler.Top, 5)

	// At completion it reaches the new target.
	out, _ = tr.Evaluate(halfway + media.PTS(1000*time.Millisecond))
	assert.InDelta(t, 200, out.Rescaler.Top, 1e-6)
}

func TestContinueWithoutInterruptKeepsCurveRetargetsDestination(t *testing.T) {
	tr := NewTree()
	tr.Update(rescalerComponent("r", 0, 0, nil), 0)
	tr.Update(rescalerComponent("r", 100, 0, &Transition{
		DurationMS: 1000, Easing: InterpolationKind{Function: EasingLinear},
	}), 0)

	// Update again without InterruptPrevious: the running curve (start,
	// duration) is unchanged, only the destination retargets to 300.
	tr.Update(rescalerComponent("r", 300, 0, &Transition{
		DurationMS: 1000, Easing: InterpolationKind{Function: EasingLinear},
	}), media.PTS(200*time.Millisecond))

	out, _ := tr.Evaluate(media.PTS(1000 * time.Millisecond))
	assert.InDelta(t, 300, out.Rescaler.Top, 1e-6)
}

func TestComponentsDiffByIDAndTypeAcrossReorder(t *testing.T) {
	a := Component{ID: "a", HasID: true, Kind: KindInputStream, InputStream: &InputStream{InputID: "in_a"}}
	b := Component{ID: "b", HasID: true, Kind: KindInputStream, InputStream: &InputStream{InputID: "in_b"}}

	tr := NewTree()
	tr.Update(Component{Kind: KindView, View: &View{Children: []Component{a, b}}}, 0)

	// Reordered children with the same ids should still match by identity,
	// not re-initialize.
	tr.Update(Component{Kind: KindView, View: &View{Children: []Component{b, a}}}, media.PTS(time.Second))

	out, ok := tr.Evaluate(media.PTS(time.Second))
	require.True(t, ok)
	require.Len(t, out.View.Children, 2)
	assert.Equal(t, ComponentID("b"), out.View.Children[0].ID)
	assert.Equal(t, ComponentID("a"), out.View.Children[1].ID)
}

func TestImageIdentityChangeResetsStartPTSButCosmeticUpdateDoesNot(t *testing.T) {
	tr := NewTree()
	tr.Update(Component{Kind: KindImage, Image: &Image{ImageID: "gif1"}}, media.PTS(2*time.Second))

	out, _ := tr.Evaluate(media.PTS(2 * time.Second))
	require.Equal(t, media.PTS(2*time.Second), out.Image.ResolvedStartPTS)

	// Cosmetic update (explicit width) with same image id: cursor origin
	// must not reset.
	w := 640.0
	tr.Update(Component{Kind: KindImage, Image: &Image{ImageID: "gif1", Width: &w}}, media.PTS(5*time.Second))
	out, _ = tr.Evaluate(media.PTS(5 * time.Second))
	assert.Equal(t, media.PTS(2*time.Second), out.Image.ResolvedStartPTS)

	// Identity change: cursor resets to the pts of the swap.
	tr.Update(Component{Kind: KindImage, Image: &Image{ImageID: "gif2"}}, media.PTS(9*time.Second))
	out, _ = tr.Evaluate(media.PTS(9 * time.Second))
	assert.Equal(t, media.PTS(9*time.Second), out.Image.ResolvedStartPTS)
}

func TestStructuralFallbackMatchesChildrenWithoutIDsByPositionAndType(t *testing.T) {
	first := Component{Kind: KindInputStream, InputStream: &InputStream{InputID: "x"}}
	second := Component{Kind: KindText, Text: &Text{Content: "hello"}}

	tr := NewTree()
	tr.Update(Component{Kind: KindView, View: &View{Children: []Component{first, second}}}, 0)

	// A structurally-changed tree (different kind at position 0) forces
	// re-initialization of that subtree rather than inheriting state.
	replaced := Component{Kind: KindText, Text: &Text{Content: "swapped"}}
	tr.Update(Component{Kind: KindView, View: &View{Children: []Component{replaced, second}}}, media.PTS(time.Second))

	out, ok := tr.Evaluate(media.PTS(time.Second))
	require.True(t, ok)
	require.Len(t, out.View.Children, 2)
	assert.Equal(t, "swapped", out.View.Children[0].Text.Content)
	assert.Equal(t, "hello", out.View.Children[1].Text.Content)
}

func TestApplyCaptionsFillsInputStreamSideTableInPlace(t *testing.T) {
	t.Parallel()
	tr := NewTree()
	tr.Update(Component{Kind: KindView, View: &View{Children: []Component{
		{ID: "a", HasID: true, Kind: KindInputStream, InputStream: &InputStream{InputID: "in_a"}},
		{ID: "b", HasID: true, Kind: KindInputStream, InputStream: &InputStream{InputID: "in_b"}},
	}}}, 0)

	lines := map[media.InputID][]media.Caption{
		"in_a": {{Text: "hello"}},
	}
	tr.ApplyCaptions(func(id media.InputID) []media.Caption { return lines[id] })

	out, ok := tr.Evaluate(0)
	require.True(t, ok)
	require.Len(t, out.View.Children, 2)
	assert.Equal(t, []media.Caption{{Text: "hello"}}, out.View.Children[0].InputStream.Captions)
	assert.Empty(t, out.View.Children[1].InputStream.Captions)
}

func TestBounceEasingStartsAtZeroEndsAtOne(t *testing.T) {
	assert.InDelta(t, 0, bounceEasing(0), 1e-9)
	assert.InDelta(t, 1, bounceEasing(1), 1e-9)
}

func TestCubicBezierEasingStartsAtZeroEndsAtOne(t *testing.T) {
	assert.InDelta(t, 0, cubicBezierEasing(0, 0.35, 0.22, 0.1, 0.8), 1e-9)
	assert.InDelta(t, 1, cubicBezierEasing(1, 0.35, 0.22, 0.1, 0.8), 1e-9)
	mid := cubicBezierEasing(0.5, 0.35, 0.22, 0.1, 0.8)
	assert.True(t, mid > 0 && mid < 1)
}

func TestRescalerAspectPreservingImageWidthOnly(t *testing.T) {
	tr := NewTree()
	w := 200.0
	tr.Update(Component{Kind: KindImage, Image: &Image{ImageID: "pic", Width: &w}}, 0)
	out, ok := tr.Evaluate(0)
	require.True(t, ok)
	require.NotNil(t, out.Image.Width)
	assert.Equal(t, 200.0, *out.Image.Width)
	assert.Nil(t, out.Image.Height)
}
