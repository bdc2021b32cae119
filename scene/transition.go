package scene

import (
	"math"

	"github.com/mediaforge/compositor-core/media"
)

// InterpolationKind selects the easing curve a TransitionState advances
// along. CubicBezier carries its four control-point coordinates (the
// standard two-free-control-point cubic Bezier used for CSS-style easing
// curves). X1/X2 are not clamped here or by the scene evaluator; a Bezier
// easing function is monotonic in time only when they lie in [0,1].
type InterpolationKind struct {
	Function EasingFunction
	X1, Y1   float64
	X2, Y2   float64
}

type EasingFunction int

const (
	EasingLinear EasingFunction = iota
	EasingBounce
	EasingCubicBezier
)

// ease evaluates the interpolation curve at a fraction-of-duration t in
// [0,1], returning the eased progress, also normally in [0,1].
//
// bounce and cubic-bezier are not present in the retrieval pack's filtered
// original_source (transition.rs references sibling bounce.rs/
// cubic_bezier.rs modules that were not included), so these two are
// hand-implemented from the standard public formulas — recorded in
// DESIGN.md rather than grounded on original_source code directly.
func (k InterpolationKind) ease(t float64) float64 {
	switch k.Function {
	case EasingBounce:
		return bounceEasing(t)
	case EasingCubicBezier:
		return cubicBezierEasing(t, k.X1, k.Y1, k.X2, k.Y2)
	default:
		return t
	}
}

// bounceEasing is the standard "ease-out-bounce" curve.
func bounceEasing(t float64) float64 {
	const n1 = 7.5625
	const d1 = 2.75
	switch {
	case t < 1/d1:
		return n1 * t * t
	case t < 2/d1:
		t -= 1.5 / d1
		return n1*t*t + 0.75
	case t < 2.5/d1:
		t -= 2.25 / d1
		return n1*t*t + 0.9375
	default:
		t -= 2.625 / d1
		return n1*t*t + 0.984375
	}
}

// cubicBezierEasing evaluates a two-control-point cubic Bezier easing
// curve (control points (0,0),(x1,y1),(x2,y2),(1,1)) at time t via
// Newton-Raphson refinement on the x(u)=t equation, then returns y(u) —
// the same approach browsers use for CSS `cubic-bezier()` timing
// functions.
func cubicBezierEasing(t, x1, y1, x2, y2 float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}

	bezierComponent := func(u, p1, p2 float64) float64 {
		inv := 1 - u
		return 3*inv*inv*u*p1 + 3*inv*u*u*p2 + u*u*u
	}
	bezierDerivative := func(u, p1, p2 float64) float64 {
		inv := 1 - u
		return 3*inv*inv*p1 + 6*inv*u*(p2-p1) + 3*u*u*(1-p2)
	}

	u := t
	for i := 0; i < 8; i++ {
		x := bezierComponent(u, x1, x2) - t
		dx := bezierDerivative(u, x1, x2)
		if math.Abs(dx) < 1e-6 {
			break
		}
		u -= x / dx
		if u < 0 {
			u = 0
		} else if u > 1 {
			u = 1
		}
	}
	return bezierComponent(u, y1, y2)
}

// offsetState is the (progress, state) pair a TransitionState rebases from
// when a mid-flight update continues rather than restarts.
type offsetState struct {
	progress float64 // fraction of duration already elapsed at rebase time
	state    float64 // eased output value at rebase time
}

// TransitionState records one running transition, per spec §4.5
// "Transitions": ported from compositor_render/src/scene/transition.rs's
// TransitionState.
type TransitionState struct {
	initialOffset     offsetState
	startPTS          media.PTS
	duration          media.PTS
	interpolationKind InterpolationKind
}

// newTransitionState starts a transition with no rebasing: initialOffset
// is (0,0), matching the "New transition" branch of spec §4.5.
func newTransitionState(startPTS, duration media.PTS, kind InterpolationKind) *TransitionState {
	return &TransitionState{startPTS: startPTS, duration: duration, interpolationKind: kind}
}

// state evaluates the transition's output state at pts, per spec §4.5
// "Progress query": `f((pts-start_pts)/duration)`, clamped to [0,1] once
// the duration has elapsed (the "state(1.0) (clamped)" testable property).
//
// The rebasing spec §4.5 describes as "rescaled so the output is 0 at
// initial_offset and 1 at completion" is realized structurally here
// instead of arithmetically: an interrupted transition's `from` baseline
// (held by the caller in scene.go's node.from, not by TransitionState) is
// rebased to the actual current rendered value, so a fresh 0-at-start
// curve already starts at the right place without needing to rescale the
// eased output around ts.initialOffset. initialOffset is therefore kept
// only as a diagnostic record of where a rebase happened, not consulted
// here — two different rescale mechanisms (output-side and baseline-side)
// would double-count the same correction.
func (ts *TransitionState) state(pts media.PTS) float64 {
	if ts.duration <= 0 {
		return 1
	}
	progress := float64(pts-ts.startPTS) / float64(ts.duration)
	if progress >= 1 {
		return 1
	}
	if progress <= 0 {
		progress = 0
	}
	return ts.interpolationKind.ease(progress)
}

// done reports whether pts is at or past the transition's end.
func (ts *TransitionState) done(pts media.PTS) bool {
	return pts >= ts.startPTS+ts.duration
}

// newOrContinuedTransition implements the branching in spec §4.5 ("New
// transition" / "Mid-transition update"): given the previous running
// transition (nil if none), whether props changed on this update, the
// incoming transition request, and the current tick's pts, decide whether
// to start fresh, continue the old curve to completion, or rebase from the
// interrupted point.
//
// Ported from TransitionState::new()'s four-way branch: no-previous /
// props-unchanged (reuse) / interrupt-requested (rebase) /
// continue-to-completion (keep curve, retarget props only).
func newOrContinuedTransition(prev *TransitionState, propsChanged bool, req *Transition, pts media.PTS) *TransitionState {
	if req == nil {
		return nil
	}
	duration := media.PTS(req.DurationMS) * 1_000_000 // ms -> ns, media.PTS is time.Duration
	kind := req.Easing

	if prev == nil {
		if !propsChanged {
			return nil
		}
		return newTransitionState(pts, duration, kind)
	}

	if prev.done(pts) {
		if !propsChanged {
			return nil
		}
		return newTransitionState(pts, duration, kind)
	}

	if req.InterruptPrevious && propsChanged {
		rebased := &TransitionState{
			initialOffset: offsetState{progress: progressOf(prev, pts), state: prev.state(pts)},
			startPTS:      pts,
			duration:      duration,
			interpolationKind: kind,
		}
		return rebased
	}

	// Continue the previous transition's curve to completion unchanged;
	// only the target props (carried by the caller, not this struct)
	// change. The curve itself — start, duration, easing — is untouched.
	return prev
}

func progressOf(ts *TransitionState, pts media.PTS) float64 {
	if ts.duration <= 0 {
		return 1
	}
	p := float64(pts-ts.startPTS) / float64(ts.duration)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
