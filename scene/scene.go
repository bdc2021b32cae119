package scene

import (
	"sync"

	"github.com/mediaforge/compositor-core/media"
)

// node is the stateful counterpart of a Component: the currently-targeted
// props plus whatever is needed to interpolate away from the previous
// update and to decide GIF-cursor continuity. Matches spec §4.5's "Each
// stateful component caches its identity ... and any running transition."
type node struct {
	id    ComponentID
	hasID bool
	kind  ComponentKind

	target Component // latest declarative props for this node (children excluded)
	from   Component // numeric-field snapshot interpolation eases away from

	transition *TransitionState

	imageStartPTS media.PTS

	children []*node
}

// Tree holds one output's current scene: the previous evaluated component
// tree plus each node's running transition, diffed against new updates and
// advanced tick by tick.
type Tree struct {
	mu      sync.Mutex
	root    *node
	lastPTS media.PTS
}

// NewTree creates an empty Tree. Update must be called at least once
// before Evaluate produces anything meaningful.
func NewTree() *Tree {
	return &Tree{}
}

// Update installs a new declarative root, diffing it against whatever was
// previously installed and starting/continuing transitions per spec §4.5.
// pts is the "last_pts" a fresh transition is anchored to.
func (t *Tree) Update(root Component, pts media.PTS) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastPTS = pts
	t.root = diffNode(t.root, root, pts)
}

// Evaluate produces a frozen snapshot of the tree at pts: every running
// transition's numeric fields are resolved to concrete values and the
// renderer-facing Component tree has no further knowledge of transitions.
func (t *Tree) Evaluate(pts media.PTS) (Component, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return Component{}, false
	}
	return resolveNode(t.root, pts), true
}

// ApplyCaptions refreshes every InputStream node's caption side-table in
// place from lookup. Called right before Evaluate so a Text component
// overlaying captions sees the input's most recently decoded lines
// without the tree's own diff/transition state needing to know about
// captions at all — propsEqual never looks at InputStream.Captions, so
// this never perturbs identity matching or transitions.
func (t *Tree) ApplyCaptions(lookup func(media.InputID) []media.Caption) {
	t.mu.Lock()
	defer t.mu.Unlock()
	applyCaptions(t.root, lookup)
}

func applyCaptions(n *node, lookup func(media.InputID) []media.Caption) {
	if n == nil {
		return
	}
	if n.kind == KindInputStream && n.target.InputStream != nil {
		n.target.InputStream.Captions = lookup(n.target.InputStream.InputID)
	}
	for _, c := range n.children {
		applyCaptions(c, lookup)
	}
}

// diffNode matches prev (may be nil, meaning "no previous node") against
// next's declarative props, deciding identity inheritance, transition
// start/continue/interrupt, and recursing into children per spec §4.5
// "Component diff": matching (id, type) inherits state; otherwise the
// subtree is (re)initialized fresh.
func diffNode(prev *node, next Component, pts media.PTS) *node {
	matches := prev != nil && prev.kind == next.Kind &&
		((prev.hasID && next.HasID && prev.id == next.ID) || (!prev.hasID && !next.HasID))
	if !matches {
		return freshNode(next, pts)
	}

	changed := !propsEqual(prev.target, next)
	interrupting := prev.transition != nil && !prev.transition.done(pts) &&
		next.Transition != nil && next.Transition.InterruptPrevious && changed

	newTransition := newOrContinuedTransition(prev.transition, changed, next.Transition, pts)

	n := &node{id: next.ID, hasID: next.HasID, kind: next.Kind, target: next, transition: newTransition}
	switch {
	case newTransition == nil:
		// No transition in play: snap straight to the new props so a
		// plain (non-animated) update takes effect immediately.
		n.from = next
	case newTransition == prev.transition:
		// Continuing the same curve to completion unchanged (only the
		// target retargets): keep the original baseline it was already
		// easing away from.
		n.from = prev.from
	case interrupting:
		// Rebase from wherever the interrupted transition actually was,
		// not its unreached target, so the new curve starts at the
		// currently-rendered value.
		n.from = resolveNumeric(prev, pts)
	default:
		// Fresh transition after the previous one settled: baseline is
		// that settled value.
		n.from = prev.target
	}

	n.imageStartPTS = prev.imageStartPTS
	if next.Kind == KindImage && imageIdentityChanged(prev.target.Image, next.Image) {
		n.imageStartPTS = pts
	}

	n.children = diffChildren(prev.children, childrenOf(next), pts)
	return n
}

func freshNode(next Component, pts media.PTS) *node {
	n := &node{
		id: next.ID, hasID: next.HasID, kind: next.Kind,
		target: next, from: next,
	}
	if next.Kind == KindImage {
		n.imageStartPTS = pts
	}
	n.children = diffChildren(nil, childrenOf(next), pts)
	return n
}

// resolveNumeric returns a node's own (non-recursive) rendered props at
// pts — the same numeric-field resolution resolveNode applies, without
// touching children — used as an interrupted transition's rebase point.
func resolveNumeric(n *node, pts media.PTS) Component {
	t := 1.0
	if n.transition != nil {
		t = n.transition.state(pts)
	}
	return lerpComponent(n.from, n.target, t)
}

func imageIdentityChanged(prev, next *Image) bool {
	if prev == nil || next == nil {
		return true
	}
	return prev.ImageID != next.ImageID
}

// childrenOf returns a component's child list regardless of which variant
// carries it (View.Children, Tiles.Children, Shader.Children, or
// Rescaler's single Child).
func childrenOf(c Component) []Component {
	switch c.Kind {
	case KindView:
		return c.View.Children
	case KindTiles:
		return c.Tiles.Children
	case KindShader:
		return c.Shader.Children
	case KindRescaler:
		if c.Rescaler.Child == nil {
			return nil
		}
		return []Component{*c.Rescaler.Child}
	default:
		return nil
	}
}

// diffChildren matches children by (id, type) wherever an id is present on
// both sides (order-independent), then falls back to positional matching
// by (index, type) for the remainder — this is the "structural fallback"
// spec §4.5 calls for when components carry no explicit id.
func diffChildren(prevChildren []*node, nextChildren []Component, pts media.PTS) []*node {
	byID := make(map[ComponentID]*node, len(prevChildren))
	var positional []*node
	for _, p := range prevChildren {
		if p.hasID {
			byID[p.id] = p
		} else {
			positional = append(positional, p)
		}
	}

	result := make([]*node, len(nextChildren))
	posIdx := 0
	for i, nc := range nextChildren {
		var matched *node
		if nc.HasID {
			if cand, ok := byID[nc.ID]; ok && cand.kind == nc.Kind {
				matched = cand
			}
		} else {
			if posIdx < len(positional) && positional[posIdx].kind == nc.Kind {
				matched = positional[posIdx]
			}
			posIdx++
		}
		result[i] = diffNode(matched, nc, pts)
	}
	return result
}

// resolveNode bakes a node's current transition progress into concrete
// numeric fields and recurses into children, producing the renderer-facing
// frozen Component.
func resolveNode(n *node, pts media.PTS) Component {
	t := 1.0
	if n.transition != nil {
		t = n.transition.state(pts)
	}

	out := lerpComponent(n.from, n.target, t)
	out.ID = n.id
	out.HasID = n.hasID
	out.Kind = n.kind
	out.Transition = nil // renderer has no knowledge of transitions

	resolvedChildren := make([]Component, len(n.children))
	for i, c := range n.children {
		resolvedChildren[i] = resolveNode(c, pts)
	}
	attachChildren(&out, resolvedChildren)

	if out.Kind == KindImage && out.Image != nil {
		img := *out.Image
		img.ResolvedStartPTS = n.imageStartPTS
		out.Image = &img
	}
	return out
}

func attachChildren(c *Component, children []Component) {
	switch c.Kind {
	case KindView:
		v := *c.View
		v.Children = children
		c.View = &v
	case KindTiles:
		tl := *c.Tiles
		tl.Children = children
		c.Tiles = &tl
	case KindShader:
		s := *c.Shader
		s.Children = children
		c.Shader = &s
	case KindRescaler:
		r := *c.Rescaler
		if len(children) > 0 {
			r.Child = &children[0]
		}
		c.Rescaler = &r
	}
}

// lerpComponent interpolates a component's animatable numeric fields from
// `from` to `to` at fraction t; non-numeric fields (colors, text content,
// image identity, direction) always take the `to` value — only geometry
// animates, matching every original_source example's transition usage
// (rescaler position/size, tiles layout).
func lerpComponent(from, to Component, t float64) Component {
	out := to
	switch to.Kind {
	case KindView:
		if to.View != nil && from.View != nil {
			v := *to.View
			v.Width = lerpPtr(from.View.Width, to.View.Width, t)
			v.Height = lerpPtr(from.View.Height, to.View.Height, t)
			v.Top = lerpPtr(from.View.Top, to.View.Top, t)
			v.Right = lerpPtr(from.View.Right, to.View.Right, t)
			out.View = &v
		}
	case KindRescaler:
		if to.Rescaler != nil && from.Rescaler != nil {
			r := *to.Rescaler
			r.Width = lerp(from.Rescaler.Width, to.Rescaler.Width, t)
			r.Height = lerp(from.Rescaler.Height, to.Rescaler.Height, t)
			r.Top = lerp(from.Rescaler.Top, to.Rescaler.Top, t)
			r.Right = lerp(from.Rescaler.Right, to.Rescaler.Right, t)
			r.BorderWidth = lerp(from.Rescaler.BorderWidth, to.Rescaler.BorderWidth, t)
			r.BorderRadius = lerp(from.Rescaler.BorderRadius, to.Rescaler.BorderRadius, t)
			out.Rescaler = &r
		}
	case KindTiles:
		if to.Tiles != nil && from.Tiles != nil {
			tl := *to.Tiles
			tl.Margin = lerp(from.Tiles.Margin, to.Tiles.Margin, t)
			out.Tiles = &tl
		}
	case KindImage:
		if to.Image != nil && from.Image != nil {
			im := *to.Image
			im.Width = lerpPtr(from.Image.Width, to.Image.Width, t)
			im.Height = lerpPtr(from.Image.Height, to.Image.Height, t)
			out.Image = &im
		}
	}
	return out
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpPtr(a, b *float64, t float64) *float64 {
	if b == nil {
		return nil
	}
	if a == nil {
		v := *b
		return &v
	}
	v := lerp(*a, *b, t)
	return &v
}
