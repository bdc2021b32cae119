// Package scene implements the Scene State evaluator (spec §4.5, C5): it
// holds the current declarative component tree per output, diffs incoming
// updates against the previous tree, advances running transitions against
// a tick's PTS, and hands the renderer a frozen, transition-resolved
// snapshot.
//
// Component variants are grounded on compositor_api's tagged-variant input
// schema and ported as a closed tagged-union struct (Component, one pointer
// field per variant selected by Kind) matched with switches on Kind in the
// evaluator, rather than as an open interface any package could implement —
// the same "tagged variants, exhaustively matched" idiom the clock and
// media packages already use for FrameData/frame events.
package scene

import (
	"reflect"

	"github.com/mediaforge/compositor-core/media"
)

// ComponentID is the optional stable identity used for diffing a component
// across scene updates. Two components with the same (ID, type) inherit
// running state (transitions, GIF cursors); components without an ID are
// matched structurally by position instead.
type ComponentID string

// ComponentKind tags which of the seven schema-documented variants a
// Component holds (spec §6 "Scene schema (abbreviated)": view, rescaler,
// tiles, text, image, shader, input_stream).
type ComponentKind int

const (
	KindView ComponentKind = iota
	KindRescaler
	KindTiles
	KindText
	KindImage
	KindShader
	KindInputStream
)

// RescalerMode controls how a Rescaler's single child is fit into its box.
type RescalerMode int

const (
	ModeFit RescalerMode = iota
	ModeFill
)

// BoxShadow is one entry of a View/Rescaler's box_shadow list.
type BoxShadow struct {
	OffsetX, OffsetY float64
	BlurRadius       float64
	Color            string
}

// Transition is the declarative request attached to a component update;
// see transition.go for the running TransitionState it produces.
type Transition struct {
	DurationMS        int64
	Easing            InterpolationKind
	InterruptPrevious bool
}

// View is a box-model container: background, border, shadow, and a list of
// children laid out by the renderer according to Direction.
type View struct {
	Width, Height   *float64
	Top, Right      *float64
	BackgroundColor string
	BorderColor     string
	BorderWidth     float64
	BorderRadius    float64
	BoxShadow       []BoxShadow
	Direction       string // "row" | "column"
	Children        []Component
}

// Rescaler wraps exactly one child and fits or fills it into its box.
type Rescaler struct {
	Width, Height float64
	Top, Right    float64
	Mode          RescalerMode
	BorderColor   string
	BorderWidth   float64
	BorderRadius  float64
	BoxShadow     []BoxShadow
	Child         *Component
}

// Tiles auto-lays out its children into an even grid with margin and an
// optional background. A Transition interpolates Margin only; adding or
// removing a child changes no Tiles prop, so it starts no transition and
// the new layout takes effect at once.
type Tiles struct {
	Margin          float64
	BackgroundColor string
	Children        []Component
}

// Text renders a literal string with the given style.
type Text struct {
	Content    string
	FontSize   float64
	FontFamily string
	Color      string
	Weight     string
	Wrap       bool
}

// ImageAssetKind distinguishes the still/animated/vector image families
// relevant to diffing (GIF cursor reset on identity change only).
type ImageAssetKind int

const (
	ImageBitmap ImageAssetKind = iota
	ImageAnimated
	ImageSVG
)

// Image references a registered image asset by id, optionally constrained
// to an explicit width/height (the other dimension preserves aspect ratio,
// matching ImageComponent::stateful_component's three resolved cases).
type Image struct {
	ImageID string
	Width   *float64
	Height  *float64
	Kind    ImageAssetKind

	// ResolvedStartPTS is filled in by Tree.Evaluate: the pts at which this
	// node's current image identity first appeared, so an animated image's
	// frame cursor runs from a stable origin instead of resetting every
	// tick. Mirrors ImageRenderParams.start_pts.
	ResolvedStartPTS media.PTS
}

// Shader references a registered custom GPU shader and its named params.
// Param values are left as opaque JSON-shaped `any` since the shader's
// param schema is shader-specific, not something Scene State interprets.
type Shader struct {
	ShaderID string
	Params   map[string]any
	Children []Component
}

// InputStream renders the named input's current video/audio tick.
type InputStream struct {
	InputID media.InputID

	// Captions is a resource side-table, not part of this component's
	// diff identity: the orchestrator fills it with the input's most
	// recently decoded closed-caption lines immediately before
	// evaluating the tree, so a Text component overlaying captions can
	// read it without the Queue/Scene State needing their own caption
	// transport.
	Captions []media.Caption
}

// Component is one node of the declarative scene tree. Exactly one of the
// typed fields is populated, selected by Kind — a closed tagged union
// rather than an interface. The evaluator's switches on Kind (in scene.go
// and this file) list the variants, so a new variant requires editing both.
type Component struct {
	ID         ComponentID
	HasID      bool
	Kind       ComponentKind
	Transition *Transition

	View        *View
	Rescaler    *Rescaler
	Tiles       *Tiles
	Text        *Text
	Image       *Image
	Shader      *Shader
	InputStream *InputStream
}

// sameTypeAndID reports whether two components are the diff-identity match
// target for each other: matching (id, type) per spec §4.5 "Component
// diff". Components without an id never match by identity here — the
// caller falls back to structural (positional) matching instead.
func sameTypeAndID(a, b Component) bool {
	if a.Kind != b.Kind {
		return false
	}
	if !a.HasID || !b.HasID {
		return false
	}
	return a.ID == b.ID
}

// propsEqual reports whether two components' non-child, non-transition
// props are identical — used to decide whether an update starts a fresh
// transition (props changed) or is a no-op (props identical). Children are
// compared by the caller recursively; this only looks at the node's own
// fields.
func propsEqual(a, b Component) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindView:
		return viewPropsEqual(a.View, b.View)
	case KindRescaler:
		return rescalerPropsEqual(a.Rescaler, b.Rescaler)
	case KindTiles:
		return a.Tiles.Margin == b.Tiles.Margin && a.Tiles.BackgroundColor == b.Tiles.BackgroundColor
	case KindText:
		return *a.Text == *b.Text
	case KindImage:
		return imagePropsEqual(a.Image, b.Image)
	case KindShader:
		return a.Shader.ShaderID == b.Shader.ShaderID && shaderParamsEqual(a.Shader.Params, b.Shader.Params)
	case KindInputStream:
		return a.InputStream.InputID == b.InputStream.InputID
	default:
		return false
	}
}

func viewPropsEqual(a, b *View) bool {
	return floatPtrEqual(a.Width, b.Width) && floatPtrEqual(a.Height, b.Height) &&
		floatPtrEqual(a.Top, b.Top) && floatPtrEqual(a.Right, b.Right) &&
		a.BackgroundColor == b.BackgroundColor && a.BorderColor == b.BorderColor &&
		a.BorderWidth == b.BorderWidth && a.BorderRadius == b.BorderRadius &&
		a.Direction == b.Direction && boxShadowEqual(a.BoxShadow, b.BoxShadow)
}

func rescalerPropsEqual(a, b *Rescaler) bool {
	return a.Width == b.Width && a.Height == b.Height && a.Top == b.Top && a.Right == b.Right &&
		a.Mode == b.Mode && a.BorderColor == b.BorderColor && a.BorderWidth == b.BorderWidth &&
		a.BorderRadius == b.BorderRadius && boxShadowEqual(a.BoxShadow, b.BoxShadow)
}

func imagePropsEqual(a, b *Image) bool {
	return a.ImageID == b.ImageID && floatPtrEqual(a.Width, b.Width) && floatPtrEqual(a.Height, b.Height)
}

func floatPtrEqual(a, b *float64) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func boxShadowEqual(a, b []BoxShadow) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func shaderParamsEqual(a, b map[string]any) bool {
	// Shader params are decoded JSON and may nest maps/slices, which are
	// not comparable with ==; reflect.DeepEqual is the stdlib's answer for
	// exactly this shape, matching how encoding/json round-trip tests in
	// the pack compare decoded values.
	return reflect.DeepEqual(a, b)
}
