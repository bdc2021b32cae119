// Package media defines the core frame, sample-batch, and chunk types that
// flow between the Queue, Audio Mixer, Scene State, and the pluggable
// transport adapters.
package media

// InputID identifies an input stream, unique within the pipeline.
type InputID string

// OutputID identifies an output stream, unique within the pipeline.
type OutputID string

// ComponentID identifies a scene component, unique within a single output's
// scene tree. Components without an explicit ID are matched structurally
// during diff instead.
type ComponentID string
