// Package coreerr defines the error taxonomy from spec §7. Every error
// that crosses a component boundary carries a stable Kind plus the
// input/output identifiers it relates to, so callers can branch on Kind
// without string matching — the Go equivalent of compositor_api's
// UpdateSceneError/RegisterInputError enums, using a single wrapped-error
// type instead of one Rust enum per call site.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error per spec §7.
type Kind int

const (
	// KindConfiguration rejects registration: invalid scene, conflicting
	// end condition, unsupported codec for a protocol. Surfaced
	// synchronously to the caller of register_input/register_output.
	KindConfiguration Kind = iota
	// KindTransientInput is a lost packet, corrupt frame, or transient
	// decoder error. Counted and forwarded as LostData or a dropped
	// frame; does not tear down the input.
	KindTransientInput
	// KindFatalInput is an unrecoverable input failure: byte source
	// closed, SDP negotiation failed, unrecoverable decoder state. Emits
	// EOS for the input.
	KindFatalInput
	// KindOutputSink is a backpressure timeout or network write failure
	// on an output sink, retried with backoff before the output is
	// closed.
	KindOutputSink
	// KindInvariant is an internal invariant violation: logged at error
	// level, and in production the owning thread terminates.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransientInput:
		return "transient_input"
	case KindFatalInput:
		return "fatal_input"
	case KindOutputSink:
		return "output_sink"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is the stable error shape returned across component boundaries.
// InputID/OutputID are empty when not applicable to the Kind.
type Error struct {
	Kind    Kind
	InputID string
	OutputID string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.InputID != "" && e.OutputID != "":
		return fmt.Sprintf("%s: input=%s output=%s: %v", e.Kind, e.InputID, e.OutputID, e.Err)
	case e.InputID != "":
		return fmt.Sprintf("%s: input=%s: %v", e.Kind, e.InputID, e.Err)
	case e.OutputID != "":
		return fmt.Sprintf("%s: output=%s: %v", e.Kind, e.OutputID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Configuration wraps err as a KindConfiguration error.
func Configuration(err error) *Error {
	return &Error{Kind: KindConfiguration, Err: err}
}

// TransientInput wraps err as a KindTransientInput error for the named
// input.
func TransientInput(inputID string, err error) *Error {
	return &Error{Kind: KindTransientInput, InputID: inputID, Err: err}
}

// FatalInput wraps err as a KindFatalInput error for the named input.
func FatalInput(inputID string, err error) *Error {
	return &Error{Kind: KindFatalInput, InputID: inputID, Err: err}
}

// OutputSink wraps err as a KindOutputSink error for the named output.
func OutputSink(outputID string, err error) *Error {
	return &Error{Kind: KindOutputSink, OutputID: outputID, Err: err}
}

// Invariant wraps err as a KindInvariant error. Callers in production code
// should log it and terminate the owning goroutine/object rather than
// propagate it further (spec §7); test code may choose to panic instead.
func Invariant(err error) *Error {
	return &Error{Kind: KindInvariant, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
