// Package stats implements the Stats / Event Emitter (spec §4.7, C7): a
// bounded, multi-producer/single-consumer fan-out of orchestrator events to
// any number of subscribers (test harnesses, HTTP status endpoints, the
// WebTransport push subscriber in wtpush).
//
// Grounded on distribution/streamstats.go's atomic-counter telemetry style
// and distribution/relay.go's per-subscriber fan-out (Relay holds a set of
// Viewer sinks and pushes to each; Bus holds a set of subscriber channels
// and does the same, non-blocking with drop counting instead of Relay's
// cache-and-replay model, since events — unlike video GOPs — have no
// meaningful replay target).
package stats

import (
	"time"

	"github.com/mediaforge/compositor-core/media"
)

// Kind tags which Event variant a value holds, mirroring spec §4.7's
// `Event::{OutputDone(id), InputRegistered, SamplesReceived, FrameDropped, …}`.
type Kind string

const (
	KindInputRegistered  Kind = "input_registered"
	KindInputDone        Kind = "input_done"
	KindOutputRegistered Kind = "output_registered"
	KindOutputDone       Kind = "output_done"
	KindSamplesReceived  Kind = "samples_received"
	KindFrameDropped     Kind = "frame_dropped"
	KindKeyframeForced   Kind = "keyframe_forced"
	KindPacketLoss       Kind = "packet_loss"
)

// Event is one point-in-time occurrence posted to a Bus. Only the fields
// relevant to Kind are populated; JSON tags omit zero values so a
// FrameDropped event's payload doesn't carry empty output/loss fields.
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"ts"`
	InputID   media.InputID  `json:"input_id,omitempty"`
	OutputID  media.OutputID `json:"output_id,omitempty"`
	Count     int64          `json:"count,omitempty"`
	LossPct   int            `json:"loss_pct,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}
