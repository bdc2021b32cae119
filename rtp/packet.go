// Package rtp implements the RTP timestamp synchronization and jitter
// buffer described in spec §4.2 (C2): converting 32-bit wrapping RTP
// timestamps into the monotonic PTS domain, and reordering packets into
// strict sequence-number order before they reach a depayloader.
//
// Wire-level packet parsing is delegated to github.com/pion/rtp; this
// package owns only the PTS-domain mapping and reordering logic, which is
// specific to this compositor and has no upstream equivalent.
package rtp

import (
	"github.com/mediaforge/compositor-core/media"
)

// PTS re-exports media.PTS for convenience within this package.
type PTS = media.PTS

// Packet is a fully-parsed RTP packet plus its resolved PTS. Sequence
// number and marker bit are retained for the jitter buffer and for
// depayloaders that need frame-boundary information.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32 // raw 32-bit RTP timestamp, for diagnostics only
	PTS            PTS
	Marker         bool
	Payload        []byte
}

// EventKind discriminates an InputEvent.
type EventKind int

const (
	// EventKindPacket carries an in-order Packet.
	EventKindPacket EventKind = iota
	// EventKindLostData signals that the next expected sequence number's
	// deadline passed without the packet arriving; the depayloader should
	// reset and a keyframe should be requested.
	EventKindLostData
)

// InputEvent is what the jitter buffer emits from PopPacket: either a
// packet in order, or a LostData marker. Output is monotonically
// non-decreasing in both sequence number and PTS, modulo LostData markers
// (spec §4.2 "Ordering guarantee").
type InputEvent struct {
	Kind   EventKind
	Packet Packet
}
