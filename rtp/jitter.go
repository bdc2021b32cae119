package rtp

// defaultWindowSize bounds how many out-of-order packets the jitter buffer
// holds before forcing a pop regardless of deadline, per spec §4.2
// ("or once the window is full").
const defaultWindowSize = 512

// Clock is the subset of clock.Clock (or clock.Manual, in tests) the
// jitter buffer needs: a single monotonic-in-PTS Now() reading.
type Clock interface {
	Now() PTS
}

// JitterBuffer reorders packets from one RTP stream into strict ascending
// sequence-number (and PTS) order, emitting a LostData marker in place of
// any packet whose deadline passes before it arrives. It is not safe for
// concurrent use — the owning input's decoder thread is the sole writer
// and reader (spec §5, "single-producer/single-consumer").
type JitterBuffer struct {
	clk   Clock
	depth PTS

	windowSize int
	window     map[uint16]Packet

	hasExpected bool
	expected    uint16

	lostCount      uint64
	malformedCount uint64
}

// NewJitterBuffer creates a jitter buffer with the given depth (how long a
// packet is held before being released, absorbing reordering) and a
// maximum reorder window.
func NewJitterBuffer(clk Clock, depth PTS, windowSize int) *JitterBuffer {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &JitterBuffer{
		clk:        clk,
		depth:      depth,
		windowSize: windowSize,
		window:     make(map[uint16]Packet),
	}
}

// WritePacket stores a packet keyed by sequence number. A packet with an
// empty payload is considered malformed and dropped with a counter
// increment (spec §4.2 "Failure semantics").
func (b *JitterBuffer) WritePacket(pkt Packet) {
	if len(pkt.Payload) == 0 {
		b.malformedCount++
		return
	}
	if !b.hasExpected {
		b.hasExpected = true
		b.expected = pkt.SequenceNumber
	}
	// Already delivered or behind the play cursor: drop silently, it is
	// too late to reorder it in.
	if seqBefore(pkt.SequenceNumber, b.expected) {
		return
	}
	b.window[pkt.SequenceNumber] = pkt
}

// PopPacket releases the next packet in sequence order, if it is ready, or
// a LostData marker if the expected sequence number's deadline has passed.
// Returns false if neither condition holds yet (the caller should wait).
func (b *JitterBuffer) PopPacket() (InputEvent, bool) {
	if !b.hasExpected || len(b.window) == 0 {
		return InputEvent{}, false
	}

	if pkt, ok := b.window[b.expected]; ok {
		if !b.ready(pkt.PTS) && len(b.window) < b.windowSize {
			return InputEvent{}, false
		}
		delete(b.window, b.expected)
		b.expected++
		return InputEvent{Kind: EventKindPacket, Packet: pkt}, true
	}

	// expected sequence number is missing. Use the earliest PTS among
	// buffered (later) packets as a proxy for "how long have we been
	// waiting" — once that packet would itself be ready, the gap has
	// persisted longer than the buffer depth allows.
	earliest, anyBuffered := b.earliestPTS()
	deadlinePassed := anyBuffered && b.ready(earliest)
	full := len(b.window) >= b.windowSize

	if deadlinePassed || full {
		b.lostCount++
		b.expected++
		return InputEvent{Kind: EventKindLostData}, true
	}

	return InputEvent{}, false
}

// ready reports whether a buffered packet's PTS is old enough to release:
// pts <= now() - depth.
func (b *JitterBuffer) ready(pts PTS) bool {
	return pts <= b.clk.Now()-b.depth
}

func (b *JitterBuffer) earliestPTS() (PTS, bool) {
	var (
		earliest PTS
		found    bool
	)
	for _, pkt := range b.window {
		if !found || pkt.PTS < earliest {
			earliest = pkt.PTS
			found = true
		}
	}
	return earliest, found
}

// seqBefore reports whether a is strictly before b in sequence-number
// space, accounting for uint16 wraparound via the signed-difference trick.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// Stats returns point-in-time counters for diagnostics.
func (b *JitterBuffer) Stats() (lost, malformed uint64, buffered int) {
	return b.lostCount, b.malformedCount, len(b.window)
}
