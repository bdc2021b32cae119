package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/clock"
)

func newTestBuffer(depth PTS) (*JitterBuffer, *clock.Manual) {
	clk := clock.NewManual()
	return NewJitterBuffer(clk, depth, 0), clk
}

func TestJitterBufferInOrderDelivery(t *testing.T) {
	buf, clk := newTestBuffer(0)
	clk.Set(time.Second) // far enough ahead that every packet below is "ready"

	for i := uint16(0); i < 5; i++ {
		buf.WritePacket(Packet{SequenceNumber: i, PTS: 0, Payload: []byte{1}})
	}

	for i := uint16(0); i < 5; i++ {
		ev, ok := buf.PopPacket()
		require.True(t, ok)
		assert.Equal(t, EventKindPacket, ev.Kind)
		assert.Equal(t, i, ev.Packet.SequenceNumber)
	}
}

func TestJitterBufferReordersOutOfOrderPackets(t *testing.T) {
	buf, clk := newTestBuffer(0)
	clk.Set(time.Second)

	buf.WritePacket(Packet{SequenceNumber: 2, PTS: 20 * time.Millisecond, Payload: []byte{1}})
	buf.WritePacket(Packet{SequenceNumber: 0, PTS: 0, Payload: []byte{1}})
	buf.WritePacket(Packet{SequenceNumber: 1, PTS: 10 * time.Millisecond, Payload: []byte{1}})

	var order []uint16
	for i := 0; i < 3; i++ {
		ev, ok := buf.PopPacket()
		require.True(t, ok)
		order = append(order, ev.Packet.SequenceNumber)
	}
	assert.Equal(t, []uint16{0, 1, 2}, order)
}

func TestJitterBufferNotReadyBeforeDeadline(t *testing.T) {
	buf, clk := newTestBuffer(50 * time.Millisecond)
	clk.Set(10 * time.Millisecond)

	buf.WritePacket(Packet{SequenceNumber: 0, PTS: 40 * time.Millisecond, Payload: []byte{1}})

	_, ok := buf.PopPacket()
	assert.False(t, ok, "packet should not be released before now()-depth reaches its PTS")

	clk.Set(90 * time.Millisecond) // now - depth == 40ms == packet PTS
	ev, ok := buf.PopPacket()
	require.True(t, ok)
	assert.Equal(t, EventKindPacket, ev.Kind)
}

func TestJitterBufferEmitsLostDataOnTenConsecutiveDrops(t *testing.T) {
	buf, clk := newTestBuffer(0)
	clk.Set(time.Second)

	buf.WritePacket(Packet{SequenceNumber: 0, PTS: 0, Payload: []byte{1}})
	ev, ok := buf.PopPacket()
	require.True(t, ok)
	assert.Equal(t, EventKindPacket, ev.Kind)

	// Packets 1-10 never arrive; packet 11 does, already past its own
	// readiness deadline, which implies the gap has persisted long enough.
	buf.WritePacket(Packet{SequenceNumber: 11, PTS: 500 * time.Millisecond, Payload: []byte{1}})

	var kinds []EventKind
	for i := 0; i < 10; i++ {
		ev, ok := buf.PopPacket()
		require.True(t, ok, "expected lost-data marker at step %d", i)
		kinds = append(kinds, ev.Kind)
	}
	for _, k := range kinds {
		assert.Equal(t, EventKindLostData, k)
	}

	ev, ok = buf.PopPacket()
	require.True(t, ok)
	assert.Equal(t, EventKindPacket, ev.Kind)
	assert.Equal(t, uint16(11), ev.Packet.SequenceNumber)
}

func TestJitterBufferWindowFullForcesPop(t *testing.T) {
	buf, clk := newTestBuffer(time.Hour) // huge depth so deadline never passes on its own
	clk.Set(0)
	buf.windowSize = 4
	buf.hasExpected, buf.expected = true, 0

	// Sequence 0 missing; 1..4 arrive, filling the window.
	for seq := uint16(1); seq <= 4; seq++ {
		buf.WritePacket(Packet{SequenceNumber: seq, PTS: PTS(seq) * time.Millisecond, Payload: []byte{1}})
	}

	ev, ok := buf.PopPacket()
	require.True(t, ok)
	assert.Equal(t, EventKindLostData, ev.Kind)
}

func TestJitterBufferMalformedPacketDropped(t *testing.T) {
	buf, _ := newTestBuffer(0)
	buf.WritePacket(Packet{SequenceNumber: 0, PTS: 0, Payload: nil})

	_, malformed, buffered := buf.Stats()
	assert.Equal(t, uint64(1), malformed)
	assert.Equal(t, 0, buffered)
}

func TestJitterBufferOrderingGuaranteeHolds(t *testing.T) {
	buf, clk := newTestBuffer(0)
	clk.Set(time.Second)

	for seq := uint16(0); seq < 20; seq++ {
		if seq == 5 || seq == 6 {
			continue // simulate loss
		}
		buf.WritePacket(Packet{SequenceNumber: seq, PTS: PTS(seq) * 10 * time.Millisecond, Payload: []byte{1}})
	}
	// Force the gap's deadline by buffering a far-future packet.
	buf.WritePacket(Packet{SequenceNumber: 30, PTS: 500 * time.Millisecond, Payload: []byte{1}})

	var lastSeq int32 = -1
	var lastPTS PTS = -1
	seen := 0
	for seen < 21 {
		ev, ok := buf.PopPacket()
		if !ok {
			break
		}
		seen++
		if ev.Kind == EventKindLostData {
			continue
		}
		assert.Greater(t, int32(ev.Packet.SequenceNumber), lastSeq)
		lastSeq = int32(ev.Packet.SequenceNumber)
		assert.GreaterOrEqual(t, ev.Packet.PTS, lastPTS)
		lastPTS = ev.Packet.PTS
	}
}
