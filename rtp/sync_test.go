package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mediaforge/compositor-core/clock"
)

func TestPTSFromTimestampNoWrapNoSenderReport(t *testing.T) {
	t0 := time.Now()
	clk := clock.NewAt(t0)
	sync := NewTimestampSync(90000, clk, 0)

	firstTS := uint32(1000)
	firstPTS := sync.PTSFromTimestamp(firstTS)

	delta := time.Second // Δ < 2^31 / 90000 seconds (~6.6 hours)
	nextTS := firstTS + uint32(float64(delta)/float64(time.Second)*90000)

	gotPTS := sync.PTSFromTimestamp(nextTS)
	assert.InDelta(t, (firstPTS + delta).Seconds(), gotPTS.Seconds(), 0.001)
}

func TestPTSFromTimestampWrapIsMonotonic(t *testing.T) {
	clk := clock.New()
	sync := NewTimestampSync(90000, clk, 0)

	// Start close to the 32-bit boundary so the next packet wraps.
	near := uint32(0xFFFFFFFF - 1000)
	firstPTS := sync.PTSFromTimestamp(near)

	wrapped := uint32(2000) // wraps past 0
	secondPTS := sync.PTSFromTimestamp(wrapped)

	assert.Greater(t, secondPTS, firstPTS)
}

func TestPTSFromTimestampWithSenderReportAnchor(t *testing.T) {
	t0 := time.Now()
	clk := clock.NewAt(t0)
	sync := NewTimestampSync(90000, clk, 0)

	anchorWallClock := t0.Add(5 * time.Second)
	sync.OnSenderReport(anchorWallClock, 450000) // rtp_ts at anchor

	// One second of RTP clock later than the anchor's rtp timestamp.
	pts := sync.PTSFromTimestamp(450000 + 90000)
	assert.InDelta(t, 6.0, pts.Seconds(), 0.001)
}

func TestPTSFromTimestampJitterDepthOffset(t *testing.T) {
	t0 := time.Now()
	clk := clock.NewAt(t0)
	depth := 40 * time.Millisecond
	sync := NewTimestampSync(90000, clk, depth)

	pts := sync.PTSFromTimestamp(0)
	assert.GreaterOrEqual(t, pts, depth)
}
