package rtp

import (
	"time"

	"github.com/mediaforge/compositor-core/clock"
)

// wrapThreshold is the signed-diff magnitude (2^31) beyond which a raw
// 32-bit timestamp delta is treated as a clock wrap rather than a large
// but legitimate forward/backward jump (spec §4.2 step 1, §9 "Timestamp
// rollover").
const wrapThreshold = int64(1) << 31

// extendedSpan is 2^32, the width one rollover adds to the extended
// timestamp.
const extendedSpan = int64(1) << 32

// TimestampSync converts one RTP stream's 32-bit sender-clock timestamps
// into the shared PTS domain. One instance exists per input stream (not
// per session — a session's multiple streams, e.g. audio+video from the
// same WHIP connection, each get their own TimestampSync but may share
// sender-report wall-clock anchoring upstream).
type TimestampSync struct {
	clockRate   uint32
	clk         *clock.Clock
	jitterDepth PTS

	hasFirst      bool
	lastTS32      uint32
	rolloverCount int64

	hasAnchor         bool
	ntpAnchor         time.Time
	rtpAnchorExtended int64

	hasFallback     bool
	firstPacketPTS  PTS
	firstExtendedTS int64
}

// NewTimestampSync creates a sync for a stream with the given RTP clock
// rate (90000 for video, 48000 for Opus, etc.) and jitter buffer depth.
// clockRate must be non-zero.
func NewTimestampSync(clockRate uint32, clk *clock.Clock, jitterDepth PTS) *TimestampSync {
	return &TimestampSync{
		clockRate:   clockRate,
		clk:         clk,
		jitterDepth: jitterDepth,
	}
}

// OnSenderReport installs a new (ntp_time, rtp_time) anchor for wall-clock
// alignment, per spec §4.2. Anchors from later sender reports replace
// earlier ones; each call also feeds the extended-timestamp/rollover
// tracker the same way a data packet would.
func (s *TimestampSync) OnSenderReport(ntpTime time.Time, rtpTime uint32) {
	extended := s.extend(rtpTime)
	s.hasAnchor = true
	s.ntpAnchor = ntpTime
	s.rtpAnchorExtended = extended
}

// extend maintains the 64-bit extended timestamp and rollover counter for
// this stream, implementing spec §4.2 step 1 / §9's rollover rule: a
// decrease of more than 2^31 is a forward wrap, an increase of more than
// 2^31 is a backward wrap.
func (s *TimestampSync) extend(ts32 uint32) int64 {
	if !s.hasFirst {
		s.hasFirst = true
		s.lastTS32 = ts32
		return int64(ts32)
	}

	diff := int64(ts32) - int64(s.lastTS32)
	switch {
	case diff < -wrapThreshold:
		s.rolloverCount++
	case diff > wrapThreshold:
		s.rolloverCount--
	}
	s.lastTS32 = ts32

	return s.rolloverCount*extendedSpan + int64(ts32)
}

// PTSFromTimestamp maps a raw 32-bit RTP timestamp to the shared PTS
// domain, following spec §4.2 steps 1-4.
func (s *TimestampSync) PTSFromTimestamp(ts32 uint32) PTS {
	extended := s.extend(ts32)

	var pts PTS
	if s.hasAnchor {
		deltaSeconds := float64(extended-s.rtpAnchorExtended) / float64(s.clockRate)
		wallClock := s.ntpAnchor.Add(time.Duration(deltaSeconds * float64(time.Second)))
		pts = s.clk.PTSAt(wallClock)
	} else {
		if !s.hasFallback {
			s.hasFallback = true
			s.firstPacketPTS = s.clk.Now()
			s.firstExtendedTS = extended
		}
		deltaSeconds := float64(extended-s.firstExtendedTS) / float64(s.clockRate)
		pts = s.firstPacketPTS + PTS(deltaSeconds*float64(time.Second))
	}

	return pts + s.jitterDepth
}
