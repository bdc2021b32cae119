package rtp

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// NTPToTime converts a 64-bit NTP timestamp (Q32.32 fixed point, as carried
// in an RTCP Sender Report's NTP field) to a wall-clock time.Time. This is
// the conversion a sender report's (ntp_time, rtp_time) anchor needs before
// it can be used to align streams (spec §4.2, on_sender_report).
func NTPToTime(ntp uint64) time.Time {
	seconds := int64(ntp >> 32)
	frac := uint32(ntp & 0xFFFFFFFF)
	nanos := int64(float64(frac) * (1e9 / (1 << 32)))
	return time.Unix(seconds-ntpEpochOffset, nanos).UTC()
}

// TimeToNTP converts a wall-clock time.Time into a 64-bit NTP timestamp,
// the inverse of NTPToTime. Used by tests and by any output-side sender
// report generation.
func TimeToNTP(t time.Time) uint64 {
	secs := uint64(t.Unix() + ntpEpochOffset)
	frac := uint64(float64(t.Nanosecond()) * (float64(uint64(1)<<32) / 1e9))
	return secs<<32 | frac
}
