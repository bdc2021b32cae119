package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNTPRoundTrip(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	ntp := TimeToNTP(want)
	got := NTPToTime(ntp)

	assert.WithinDuration(t, want, got, time.Millisecond)
}

func TestNTPToTimeKnownValue(t *testing.T) {
	// NTP second count for 2000-01-01T00:00:00Z, fraction zero.
	epoch2000 := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	ntp := TimeToNTP(epoch2000)
	got := NTPToTime(ntp)
	assert.Equal(t, epoch2000.Unix(), got.Unix())
}
