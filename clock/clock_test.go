package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowIsMonotonicFromT0(t *testing.T) {
	t0 := time.Now()
	c := NewAt(t0)

	first := c.Now()
	time.Sleep(2 * time.Millisecond)
	second := c.Now()

	assert.GreaterOrEqual(t, int64(first), int64(0))
	assert.Greater(t, second, first)
}

func TestPTSAt(t *testing.T) {
	t0 := time.Now()
	c := NewAt(t0)

	assert.Equal(t, PTS(0), c.PTSAt(t0))
	assert.Equal(t, 500*time.Millisecond, c.PTSAt(t0.Add(500*time.Millisecond)))
	assert.Equal(t, -time.Second, c.PTSAt(t0.Add(-time.Second)))
}
