package coreerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwraps(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("context: %w", FatalInput("input_1", base))

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindFatalInput, kind)

	_, ok = KindOf(base)
	assert.False(t, ok)
}

func TestErrorMessageIncludesIDs(t *testing.T) {
	err := OutputSink("output_1", errors.New("write timeout"))
	assert.Contains(t, err.Error(), "output_1")
	assert.Contains(t, err.Error(), "output_sink")
}
