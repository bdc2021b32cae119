package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEOSGuardAdmitsAtMostOneEOS(t *testing.T) {
	var g EOSGuard

	assert.True(t, g.Admit(EventKindData))
	assert.True(t, g.Admit(EventKindData))
	assert.True(t, g.Admit(EventKindEOS))
	assert.False(t, g.Done() == false)
	assert.False(t, g.Admit(EventKindData))
	assert.False(t, g.Admit(EventKindEOS))
}

func TestNewDataAndEOSHelpers(t *testing.T) {
	d := NewData(42)
	assert.False(t, d.IsEOS())
	assert.Equal(t, 42, d.Data)

	e := EOS[int]()
	assert.True(t, e.IsEOS())
}
