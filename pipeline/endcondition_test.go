package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/compositor-core/coreerr"
	"github.com/mediaforge/compositor-core/media"
)

func TestEndConditionMarshalRoundTrip(t *testing.T) {
	cases := []EndCondition{
		NeverEndCondition(),
		AnyOfEndCondition("in_1", "in_2"),
		AllOfEndCondition("in_1"),
		AnyInputEndCondition(),
		AllInputsEndCondition(),
	}
	for _, c := range cases {
		data, err := json.Marshal(c)
		require.NoError(t, err)

		var out EndCondition
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, c, out)
	}
}

func TestEndConditionEmptyObjectIsNever(t *testing.T) {
	var c EndCondition
	require.NoError(t, json.Unmarshal([]byte(`{}`), &c))
	assert.Equal(t, NeverEndCondition(), c)
}

func TestEndConditionRejectsMultipleVariants(t *testing.T) {
	var c EndCondition
	err := json.Unmarshal([]byte(`{"any_of":["a"],"all_inputs":true}`), &c)
	require.Error(t, err)
	kind, ok := coreerr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, coreerr.KindConfiguration, kind)
}

func TestEndConditionAnyOfSatisfiedWhenOneDone(t *testing.T) {
	c := AnyOfEndCondition("a", "b")
	done := map[media.InputID]bool{"b": true}
	assert.True(t, c.satisfied(nil, func(id media.InputID) bool { return done[id] }))
}

func TestEndConditionAllOfRequiresEveryID(t *testing.T) {
	c := AllOfEndCondition("a", "b")
	done := map[media.InputID]bool{"a": true}
	assert.False(t, c.satisfied(nil, func(id media.InputID) bool { return done[id] }))
	done["b"] = true
	assert.True(t, c.satisfied(nil, func(id media.InputID) bool { return done[id] }))
}

func TestEndConditionAllInputsRequiresNonEmptySet(t *testing.T) {
	c := AllInputsEndCondition()
	assert.False(t, c.satisfied(nil, func(media.InputID) bool { return true }))
	assert.True(t, c.satisfied([]media.InputID{"a", "b"}, func(media.InputID) bool { return true }))
}

func TestEndConditionNeverNeverSatisfied(t *testing.T) {
	c := NeverEndCondition()
	assert.False(t, c.satisfied([]media.InputID{"a"}, func(media.InputID) bool { return true }))
}
