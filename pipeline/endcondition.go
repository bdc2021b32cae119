package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/mediaforge/compositor-core/coreerr"
	"github.com/mediaforge/compositor-core/media"
)

// endConditionKind tags which of the five wire forms an EndCondition
// holds (spec §6 "End-condition encoding").
type endConditionKind int

const (
	endNever endConditionKind = iota
	endAnyOf
	endAllOf
	endAnyInput
	endAllInputs
)

// EndCondition decides when an output's end-of-stream fires, evaluated
// every tick against the set of inputs that have gone done (spec §4.6
// "Evaluated every tick; when fires, an EOS is sent to that output's
// encoder(s)").
type EndCondition struct {
	kind endConditionKind
	ids  []media.InputID
}

// NeverEndCondition never fires; the output only ends when explicitly
// unregistered. This is the zero value of EndCondition, matching the
// wire encoding's empty-object default.
func NeverEndCondition() EndCondition { return EndCondition{kind: endNever} }

// AnyOfEndCondition fires once any one of ids is done.
func AnyOfEndCondition(ids ...media.InputID) EndCondition {
	return EndCondition{kind: endAnyOf, ids: ids}
}

// AllOfEndCondition fires once every one of ids is done.
func AllOfEndCondition(ids ...media.InputID) EndCondition {
	return EndCondition{kind: endAllOf, ids: ids}
}

// AnyInputEndCondition fires once any registered input is done.
func AnyInputEndCondition() EndCondition { return EndCondition{kind: endAnyInput} }

// AllInputsEndCondition fires once every registered input is done.
func AllInputsEndCondition() EndCondition { return EndCondition{kind: endAllInputs} }

// satisfied evaluates the condition against the orchestrator's current
// input set. allInputs lists every input currently registered (needed
// for the AnyInput/AllInputs forms); done reports per-input completion.
func (c EndCondition) satisfied(allInputs []media.InputID, done func(media.InputID) bool) bool {
	switch c.kind {
	case endNever:
		return false
	case endAnyOf:
		for _, id := range c.ids {
			if done(id) {
				return true
			}
		}
		return false
	case endAllOf:
		if len(c.ids) == 0 {
			return false
		}
		for _, id := range c.ids {
			if !done(id) {
				return false
			}
		}
		return true
	case endAnyInput:
		for _, id := range allInputs {
			if done(id) {
				return true
			}
		}
		return false
	case endAllInputs:
		if len(allInputs) == 0 {
			return false
		}
		for _, id := range allInputs {
			if !done(id) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// endConditionWire is the JSON shape from spec §6: exactly one of the
// four non-empty forms, or an empty object for Never.
type endConditionWire struct {
	AnyOf     []media.InputID `json:"any_of,omitempty"`
	AllOf     []media.InputID `json:"all_of,omitempty"`
	AnyInput  *bool           `json:"any_input,omitempty"`
	AllInputs *bool           `json:"all_inputs,omitempty"`
}

// MarshalJSON emits exactly one populated field, or {} for Never.
func (c EndCondition) MarshalJSON() ([]byte, error) {
	var w endConditionWire
	switch c.kind {
	case endAnyOf:
		w.AnyOf = c.ids
	case endAllOf:
		w.AllOf = c.ids
	case endAnyInput:
		t := true
		w.AnyInput = &t
	case endAllInputs:
		t := true
		w.AllInputs = &t
	}
	return json.Marshal(w)
}

// UnmarshalJSON rejects any object naming more than one of the four
// non-empty forms, per spec §6 "must reject multi-variant combinations".
func (c *EndCondition) UnmarshalJSON(data []byte) error {
	var w endConditionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return coreerr.Configuration(fmt.Errorf("end condition: %w", err))
	}

	set := 0
	if w.AnyOf != nil {
		set++
	}
	if w.AllOf != nil {
		set++
	}
	if w.AnyInput != nil && *w.AnyInput {
		set++
	}
	if w.AllInputs != nil && *w.AllInputs {
		set++
	}
	if set > 1 {
		return coreerr.Configuration(fmt.Errorf("end condition: exactly one of any_of/all_of/any_input/all_inputs may be set, got %d", set))
	}

	switch {
	case w.AnyOf != nil:
		*c = AnyOfEndCondition(w.AnyOf...)
	case w.AllOf != nil:
		*c = AllOfEndCondition(w.AllOf...)
	case w.AnyInput != nil && *w.AnyInput:
		*c = AnyInputEndCondition()
	case w.AllInputs != nil && *w.AllInputs:
		*c = AllInputsEndCondition()
	default:
		*c = NeverEndCondition()
	}
	return nil
}
