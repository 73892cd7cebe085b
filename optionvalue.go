package leanrepl

import (
	"encoding/json"
	"fmt"
	"maps"
)

// OptionValue is one elaborator option value: a bool, an int, a string, or
// a Lean name. The zero value is invalid; construct values with BoolOption,
// IntOption, StringOption, or NameOption.
type OptionValue struct {
	kind optionKind
	b    bool
	i    int64
	s    string
}

type optionKind int

const (
	optionInvalid optionKind = iota
	optionBool
	optionInt
	optionString
	optionName
)

// BoolOption makes a boolean option value.
func BoolOption(v bool) OptionValue { return OptionValue{kind: optionBool, b: v} }

// IntOption makes an integer option value.
func IntOption(v int64) OptionValue { return OptionValue{kind: optionInt, i: v} }

// StringOption makes a string option value.
func StringOption(v string) OptionValue { return OptionValue{kind: optionString, s: v} }

// NameOption makes a Lean name option value (e.g. "pp.all"). Names marshal
// like strings; the distinction matters to callers inspecting values, not
// to the wire format.
func NameOption(v string) OptionValue { return OptionValue{kind: optionName, s: v} }

// Bool returns the boolean payload.
func (v OptionValue) Bool() (bool, bool) { return v.b, v.kind == optionBool }

// Int returns the integer payload.
func (v OptionValue) Int() (int64, bool) { return v.i, v.kind == optionInt }

// String returns the string or name payload.
func (v OptionValue) String() (string, bool) {
	return v.s, v.kind == optionString || v.kind == optionName
}

// MarshalJSON implements json.Marshaler.
func (v OptionValue) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case optionBool:
		return json.Marshal(v.b)
	case optionInt:
		return json.Marshal(v.i)
	case optionString, optionName:
		return json.Marshal(v.s)
	default:
		return nil, fmt.Errorf("invalid option value")
	}
}

// UnmarshalJSON implements json.Unmarshaler. Scalars map back onto the
// union; names cannot be told apart from strings on the wire and decode as
// strings.
func (v *OptionValue) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = BoolOption(b)

		return nil
	}

	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*v = IntOption(i)

		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = StringOption(s)

		return nil
	}

	return fmt.Errorf("option value must be a bool, int, or string")
}

// Options maps dotted option names (e.g. "maxHeartbeats", "pp.unicode") to
// values.
type Options map[string]OptionValue

// mergeOptions overlays overrides on defaults; override entries win. Returns
// nil when both are empty so the field stays omitted from the wire.
func mergeOptions(defaults, overrides Options) Options {
	if len(defaults) == 0 {
		return overrides
	}

	merged := make(Options, len(defaults)+len(overrides))
	maps.Copy(merged, defaults)
	maps.Copy(merged, overrides)

	return merged
}
