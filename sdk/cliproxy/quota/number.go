package quota

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Number is an optional finite float. The zero value is unknown.
type Number struct {
	Value float64
	Known bool
}

// Known returns a known Number, or unknown when v is NaN or infinite.
func Known(v float64) Number {
	if !finite(v) {
		return Number{}
	}
	return Number{Value: v, Known: true}
}

// Unknown returns the unknown Number.
func Unknown() Number { return Number{} }

// NumberFrom converts a decoded JSON/YAML value into a Number.
func NumberFrom(value any) Number {
	if n, ok := value.(Number); ok {
		return Known(n.Value).when(n.Known)
	}
	if f, ok := readFloat(value); ok {
		return Known(f)
	}
	return Number{}
}

// Float returns the value and whether it is known.
func (n Number) Float() (float64, bool) {
	if !n.Known || !finite(n.Value) {
		return 0, false
	}
	return n.Value, true
}

func (n Number) when(ok bool) Number {
	if !ok {
		return Number{}
	}
	return n
}

func (n Number) String() string {
	v, ok := n.Float()
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// MarshalJSON encodes unknown as null.
func (n Number) MarshalJSON() ([]byte, error) {
	v, ok := n.Float()
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON accepts numbers, numeric strings and null.
func (n *Number) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*n = Number{}
		return nil
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*n = NumberFrom(raw)
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func readFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		if !finite(typed) {
			return 0, false
		}
		return typed, true
	case float32:
		val := float64(typed)
		if !finite(val) {
			return 0, false
		}
		return val, true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case uint64:
		return float64(typed), true
	case json.Number:
		if f, err := typed.Float64(); err == nil && finite(f) {
			return f, true
		}
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64); err == nil && finite(parsed) {
			return parsed, true
		}
	}
	return 0, false
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
