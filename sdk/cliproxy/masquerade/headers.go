// Package masquerade compares request headers before and after masking.
package masquerade

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// HeaderMap maps a header name, taken as given, to its value.
// A nil map is treated as empty.
type HeaderMap map[string]string

// Value is a header value that may be absent. Absent differs from "".
type Value struct {
	Text    string
	Present bool
}

// Absent is the value of a header missing from one side of a comparison.
var Absent = Value{}

// Present wraps a header value that exists.
func Present(text string) Value {
	return Value{Text: text, Present: true}
}

// MarshalJSON encodes an absent value as null.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.Present {
		return []byte("null"), nil
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON decodes null as Absent.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Absent
		return nil
	}
	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return err
	}
	*v = Present(text)
	return nil
}

// HeaderDiffRow is one aligned row of an original/masked header comparison.
type HeaderDiffRow struct {
	Key      string `json:"key"`
	Original Value  `json:"original"`
	Masked   Value  `json:"masked"`
	Changed  bool   `json:"changed"`
}

// DiffHeaders returns one row per key in the union of both maps, sorted by
// key in byte order.
func DiffHeaders(original, masked HeaderMap) []HeaderDiffRow {
	keys := make([]string, 0, len(original)+len(masked))
	for k := range original {
		keys = append(keys, k)
	}
	for k := range masked {
		if _, dup := original[k]; !dup {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	rows := make([]HeaderDiffRow, 0, len(keys))
	for _, k := range keys {
		row := HeaderDiffRow{
			Key:      k,
			Original: lookup(original, k),
			Masked:   lookup(masked, k),
		}
		row.Changed = row.Original != row.Masked
		rows = append(rows, row)
	}
	return rows
}

// CountChanged returns the number of changed rows.
func CountChanged(rows []HeaderDiffRow) int {
	n := 0
	for _, row := range rows {
		if row.Changed {
			n++
		}
	}
	return n
}

// FromHTTPHeader flattens an http.Header, joining repeated values with ", ".
func FromHTTPHeader(h http.Header) HeaderMap {
	if len(h) == 0 {
		return nil
	}
	out := make(HeaderMap, len(h))
	for k, values := range h {
		out[k] = strings.Join(values, ", ")
	}
	return out
}

func lookup(m HeaderMap, key string) Value {
	v, ok := m[key]
	if !ok {
		return Absent
	}
	return Present(v)
}
