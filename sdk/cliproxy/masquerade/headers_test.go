package masquerade

import (
	"encoding/json"
	"net/http"
	"reflect"
	"sort"
	"testing"
)

func TestDiffHeaders_Scenario(t *testing.T) {
	got := DiffHeaders(HeaderMap{"A": "1", "B": "2"}, HeaderMap{"B": "2", "C": "3"})
	want := []HeaderDiffRow{
		{Key: "A", Original: Present("1"), Masked: Absent, Changed: true},
		{Key: "B", Original: Present("2"), Masked: Present("2"), Changed: false},
		{Key: "C", Original: Absent, Masked: Present("3"), Changed: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DiffHeaders = %+v, want %+v", got, want)
	}
}

func TestDiffHeaders_NilMaps(t *testing.T) {
	got := DiffHeaders(nil, nil)
	if len(got) != 0 {
		t.Fatalf("expected no rows, got %+v", got)
	}
}

func TestDiffHeaders_EmptyStringIsNotAbsent(t *testing.T) {
	got := DiffHeaders(HeaderMap{"X-Empty": ""}, nil)
	if len(got) != 1 || !got[0].Changed {
		t.Fatalf("present empty vs absent must be a change: %+v", got)
	}

	got = DiffHeaders(HeaderMap{"X-Empty": ""}, HeaderMap{"X-Empty": ""})
	if len(got) != 1 || got[0].Changed {
		t.Fatalf("empty vs empty must be unchanged: %+v", got)
	}
}

func TestDiffHeaders_ByteOrderAndUnion(t *testing.T) {
	original := HeaderMap{"b": "1", "B": "1", "x-2": "a", "X-10": "b", "anthropic-beta": "z"}
	masked := HeaderMap{"B": "2", "a": "", "X-10": "b", "User-Agent": "claude-cli"}

	rows := DiffHeaders(original, masked)

	union := map[string]struct{}{}
	for k := range original {
		union[k] = struct{}{}
	}
	for k := range masked {
		union[k] = struct{}{}
	}
	if len(rows) != len(union) {
		t.Fatalf("rows = %d, want %d", len(rows), len(union))
	}

	keys := make([]string, len(rows))
	for i, row := range rows {
		keys[i] = row.Key
		_, inOriginal := original[row.Key]
		_, inMasked := masked[row.Key]
		wantChanged := inOriginal != inMasked || original[row.Key] != masked[row.Key]
		if row.Changed != wantChanged {
			t.Errorf("row %q changed = %v, want %v", row.Key, row.Changed, wantChanged)
		}
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("keys not sorted: %v", keys)
	}
	if keys[0] != "B" || keys[1] != "User-Agent" {
		t.Fatalf("expected uppercase keys first in byte order, got %v", keys)
	}
	if got := CountChanged(rows); got != 6 {
		t.Fatalf("CountChanged = %d, want 6", got)
	}
}

func TestHeaderDiffRow_JSON(t *testing.T) {
	raw, err := json.Marshal(DiffHeaders(HeaderMap{"A": "1"}, nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `[{"key":"A","original":"1","masked":null,"changed":true}]`
	if string(raw) != want {
		t.Fatalf("json = %s, want %s", raw, want)
	}

	var decoded []HeaderDiffRow
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded[0].Masked != Absent || decoded[0].Original != Present("1") {
		t.Fatalf("decoded = %+v", decoded[0])
	}
}

func TestFromHTTPHeader(t *testing.T) {
	h := http.Header{}
	h.Add("Accept", "text/plain")
	h.Add("Accept", "application/json")
	h.Set("User-Agent", "curl")

	got := FromHTTPHeader(h)
	if got["Accept"] != "text/plain, application/json" || got["User-Agent"] != "curl" {
		t.Fatalf("FromHTTPHeader = %v", got)
	}
	if FromHTTPHeader(nil) != nil {
		t.Fatal("expected nil for empty header")
	}
}
