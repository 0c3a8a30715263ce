package quota

import (
	"encoding/json"
	"math"
	"testing"
)

func TestNumberFrom(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		want  float64
		known bool
	}{
		{name: "float", in: 1.5, want: 1.5, known: true},
		{name: "int", in: 7, want: 7, known: true},
		{name: "json number", in: json.Number("3.25"), want: 3.25, known: true},
		{name: "numeric string", in: " 42 ", want: 42, known: true},
		{name: "zero stays known", in: 0.0, want: 0, known: true},
		{name: "nil", in: nil},
		{name: "nan", in: math.NaN()},
		{name: "inf", in: math.Inf(-1)},
		{name: "nan string", in: "NaN"},
		{name: "bool", in: true},
		{name: "known number", in: Known(9), want: 9, known: true},
		{name: "unknown number", in: Unknown()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertNumber(t, "number", NumberFrom(tt.in), tt.want, tt.known)
		})
	}
}

func TestNumber_UnmarshalJSON(t *testing.T) {
	var snapshot UsageSnapshot
	if err := json.Unmarshal([]byte(`{"current":"12","limit":40,"percentage":null}`), &snapshot); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	assertNumber(t, "current", snapshot.Current, 12, true)
	assertNumber(t, "limit", snapshot.Limit, 40, true)
	assertNumber(t, "percentage", snapshot.Percentage, 0, false)

	got := ComputeRemaining(snapshot)
	assertNumber(t, "remaining percent", got.RemainingPercent, 70, true)
	assertNumber(t, "remaining amount", got.RemainingAmount, 28, true)
}

func TestNumber_String(t *testing.T) {
	if got := Unknown().String(); got != "-" {
		t.Fatalf("unknown String() = %q", got)
	}
	if got := Known(12.5).String(); got != "12.5" {
		t.Fatalf("known String() = %q", got)
	}
}
