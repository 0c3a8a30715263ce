package quota

import (
	"encoding/json"
	"math"
	"testing"
)

func assertNumber(t *testing.T, label string, got Number, want float64, wantKnown bool) {
	t.Helper()
	v, ok := got.Float()
	if ok != wantKnown {
		t.Fatalf("%s known = %v, want %v (value %v)", label, ok, wantKnown, v)
	}
	if wantKnown && math.Abs(v-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", label, v, want)
	}
}

func TestComputeRemaining(t *testing.T) {
	tests := []struct {
		name        string
		in          UsageSnapshot
		wantPercent float64
		percentOK   bool
		wantAmount  float64
		amountOK    bool
	}{
		{
			name:        "percentage drives percent and counters drive amount",
			in:          UsageSnapshot{Current: Known(80), Limit: Known(100), Percentage: Known(80)},
			wantPercent: 20,
			percentOK:   true,
			wantAmount:  20,
			amountOK:    true,
		},
		{
			name:        "falls back to current over limit",
			in:          UsageSnapshot{Current: Known(25), Limit: Known(50)},
			wantPercent: 50,
			percentOK:   true,
			wantAmount:  25,
			amountOK:    true,
		},
		{
			name:       "zero limit leaves percent unknown",
			in:         UsageSnapshot{Current: Known(10), Limit: Known(0)},
			wantAmount: 0,
			amountOK:   true,
		},
		{
			name: "nothing known",
			in:   UsageSnapshot{},
		},
		{
			name:        "percentage above 100 is clamped",
			in:          UsageSnapshot{Percentage: Known(140)},
			wantPercent: 0,
			percentOK:   true,
		},
		{
			name:        "negative percentage is clamped",
			in:          UsageSnapshot{Percentage: Known(-5)},
			wantPercent: 100,
			percentOK:   true,
		},
		{
			name:        "over-consumption yields zero remaining",
			in:          UsageSnapshot{Current: Known(120), Limit: Known(100)},
			wantPercent: 0,
			percentOK:   true,
			wantAmount:  0,
			amountOK:    true,
		},
		{
			name:        "percentage wins over diverging counters",
			in:          UsageSnapshot{Current: Known(10), Limit: Known(100), Percentage: Known(50)},
			wantPercent: 50,
			percentOK:   true,
			wantAmount:  90,
			amountOK:    true,
		},
		{
			name:     "negative limit leaves percent unknown",
			in:       UsageSnapshot{Current: Known(1), Limit: Known(-10)},
			amountOK: true,
		},
		{
			name:        "missing limit with percentage",
			in:          UsageSnapshot{Current: Known(3), Percentage: Known(30)},
			wantPercent: 70,
			percentOK:   true,
		},
		{
			name: "non-finite values are unknown",
			in:   UsageSnapshot{Current: Number{Value: math.NaN(), Known: true}, Limit: Known(10), Percentage: Number{Value: math.Inf(1), Known: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeRemaining(tt.in)
			assertNumber(t, "remaining percent", got.RemainingPercent, tt.wantPercent, tt.percentOK)
			assertNumber(t, "remaining amount", got.RemainingAmount, tt.wantAmount, tt.amountOK)
		})
	}
}

func TestComputeRemaining_PercentIndependentOfCounters(t *testing.T) {
	for _, pct := range []float64{-20, 0, 12.5, 50, 99.9, 100, 250} {
		for _, counters := range [][2]float64{{0, 0}, {5, 10}, {100, 10}, {-1, 3}} {
			got := ComputeRemaining(UsageSnapshot{Current: Known(counters[0]), Limit: Known(counters[1]), Percentage: Known(pct)})
			want := math.Max(0, 100-clampPercent(pct))
			assertNumber(t, "remaining percent", got.RemainingPercent, want, true)
			assertNumber(t, "remaining amount", got.RemainingAmount, math.Max(0, counters[1]-counters[0]), true)
		}
	}
}

func TestComputeRemaining_AmountIgnoresPercentage(t *testing.T) {
	got := ComputeRemaining(UsageSnapshot{Limit: Known(100), Percentage: Known(40)})
	assertNumber(t, "remaining amount", got.RemainingAmount, 0, false)
	assertNumber(t, "remaining percent", got.RemainingPercent, 60, true)
}

func TestComputeRemaining_HugeRatioClampsToZero(t *testing.T) {
	got := ComputeRemaining(UsageSnapshot{Current: Known(math.MaxFloat64), Limit: Known(math.SmallestNonzeroFloat64)})
	assertNumber(t, "remaining percent", got.RemainingPercent, 0, true)
}

func TestRemainingDisplay_JSONUsesNullForUnknown(t *testing.T) {
	raw, err := json.Marshal(ComputeRemaining(UsageSnapshot{Current: Known(10), Limit: Known(0)}))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"remaining_percent":null,"remaining_amount":0}`
	if string(raw) != want {
		t.Fatalf("json = %s, want %s", raw, want)
	}
}

