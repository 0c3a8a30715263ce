package executor

import "testing"

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("EstimateTokens(\"\") = %d", got)
	}
	short := EstimateTokens("hello world")
	if short < 1 || short > 4 {
		t.Fatalf("EstimateTokens(hello world) = %d", short)
	}
	long := EstimateTokens("The quick brown fox jumps over the lazy dog. The quick brown fox jumps over the lazy dog.")
	if long <= short {
		t.Fatalf("longer text should have more tokens: %d <= %d", long, short)
	}
}

func TestCountTokensFromString(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"a", 1},
		{"abcdefgh", 3},
		{"你好", 4},
	}
	for _, tt := range tests {
		if got := countTokensFromString(tt.in); got != tt.want {
			t.Errorf("countTokensFromString(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTokenEstimatorEstimateTotalTokens(t *testing.T) {
	e := &TokenEstimator{count: func(s string) int64 { return int64(len(s)) }}
	payload := []byte(`{
		"system":[{"type":"text","text":"sys"}],
		"messages":[
			{"role":"user","content":"hi"},
			{"role":"assistant","content":[{"type":"text","text":"hello"}]}
		],
		"tools":[
			{"name":"t","description":"dd","input_schema":{"a":1}},
			{"type":"function","function":{"name":"fn","description":"x","parameters":{}}}
		]
	}`)
	if got := e.EstimateSystemTokens(payload); got != 3 {
		t.Fatalf("system = %d, want 3", got)
	}
	// roles "user"+"assistant" (13) + "hi" (2) + "hello" (5)
	if got := e.EstimateMessagesTokens(payload); got != 20 {
		t.Fatalf("messages = %d, want 20", got)
	}
	// "t"+"dd"+`{"a":1}` (10) + "fn"+"x"+"{}" (5)
	if got := e.EstimateToolsTokens(payload); got != 15 {
		t.Fatalf("tools = %d, want 15", got)
	}
	if got := e.EstimateTotalTokens(payload); got != 38 {
		t.Fatalf("total = %d, want 38", got)
	}
	if got := e.EstimateToolsTokens([]byte(`{"functions":[{"name":"abc"}]}`)); got != 3 {
		t.Fatalf("legacy functions = %d, want 3", got)
	}
}

func TestEstimateBodyTokens(t *testing.T) {
	chat := []byte(`{"model":"claude-sonnet-4","metadata":{"user_id":"user_abc"},"messages":[{"role":"user","content":"hello"}]}`)
	want := traceTokenEstimator.EstimateTotalTokens(chat)
	if got := estimateBodyTokens(chat); got != want || got <= 0 {
		t.Fatalf("chat body = %d, want %d", got, want)
	}
	if got := estimateBodyTokens(chat); got >= EstimateTokens(string(chat)) {
		t.Fatalf("chat body counted envelope fields: %d", got)
	}
	if got, want := estimateBodyTokens([]byte(`plain text body`)), EstimateTokens("plain text body"); got != want {
		t.Fatalf("plain body = %d, want %d", got, want)
	}
	if got := estimateBodyTokens([]byte(`{"foo":"bar"}`)); got == 0 {
		t.Fatal("JSON without prompt fields must fall back to the whole body")
	}
	if estimateBodyTokens(nil) != 0 {
		t.Fatal("empty body must count zero")
	}
}
