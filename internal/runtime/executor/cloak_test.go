package executor

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/tidwall/gjson"
)

const testClientUserID = "user_" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" + "_account__session_123e4567-e89b-42d3-a456-426614174000"

func TestShouldCloak(t *testing.T) {
	tests := []struct {
		mode string
		ua   string
		want bool
	}{
		{"always", "claude-cli/1.0", true},
		{"never", "curl/8", false},
		{"auto", "claude-cli/1.0.83 (external, cli)", false},
		{"auto", "curl/8", true},
		{"", "python-requests", true},
		{"AUTO", "claude-cli/2", false},
	}
	for _, tt := range tests {
		if got := ShouldCloak(tt.mode, tt.ua); got != tt.want {
			t.Errorf("ShouldCloak(%q, %q) = %v, want %v", tt.mode, tt.ua, got, tt.want)
		}
	}
}

func TestIsValidUserID(t *testing.T) {
	if !IsValidUserID(testClientUserID) {
		t.Fatal("expected valid user id")
	}
	for _, bad := range []string{"", "user_abc", strings.Replace(testClientUserID, "_account__", "_acct__", 1)} {
		if IsValidUserID(bad) {
			t.Errorf("IsValidUserID(%q) = true", bad)
		}
	}
}

func TestSessionPool_GetUserID(t *testing.T) {
	pool := NewSessionPool()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	pool.now = func() time.Time { return now }

	first, source := pool.GetUserID("auth-1", "key", testClientUserID, 3, time.Hour)
	if source != HashSourceClient {
		t.Fatalf("source = %q, want client", source)
	}
	if !IsValidUserID(first) {
		t.Fatalf("masked id %q is not well formed", first)
	}
	if first == testClientUserID {
		t.Fatal("masked id must differ from the client id")
	}
	again, _ := pool.GetUserID("auth-1", "key", testClientUserID, 3, time.Hour)
	if again != first {
		t.Fatalf("same client should keep its masked id: %q != %q", again, first)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		id, src := pool.GetUserID("auth-1", "key", "", 3, time.Hour)
		if src != HashSourceChannel {
			t.Fatalf("source = %q, want channel", src)
		}
		seen[extractSessionFromUserID(id)] = true
	}
	if len(seen) != 3 {
		t.Fatalf("round robin used %d sessions, want 3", len(seen))
	}

	now = now.Add(2 * time.Hour)
	rotated, _ := pool.GetUserID("auth-1", "key", testClientUserID, 3, time.Hour)
	if extractSessionFromUserID(rotated) == extractSessionFromUserID(first) {
		t.Fatal("session should rotate after the interval")
	}
	if rotated[:len("user_")+64] != first[:len("user_")+64] {
		t.Fatal("user hash should survive rotation")
	}
}

func TestCloakerApply_Masks(t *testing.T) {
	store := NewMasqueradeTraceStore(5)
	store.SetEnabled(true)
	cfg := config.CloakConfig{Mode: "auto", MaxSessions: 2, RotationInterval: time.Hour, StripHeaders: []string{"X-Client-Name"}}
	cloaker := NewCloaker(cfg, NewSessionPool(), store)

	headers := http.Header{}
	headers.Set("User-Agent", "curl/8")
	headers.Set("X-Forwarded-For", "10.0.0.1")
	headers.Set("X-Client-Name", "ide")
	headers.Set("Anthropic-Beta", "tools-2024, claude-code-20250219")
	body := []byte(`{"model":"claude","metadata":{"user_id":"` + testClientUserID + `"}}`)

	result := cloaker.Apply(CloakRequest{Model: "claude", AuthID: "a1", Headers: headers, Body: body})
	if !result.Applied {
		t.Fatal("expected cloak to apply")
	}
	h := result.Header()
	if h.Get("User-Agent") != defaultCloakUserAgent || h.Get("X-App") != "cli" {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("X-Forwarded-For") != "" || h.Get("X-Client-Name") != "" {
		t.Fatalf("identifying headers not stripped: %v", h)
	}
	if got := h.Get("Anthropic-Beta"); got != "claude-code-20250219,tools-2024" {
		t.Fatalf("Anthropic-Beta = %q", got)
	}
	if headers.Get("User-Agent") != "curl/8" {
		t.Fatal("input headers were modified")
	}
	masked := gjson.GetBytes(result.RawBody(), "metadata.user_id").String()
	if masked != result.MaskedUserID || masked == testClientUserID {
		t.Fatalf("body user_id = %q, result = %q", masked, result.MaskedUserID)
	}
	if gjson.GetBytes(result.RawBody(), "model").String() != "claude" {
		t.Fatal("other body fields must survive")
	}
	if result.TraceID == "" || store.Count() != 1 {
		t.Fatalf("trace not recorded: id=%q count=%d", result.TraceID, store.Count())
	}
	trace := store.Get(result.TraceID)
	if trace.OriginalUserID != testClientUserID || trace.HashSource != HashSourceClient {
		t.Fatalf("unexpected trace %+v", trace)
	}
	if trace.ToSummary().HeadersModified != 5 {
		t.Fatalf("HeadersModified = %d, want 5", trace.ToSummary().HeadersModified)
	}
}

func TestCloakerApply_SkipsCLIClient(t *testing.T) {
	store := NewMasqueradeTraceStore(5)
	store.SetEnabled(true)
	cloaker := NewCloaker(config.CloakConfig{Mode: "auto"}, NewSessionPool(), store)

	headers := http.Header{"User-Agent": {"claude-cli/1.0.83"}}
	body := []byte(`{"metadata":{"user_id":"x"}}`)
	result := cloaker.Apply(CloakRequest{Headers: headers, Body: body})
	if result.Applied {
		t.Fatal("CLI client must not be cloaked in auto mode")
	}
	if string(result.RawBody()) != string(body) || result.MaskedUserID != "x" {
		t.Fatalf("unexpected result %+v", result)
	}
	for _, row := range result.Diff {
		if row.Changed {
			t.Fatalf("unexpected changed row %+v", row)
		}
	}
	if store.Count() != 0 {
		t.Fatal("skipped requests must not be traced")
	}
}

func TestCloakerApply_NonJSONBody(t *testing.T) {
	cloaker := NewCloaker(config.CloakConfig{Mode: "always"}, NewSessionPool(), NewMasqueradeTraceStore(1))
	result := cloaker.Apply(CloakRequest{Body: []byte("plain text")})
	if result.Body != "plain text" || result.MaskedUserID != "" || result.HashSource != "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Headers["User-Agent"] != defaultCloakUserAgent {
		t.Fatalf("headers not masked: %v", result.Headers)
	}
}
