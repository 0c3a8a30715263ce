package quota

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/router-for-me/cliproxy-console/internal/auth/kiro"
	"github.com/router-for-me/cliproxy-console/internal/config"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
)

type fakeFetcher struct {
	calls  atomic.Int32
	limits *kiro.UsageLimits
	err    error
}

func (f *fakeFetcher) GetUsageLimits(_ context.Context, token, _ string) (*kiro.UsageLimits, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.limits, nil
}

func newTestPoller(t *testing.T, dir string, fetcher UsageFetcher, auths ...*coreauth.Auth) (*Poller, *coreauth.Manager, *quota.Store) {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	manager := coreauth.NewManager(nil)
	for _, a := range auths {
		if _, err := manager.Register(context.Background(), a); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	store, err := quota.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	p := NewPoller(config.Default(), manager, store, fetcher)
	t.Cleanup(p.scheduler.stopAll)
	return p, manager, store
}

func TestPollerPoll_Kiro(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{limits: &kiro.UsageLimits{
		Usage:        quota.UsageSnapshot{Current: quota.Known(25), Limit: quota.Known(100)},
		Subscription: "KIRO PRO",
		NextReset:    "1772323200",
	}}
	kiroAuth := &coreauth.Auth{
		ID:       "kiro-a.json",
		Provider: "kiro",
		Metadata: map[string]any{"access_token": "tok", "email": "a@example.com"},
	}
	noToken := &coreauth.Auth{ID: "kiro-b.json", Provider: "kiro", Metadata: map[string]any{}}
	disabled := &coreauth.Auth{ID: "kiro-c.json", Provider: "kiro", Disabled: true, Metadata: map[string]any{"access_token": "x"}}
	other := &coreauth.Auth{ID: "vertex.json", Provider: "vertex"}

	dir := t.TempDir()
	p, manager, store := newTestPoller(t, dir, fetcher, kiroAuth, noToken, disabled, other)
	p.now = func() time.Time { return now }
	p.scheduler.now = func() time.Time { return now }

	p.Poll(context.Background())

	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("fetcher calls = %d, want 1", got)
	}
	entry, ok := store.GetEntry("kiro-a.json")
	if !ok || entry.Usage == nil {
		t.Fatalf("usage not cached: %+v", entry)
	}
	if entry.Usage.Email != "a@example.com" || entry.Usage.Subscription != "KIRO PRO" {
		t.Fatalf("unexpected usage %+v", entry.Usage)
	}
	if !entry.Usage.ResetTime.Equal(time.Unix(1772323200, 0)) {
		t.Fatalf("ResetTime = %v", entry.Usage.ResetTime)
	}

	updated, _ := manager.Get("kiro-a.json")
	percent, ok := quota.GetPercentFromMetadata(updated.Metadata, "")
	if !ok || percent != 75 {
		t.Fatalf("metadata percent = %v, %v; want 75", percent, ok)
	}
	if p.scheduler.pending() != 0 {
		t.Fatalf("pending refreshes = %d, want 0 while quota remains", p.scheduler.pending())
	}

	reloaded, err := quota.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := reloaded.GetEntry("kiro-a.json"); !ok {
		t.Fatal("poll round did not flush the store")
	}
}

func TestPollerPoll_FetchErrorLeavesCache(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("boom")}
	a := &coreauth.Auth{ID: "kiro-a.json", Provider: "kiro", Metadata: map[string]any{"access_token": "tok"}}
	p, _, store := newTestPoller(t, "", fetcher, a)

	p.Poll(context.Background())
	if _, ok := store.GetEntry("kiro-a.json"); ok {
		t.Fatal("failed fetch must not create a cache entry")
	}
}

func TestPollerPollAuth(t *testing.T) {
	fetcher := &fakeFetcher{limits: &kiro.UsageLimits{Usage: quota.UsageSnapshot{Current: quota.Known(1), Limit: quota.Known(4)}}}
	a := &coreauth.Auth{ID: "kiro-a.json", Provider: "kiro", Metadata: map[string]any{"access_token": "tok"}}
	v := &coreauth.Auth{ID: "vertex.json", Provider: "vertex"}
	p, _, _ := newTestPoller(t, "", fetcher, a, v)

	entry, err := p.PollAuth(context.Background(), "kiro-a.json")
	if err != nil {
		t.Fatalf("PollAuth() error = %v", err)
	}
	if got, _ := entry.Usage.Remaining().RemainingAmount.Float(); got != 3 {
		t.Fatalf("remaining amount = %v, want 3", got)
	}
	if _, err := p.PollAuth(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown auth")
	}
	if _, err := p.PollAuth(context.Background(), "vertex.json"); err == nil {
		t.Fatal("expected error for provider without quota endpoint")
	}

	p.Forget("kiro-a.json")
	if _, ok := p.store.GetEntry("kiro-a.json"); ok {
		t.Fatal("Forget() left the cache entry")
	}
}

func TestPollerRecordKiroUsage_SchedulesOnlyExhaustedFutureReset(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name        string
		current     float64
		nextReset   string
		wantPending int
	}{
		{name: "exhausted with future reset", current: 100, nextReset: "1772323200", wantPending: 1},
		{name: "exhausted with past reset", current: 100, nextReset: "1000000000"},
		{name: "quota left", current: 40, nextReset: "1772323200"},
		{name: "no reset", current: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{limits: &kiro.UsageLimits{
				Usage:     quota.UsageSnapshot{Current: quota.Known(tt.current), Limit: quota.Known(100)},
				NextReset: tt.nextReset,
			}}
			a := &coreauth.Auth{ID: "kiro-a.json", Provider: "kiro", Metadata: map[string]any{"access_token": "tok"}}
			p, _, _ := newTestPoller(t, "", fetcher, a)
			p.now = func() time.Time { return now }
			p.scheduler.now = func() time.Time { return now }

			if _, err := p.PollAuth(context.Background(), a.ID); err != nil {
				t.Fatalf("PollAuth() error = %v", err)
			}
			if got := p.scheduler.pending(); got != tt.wantPending {
				t.Fatalf("pending refreshes = %d, want %d", got, tt.wantPending)
			}
		})
	}
}

func TestPollerPollAuth_StaleResetDoesNotRepoll(t *testing.T) {
	fetcher := &fakeFetcher{limits: &kiro.UsageLimits{
		Usage:     quota.UsageSnapshot{Current: quota.Known(100), Limit: quota.Known(100)},
		NextReset: "1000000000",
	}}
	a := &coreauth.Auth{ID: "kiro-a.json", Provider: "kiro", Metadata: map[string]any{"access_token": "tok"}}
	p, _, _ := newTestPoller(t, "", fetcher, a)

	if _, err := p.PollAuth(context.Background(), a.ID); err != nil {
		t.Fatalf("PollAuth() error = %v", err)
	}
	time.Sleep(1500 * time.Millisecond)
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("upstream calls = %d, want 1", got)
	}
}

type blockingFetcher struct {
	started chan struct{}
	release chan struct{}
}

func (f *blockingFetcher) GetUsageLimits(ctx context.Context, _, _ string) (*kiro.UsageLimits, error) {
	close(f.started)
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &kiro.UsageLimits{Usage: quota.UsageSnapshot{Current: quota.Known(10), Limit: quota.Known(100)}}, nil
}

func TestPollerPollAuth_KeepsConcurrentEdits(t *testing.T) {
	fetcher := &blockingFetcher{started: make(chan struct{}), release: make(chan struct{})}
	a := &coreauth.Auth{ID: "kiro-a.json", Provider: "kiro", Metadata: map[string]any{"access_token": "tok"}}
	p, manager, _ := newTestPoller(t, "", fetcher, a)

	done := make(chan error, 1)
	go func() {
		_, err := p.PollAuth(context.Background(), a.ID)
		done <- err
	}()
	<-fetcher.started

	current, _ := manager.Get(a.ID)
	current.Disabled = true
	current.Status = coreauth.StatusDisabled
	if _, err := manager.Update(context.Background(), current); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	close(fetcher.release)
	if err := <-done; err != nil {
		t.Fatalf("PollAuth() error = %v", err)
	}

	got, _ := manager.Get(a.ID)
	if !got.Disabled || got.Status != coreauth.StatusDisabled {
		t.Fatalf("poll overwrote concurrent edit: Disabled=%v Status=%s", got.Disabled, got.Status)
	}
	if percent, ok := quota.GetPercentFromMetadata(got.Metadata, ""); !ok || percent != 90 {
		t.Fatalf("metadata percent = %v, %v; want 90", percent, ok)
	}
}

func TestResetSchedulerKeepsNewerTimer(t *testing.T) {
	fired := make(chan string, 1)
	s := newResetScheduler(func(_ context.Context, id string) { fired <- id })
	defer s.stopAll()
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	s.schedule("a", time.Now())
	// Hold the lock until the first timer fires and waits on it, then swap in
	// a newer timer the way a concurrent schedule would.
	s.mu.Lock()
	time.Sleep(1500 * time.Millisecond)
	newer := time.AfterFunc(time.Hour, func() {})
	s.timers["a"] = newer
	s.mu.Unlock()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("first timer did not fire")
	}
	s.mu.Lock()
	kept := s.timers["a"] == newer
	s.mu.Unlock()
	if !kept {
		t.Fatal("fired timer removed the newer pending timer")
	}
}

func TestResetSchedulerReplacesPending(t *testing.T) {
	fired := make(chan string, 2)
	s := newResetScheduler(func(_ context.Context, id string) { fired <- id })
	defer s.stopAll()

	far := time.Now().Add(time.Hour)
	s.schedule("a", far)
	s.schedule("a", far.Add(time.Minute))
	if s.pending() != 1 {
		t.Fatalf("pending = %d, want 1", s.pending())
	}
	s.cancel("a")
	if s.pending() != 0 {
		t.Fatalf("pending after cancel = %d", s.pending())
	}

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	s.schedule("b", time.Now())
	select {
	case id := <-fired:
		if id != "b" {
			t.Fatalf("fired %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("past reset time should refresh almost immediately")
	}
}

func TestExtractCodexQuota(t *testing.T) {
	payload := []byte(`{
		"rate_limit":{"allowed":true,"limit_reached":false,
			"primary_window":{"used_percent":30},
			"secondary_window":{"used_percent":60}},
		"code_review_rate_limit":{"allowed":true,"primary_window":{"used_percent":10}}
	}`)
	models := extractCodexQuota(payload)
	if got := models["*"].Percent; got != 40 {
		t.Fatalf("percent = %v, want 40", got)
	}

	reached := extractCodexQuota([]byte(`{"rate_limit":{"allowed":true,"limit_reached":true,"primary_window":{"used_percent":5}}}`))
	if got := reached["*"].Percent; got != 0 {
		t.Fatalf("percent = %v, want 0", got)
	}
	if extractCodexQuota([]byte(`{}`)) != nil {
		t.Fatal("expected nil for empty payload")
	}
}

func TestExtractGeminiQuota(t *testing.T) {
	payload := []byte(`{"buckets":[
		{"modelId":"gemini-2.5-pro","remainingFraction":0.25,"resetTime":"2026-02-01T00:00:00Z"},
		{"modelId":"models/gemini-2.5-pro","remainingFraction":0.5},
		{"modelId":"gemini-2.5-flash"}
	]}`)
	models := extractGeminiQuota(payload)
	entry, ok := models["gemini-2.5-pro"]
	if !ok || entry.Percent != 50 {
		t.Fatalf("gemini-2.5-pro = %+v, want highest percent 50", entry)
	}
	if _, ok := models["gemini-2.5-flash"]; ok {
		t.Fatal("bucket without remainingFraction must be skipped")
	}
}

func TestResolveCodexAccountID(t *testing.T) {
	if got := resolveCodexAccountID(map[string]any{"account_id": "acc-1"}); got != "acc-1" {
		t.Fatalf("got %q", got)
	}
	token := map[string]any{"chatgpt_account_id": "acc-2"}
	if got := resolveCodexAccountID(map[string]any{"id_token": token}); got != "acc-2" {
		t.Fatalf("got %q", got)
	}
	if got := resolveCodexAccountID(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestExtractAntigravityQuota_SharesPools(t *testing.T) {
	payload := []byte(`{"models":{
		"gemini-3-pro-high":{"quotaInfo":{"remainingFraction":0.8,"resetTime":"2026-02-01T00:00:00Z"}},
		"gemini-3-pro-low":{"quotaInfo":{"remainingFraction":0,"resetTime":"2026-02-01T05:00:00Z"}},
		"gemini-2.5-flash":{"quota_info":{"remaining_fraction":0.5}},
		"chat_20706":{"displayName":"no quota"}
	}}`)
	models := extractAntigravityQuota(payload)
	if len(models) != 3 {
		t.Fatalf("len(models) = %d, want 3: %+v", len(models), models)
	}
	high := models["gemini-3-pro-high"]
	if high.Percent != 0 {
		t.Fatalf("pooled percent = %v, want 0", high.Percent)
	}
	if want := time.Date(2026, 2, 1, 5, 0, 0, 0, time.UTC); !high.ResetTime.Equal(want) {
		t.Fatalf("pooled reset = %v, want %v", high.ResetTime, want)
	}
	if models["gemini-2.5-flash"].Percent != 50 {
		t.Fatalf("gemini-2.5-flash = %+v", models["gemini-2.5-flash"])
	}
	if extractAntigravityQuota([]byte(`{"models":[]}`)) != nil {
		t.Fatal("expected nil for non-object models")
	}
}

func TestQuotaGroupOf(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-opus-4-5-thinking", "claude-gpt"},
		{"claude-sonnet-4-5-20250929", "claude-gpt"},
		{"gemini-2.5-flash-lite", "gemini-2-5-flash-lite"},
		{"unknown-model", "unknown-model"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := quotaGroupOf(tt.model); got != tt.want {
			t.Errorf("quotaGroupOf(%q) = %q, want %q", tt.model, got, tt.want)
		}
	}
}

func TestPollerPollAuth_Antigravity(t *testing.T) {
	var gotBody, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		_, _ = w.Write([]byte(`{"models":{"gemini-3-flash":{"quotaInfo":{"remainingFraction":0.25}}}}`))
	}))
	defer srv.Close()
	prev := antigravityModelsURL
	antigravityModelsURL = srv.URL
	defer func() { antigravityModelsURL = prev }()

	a := &coreauth.Auth{ID: "ag.json", Provider: "antigravity", Metadata: map[string]any{"access_token": "tok", "project_id": "proj-1"}}
	p, manager, _ := newTestPoller(t, "", nil, a)

	entry, err := p.PollAuth(context.Background(), "ag.json")
	if err != nil {
		t.Fatalf("PollAuth() error = %v", err)
	}
	if gotAuth != "Bearer tok" || gotBody != `{"project":"proj-1"}` {
		t.Fatalf("request auth=%q body=%q", gotAuth, gotBody)
	}
	if entry.Models["gemini-3-flash"].Percent != 25 {
		t.Fatalf("entry = %+v", entry)
	}
	stored, _ := manager.Get("ag.json")
	if _, ok := stored.Metadata[quota.MetadataKey]; !ok {
		t.Fatalf("quota metadata not persisted: %+v", stored.Metadata)
	}
}
