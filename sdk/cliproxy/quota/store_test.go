package quota

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStore_SetAndGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	models := map[string]ModelQuota{
		"claude-sonnet-4-5": {Percent: 75.5, ResetTime: time.Now().UTC()},
		"*":                 {Percent: 50.0},
	}
	if !store.Set("auth-123", "kiro", models, time.Now().UTC()) {
		t.Error("expected Set to return true for new entry")
	}

	percent, ok := store.GetPercent("auth-123", "claude-sonnet-4-5(high)")
	if !ok || percent != 75.5 {
		t.Errorf("GetPercent = %v, %v; want 75.5, true", percent, ok)
	}

	percent, ok = store.GetPercent("auth-123", "unknown-model")
	if !ok || percent != 50.0 {
		t.Errorf("expected wildcard fallback 50, got %v, %v", percent, ok)
	}

	if _, ok = store.GetPercent("auth-999", "any"); ok {
		t.Error("expected GetPercent to return false for unknown auth")
	}
}

func TestStore_SetNoChange(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	models := map[string]ModelQuota{"gpt-4": {Percent: 60.0}}
	store.Set("auth-1", "codex", models, time.Now().UTC())
	if store.Set("auth-1", "codex", models, time.Now().UTC()) {
		t.Error("expected Set to return false when data unchanged")
	}
}

func TestStore_SetUsageDerivesPercent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	record := UsageRecord{
		Snapshot:     UsageSnapshot{Current: Known(30), Limit: Known(120)},
		Subscription: "KIRO PRO",
	}
	if !store.SetUsage("kiro-a.json", "kiro", record, time.Now()) {
		t.Fatal("expected SetUsage to report a change")
	}
	if store.SetUsage("kiro-a.json", "kiro", record, time.Now()) {
		t.Fatal("expected identical SetUsage to be a no-op")
	}

	percent, ok := store.GetPercent("kiro-a.json", "*")
	if !ok || percent != 75 {
		t.Fatalf("GetPercent = %v, %v; want 75, true", percent, ok)
	}

	entry, ok := store.GetEntry("kiro-a.json")
	if !ok || entry.Usage == nil {
		t.Fatal("expected entry with usage")
	}
	amount, ok := entry.Usage.Remaining().RemainingAmount.Float()
	if !ok || amount != 90 {
		t.Fatalf("remaining amount = %v, %v; want 90, true", amount, ok)
	}
}

func TestStore_FlushAndReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	store.Set("auth-abc", "kiro", map[string]ModelQuota{"claude-opus-4": {Percent: 80.0}}, time.Now().UTC())
	store.SetUsage("auth-abc", "kiro", UsageRecord{Snapshot: UsageSnapshot{Current: Known(1), Limit: Known(4)}}, time.Now())

	if err := store.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, defaultQuotaFileName)); os.IsNotExist(err) {
		t.Fatal("expected quota file to exist after flush")
	}

	reloaded, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore reload failed: %v", err)
	}
	percent, ok := reloaded.GetPercent("auth-abc", "claude-opus-4")
	if !ok || percent != 80.0 {
		t.Errorf("reloaded percent = %v, %v; want 80, true", percent, ok)
	}
	entry, ok := reloaded.GetEntry("auth-abc")
	if !ok || entry.Usage == nil {
		t.Fatal("expected reloaded usage")
	}
	if v, ok := entry.Usage.Snapshot.Limit.Float(); !ok || v != 4 {
		t.Fatalf("reloaded limit = %v, %v", v, ok)
	}
	if _, ok := entry.Usage.Snapshot.Percentage.Float(); ok {
		t.Fatal("unknown percentage must survive a round trip as unknown")
	}
}

func TestStore_CorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, defaultQuotaFileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if got := len(store.List()); got != 0 {
		t.Fatalf("expected empty store, got %d entries", got)
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	store.Set("b", "kiro", map[string]ModelQuota{"*": {Percent: 10}}, time.Now())
	store.Set("a", "kiro", map[string]ModelQuota{"*": {Percent: 20}}, time.Now())
	store.Delete("b")

	entries := store.List()
	if len(entries) != 1 || entries[0].AuthID != "a" {
		t.Fatalf("List after delete = %+v", entries)
	}
}

func TestStore_NilStore(t *testing.T) {
	var store *Store

	if _, ok := store.GetPercent("any", "any"); ok {
		t.Error("expected nil store to return false")
	}
	if store.Set("id", "p", nil, time.Now()) {
		t.Error("expected nil store Set to return false")
	}
	store.Delete("id")
	if err := store.Flush(); err != nil {
		t.Error("expected nil store Flush to not error")
	}
}
