package auth

import (
	"context"
	"errors"
	"testing"
)

type memoryStore struct {
	saved   map[string]*Auth
	failErr error
}

func (s *memoryStore) List(context.Context) ([]*Auth, error) {
	out := make([]*Auth, 0, len(s.saved))
	for _, a := range s.saved {
		out = append(out, a.Clone())
	}
	return out, nil
}

func (s *memoryStore) Save(_ context.Context, a *Auth) (string, error) {
	if s.failErr != nil {
		return "", s.failErr
	}
	if s.saved == nil {
		s.saved = map[string]*Auth{}
	}
	s.saved[a.ID] = a.Clone()
	return "/auths/" + a.ID, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	delete(s.saved, id)
	return nil
}

func TestManager_RegisterUpdateDelete(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(store)
	ctx := context.Background()

	if _, err := m.Update(ctx, &Auth{ID: "missing"}); err == nil {
		t.Fatal("expected Update of unknown auth to fail")
	}

	saved, err := m.Register(ctx, &Auth{ID: "kiro-a.json", Provider: "kiro", Metadata: map[string]any{"email": "a@example.com"}})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if saved.Status != StatusActive || saved.CreatedAt.IsZero() || saved.FileName != "/auths/kiro-a.json" {
		t.Fatalf("unexpected saved auth: %+v", saved)
	}

	saved.Metadata["email"] = "mutated"
	got, ok := m.Get("kiro-a.json")
	if !ok || got.MetadataString("email") != "a@example.com" {
		t.Fatalf("manager leaked mutation: %+v", got)
	}

	byIndex, ok := m.GetByIndex(AuthIndex("kiro-a.json"))
	if !ok || byIndex.ID != "kiro-a.json" {
		t.Fatalf("GetByIndex failed: %+v %v", byIndex, ok)
	}

	if err := m.Delete(ctx, "kiro-a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := store.saved["kiro-a.json"]; ok {
		t.Fatal("expected store entry to be deleted")
	}
	var authErr *Error
	if err := m.Delete(ctx, "kiro-a.json"); !errors.As(err, &authErr) || authErr.StatusCode() != 404 {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestManager_LoadAndSaveFailure(t *testing.T) {
	store := &memoryStore{saved: map[string]*Auth{"x": {ID: "x", Provider: "codex"}, "": {}}}
	m := NewManager(store)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.List(); len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("List after load = %+v", got)
	}

	store.failErr = errors.New("disk full")
	if _, err := m.Register(context.Background(), &Auth{ID: "y"}); err == nil {
		t.Fatal("expected save failure to propagate")
	}
	if _, ok := m.Get("y"); ok {
		t.Fatal("failed save must not register the auth")
	}
}

func TestAuthIndexStable(t *testing.T) {
	if AuthIndex("a") != AuthIndex(" a ") {
		t.Fatal("index must ignore surrounding space")
	}
	if len(AuthIndex("a")) != 16 {
		t.Fatalf("index length = %d", len(AuthIndex("a")))
	}
	if AuthIndex("") != "" {
		t.Fatal("empty id must have empty index")
	}
}

func TestManager_UpdateMetadata(t *testing.T) {
	store := &memoryStore{}
	m := NewManager(store)
	ctx := context.Background()

	if _, err := m.UpdateMetadata(ctx, "missing", func(map[string]any) bool { return true }); err == nil {
		t.Fatal("expected UpdateMetadata of unknown auth to fail")
	}
	if _, err := m.Register(ctx, &Auth{ID: "a", Provider: "kiro"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	disabled, _ := m.Get("a")
	disabled.Disabled = true
	if _, err := m.Update(ctx, disabled); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := m.UpdateMetadata(ctx, "a", func(md map[string]any) bool {
		md["quota"] = 1
		return true
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if !got.Disabled || got.Metadata["quota"] != 1 {
		t.Fatalf("unexpected auth after metadata update: %+v", got)
	}
	if !store.saved["a"].Disabled || store.saved["a"].Metadata["quota"] != 1 {
		t.Fatalf("store not updated: %+v", store.saved["a"])
	}

	store.failErr = errors.New("unused")
	if _, err := m.UpdateMetadata(ctx, "a", func(map[string]any) bool { return false }); err != nil {
		t.Fatalf("unchanged metadata must not hit the store: %v", err)
	}
}
