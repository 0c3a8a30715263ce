package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store persists auths. Implementations live in internal/store.
type Store interface {
	List(ctx context.Context) ([]*Auth, error)
	Save(ctx context.Context, auth *Auth) (string, error)
	Delete(ctx context.Context, id string) error
}

// Manager keeps the in-memory view of all credentials and writes through to a Store.
type Manager struct {
	// writeMu serialises read-modify-write cycles against the store.
	writeMu sync.Mutex
	mu      sync.RWMutex
	store   Store
	auths   map[string]*Auth
}

// NewManager constructs a manager. A nil store keeps auths in memory only.
func NewManager(store Store) *Manager {
	return &Manager{store: store, auths: make(map[string]*Auth)}
}

// Load replaces the in-memory view with the store contents.
func (m *Manager) Load(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	items, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("auth manager: load failed: %w", err)
	}
	next := make(map[string]*Auth, len(items))
	for _, item := range items {
		if item == nil || strings.TrimSpace(item.ID) == "" {
			continue
		}
		next[item.ID] = item.Clone()
	}
	m.mu.Lock()
	m.auths = next
	m.mu.Unlock()
	log.Debugf("auth manager: loaded %d auth(s)", len(next))
	return nil
}

// List returns copies of all auths ordered by ID.
func (m *Manager) List() []*Auth {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Auth, 0, len(m.auths))
	for _, a := range m.auths {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a copy of the auth with the given ID.
func (m *Manager) Get(id string) (*Auth, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.auths[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// GetByIndex resolves a management index (see AuthIndex) or a raw ID.
func (m *Manager) GetByIndex(index string) (*Auth, bool) {
	index = strings.TrimSpace(index)
	if m == nil || index == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, a := range m.auths {
		if AuthIndex(id) == index || id == index {
			return a.Clone(), true
		}
	}
	return nil, false
}

// Register adds or replaces an auth and persists it.
func (m *Manager) Register(ctx context.Context, a *Auth) (*Auth, error) {
	return m.save(ctx, a, true)
}

// Update persists changes to an existing auth.
func (m *Manager) Update(ctx context.Context, a *Auth) (*Auth, error) {
	return m.save(ctx, a, false)
}

// UpdateMetadata applies mutate to the current metadata of auth id and
// persists the auth when mutate reports a change. Other fields are left as
// stored, so concurrent edits to them are not overwritten.
func (m *Manager) UpdateMetadata(ctx context.Context, id string, mutate func(metadata map[string]any) bool) (*Auth, error) {
	if m == nil {
		return nil, errNotFound
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	current, ok := m.auths[id]
	var next *Auth
	if ok {
		next = current.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, errNotFound
	}
	if next.Metadata == nil {
		next.Metadata = make(map[string]any)
	}
	if mutate == nil || !mutate(next.Metadata) {
		return next, nil
	}
	return m.saveLocked(ctx, next, false)
}

func (m *Manager) save(ctx context.Context, a *Auth, create bool) (*Auth, error) {
	if m == nil {
		return nil, errNotFound
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.saveLocked(ctx, a, create)
}

func (m *Manager) saveLocked(ctx context.Context, a *Auth, create bool) (*Auth, error) {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return nil, errNoID
	}
	m.mu.RLock()
	_, exists := m.auths[a.ID]
	m.mu.RUnlock()
	if !create && !exists {
		return nil, errNotFound
	}

	stored := a.Clone()
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	if stored.Status == "" {
		stored.Status = StatusActive
	}
	if m.store != nil {
		path, err := m.store.Save(ctx, stored)
		if err != nil {
			return nil, fmt.Errorf("auth manager: save %s failed: %w", stored.ID, err)
		}
		if stored.FileName == "" && path != "" {
			stored.FileName = path
		}
	}

	m.mu.Lock()
	m.auths[stored.ID] = stored
	m.mu.Unlock()
	return stored.Clone(), nil
}

// Delete removes an auth from memory and the store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if m == nil {
		return errNotFound
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.mu.RLock()
	_, exists := m.auths[id]
	m.mu.RUnlock()
	if !exists {
		return errNotFound
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("auth manager: delete %s failed: %w", id, err)
		}
	}
	m.mu.Lock()
	delete(m.auths, id)
	m.mu.Unlock()
	return nil
}
