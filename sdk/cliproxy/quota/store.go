package quota

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	defaultQuotaFileName = "quota.json"
	schemaVersion        = 2
)

// UsageRecord is the last usage report fetched for an auth.
type UsageRecord struct {
	Snapshot     UsageSnapshot `json:"snapshot"`
	Subscription string        `json:"subscription,omitempty"`
	Email        string        `json:"email,omitempty"`
	ResetTime    time.Time     `json:"reset_time,omitempty"`
}

// Remaining returns the derived remaining display for the record.
func (r UsageRecord) Remaining() RemainingDisplay {
	return ComputeRemaining(r.Snapshot)
}

// StoreEntry is the cached quota state of a single auth.
type StoreEntry struct {
	AuthID    string                `json:"-"`
	Provider  string                `json:"provider"`
	UpdatedAt time.Time             `json:"updated_at"`
	Models    map[string]ModelQuota `json:"models,omitempty"`
	Usage     *UsageRecord          `json:"usage,omitempty"`
}

func (e *StoreEntry) clone(authID string) *StoreEntry {
	copied := &StoreEntry{
		AuthID:    authID,
		Provider:  e.Provider,
		UpdatedAt: e.UpdatedAt,
		Models:    make(map[string]ModelQuota, len(e.Models)),
	}
	for k, v := range e.Models {
		copied.Models[k] = v
	}
	if e.Usage != nil {
		usage := *e.Usage
		copied.Usage = &usage
	}
	return copied
}

type storeData struct {
	SchemaVersion int                    `json:"schema_version"`
	WrittenAt     time.Time              `json:"written_at"`
	AuthQuotas    map[string]*StoreEntry `json:"auth_quotas"`
}

// Store caches quota snapshots per auth and persists them as a JSON file.
type Store struct {
	mu       sync.RWMutex
	filePath string
	data     *storeData
	dirty    bool
}

// NewStore opens (or creates) the quota cache under dir. An empty dir
// resolves to the user cache directory.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			cacheDir = os.TempDir()
		}
		dir = filepath.Join(cacheDir, "cliproxy")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("quota store: create dir failed: %w", err)
	}
	s := &Store{
		filePath: filepath.Join(dir, defaultQuotaFileName),
		data:     newStoreData(),
	}
	if err := s.load(); err != nil {
		log.WithError(err).Warn("quota store: starting with empty cache")
	}
	return s, nil
}

func newStoreData() *storeData {
	return &storeData{
		SchemaVersion: schemaVersion,
		AuthQuotas:    make(map[string]*StoreEntry),
	}
}

// GetPercent returns the cached remaining percent of a model for an auth.
func (s *Store) GetPercent(authID, model string) (float64, bool) {
	if s == nil {
		return 0, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data.AuthQuotas[authID]
	if !ok || entry == nil {
		return 0, false
	}
	lookup := NormalizeModelKey(model)
	if lookup == "" {
		lookup = "*"
	}
	if mq, ok := entry.Models[lookup]; ok {
		return clampPercent(mq.Percent), true
	}
	if mq, ok := entry.Models["*"]; ok {
		return clampPercent(mq.Percent), true
	}
	if entry.Usage != nil {
		return entry.Usage.Remaining().RemainingPercent.Float()
	}
	return 0, false
}

// GetEntry returns a copy of the cached entry for an auth.
func (s *Store) GetEntry(authID string) (*StoreEntry, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data.AuthQuotas[authID]
	if !ok || entry == nil {
		return nil, false
	}
	return entry.clone(authID), true
}

// List returns copies of all cached entries ordered by auth ID.
func (s *Store) List() []*StoreEntry {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data.AuthQuotas))
	for id, entry := range s.data.AuthQuotas {
		if entry != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*StoreEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.data.AuthQuotas[id].clone(id))
	}
	return out
}

// Set replaces the per-model quota of an auth. Returns true when changed.
func (s *Store) Set(authID, provider string, models map[string]ModelQuota, updatedAt time.Time) bool {
	if s == nil || authID == "" || len(models) == 0 {
		return false
	}
	normalized := normalizeModelQuotaMap(models)
	if len(normalized) == 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.data.AuthQuotas[authID]
	if existing != nil && existing.Provider == provider && modelQuotaMapEqual(existing.Models, normalized) {
		return false
	}
	entry := &StoreEntry{Provider: provider, UpdatedAt: updatedAt.UTC(), Models: normalized}
	if existing != nil {
		entry.Usage = existing.Usage
	}
	s.data.AuthQuotas[authID] = entry
	s.dirty = true
	return true
}

// SetUsage records the raw usage of an auth. Returns true when changed.
func (s *Store) SetUsage(authID, provider string, usage UsageRecord, updatedAt time.Time) bool {
	if s == nil || authID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.data.AuthQuotas[authID]
	if existing != nil && existing.Provider == provider && existing.Usage != nil &&
		usageEqual(existing.Usage.Snapshot, usage.Snapshot) &&
		existing.Usage.Subscription == usage.Subscription &&
		existing.Usage.ResetTime.Equal(usage.ResetTime) {
		return false
	}
	entry := &StoreEntry{Provider: provider, UpdatedAt: updatedAt.UTC(), Usage: &usage}
	if existing != nil {
		entry.Models = existing.Models
	}
	s.data.AuthQuotas[authID] = entry
	s.dirty = true
	return true
}

// Delete drops the cached entry of an auth.
func (s *Store) Delete(authID string) {
	if s == nil || authID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.AuthQuotas[authID]; ok {
		delete(s.data.AuthQuotas, authID)
		s.dirty = true
	}
}

// Flush writes pending changes to disk.
func (s *Store) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("quota store: read failed: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var loaded storeData
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("quota store: unmarshal failed: %w", err)
	}
	if loaded.AuthQuotas == nil {
		loaded.AuthQuotas = make(map[string]*StoreEntry)
	}
	s.data = &loaded
	return nil
}

func (s *Store) saveLocked() error {
	s.data.WrittenAt = time.Now().UTC()
	s.data.SchemaVersion = schemaVersion

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("quota store: marshal failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o700); err != nil {
		return fmt.Errorf("quota store: create dir failed: %w", err)
	}
	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return fmt.Errorf("quota store: write tmp failed: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("quota store: rename failed: %w", err)
	}
	s.dirty = false
	return nil
}

func normalizeModelQuotaMap(models map[string]ModelQuota) map[string]ModelQuota {
	if len(models) == 0 {
		return nil
	}
	out := make(map[string]ModelQuota, len(models))
	for rawKey, entry := range models {
		key := NormalizeModelKey(rawKey)
		if key == "" {
			continue
		}
		entry.Percent = clampPercent(entry.Percent)
		if existing, ok := out[key]; ok && entry.Percent <= existing.Percent {
			continue
		}
		out[key] = entry
	}
	return out
}

func modelQuotaMapEqual(a, b map[string]ModelQuota) bool {
	if len(a) != len(b) {
		return false
	}
	for key, left := range a {
		right, ok := b[key]
		if !ok {
			return false
		}
		if math.Abs(left.Percent-right.Percent) > quotaEqualEpsilon {
			return false
		}
		if !left.ResetTime.Equal(right.ResetTime) {
			return false
		}
	}
	return true
}
