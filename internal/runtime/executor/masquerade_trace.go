package executor

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/masquerade"
)

// DefaultMaxTraceRecords is the default ring buffer capacity.
const DefaultMaxTraceRecords = config.DefaultMaxTraceRecords

const maxTraceBodyBytes = 4096

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneTraceRecord(in *MasqueradeTraceRecord) *MasqueradeTraceRecord {
	if in == nil {
		return nil
	}
	out := *in
	out.OriginalHeaders = cloneStringMap(in.OriginalHeaders)
	out.MaskedHeaders = cloneStringMap(in.MaskedHeaders)
	return &out
}

// MasqueradeTraceRecord captures one request before and after masking.
type MasqueradeTraceRecord struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Model     string `json:"model"`
	AuthID    string `json:"auth_id"`
	AuthLabel string `json:"auth_label"`

	OriginalHeaders map[string]string `json:"original_headers"`
	OriginalBody    string            `json:"original_body,omitempty"`
	OriginalTokens  int64             `json:"original_tokens,omitempty"`

	MaskedHeaders map[string]string `json:"masked_headers"`
	MaskedBody    string            `json:"masked_body,omitempty"`
	MaskedTokens  int64             `json:"masked_tokens,omitempty"`

	OriginalUserID  string `json:"original_user_id"`
	MaskedUserID    string `json:"masked_user_id"`
	OriginalSession string `json:"original_session"`
	MaskedSession   string `json:"masked_session"`

	// HashSource is "client" or "channel".
	HashSource string `json:"hash_source,omitempty"`
}

// MasqueradeTraceSummary is the list view of a record.
type MasqueradeTraceSummary struct {
	ID              string `json:"id"`
	Timestamp       int64  `json:"timestamp"`
	Model           string `json:"model"`
	AuthID          string `json:"auth_id"`
	AuthLabel       string `json:"auth_label"`
	OriginalUserID  string `json:"original_user_id"`
	MaskedUserID    string `json:"masked_user_id"`
	UserIDChanged   bool   `json:"user_id_changed"`
	HeadersModified int    `json:"headers_modified"`
}

// HeaderDiff aligns the original and masked headers of the record.
func (r *MasqueradeTraceRecord) HeaderDiff() []masquerade.HeaderDiffRow {
	return masquerade.DiffHeaders(r.OriginalHeaders, r.MaskedHeaders)
}

// ToSummary converts a full record to a summary. HeadersModified counts every
// key that was added, removed or rewritten.
func (r *MasqueradeTraceRecord) ToSummary() MasqueradeTraceSummary {
	return MasqueradeTraceSummary{
		ID:              r.ID,
		Timestamp:       r.Timestamp,
		Model:           r.Model,
		AuthID:          r.AuthID,
		AuthLabel:       r.AuthLabel,
		OriginalUserID:  r.OriginalUserID,
		MaskedUserID:    r.MaskedUserID,
		UserIDChanged:   r.OriginalUserID != r.MaskedUserID,
		HeadersModified: masquerade.CountChanged(r.HeaderDiff()),
	}
}

// MasqueradeTraceStore is a thread-safe ring buffer of trace records.
type MasqueradeTraceStore struct {
	mu      sync.RWMutex
	records []*MasqueradeTraceRecord
	maxSize int
	index   int // next write position
	full    bool
	enabled bool

	subMu       sync.Mutex
	subscribers map[int]chan MasqueradeTraceSummary
	nextSubID   int
}

var (
	globalTraceStore     *MasqueradeTraceStore
	globalTraceStoreOnce sync.Once
)

// GetGlobalTraceStore returns the process-wide trace store.
func GetGlobalTraceStore() *MasqueradeTraceStore {
	globalTraceStoreOnce.Do(func() {
		globalTraceStore = NewMasqueradeTraceStore(DefaultMaxTraceRecords)
	})
	return globalTraceStore
}

// NewMasqueradeTraceStore creates a disabled store with the given capacity.
func NewMasqueradeTraceStore(maxSize int) *MasqueradeTraceStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxTraceRecords
	}
	return &MasqueradeTraceStore{
		records:     make([]*MasqueradeTraceRecord, maxSize),
		maxSize:     maxSize,
		subscribers: make(map[int]chan MasqueradeTraceSummary),
	}
}

// SetEnabled controls whether Add stores records.
func (s *MasqueradeTraceStore) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
}

// IsEnabled reports whether tracing is active.
func (s *MasqueradeTraceStore) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Add stores a copy of record and returns its ID, or "" when tracing is off.
func (s *MasqueradeTraceStore) Add(record *MasqueradeTraceRecord) string {
	if record == nil {
		return ""
	}
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return ""
	}
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Timestamp == 0 {
		record.Timestamp = time.Now().UnixMilli()
	}
	stored := cloneTraceRecord(record)
	s.records[s.index] = stored
	s.index = (s.index + 1) % s.maxSize
	if s.index == 0 {
		s.full = true
	}
	summary := stored.ToSummary()
	s.mu.Unlock()

	s.publish(summary)
	return record.ID
}

// Get returns a copy of the record with id, or nil.
func (s *MasqueradeTraceStore) Get(id string) *MasqueradeTraceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if r != nil && r.ID == id {
			return cloneTraceRecord(r)
		}
	}
	return nil
}

// List returns summaries, newest first.
func (s *MasqueradeTraceStore) List() []MasqueradeTraceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]MasqueradeTraceSummary, 0, s.activeCount())
	s.eachNewestFirst(func(r *MasqueradeTraceRecord) {
		result = append(result, r.ToSummary())
	})
	return result
}

// Caller holds s.mu.
func (s *MasqueradeTraceStore) eachNewestFirst(fn func(*MasqueradeTraceRecord)) {
	n := s.activeCount()
	for i := 0; i < n; i++ {
		idx := (s.index - 1 - i + s.maxSize) % s.maxSize
		if r := s.records[idx]; r != nil {
			fn(r)
		}
	}
}

// Clear removes all stored records.
func (s *MasqueradeTraceStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		s.records[i] = nil
	}
	s.index = 0
	s.full = false
}

// Count returns the number of stored records.
func (s *MasqueradeTraceStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeCount()
}

// MaxSize returns the ring buffer capacity.
func (s *MasqueradeTraceStore) MaxSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

func (s *MasqueradeTraceStore) activeCount() int {
	if s.full {
		return s.maxSize
	}
	return s.index
}

// SetMaxSize resizes the buffer, keeping the newest records when shrinking.
func (s *MasqueradeTraceStore) SetMaxSize(maxSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxSize <= 0 {
		maxSize = DefaultMaxTraceRecords
	}
	if maxSize == s.maxSize {
		return
	}

	keep := s.activeCount()
	if keep > maxSize {
		keep = maxSize
	}
	resized := make([]*MasqueradeTraceRecord, maxSize)
	// Oldest kept record goes first.
	for i := 0; i < keep; i++ {
		src := (s.index - keep + i + s.maxSize) % s.maxSize
		resized[i] = s.records[src]
	}
	s.records = resized
	s.maxSize = maxSize
	s.index = keep % maxSize
	s.full = keep == maxSize
}

// Subscribe registers a listener for new summaries. Slow listeners miss
// records rather than block Add. The returned func unsubscribes.
func (s *MasqueradeTraceStore) Subscribe(buffer int) (<-chan MasqueradeTraceSummary, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan MasqueradeTraceSummary, buffer)
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *MasqueradeTraceStore) publish(summary MasqueradeTraceSummary) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- summary:
		default:
		}
	}
}

// TraceInput is the data captured for one masked request.
type TraceInput struct {
	Model           string
	AuthID          string
	AuthLabel       string
	OriginalHeaders map[string]string
	MaskedHeaders   map[string]string
	OriginalBody    []byte
	MaskedBody      []byte
	OriginalUserID  string
	MaskedUserID    string
	HashSource      string
}

// RecordMasquerade stores a trace in the global store when tracing is on.
func RecordMasquerade(in TraceInput) string {
	store := GetGlobalTraceStore()
	if !store.IsEnabled() {
		return ""
	}
	return store.Add(newTraceRecord(in))
}

func newTraceRecord(in TraceInput) *MasqueradeTraceRecord {
	return &MasqueradeTraceRecord{
		Model:           in.Model,
		AuthID:          in.AuthID,
		AuthLabel:       in.AuthLabel,
		OriginalHeaders: in.OriginalHeaders,
		OriginalBody:    truncateBody(in.OriginalBody, maxTraceBodyBytes),
		OriginalTokens:  estimateBodyTokens(in.OriginalBody),
		MaskedHeaders:   in.MaskedHeaders,
		MaskedBody:      truncateBody(in.MaskedBody, maxTraceBodyBytes),
		MaskedTokens:    estimateBodyTokens(in.MaskedBody),
		OriginalUserID:  in.OriginalUserID,
		MaskedUserID:    in.MaskedUserID,
		OriginalSession: extractSessionFromUserID(in.OriginalUserID),
		MaskedSession:   extractSessionFromUserID(in.MaskedUserID),
		HashSource:      in.HashSource,
	}
}

// extractSessionFromUserID returns the trailing session UUID of a user_id.
func extractSessionFromUserID(userID string) string {
	const marker = "_account__session_"
	idx := len(userID) - 36
	if idx > 0 && len(userID) > len(marker)+36 && userID[idx-len(marker):idx] == marker {
		return userID[idx:]
	}
	return ""
}

// truncateBody cuts body to at most maxLen bytes on a rune boundary.
func truncateBody(body []byte, maxLen int) string {
	if len(body) <= maxLen {
		return string(body)
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "...[truncated]"
}
