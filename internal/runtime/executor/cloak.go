package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/masquerade"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	defaultCloakUserAgent = "claude-cli/1.0.83 (external, cli)"
	claudeCodeBeta        = "claude-code-20250219"
	userIDPath            = "metadata.user_id"

	HashSourceClient  = "client"
	HashSourceChannel = "channel"
)

// userIDPattern matches user_<64 hex>_account__session_<uuid>.
var userIDPattern = regexp.MustCompile(`^user_[a-fA-F0-9]{64}_account__session_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

var defaultStripHeaders = []string{
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Real-Ip",
	"Forwarded",
	"Via",
	"Cookie",
}

// IsValidUserID reports whether userID has the CLI user_id shape.
func IsValidUserID(userID string) bool {
	return userIDPattern.MatchString(userID)
}

// ShouldCloak decides whether a request is masked. "auto" skips requests
// that already come from the CLI.
func ShouldCloak(mode, userAgent string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "always":
		return true
	case "never":
		return false
	default:
		return !isCLIClient(userAgent)
	}
}

func isCLIClient(userAgent string) bool {
	return strings.HasPrefix(userAgent, "claude-cli")
}

// SessionPool hands out stable masked user IDs per auth, rotating the
// session UUIDs of an auth once its interval elapses.
type SessionPool struct {
	mu    sync.Mutex
	pools map[string]*sessionSet
	now   func() time.Time
}

type sessionSet struct {
	sessions  []string
	rotatedAt time.Time
	next      int
}

var (
	globalSessionPool     *SessionPool
	globalSessionPoolOnce sync.Once
)

// GetGlobalSessionPool returns the process-wide session pool.
func GetGlobalSessionPool() *SessionPool {
	globalSessionPoolOnce.Do(func() {
		globalSessionPool = NewSessionPool()
	})
	return globalSessionPool
}

// NewSessionPool creates an empty pool.
func NewSessionPool() *SessionPool {
	return &SessionPool{pools: make(map[string]*sessionSet), now: time.Now}
}

// GetUserID returns the masked user ID for a request and its hash source.
// A valid clientUserID pins the session slot so one client conversation keeps
// one masked session; otherwise slots are used round-robin.
func (p *SessionPool) GetUserID(authID, apiKey, clientUserID string, maxSessions int, rotation time.Duration) (string, string) {
	if maxSessions <= 0 {
		maxSessions = config.DefaultCloakMaxSessions
	}
	if rotation <= 0 {
		rotation = config.DefaultCloakRotation
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	set := p.pools[authID]
	if set == nil || len(set.sessions) != maxSessions || now.Sub(set.rotatedAt) >= rotation {
		set = &sessionSet{sessions: newSessions(maxSessions), rotatedAt: now}
		p.pools[authID] = set
	}

	var slot int
	var seed, source string
	if IsValidUserID(clientUserID) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(extractSessionFromUserID(clientUserID)))
		slot = int(h.Sum32() % uint32(maxSessions))
		seed = authID + ":" + strings.ToLower(clientUserID[len("user_"):len("user_")+64])
		source = HashSourceClient
	} else {
		slot = set.next
		set.next = (set.next + 1) % maxSessions
		seed = authID + ":" + apiKey
		source = HashSourceChannel
	}
	sum := sha256.Sum256([]byte(seed))
	return "user_" + hex.EncodeToString(sum[:]) + "_account__session_" + set.sessions[slot], source
}

// Reset drops every pooled session.
func (p *SessionPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pools = make(map[string]*sessionSet)
}

func newSessions(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = uuid.New().String()
	}
	return out
}

// CloakRequest is an outbound request sample to mask.
type CloakRequest struct {
	Model     string
	AuthID    string
	AuthLabel string
	APIKey    string
	Headers   http.Header
	Body      []byte
}

// CloakResult is the masked request plus what changed.
type CloakResult struct {
	Applied        bool                       `json:"applied"`
	Headers        map[string]string          `json:"headers"`
	Body           string                     `json:"body,omitempty"`
	OriginalUserID string                     `json:"original_user_id,omitempty"`
	MaskedUserID   string                     `json:"masked_user_id,omitempty"`
	HashSource     string                     `json:"hash_source,omitempty"`
	TraceID        string                     `json:"trace_id,omitempty"`
	Diff           []masquerade.HeaderDiffRow `json:"diff"`

	header http.Header
	body   []byte
}

// Header returns the masked headers in request form.
func (r *CloakResult) Header() http.Header { return r.header }

// RawBody returns the masked body bytes.
func (r *CloakResult) RawBody() []byte { return r.body }

// Cloaker masks requests and records traces.
type Cloaker struct {
	cfg   config.CloakConfig
	pool  *SessionPool
	store *MasqueradeTraceStore
}

// NewCloaker builds a cloaker. Nil pool and store use the global ones.
func NewCloaker(cfg config.CloakConfig, pool *SessionPool, store *MasqueradeTraceStore) *Cloaker {
	if pool == nil {
		pool = GetGlobalSessionPool()
	}
	if store == nil {
		store = GetGlobalTraceStore()
	}
	return &Cloaker{cfg: cfg, pool: pool, store: store}
}

// Apply masks the headers and the metadata.user_id of req. The input is not
// modified. When masking is skipped the result mirrors the input.
func (c *Cloaker) Apply(req CloakRequest) *CloakResult {
	original := req.Headers.Clone()
	if original == nil {
		original = http.Header{}
	}
	originalFlat := masquerade.FromHTTPHeader(original)
	originalUserID := ""
	if gjson.ValidBytes(req.Body) {
		originalUserID = gjson.GetBytes(req.Body, userIDPath).String()
	}

	result := &CloakResult{
		OriginalUserID: originalUserID,
		MaskedUserID:   originalUserID,
		header:         original,
		body:           req.Body,
	}
	if ShouldCloak(c.cfg.Mode, original.Get("User-Agent")) {
		result.Applied = true
		result.header = c.maskHeaders(original)
		result.body, result.MaskedUserID, result.HashSource = c.maskBody(req, originalUserID)
	}

	result.Headers = masquerade.FromHTTPHeader(result.header)
	if result.Headers == nil {
		result.Headers = map[string]string{}
	}
	result.Body = string(result.body)
	result.Diff = masquerade.DiffHeaders(originalFlat, result.Headers)

	if result.Applied {
		result.TraceID = c.store.Add(newTraceRecord(TraceInput{
			Model:           req.Model,
			AuthID:          req.AuthID,
			AuthLabel:       req.AuthLabel,
			OriginalHeaders: originalFlat,
			MaskedHeaders:   result.Headers,
			OriginalBody:    req.Body,
			MaskedBody:      result.body,
			OriginalUserID:  result.OriginalUserID,
			MaskedUserID:    result.MaskedUserID,
			HashSource:      result.HashSource,
		}))
	}
	return result
}

func (c *Cloaker) maskHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, name := range defaultStripHeaders {
		out.Del(name)
	}
	for _, name := range c.cfg.StripHeaders {
		if name = strings.TrimSpace(name); name != "" {
			out.Del(name)
		}
	}
	ua := strings.TrimSpace(c.cfg.UserAgent)
	if ua == "" {
		ua = defaultCloakUserAgent
	}
	out.Set("User-Agent", ua)
	out.Set("X-App", "cli")
	out.Set("Anthropic-Beta", normalizeBeta(in.Values("Anthropic-Beta")))
	return out
}

// normalizeBeta merges beta flags, drops duplicates and ensures the CLI flag
// is present.
func normalizeBeta(values []string) string {
	seen := make(map[string]struct{})
	flags := make([]string, 0, 4)
	add := func(flag string) {
		flag = strings.TrimSpace(flag)
		if flag == "" {
			return
		}
		if _, dup := seen[flag]; dup {
			return
		}
		seen[flag] = struct{}{}
		flags = append(flags, flag)
	}
	add(claudeCodeBeta)
	for _, v := range values {
		for _, flag := range strings.Split(v, ",") {
			add(flag)
		}
	}
	return strings.Join(flags, ",")
}

func (c *Cloaker) maskBody(req CloakRequest, originalUserID string) ([]byte, string, string) {
	if len(req.Body) == 0 || !gjson.ValidBytes(req.Body) || !gjson.ParseBytes(req.Body).IsObject() {
		return req.Body, originalUserID, ""
	}
	masked, source := c.pool.GetUserID(req.AuthID, req.APIKey, originalUserID, c.cfg.MaxSessions, c.cfg.RotationInterval)
	body, err := sjson.SetBytes(req.Body, userIDPath, masked)
	if err != nil {
		log.Warnf("cloak: rewrite %s failed: %v", userIDPath, err)
		return req.Body, originalUserID, ""
	}
	return body, masked, source
}
