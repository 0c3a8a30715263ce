// Package quota polls upstream usage endpoints and caches the results.
package quota

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/cliproxy-console/internal/auth/kiro"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/util"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

const (
	codexUserAgent       = "codex_cli_rs/0.76.0 (Debian 13.0.0; x86_64) WindowsTerminal"
	antigravityUserAgent = "antigravity/1.104.0 darwin/arm64"
)

var (
	geminiCLIQuotaURL = "https://cloudcode-pa.googleapis.com/v1internal:retrieveUserQuota"
	codexUsageURL     = "https://chatgpt.com/backend-api/wham/usage"

	antigravityModelsURL = "https://daily-cloudcode-pa.googleapis.com/v1internal:fetchAvailableModels"
)

// UsageFetcher fetches Kiro usage for an access token.
type UsageFetcher interface {
	GetUsageLimits(ctx context.Context, accessToken, profileArn string) (*kiro.UsageLimits, error)
}

// AuthSource lists and updates auths.
type AuthSource interface {
	List() []*coreauth.Auth
	Get(id string) (*coreauth.Auth, bool)
	UpdateMetadata(ctx context.Context, id string, mutate func(metadata map[string]any) bool) (*coreauth.Auth, error)
}

// Poller periodically fetches quota data for stored auth entries.
type Poller struct {
	manager    AuthSource
	store      *quota.Store
	usage      UsageFetcher
	httpClient *http.Client
	scheduler  *resetScheduler
	now        func() time.Time

	mu             sync.RWMutex
	interval       time.Duration
	requestTimeout time.Duration
	maxConcurrency int
}

// NewPoller constructs a quota poller. store may be nil.
func NewPoller(cfg *config.Config, manager AuthSource, store *quota.Store, usage UsageFetcher) *Poller {
	if manager == nil {
		return nil
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if usage == nil {
		usage = kiro.NewUsageClient(cfg, nil)
	}
	p := &Poller{
		manager:    manager,
		store:      store,
		usage:      usage,
		httpClient: util.NewHTTPClient(util.ClientOptions{ProxyURL: cfg.ProxyURL}),
		now:        time.Now,
	}
	p.scheduler = newResetScheduler(func(ctx context.Context, authID string) {
		if _, err := p.PollAuth(ctx, authID); err != nil {
			log.WithError(err).Debugf("quota poller: scheduled refresh failed (auth=%s)", authID)
		}
	})
	p.SetConfig(cfg)
	return p
}

// SetConfig applies the quota section of cfg.
func (p *Poller) SetConfig(cfg *config.Config) {
	if p == nil || cfg == nil {
		return
	}
	p.mu.Lock()
	p.interval = cfg.Quota.PollInterval
	p.requestTimeout = cfg.Quota.RequestTimeout
	p.maxConcurrency = cfg.Quota.MaxConcurrency
	if p.interval <= 0 {
		p.interval = config.DefaultQuotaPollInterval
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = config.DefaultQuotaTimeout
	}
	if p.maxConcurrency <= 0 {
		p.maxConcurrency = config.DefaultQuotaConcurrency
	}
	p.mu.Unlock()
}

func (p *Poller) settings() (time.Duration, time.Duration, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interval, p.requestTimeout, p.maxConcurrency
}

// Start launches the polling loop in a background goroutine.
func (p *Poller) Start(ctx context.Context) {
	if p == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	go p.run(ctx)
	interval, _, _ := p.settings()
	log.Infof("quota poller started (interval=%s)", interval)
}

func (p *Poller) run(ctx context.Context) {
	defer p.scheduler.stopAll()
	for {
		if ctx.Err() != nil {
			return
		}
		p.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		interval, _, _ := p.settings()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-timer.C:
		}
	}
}

// Poll runs one round over every pollable auth.
func (p *Poller) Poll(ctx context.Context) {
	if p == nil || p.manager == nil {
		return
	}
	auths := p.manager.List()
	if len(auths) == 0 {
		return
	}
	_, _, maxConcurrency := p.settings()
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	for _, auth := range auths {
		if auth == nil || strings.TrimSpace(auth.ID) == "" || shouldSkipAuth(auth) {
			continue
		}
		if !pollable(auth.Provider) {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		authCopy := auth
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.pollOne(ctx, authCopy); err != nil {
				log.WithError(err).Warnf("quota poller: %s poll failed (auth=%s)", authCopy.Provider, authCopy.ID)
			}
		}()
	}
	wg.Wait()
	if err := p.store.Flush(); err != nil {
		log.WithError(err).Warn("quota poller: flush quota store failed")
	}
}

// PollAuth refreshes one auth immediately and returns its cached entry.
func (p *Poller) PollAuth(ctx context.Context, authID string) (*quota.StoreEntry, error) {
	if p == nil || p.manager == nil {
		return nil, errors.New("quota poller: not initialized")
	}
	auth, ok := p.manager.Get(authID)
	if !ok {
		return nil, errors.New("quota poller: auth not found")
	}
	if !pollable(auth.Provider) {
		return nil, errors.New("quota poller: provider has no quota endpoint")
	}
	if err := p.pollOne(ctx, auth); err != nil {
		return nil, err
	}
	if err := p.store.Flush(); err != nil {
		log.WithError(err).Warn("quota poller: flush quota store failed")
	}
	entry, _ := p.store.GetEntry(authID)
	return entry, nil
}

// Forget drops cached quota and pending refreshes of a removed auth.
func (p *Poller) Forget(authID string) {
	if p == nil {
		return
	}
	p.scheduler.cancel(authID)
	p.store.Delete(authID)
	if err := p.store.Flush(); err != nil {
		log.WithError(err).Warn("quota poller: flush quota store failed")
	}
}

func pollable(provider string) bool {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "kiro", "codex", "gemini-cli", "antigravity":
		return true
	}
	return false
}

func (p *Poller) pollOne(ctx context.Context, auth *coreauth.Auth) error {
	_, timeout, _ := p.settings()
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch strings.ToLower(strings.TrimSpace(auth.Provider)) {
	case "kiro":
		return p.pollKiro(reqCtx, auth)
	case "codex":
		return p.pollCodex(reqCtx, auth)
	case "gemini-cli":
		return p.pollGeminiCLI(reqCtx, auth)
	case "antigravity":
		return p.pollAntigravity(reqCtx, auth)
	}
	return nil
}

func (p *Poller) pollKiro(ctx context.Context, auth *coreauth.Auth) error {
	token, profileArn := kiro.ExtractCredentials(auth)
	if token == "" {
		log.Debugf("quota poller: kiro auth without access token (auth=%s)", auth.ID)
		return nil
	}
	limits, err := p.usage.GetUsageLimits(ctx, token, profileArn)
	if err != nil {
		return err
	}
	p.RecordKiroUsage(ctx, auth, limits)
	return nil
}

// RecordKiroUsage caches a usage report and writes the derived remaining
// percent into the auth metadata for quota-weighted selection.
func (p *Poller) RecordKiroUsage(ctx context.Context, auth *coreauth.Auth, limits *kiro.UsageLimits) {
	if p == nil || auth == nil || limits == nil {
		return
	}
	now := p.now().UTC()
	record := limits.Record()
	if record.Email == "" {
		record.Email = kiro.ExtractEmail(auth)
	}
	p.store.SetUsage(auth.ID, "kiro", record, now)

	_, err := p.manager.UpdateMetadata(ctx, auth.ID, func(metadata map[string]any) bool {
		return quota.UpdateUsageMetadata(metadata, "kiro", record.Snapshot, record.ResetTime, now)
	})
	if err != nil {
		log.WithError(err).Warnf("quota poller: persist quota failed (auth=%s)", auth.ID)
	}

	// Only an exhausted account waiting on a future reset is polled again.
	remaining, known := record.Remaining().RemainingPercent.Float()
	if known && remaining <= 0 && record.ResetTime.After(now) {
		p.scheduler.schedule(auth.ID, record.ResetTime)
	}
}

func (p *Poller) pollCodex(ctx context.Context, auth *coreauth.Auth) error {
	accountID := resolveCodexAccountID(auth.Metadata)
	if accountID == "" {
		log.Warnf("quota poller: codex missing account id (auth=%s)", auth.ID)
		return nil
	}
	headers := http.Header{}
	headers.Set("User-Agent", resolveUserAgent(auth, codexUserAgent))
	headers.Set("Chatgpt-Account-Id", accountID)

	payload, err := p.doRequest(ctx, auth, http.MethodGet, codexUsageURL, nil, headers)
	if err != nil {
		return err
	}
	p.persistQuota(ctx, auth, "codex", extractCodexQuota(payload))
	return nil
}

func (p *Poller) pollGeminiCLI(ctx context.Context, auth *coreauth.Auth) error {
	projectID := resolveGeminiProjectID(auth.Metadata)
	if projectID == "" {
		log.Warnf("quota poller: gemini-cli missing project id (auth=%s)", auth.ID)
		return nil
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "project", projectID)
	payload, err := p.doRequest(ctx, auth, http.MethodPost, geminiCLIQuotaURL, body, http.Header{})
	if err != nil {
		return err
	}
	p.persistQuota(ctx, auth, "gemini-cli", extractGeminiQuota(payload))
	return nil
}

func (p *Poller) pollAntigravity(ctx context.Context, auth *coreauth.Auth) error {
	body := []byte(`{}`)
	if projectID := resolveGeminiProjectID(auth.Metadata); projectID != "" {
		body, _ = sjson.SetBytes(body, "project", projectID)
	}
	headers := http.Header{}
	headers.Set("User-Agent", resolveUserAgent(auth, antigravityUserAgent))
	payload, err := p.doRequest(ctx, auth, http.MethodPost, antigravityModelsURL, body, headers)
	if err != nil {
		return err
	}
	models := extractAntigravityQuota(payload)
	p.persistQuota(ctx, auth, "antigravity", models)

	// An exhausted pool is polled again once it resets.
	now := p.now()
	var latest time.Time
	for _, entry := range models {
		if entry.Percent <= 0 && entry.ResetTime.After(now) && entry.ResetTime.After(latest) {
			latest = entry.ResetTime
		}
	}
	if !latest.IsZero() {
		p.scheduler.schedule(auth.ID, latest)
	}
	return nil
}

func (p *Poller) doRequest(ctx context.Context, auth *coreauth.Auth, method, targetURL string, body []byte, headers http.Header) ([]byte, error) {
	token := auth.MetadataString("access_token", "accessToken")
	if token == "" {
		return nil, errors.New("missing access token")
	}
	req, err := newRequest(ctx, method, targetURL, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("quota poller: close response body error: %v", errClose)
		}
	}()
	payload, err := util.DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, util.NewStatusError(resp.StatusCode, payload)
	}
	return payload, nil
}

func (p *Poller) persistQuota(ctx context.Context, auth *coreauth.Auth, provider string, models map[string]quota.ModelQuota) {
	if len(models) == 0 {
		return
	}
	now := p.now().UTC()
	p.store.Set(auth.ID, provider, models, now)

	_, err := p.manager.UpdateMetadata(ctx, auth.ID, func(metadata map[string]any) bool {
		return quota.UpdateMetadata(metadata, provider, models, now)
	})
	if err != nil {
		log.WithError(err).Warnf("quota poller: persist quota failed (auth=%s)", auth.ID)
	}
}
