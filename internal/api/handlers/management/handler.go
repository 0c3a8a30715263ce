// Package management serves the /v0/management JSON API.
package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/auth/kiro"
	"github.com/router-for-me/cliproxy-console/internal/auth/oauth"
	"github.com/router-for-me/cliproxy-console/internal/config"
	iquota "github.com/router-for-me/cliproxy-console/internal/quota"
	"github.com/router-for-me/cliproxy-console/internal/runtime/executor"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/masquerade"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
)

const upstreamTimeout = 30 * time.Second

var errNoManager = errors.New("auth manager not initialized")

// Handler holds the services behind the management routes.
type Handler struct {
	mu  sync.RWMutex
	cfg *config.Config

	authManager *coreauth.Manager
	quotaStore  *quota.Store
	poller      *iquota.Poller
	usage       iquota.UsageFetcher
	refresher   kiro.TokenRefresher
	oauth       *oauth.Service
	traces      *executor.MasqueradeTraceStore
	sessions    *executor.SessionPool
	selector    coreauth.Selector
	strategy    string

	now func() time.Time
}

// NewHandler wires a handler with default upstream clients built from cfg.
func NewHandler(cfg *config.Config, manager *coreauth.Manager) *Handler {
	if cfg == nil {
		cfg = config.Default()
	}
	var registrar oauth.Registrar
	if manager != nil {
		registrar = manager
	}
	return &Handler{
		cfg:         cfg,
		authManager: manager,
		usage:       kiro.NewUsageClient(cfg, nil),
		refresher:   kiro.NewRefresher(cfg, nil),
		oauth:       oauth.NewService(cfg, registrar),
		traces:      executor.GetGlobalTraceStore(),
		sessions:    executor.GetGlobalSessionPool(),
		selector:    coreauth.NewSelector(cfg.Routing.Strategy),
		strategy:    cfg.Routing.Strategy,
		now:         time.Now,
	}
}

// SetConfig swaps the active configuration.
func (h *Handler) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	h.mu.Lock()
	h.cfg = cfg
	if cfg.Routing.Strategy != h.strategy {
		h.selector = coreauth.NewSelector(cfg.Routing.Strategy)
		h.strategy = cfg.Routing.Strategy
	}
	h.mu.Unlock()
}

// pickAuth chooses a credential for provider and model with the configured
// routing strategy.
func (h *Handler) pickAuth(ctx context.Context, provider, model string) (*coreauth.Auth, error) {
	if h.authManager == nil {
		return nil, errNoManager
	}
	h.mu.RLock()
	selector := h.selector
	h.mu.RUnlock()
	return selector.Pick(ctx, provider, model, h.authManager.List())
}

// SetQuota attaches the quota cache and poller.
func (h *Handler) SetQuota(store *quota.Store, poller *iquota.Poller) {
	h.mu.Lock()
	h.quotaStore = store
	h.poller = poller
	h.mu.Unlock()
}

// SetUsageFetcher replaces the Kiro usage client.
func (h *Handler) SetUsageFetcher(f iquota.UsageFetcher) {
	h.mu.Lock()
	h.usage = f
	h.mu.Unlock()
}

// SetTokenRefresher replaces the Kiro token refresher used by imports.
func (h *Handler) SetTokenRefresher(r kiro.TokenRefresher) {
	h.mu.Lock()
	h.refresher = r
	h.mu.Unlock()
}

// SetOAuthService replaces the OAuth login service.
func (h *Handler) SetOAuthService(s *oauth.Service) {
	h.mu.Lock()
	h.oauth = s
	h.mu.Unlock()
}

// SetTraceStore replaces the masquerade trace store.
func (h *Handler) SetTraceStore(s *executor.MasqueradeTraceStore) {
	h.mu.Lock()
	h.traces = s
	h.mu.Unlock()
}

// OAuth returns the login service.
func (h *Handler) OAuth() *oauth.Service {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.oauth
}

func (h *Handler) config() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *Handler) quotaDeps() (*quota.Store, *iquota.Poller) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.quotaStore, h.poller
}

func (h *Handler) usageFetcher() iquota.UsageFetcher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.usage
}

func (h *Handler) tokenRefresher() kiro.TokenRefresher {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.refresher
}

func (h *Handler) traceStore() *executor.MasqueradeTraceStore {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.traces
}

func (h *Handler) authByIndex(index string) *coreauth.Auth {
	if h.authManager == nil {
		return nil
	}
	a, ok := h.authManager.GetByIndex(index)
	if !ok {
		return nil
	}
	return a
}

func (h *Handler) upstreamContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), upstreamTimeout)
}

func failure(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

func requireManager(h *Handler, c *gin.Context) bool {
	if h.authManager == nil {
		failure(c, http.StatusInternalServerError, errNoManager.Error())
		return false
	}
	return true
}

func bindJSON(raw []byte, dst any) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

func countChanged(r *executor.CloakResult) int {
	if r == nil {
		return 0
	}
	return masquerade.CountChanged(r.Diff)
}
