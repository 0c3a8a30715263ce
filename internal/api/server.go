// Package api hosts the HTTP server of the management console backend.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/api/handlers/management"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/logging"
	log "github.com/sirupsen/logrus"
)

// Provider aliases kept for existing console builds.
var authURLAliases = map[string]string{
	"anthropic":  "claude",
	"gemini-cli": "gemini",
}

// Server is the management HTTP server.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	handler *management.Handler

	mu  sync.RWMutex
	cfg *config.Config
}

// NewServer builds the gin engine and registers every route.
func NewServer(cfg *config.Config, handler *management.Handler) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(logging.GinLogger(), logging.GinRecovery())
	if err := engine.SetTrustedProxies(nil); err != nil {
		log.WithError(err).Warn("api: failed to reset trusted proxies")
	}

	s := &Server{engine: engine, handler: handler, cfg: cfg}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	h := s.handler
	s.engine.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.engine.GET("/oauth/:provider/callback", h.OAuthRedirect)

	mgmt := s.engine.Group("/v0/management", managementMiddleware(s.config, newAttemptTracker()))
	{
		mgmt.GET("/kiro-usage", h.GetKiroUsage)
		mgmt.GET("/kiro-remaining", h.GetKiroRemaining)
		mgmt.POST("/kiro/import-json", h.ImportKiroJSON)
		mgmt.POST("/vertex/import", h.ImportVertexCredential)

		mgmt.GET("/auth-files", h.ListAuthFiles)
		mgmt.DELETE("/auth-files", h.DeleteAuthFile)
		mgmt.PATCH("/auth-files/status", h.PatchAuthFileStatus)

		mgmt.GET("/quota", h.GetQuota)
		mgmt.POST("/quota/refresh", h.RefreshQuota)

		mgmt.GET("/masquerade-trace", h.ListMasqueradeTraces)
		mgmt.DELETE("/masquerade-trace", h.ClearMasqueradeTraces)
		mgmt.PUT("/masquerade-trace/enabled", h.SetMasqueradeTraceEnabled)
		mgmt.GET("/masquerade-trace/stream", h.StreamMasqueradeTraces)
		mgmt.GET("/masquerade-trace/:id", h.GetMasqueradeTrace)
		mgmt.GET("/masquerade-trace/:id/headers", h.GetMasqueradeTraceHeaders)
		mgmt.POST("/masquerade-preview", h.PreviewMasquerade)
		mgmt.DELETE("/masquerade-sessions", h.ResetMasqueradeSessions)

		mgmt.GET("/oauth/:provider/auth-url", h.RequestAuthURLByParam)
		mgmt.GET("/get-auth-status", h.GetAuthStatus)
		mgmt.POST("/oauth-callback", h.PostOAuthCallback)
		if svc := h.OAuth(); svc != nil {
			for _, name := range svc.ProviderNames() {
				mgmt.GET("/"+name+"-auth-url", h.RequestAuthURL(name))
			}
			for alias, name := range authURLAliases {
				if _, ok := svc.Provider(alias); ok {
					continue
				}
				mgmt.GET("/"+alias+"-auth-url", h.RequestAuthURL(name))
			}
		}
	}
}

func (s *Server) config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Handler exposes the engine for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// UpdateConfig swaps the configuration used by middleware and handlers.
// The listen address only changes on restart.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.handler.SetConfig(cfg)
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	log.Infof("api: listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: serve failed: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown failed: %w", err)
	}
	log.Info("api: server stopped")
	return nil
}
