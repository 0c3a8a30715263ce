package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/api/handlers/management"
	"github.com/router-for-me/cliproxy-console/internal/auth/oauth"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/logging"
	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

const loginPollInterval = 500 * time.Millisecond

// DoLogin runs an OAuth login for provider using a temporary callback server
// on the configured port.
func DoLogin(ctx context.Context, out io.Writer, cfg *config.Config, provider string, noBrowser bool) error {
	manager, st, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	svc := oauth.NewService(cfg, manager)
	handler := management.NewHandler(cfg, manager)
	handler.SetOAuthService(svc)

	p, ok := svc.Provider(provider)
	if !ok {
		return fmt.Errorf("unknown provider %q (known: %s)", provider, strings.Join(svc.ProviderNames(), ", "))
	}
	redirect := ""
	if strings.TrimSpace(cfg.OAuth.CallbackBase) == "" {
		redirect = fmt.Sprintf("http://localhost:%d/oauth/%s/callback", cfg.Port, p.Name)
	}
	authURL, state, err := svc.Start(p.Name, redirect)
	if err != nil {
		return err
	}

	engine := gin.New()
	engine.Use(logging.GinRecovery())
	engine.GET("/oauth/:provider/callback", handler.OAuthRedirect)
	srv := &http.Server{Addr: fmt.Sprintf("127.0.0.1:%d", cfg.Port), Handler: engine, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("login: callback server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(out, "Open this URL to log in to %s:\n\n%s\n\n", p.Name, authURL)
	if !noBrowser {
		if err := open.Run(authURL); err != nil {
			fmt.Fprintf(out, "Could not open a browser (%v); open the URL manually.\n", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, oauth.DefaultSessionTTL)
	defer cancel()
	ticker := time.NewTicker(loginPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login: %w", ctx.Err())
		case <-ticker.C:
		}
		sess, ok := svc.Status(state)
		if !ok {
			return errors.New("login: session expired")
		}
		switch sess.Status {
		case oauth.StatusOK:
			fmt.Fprintf(out, "Authentication saved as %s\n", sess.AuthID)
			return nil
		case oauth.StatusError:
			return fmt.Errorf("login failed: %s", sess.Error)
		}
	}
}
