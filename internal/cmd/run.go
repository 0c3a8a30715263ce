package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/cliproxy-console/internal/api"
	"github.com/router-for-me/cliproxy-console/internal/api/handlers/management"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/logging"
	iquota "github.com/router-for-me/cliproxy-console/internal/quota"
	"github.com/router-for-me/cliproxy-console/internal/runtime/executor"
	"github.com/router-for-me/cliproxy-console/internal/store"
	"github.com/router-for-me/cliproxy-console/internal/watcher"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

func openManager(ctx context.Context, cfg *config.Config) (*coreauth.Manager, store.Store, error) {
	st, err := store.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	manager := coreauth.NewManager(st)
	if err := manager.Load(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return manager, st, nil
}

// StartService runs the management server until ctx is cancelled.
func StartService(ctx context.Context, cfg *config.Config, configPath string) error {
	manager, st, err := openManager(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	log.Infof("loaded %d auth(s) from %s store", len(manager.List()), cfg.AuthStore.Type)

	executor.ApplyMasqueradeTraceConfig(cfg)

	quotaStore, err := quota.NewStore(cfg.QuotaDir)
	if err != nil {
		return fmt.Errorf("open quota store: %w", err)
	}
	poller := iquota.NewPoller(cfg, manager, quotaStore, nil)
	if !cfg.Quota.Disable {
		poller.Start(ctx)
	}

	handler := management.NewHandler(cfg, manager)
	handler.SetQuota(quotaStore, poller)
	server := api.NewServer(cfg, handler)

	authDir := ""
	if cfg.AuthStore.Type == "file" {
		authDir = cfg.AuthDir
	}
	w, err := watcher.New(configPath, authDir, func(next *config.Config) {
		if err := logging.Setup(next); err != nil {
			log.WithError(err).Warn("reload: logging setup failed")
		}
		executor.ApplyMasqueradeTraceConfig(next)
		poller.SetConfig(next)
		server.UpdateConfig(next)
	}, func() {
		if err := manager.Load(ctx); err != nil {
			log.WithError(err).Warn("reload: auth reload failed")
		}
	})
	if err != nil {
		log.WithError(err).Warn("config watcher disabled")
	} else {
		go w.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}
	if err := quotaStore.Flush(); err != nil {
		log.WithError(err).Warn("flush quota store failed")
	}
	return nil
}
