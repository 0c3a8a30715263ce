// Package watcher reloads the configuration and auth directory on change.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/router-for-me/cliproxy-console/internal/config"
	log "github.com/sirupsen/logrus"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher observes the config file and, optionally, the auth directory.
type Watcher struct {
	configPath string
	authDir    string
	debounce   time.Duration

	onConfig func(*config.Config)
	onAuths  func()

	fs *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer
	load   func(string) (*config.Config, error)
}

// New creates a watcher. onConfig runs with each successfully reloaded
// config; onAuths runs when a JSON file in authDir changes. authDir may be
// empty when auths do not live on local disk.
func New(configPath, authDir string, onConfig func(*config.Config), onAuths func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: create: %w", err)
	}
	w := &Watcher{
		configPath: filepath.Clean(configPath),
		authDir:    strings.TrimSpace(authDir),
		debounce:   defaultDebounce,
		onConfig:   onConfig,
		onAuths:    onAuths,
		fs:         fsw,
		timers:     make(map[string]*time.Timer),
		load:       config.LoadConfig,
	}
	if configPath != "" {
		// Editors often replace the file, so watch its directory.
		if err := fsw.Add(filepath.Dir(w.configPath)); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watcher: watch %s: %w", w.configPath, err)
		}
	}
	if w.authDir != "" {
		w.authDir = filepath.Clean(w.authDir)
		if err := fsw.Add(w.authDir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watcher: watch %s: %w", w.authDir, err)
		}
	}
	return w, nil
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fs.Close() }()
	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				log.WithError(err).Warn("watcher: error")
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return
	}
	name := filepath.Clean(ev.Name)
	switch {
	case w.configPath != "" && name == w.configPath:
		w.schedule("config", w.reloadConfig)
	case w.authDir != "" && filepath.Dir(name) == w.authDir && strings.HasSuffix(strings.ToLower(name), ".json"):
		w.schedule("auths", w.reloadAuths)
	}
}

func (w *Watcher) schedule(key string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, fn)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}
}

func (w *Watcher) reloadConfig() {
	cfg, err := w.load(w.configPath)
	if err != nil {
		log.WithError(err).Warn("watcher: config reload failed, keeping previous config")
		return
	}
	log.Infof("watcher: reloaded %s", w.configPath)
	if w.onConfig != nil {
		w.onConfig(cfg)
	}
}

func (w *Watcher) reloadAuths() {
	log.Debugf("watcher: auth directory %s changed", w.authDir)
	if w.onAuths != nil {
		w.onAuths()
	}
}
