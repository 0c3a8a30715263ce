package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
)

// FileStore keeps one JSON document per auth inside a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("store: auth directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create %s failed: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

// List reads every *.json file; unreadable files are skipped with a warning.
func (s *FileStore) List(ctx context.Context) ([]*coreauth.Auth, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: read %s failed: %w", s.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	out := make([]*coreauth.Auth, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		full := filepath.Join(s.dir, name)
		data, err := os.ReadFile(full)
		if err != nil {
			log.WithError(err).Warnf("store: skip %s", full)
			continue
		}
		var modTime time.Time
		if info, errInfo := entry.Info(); errInfo == nil {
			modTime = info.ModTime().UTC()
		}
		a, err := decodeAuth(name, data, modTime)
		if err != nil {
			log.WithError(err).Warnf("store: skip %s", full)
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Save writes the auth atomically and returns the file path.
func (s *FileStore) Save(_ context.Context, a *coreauth.Auth) (string, error) {
	if a == nil {
		return "", errors.New("store: nil auth")
	}
	name, err := fileName(a.ID)
	if err != nil {
		return "", err
	}
	data, err := encodeAuth(a)
	if err != nil {
		return "", err
	}
	target := filepath.Join(s.dir, name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return "", fmt.Errorf("store: write %s failed: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("store: rename %s failed: %w", target, err)
	}
	return target, nil
}

// Delete removes the auth file; a missing file is not an error.
func (s *FileStore) Delete(_ context.Context, id string) error {
	name, err := fileName(id)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: delete %s failed: %w", name, err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
