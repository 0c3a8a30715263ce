// Package store persists auth records to local files, Postgres or object storage.
package store

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	"github.com/tidwall/gjson"
)

// fileName maps an auth ID to its on-disk or object name.
func fileName(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id != path.Base(id) || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("store: invalid auth id %q", id)
	}
	if !strings.HasSuffix(strings.ToLower(id), ".json") {
		id += ".json"
	}
	return id, nil
}

func encodeAuth(a *coreauth.Auth) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("store: nil auth")
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("store: encode %s failed: %w", a.ID, err)
	}
	return data, nil
}

// decodeAuth reads a stored record. Plain token files, where the whole
// document is provider metadata with a "type" field, are accepted too.
func decodeAuth(name string, data []byte, modTime time.Time) (*coreauth.Auth, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("store: %s is not valid JSON", name)
	}
	root := gjson.ParseBytes(data)
	if root.Get("id").Exists() && root.Get("provider").Exists() {
		var a coreauth.Auth
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("store: decode %s failed: %w", name, err)
		}
		if a.FileName == "" {
			a.FileName = name
		}
		return &a, nil
	}

	provider := strings.TrimSpace(root.Get("type").String())
	if provider == "" {
		return nil, fmt.Errorf("store: %s has no provider type", name)
	}
	metadata := make(map[string]any)
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("store: decode %s failed: %w", name, err)
	}
	a := &coreauth.Auth{
		ID:         name,
		Provider:   provider,
		FileName:   name,
		Label:      strings.TrimSpace(root.Get("email").String()),
		Status:     coreauth.StatusActive,
		Disabled:   root.Get("disabled").Bool(),
		Metadata:   metadata,
		Attributes: map[string]string{"source": "file"},
		CreatedAt:  modTime,
		UpdatedAt:  modTime,
	}
	if a.Disabled {
		a.Status = coreauth.StatusDisabled
	}
	if email := a.Label; email != "" {
		a.Attributes["email"] = email
	}
	return a, nil
}
