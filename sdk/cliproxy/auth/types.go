// Package auth holds provider credentials and the manager that persists them.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a credential.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
	StatusError    Status = "error"
)

// Auth is a single provider credential and its bookkeeping.
type Auth struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	FileName   string            `json:"file_name,omitempty"`
	Label      string            `json:"label,omitempty"`
	Status     Status            `json:"status"`
	Disabled   bool              `json:"disabled,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	// NextRefreshAfter is when the access token should be refreshed.
	NextRefreshAfter time.Time `json:"next_refresh_after,omitempty"`
}

// Clone returns a copy that shares no maps with the receiver.
func (a *Auth) Clone() *Auth {
	if a == nil {
		return nil
	}
	out := *a
	if a.Attributes != nil {
		out.Attributes = make(map[string]string, len(a.Attributes))
		for k, v := range a.Attributes {
			out.Attributes[k] = v
		}
	}
	if a.Metadata != nil {
		out.Metadata = cloneMetadata(a.Metadata)
	}
	return &out
}

// Index returns the stable short identifier the management API exposes.
func (a *Auth) Index() string {
	if a == nil {
		return ""
	}
	return AuthIndex(a.ID)
}

// AuthIndex derives the management index of an auth ID.
func AuthIndex(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:8])
}

// Priority reads the "priority" attribute; higher is preferred.
func (a *Auth) Priority() int {
	if a == nil || a.Attributes == nil {
		return 0
	}
	p, err := strconv.Atoi(strings.TrimSpace(a.Attributes["priority"]))
	if err != nil {
		return 0
	}
	return p
}

// Usable reports whether the auth may be selected at all.
func (a *Auth) Usable() bool {
	if a == nil || a.Disabled || a.Status == StatusDisabled {
		return false
	}
	return strings.TrimSpace(a.ID) != ""
}

// MetadataString returns the first non-empty trimmed string among keys.
func (a *Auth) MetadataString(keys ...string) string {
	if a == nil || a.Metadata == nil {
		return ""
	}
	for _, key := range keys {
		if v, ok := a.Metadata[key].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

func cloneMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMetadata(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
