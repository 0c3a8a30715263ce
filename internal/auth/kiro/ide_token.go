package kiro

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultIDETokenPath is where the Kiro IDE caches its login.
func DefaultIDETokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aws", "sso", "cache", "kiro-auth-token.json")
}

// ParseIDEToken reads a Kiro IDE token cache file. ok is false when data is
// not in that format.
func ParseIDEToken(data []byte) (v *JSONImportValidation, token *TokenData, ok bool, err error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, false, nil
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() || !root.Get("accessToken").Exists() || !root.Get("refreshToken").Exists() {
		return nil, nil, false, nil
	}

	item := JSONImportItem{
		RefreshToken: strings.TrimSpace(root.Get("refreshToken").String()),
		Provider:     strings.TrimSpace(root.Get("provider").String()),
		ClientID:     strings.TrimSpace(root.Get("clientId").String()),
		ClientSecret: strings.TrimSpace(root.Get("clientSecret").String()),
		Region:       strings.TrimSpace(root.Get("region").String()),
	}
	if strings.EqualFold(item.Provider, "github") {
		item.Provider = "GitHub"
	}
	v, err = ValidateJSONImportItem(item, 0)
	if err != nil {
		return nil, nil, true, fmt.Errorf("kiro ide token: %w", err)
	}

	token = &TokenData{
		AccessToken:  strings.TrimSpace(root.Get("accessToken").String()),
		RefreshToken: item.RefreshToken,
		ProfileArn:   strings.TrimSpace(root.Get("profileArn").String()),
	}
	if raw := strings.TrimSpace(root.Get("expiresAt").String()); raw != "" {
		if t, errParse := time.Parse(time.RFC3339, raw); errParse == nil {
			token.ExpiresAt = t.UTC()
		}
	}
	token.Email = ExtractEmailFromJWT(token.AccessToken)
	return v, token, true, nil
}
