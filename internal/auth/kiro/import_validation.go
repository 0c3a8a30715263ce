// Package kiro implements Kiro credential import, refresh and usage lookups.
package kiro

import (
	"fmt"
	"strings"
)

// Account types.
const (
	AccountSocial = "social"
	AccountIdC    = "idc"
)

// JSONImportItem is a single account entry from a JSON batch import payload.
type JSONImportItem struct {
	RefreshToken string `json:"refreshToken"`
	Provider     string `json:"provider"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Region       string `json:"region"`
}

// JSONImportValidation is the normalized validation result.
type JSONImportValidation struct {
	Item        JSONImportItem
	AccountType string
	Provider    string
}

func canonicalImportProvider(provider string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "google":
		return "Google", true
	case "github":
		return "GitHub", true
	case "builderid":
		return "BuilderId", true
	case "enterprise":
		return "Enterprise", true
	default:
		return "", false
	}
}

// ValidateJSONImportItem validates and normalizes one JSON import item.
// index is zero-based; messages use the one-based position.
func ValidateJSONImportItem(item JSONImportItem, index int) (*JSONImportValidation, error) {
	normalized := JSONImportItem{
		RefreshToken: strings.TrimSpace(item.RefreshToken),
		Provider:     strings.TrimSpace(item.Provider),
		ClientID:     strings.TrimSpace(item.ClientID),
		ClientSecret: strings.TrimSpace(item.ClientSecret),
		Region:       strings.TrimSpace(item.Region),
	}
	pos := index + 1

	if normalized.RefreshToken == "" {
		return nil, fmt.Errorf("item %d: missing refreshToken", pos)
	}
	if !strings.HasPrefix(normalized.RefreshToken, "aor") {
		return nil, fmt.Errorf("item %d: invalid refreshToken (must start with \"aor\")", pos)
	}

	hasClientID := normalized.ClientID != ""
	hasClientSecret := normalized.ClientSecret != ""
	if hasClientID != hasClientSecret {
		if hasClientID {
			return nil, fmt.Errorf("item %d: missing clientSecret (IdC accounts need clientId and clientSecret)", pos)
		}
		return nil, fmt.Errorf("item %d: missing clientId (IdC accounts need clientId and clientSecret)", pos)
	}

	hasClientCredentials := hasClientID && hasClientSecret
	provider := normalized.Provider
	if provider == "" {
		if hasClientCredentials {
			provider = "BuilderId"
		} else {
			provider = "Google"
		}
	}

	canonicalProvider, ok := canonicalImportProvider(provider)
	if !ok {
		return nil, fmt.Errorf("item %d: invalid provider %q (supported: Google, GitHub, BuilderId, Enterprise)", pos, provider)
	}
	if hasClientCredentials && (canonicalProvider == "Google" || canonicalProvider == "GitHub") {
		return nil, fmt.Errorf("item %d: social provider %q must not include clientId/clientSecret", pos, canonicalProvider)
	}
	if !hasClientCredentials && (canonicalProvider == "BuilderId" || canonicalProvider == "Enterprise") {
		return nil, fmt.Errorf("item %d: IdC provider %q requires clientId and clientSecret", pos, canonicalProvider)
	}

	accountType := AccountSocial
	if hasClientCredentials {
		accountType = AccountIdC
	}
	normalized.Provider = canonicalProvider

	return &JSONImportValidation{
		Item:        normalized,
		AccountType: accountType,
		Provider:    canonicalProvider,
	}, nil
}
