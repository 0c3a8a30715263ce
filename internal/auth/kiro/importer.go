package kiro

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
)

const refreshLeadTime = 20 * time.Minute

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._@-]+`)

// SanitizeEmailForFilename turns an email into a file name fragment.
func SanitizeEmailForFilename(email string) string {
	email = strings.TrimSpace(email)
	if email == "" {
		return ""
	}
	email = strings.ReplaceAll(email, "@", "-")
	return strings.Trim(unsafeFileChars.ReplaceAllString(email, "_"), "._-")
}

// BuildImportedAuth converts a refreshed import item into an auth record.
func BuildImportedAuth(v *JSONImportValidation, token *TokenData, now time.Time) (*coreauth.Auth, error) {
	if v == nil || token == nil {
		return nil, fmt.Errorf("kiro import: validation and token are required")
	}
	if now.IsZero() {
		now = time.Now()
	}
	email := strings.TrimSpace(token.Email)
	if email == "" {
		email = ExtractEmailFromJWT(token.AccessToken)
	}
	expiresAt := token.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultTokenLifetime)
	}

	idPart := SanitizeEmailForFilename(email)
	if idPart == "" {
		idPart = fmt.Sprintf("%d", now.UnixNano()%100000)
	}

	var authMethod, label string
	if v.AccountType == AccountIdC {
		authMethod = "builder-id"
		if strings.EqualFold(v.Provider, "Enterprise") {
			authMethod = "idc"
		}
		label = "kiro-idc"
	} else {
		authMethod = "social"
		label = "kiro-" + strings.ToLower(v.Provider)
	}
	fileName := fmt.Sprintf("%s-%s.json", label, idPart)

	metadata := map[string]any{
		"type":          "kiro",
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"profile_arn":   token.ProfileArn,
		"expires_at":    expiresAt.UTC().Format(time.RFC3339),
		"auth_method":   authMethod,
		"provider":      v.Provider,
		"email":         email,
		"last_refresh":  now.UTC().Format(time.RFC3339),
	}
	if v.AccountType == AccountIdC {
		metadata["client_id"] = v.Item.ClientID
		metadata["client_secret"] = v.Item.ClientSecret
		if v.Item.Region != "" {
			metadata["region"] = v.Item.Region
		}
	}

	return &coreauth.Auth{
		ID:       fileName,
		Provider: "kiro",
		FileName: fileName,
		Label:    label,
		Status:   coreauth.StatusActive,
		Metadata: metadata,
		Attributes: map[string]string{
			"profile_arn": token.ProfileArn,
			"source":      "json-import",
			"email":       email,
		},
		CreatedAt:        now,
		UpdatedAt:        now,
		NextRefreshAfter: expiresAt.Add(-refreshLeadTime),
	}, nil
}

// ImportResult is the outcome of importing one JSON item.
type ImportResult struct {
	Index    int    `json:"index"`
	Success  bool   `json:"success"`
	ID       string `json:"id,omitempty"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TokenRefresher refreshes a validated import item.
type TokenRefresher interface {
	Refresh(ctx context.Context, v *JSONImportValidation) (*TokenData, error)
}

// AuthRegistrar persists imported auths.
type AuthRegistrar interface {
	Register(ctx context.Context, a *coreauth.Auth) (*coreauth.Auth, error)
}

// ImportItems validates, refreshes and registers every item. Failures are
// reported per item and never abort the batch.
func ImportItems(ctx context.Context, items []JSONImportItem, refresher TokenRefresher, registrar AuthRegistrar, now func() time.Time) []ImportResult {
	if now == nil {
		now = time.Now
	}
	results := make([]ImportResult, 0, len(items))
	for i, item := range items {
		result := ImportResult{Index: i}
		validation, err := ValidateJSONImportItem(item, i)
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		result.Provider = validation.Provider

		token, err := refresher.Refresh(ctx, validation)
		if err != nil {
			result.Error = fmt.Sprintf("item %d: token refresh error: %v", i+1, err)
			results = append(results, result)
			continue
		}
		record, err := BuildImportedAuth(validation, token, now())
		if err != nil {
			result.Error = err.Error()
			results = append(results, result)
			continue
		}
		saved, err := registrar.Register(ctx, record)
		if err != nil {
			result.Error = fmt.Sprintf("item %d: save failed: %v", i+1, err)
			results = append(results, result)
			continue
		}
		log.Infof("kiro import: registered %s (%s)", saved.ID, validation.Provider)
		result.Success = true
		result.ID = saved.ID
		result.Email = ExtractEmail(saved)
		results = append(results, result)
	}
	return results
}
