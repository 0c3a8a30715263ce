package kiro

import (
	"strings"

	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
)

// ExtractCredentials returns the access token and profile ARN of a Kiro auth.
// Metadata snake_case keys win, then attributes, then camelCase metadata.
func ExtractCredentials(a *coreauth.Auth) (accessToken, profileArn string) {
	if a == nil {
		return "", ""
	}
	accessToken = a.MetadataString("access_token")
	profileArn = a.MetadataString("profile_arn")

	if accessToken == "" && a.Attributes != nil {
		accessToken = strings.TrimSpace(a.Attributes["access_token"])
		if arn := strings.TrimSpace(a.Attributes["profile_arn"]); arn != "" {
			profileArn = arn
		}
	}
	if accessToken == "" {
		accessToken = a.MetadataString("accessToken")
		if arn := a.MetadataString("profileArn"); arn != "" {
			profileArn = arn
		}
	}
	if profileArn == "" && a.Attributes != nil {
		profileArn = strings.TrimSpace(a.Attributes["profile_arn"])
	}
	return accessToken, profileArn
}

// ExtractEmail returns the account email recorded on a Kiro auth.
func ExtractEmail(a *coreauth.Auth) string {
	if a == nil {
		return ""
	}
	if email := a.MetadataString("email"); email != "" {
		return email
	}
	if a.Attributes != nil {
		return strings.TrimSpace(a.Attributes["email"])
	}
	return ""
}

// IsKiro reports whether a belongs to the kiro provider.
func IsKiro(a *coreauth.Auth) bool {
	return a != nil && strings.EqualFold(strings.TrimSpace(a.Provider), "kiro")
}
