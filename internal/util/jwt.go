package util

import (
	"encoding/base64"
	"strings"

	"github.com/tidwall/gjson"
)

// JWTClaims returns the decoded payload segment of a JWT without verifying
// it, or nil when token is not a JWT.
func JWTClaims(token string) []byte {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil || !gjson.ValidBytes(payload) {
		return nil
	}
	return payload
}

// EmailFromJWT returns the first email-looking claim of a JWT.
func EmailFromJWT(token string) string {
	claims := JWTClaims(token)
	if claims == nil {
		return ""
	}
	for _, path := range []string{"email", "preferred_username", "sub"} {
		if v := strings.TrimSpace(gjson.GetBytes(claims, path).String()); strings.Contains(v, "@") {
			return v
		}
	}
	return ""
}
