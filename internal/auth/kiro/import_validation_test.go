package kiro

import (
	"strings"
	"testing"
)

func TestValidateJSONImportItem(t *testing.T) {
	tests := []struct {
		name            string
		item            JSONImportItem
		wantType        string
		wantProvider    string
		wantErrContains string
	}{
		{
			name:         "social defaults to google",
			item:         JSONImportItem{RefreshToken: "aor-token"},
			wantType:     AccountSocial,
			wantProvider: "Google",
		},
		{
			name:         "idc defaults to builderid",
			item:         JSONImportItem{RefreshToken: "aor-token", ClientID: "cid", ClientSecret: "csec"},
			wantType:     AccountIdC,
			wantProvider: "BuilderId",
		},
		{
			name:         "provider is canonicalized",
			item:         JSONImportItem{RefreshToken: " aor-token ", Provider: "github"},
			wantType:     AccountSocial,
			wantProvider: "GitHub",
		},
		{
			name:            "missing token",
			item:            JSONImportItem{Provider: "Google"},
			wantErrContains: "item 1: missing refreshToken",
		},
		{
			name:            "token prefix",
			item:            JSONImportItem{RefreshToken: "xyz"},
			wantErrContains: "aor",
		},
		{
			name:            "partial credentials are rejected",
			item:            JSONImportItem{RefreshToken: "aor-token", ClientID: "cid"},
			wantErrContains: "clientSecret",
		},
		{
			name:            "unknown provider",
			item:            JSONImportItem{RefreshToken: "aor-token", Provider: "okta"},
			wantErrContains: "invalid provider",
		},
		{
			name:            "social token cannot use idc provider",
			item:            JSONImportItem{RefreshToken: "aor-token", Provider: "BuilderId"},
			wantErrContains: "requires clientId and clientSecret",
		},
		{
			name:            "idc token cannot use social provider",
			item:            JSONImportItem{RefreshToken: "aor-token", Provider: "Google", ClientID: "cid", ClientSecret: "csec"},
			wantErrContains: "must not include clientId/clientSecret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateJSONImportItem(tt.item, 0)
			if tt.wantErrContains != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got nil", tt.wantErrContains)
				}
				if !strings.Contains(err.Error(), tt.wantErrContains) {
					t.Fatalf("expected error containing %q, got %q", tt.wantErrContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.AccountType != tt.wantType {
				t.Fatalf("expected account type %q, got %q", tt.wantType, got.AccountType)
			}
			if got.Provider != tt.wantProvider {
				t.Fatalf("expected provider %q, got %q", tt.wantProvider, got.Provider)
			}
			if strings.TrimSpace(got.Item.RefreshToken) != got.Item.RefreshToken {
				t.Fatalf("expected refresh token to be trimmed, got %q", got.Item.RefreshToken)
			}
		})
	}
}
