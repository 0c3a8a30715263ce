// Package oauth runs browser OAuth logins that produce auth records.
package oauth

import (
	"sort"
	"strings"

	"github.com/router-for-me/cliproxy-console/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Provider is a configured OAuth login target.
type Provider struct {
	Name string
	// AuthProvider is the provider recorded on produced auths; empty means Name.
	AuthProvider string
	Config       oauth2.Config
	// PKCE adds an S256 code challenge to the authorization request.
	PKCE bool
	// AuthParams are extra authorization URL parameters.
	AuthParams map[string]string
}

func (p *Provider) authProvider() string {
	if p.AuthProvider != "" {
		return p.AuthProvider
	}
	return p.Name
}

func (p *Provider) configured() bool {
	return p != nil && p.Config.ClientID != "" && p.Config.Endpoint.AuthURL != "" && p.Config.Endpoint.TokenURL != ""
}

var defaultProviders = map[string]Provider{
	"claude": {
		Name: "claude",
		Config: oauth2.Config{
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://claude.ai/oauth/authorize",
				TokenURL:  "https://console.anthropic.com/v1/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"org:create_api_key", "user:profile", "user:inference"},
		},
		PKCE:       true,
		AuthParams: map[string]string{"code": "true"},
	},
	"codex": {
		Name: "codex",
		Config: oauth2.Config{
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://auth.openai.com/oauth/authorize",
				TokenURL:  "https://auth.openai.com/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: []string{"openid", "email", "profile", "offline_access"},
		},
		PKCE: true,
		AuthParams: map[string]string{
			"id_token_add_organizations": "true",
			"codex_cli_simplified_flow":  "true",
		},
	},
	"gemini": {
		Name:         "gemini",
		AuthProvider: "gemini-cli",
		Config: oauth2.Config{
			Endpoint: google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/cloud-platform",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
		},
		AuthParams: map[string]string{"prompt": "consent"},
	},
}

// Providers merges the built-in provider table with the oauth section of cfg.
// Client IDs only come from config.
func Providers(cfg *config.Config) map[string]*Provider {
	out := make(map[string]*Provider, len(defaultProviders))
	for name, def := range defaultProviders {
		p := def
		p.Config.Scopes = append([]string(nil), def.Config.Scopes...)
		out[name] = &p
	}
	if cfg == nil {
		return out
	}
	for rawName, override := range cfg.OAuth.Providers {
		name := strings.ToLower(strings.TrimSpace(rawName))
		if name == "" {
			continue
		}
		p, ok := out[name]
		if !ok {
			p = &Provider{Name: name, PKCE: true}
			out[name] = p
		}
		if v := strings.TrimSpace(override.ClientID); v != "" {
			p.Config.ClientID = v
		}
		if v := strings.TrimSpace(override.ClientSecret); v != "" {
			p.Config.ClientSecret = v
		}
		if v := strings.TrimSpace(override.AuthURL); v != "" {
			p.Config.Endpoint.AuthURL = v
		}
		if v := strings.TrimSpace(override.TokenURL); v != "" {
			p.Config.Endpoint.TokenURL = v
		}
		if len(override.Scopes) > 0 {
			p.Config.Scopes = append([]string(nil), override.Scopes...)
		}
	}
	return out
}

// Names returns the provider names in sorted order.
func Names(providers map[string]*Provider) []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
