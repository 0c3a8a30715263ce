package kiro

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	defaultSocialRefreshURL = "https://prod.us-east-1.auth.desktop.kiro.dev/refreshToken"
	defaultOIDCTemplate     = "https://oidc.%s.amazonaws.com/token"
	defaultTokenLifetime    = time.Hour
)

// TokenData is the result of a token refresh.
type TokenData struct {
	AccessToken  string
	RefreshToken string
	ProfileArn   string
	Email        string
	ExpiresAt    time.Time
}

// Refresher exchanges Kiro refresh tokens for access tokens.
type Refresher struct {
	httpClient   *http.Client
	socialURL    string
	oidcTemplate string
	region       string
	now          func() time.Time
}

// NewRefresher builds a refresher from config. A nil httpClient uses a
// proxy-aware client built from cfg.
func NewRefresher(cfg *config.Config, httpClient *http.Client) *Refresher {
	if cfg == nil {
		cfg = config.Default()
	}
	if httpClient == nil {
		httpClient = util.NewHTTPClient(util.ClientOptions{
			ProxyURL: cfg.ProxyURL,
			Timeout:  cfg.Quota.RequestTimeout,
			UTLS:     cfg.Kiro.UTLS,
		})
	}
	r := &Refresher{
		httpClient:   httpClient,
		socialURL:    strings.TrimSpace(cfg.Kiro.SocialRefreshURL),
		oidcTemplate: strings.TrimSpace(cfg.Kiro.OIDCEndpointTemplate),
		region:       strings.TrimSpace(cfg.Kiro.Region),
		now:          time.Now,
	}
	if r.socialURL == "" {
		r.socialURL = defaultSocialRefreshURL
	}
	if r.oidcTemplate == "" {
		r.oidcTemplate = defaultOIDCTemplate
	}
	if r.region == "" {
		r.region = config.DefaultKiroRegion
	}
	return r
}

// RefreshSocial refreshes a Google or GitHub account.
func (r *Refresher) RefreshSocial(ctx context.Context, refreshToken string) (*TokenData, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "refreshToken", strings.TrimSpace(refreshToken))
	result, err := r.post(ctx, r.socialURL, body)
	if err != nil {
		return nil, fmt.Errorf("kiro social refresh: %w", err)
	}
	return r.tokenFrom(result, refreshToken)
}

// RefreshIdC refreshes a Builder ID or Enterprise account against the OIDC
// endpoint of region. An empty region uses the configured default.
func (r *Refresher) RefreshIdC(ctx context.Context, clientID, clientSecret, refreshToken, region string) (*TokenData, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		region = r.region
	}
	endpoint := r.oidcTemplate
	if strings.Contains(endpoint, "%s") {
		endpoint = fmt.Sprintf(endpoint, region)
	}
	body := []byte(`{"grantType":"refresh_token"}`)
	body, _ = sjson.SetBytes(body, "clientId", strings.TrimSpace(clientID))
	body, _ = sjson.SetBytes(body, "clientSecret", strings.TrimSpace(clientSecret))
	body, _ = sjson.SetBytes(body, "refreshToken", strings.TrimSpace(refreshToken))

	result, err := r.post(ctx, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("kiro idc refresh: %w", err)
	}
	return r.tokenFrom(result, refreshToken)
}

// Refresh picks the social or IdC flow for a validated import item.
func (r *Refresher) Refresh(ctx context.Context, v *JSONImportValidation) (*TokenData, error) {
	if v == nil {
		return nil, fmt.Errorf("kiro refresh: nil import item")
	}
	if v.AccountType == AccountIdC {
		return r.RefreshIdC(ctx, v.Item.ClientID, v.Item.ClientSecret, v.Item.RefreshToken, v.Item.Region)
	}
	return r.RefreshSocial(ctx, v.Item.RefreshToken)
}

func (r *Refresher) post(ctx context.Context, endpoint string, body []byte) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("kiro refresh: close response body error: %v", errClose)
		}
	}()
	payload, err := util.DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return gjson.Result{}, util.NewStatusError(resp.StatusCode, payload)
	}
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, fmt.Errorf("invalid JSON response")
	}
	return gjson.ParseBytes(payload), nil
}

func (r *Refresher) tokenFrom(result gjson.Result, previousRefresh string) (*TokenData, error) {
	token := &TokenData{
		AccessToken:  strings.TrimSpace(result.Get("accessToken").String()),
		RefreshToken: strings.TrimSpace(result.Get("refreshToken").String()),
		ProfileArn:   strings.TrimSpace(result.Get("profileArn").String()),
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("response carries no accessToken")
	}
	if token.RefreshToken == "" {
		token.RefreshToken = strings.TrimSpace(previousRefresh)
	}
	lifetime := defaultTokenLifetime
	if secs := result.Get("expiresIn").Int(); secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	token.ExpiresAt = r.now().Add(lifetime).UTC()
	token.Email = ExtractEmailFromJWT(token.AccessToken)
	return token, nil
}

// ExtractEmailFromJWT reads the email claim of a JWT without verifying it.
func ExtractEmailFromJWT(token string) string {
	return util.EmailFromJWT(token)
}
