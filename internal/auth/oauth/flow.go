package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/util"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

var (
	ErrUnknownProvider = errors.New("oauth: unknown provider")
	ErrNotConfigured   = errors.New("oauth: provider client is not configured")
	ErrInvalidState    = errors.New("oauth: invalid or expired state")
)

// Registrar persists the auth produced by a login.
type Registrar interface {
	Register(ctx context.Context, a *coreauth.Auth) (*coreauth.Auth, error)
}

// Service drives OAuth logins for the configured providers.
type Service struct {
	providers    map[string]*Provider
	sessions     *SessionStore
	registrar    Registrar
	callbackBase string
	httpClient   *http.Client
	now          func() time.Time
}

// NewService builds a login service. registrar may be nil, in which case
// Complete returns the auth without persisting it.
func NewService(cfg *config.Config, registrar Registrar) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Service{
		providers:    Providers(cfg),
		sessions:     NewSessionStore(DefaultSessionTTL),
		registrar:    registrar,
		callbackBase: strings.TrimRight(strings.TrimSpace(cfg.OAuth.CallbackBase), "/"),
		httpClient:   util.NewHTTPClient(util.ClientOptions{ProxyURL: cfg.ProxyURL}),
		now:          time.Now,
	}
}

// Provider returns the named provider.
func (s *Service) Provider(name string) (*Provider, bool) {
	p, ok := s.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ProviderNames lists the known providers.
func (s *Service) ProviderNames() []string {
	return Names(s.providers)
}

// Start opens a login session and returns the authorization URL and state.
// redirect overrides the callback URL derived from oauth.callback-base.
func (s *Service) Start(providerName, redirect string) (string, string, error) {
	p, ok := s.Provider(providerName)
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownProvider, providerName)
	}
	if !p.configured() {
		return "", "", fmt.Errorf("%w: %s", ErrNotConfigured, p.Name)
	}
	redirect = strings.TrimSpace(redirect)
	if redirect == "" {
		if s.callbackBase == "" {
			return "", "", fmt.Errorf("oauth: no redirect URL for %s (set oauth.callback-base)", p.Name)
		}
		redirect = s.callbackBase + "/" + p.Name + "/callback"
	}

	state := uuid.NewString()
	sess := &Session{State: state, Provider: p.Name, Status: StatusWait, RedirectURL: redirect}
	cfg := p.Config
	cfg.RedirectURL = redirect

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if p.PKCE {
		sess.verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(sess.verifier))
	}
	for k, v := range p.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	s.sessions.put(sess)
	log.Debugf("oauth: started %s login (state=%s)", p.Name, state)
	return cfg.AuthCodeURL(state, opts...), state, nil
}

// Status returns the session for state.
func (s *Service) Status(state string) (Session, bool) {
	return s.sessions.Get(strings.TrimSpace(state))
}

// Complete exchanges code for a token and registers the resulting auth.
// A non-empty upstreamErr marks the session failed without an exchange.
func (s *Service) Complete(ctx context.Context, state, code, upstreamErr string) (*coreauth.Auth, error) {
	state = strings.TrimSpace(state)
	sess, ok := s.sessions.claim(state)
	if !ok {
		return nil, ErrInvalidState
	}
	a, err := s.complete(ctx, sess, strings.TrimSpace(code), strings.TrimSpace(upstreamErr))
	if err != nil {
		s.sessions.finish(state, "", err)
		log.WithError(err).Warnf("oauth: %s login failed", sess.Provider)
		return nil, err
	}
	s.sessions.finish(state, a.ID, nil)
	log.Infof("oauth: %s login saved as %s", sess.Provider, a.ID)
	return a, nil
}

func (s *Service) complete(ctx context.Context, sess Session, code, upstreamErr string) (*coreauth.Auth, error) {
	if upstreamErr != "" {
		return nil, fmt.Errorf("oauth: provider returned error: %s", upstreamErr)
	}
	if code == "" {
		return nil, errors.New("oauth: missing authorization code")
	}
	p, ok := s.Provider(sess.Provider)
	if !ok {
		return nil, ErrUnknownProvider
	}
	cfg := p.Config
	cfg.RedirectURL = sess.RedirectURL

	var opts []oauth2.AuthCodeOption
	if sess.verifier != "" {
		opts = append(opts, oauth2.VerifierOption(sess.verifier))
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	token, err := cfg.Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("oauth: token exchange failed: %w", err)
	}

	a := BuildAuth(p.authProvider(), token, s.now())
	if s.registrar == nil {
		return a, nil
	}
	return s.registrar.Register(ctx, a)
}

// ParseCallbackURL extracts state, code and error from a pasted redirect URL.
func ParseCallbackURL(raw string) (state, code, errText string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", "", fmt.Errorf("oauth: invalid callback url: %w", err)
	}
	q := u.Query()
	if u.Fragment != "" && q.Get("code") == "" {
		if frag, errFrag := url.ParseQuery(u.Fragment); errFrag == nil {
			q = frag
		}
	}
	errText = q.Get("error")
	if desc := q.Get("error_description"); desc != "" {
		errText = strings.TrimSpace(errText + ": " + desc)
	}
	return q.Get("state"), q.Get("code"), errText, nil
}

// BuildAuth converts a token response into an auth record.
func BuildAuth(provider string, token *oauth2.Token, now time.Time) *coreauth.Auth {
	idToken, _ := token.Extra("id_token").(string)
	email := util.EmailFromJWT(idToken)
	if email == "" {
		if acct, ok := token.Extra("account").(map[string]any); ok {
			email, _ = acct["email_address"].(string)
		}
	}
	idPart := strings.ReplaceAll(strings.TrimSpace(email), "@", "-")
	if idPart == "" {
		idPart = fmt.Sprintf("%d", now.Unix())
	}
	id := fmt.Sprintf("%s-%s.json", provider, idPart)

	metadata := map[string]any{
		"type":          provider,
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"token_type":    token.TokenType,
		"email":         email,
		"last_refresh":  now.UTC().Format(time.RFC3339),
	}
	if !token.Expiry.IsZero() {
		metadata["expired"] = token.Expiry.UTC().Format(time.RFC3339)
	}
	if idToken != "" {
		metadata["id_token"] = idToken
	}

	a := &coreauth.Auth{
		ID:         id,
		Provider:   provider,
		FileName:   id,
		Label:      email,
		Status:     coreauth.StatusActive,
		Metadata:   metadata,
		Attributes: map[string]string{"source": "oauth", "email": email},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if !token.Expiry.IsZero() {
		a.NextRefreshAfter = token.Expiry.Add(-5 * time.Minute)
	}
	return a
}
