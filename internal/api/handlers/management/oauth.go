package management

import (
	"errors"
	"html"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/auth/oauth"
)

// RequestAuthURL returns a handler for GET /v0/management/<provider>-auth-url.
// An optional redirect_uri query parameter overrides the callback URL.
func (h *Handler) RequestAuthURL(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.startLogin(c, provider)
	}
}

// RequestAuthURLByParam handles GET /v0/management/oauth/:provider/auth-url.
func (h *Handler) RequestAuthURLByParam(c *gin.Context) {
	h.startLogin(c, c.Param("provider"))
}

func (h *Handler) startLogin(c *gin.Context, provider string) {
	svc := h.OAuth()
	if svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "oauth disabled"})
		return
	}
	authURL, state, err := svc.Start(provider, c.Query("redirect_uri"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, oauth.ErrUnknownProvider) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "url": authURL, "state": state})
}

// GetAuthStatus handles GET /v0/management/get-auth-status?state=
func (h *Handler) GetAuthStatus(c *gin.Context) {
	svc := h.OAuth()
	state := strings.TrimSpace(c.Query("state"))
	if svc == nil || state == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "state is required"})
		return
	}
	sess, ok := svc.Status(state)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "error": "unknown or expired state"})
		return
	}
	resp := gin.H{"status": sess.Status, "provider": sess.Provider}
	if sess.Error != "" {
		resp["error"] = sess.Error
	}
	if sess.AuthID != "" {
		resp["auth_id"] = sess.AuthID
	}
	c.JSON(http.StatusOK, resp)
}

type oauthCallbackRequest struct {
	RedirectURL string `json:"redirect_url"`
	State       string `json:"state"`
	Code        string `json:"code"`
	Error       string `json:"error"`
}

// PostOAuthCallback handles POST /v0/management/oauth-callback. Operators
// paste the redirect URL when the browser could not reach the callback.
func (h *Handler) PostOAuthCallback(c *gin.Context) {
	svc := h.OAuth()
	if svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "error": "oauth disabled"})
		return
	}
	var req oauthCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "invalid request"})
		return
	}
	state, code, upstreamErr := req.State, req.Code, req.Error
	if strings.TrimSpace(req.RedirectURL) != "" {
		var err error
		state, code, upstreamErr, err = oauth.ParseCallbackURL(req.RedirectURL)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": err.Error()})
			return
		}
	}
	if strings.TrimSpace(state) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "error": "state is required"})
		return
	}
	a, err := svc.Complete(c.Request.Context(), state, code, upstreamErr)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, oauth.ErrInvalidState) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"status": "error", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "auth_id": a.ID, "auth_index": a.Index()})
}

// OAuthRedirect handles the browser redirect at GET /oauth/:provider/callback.
// It is mounted outside the management key check.
func (h *Handler) OAuthRedirect(c *gin.Context) {
	svc := h.OAuth()
	if svc == nil {
		c.String(http.StatusServiceUnavailable, "oauth disabled")
		return
	}
	errText := strings.TrimSpace(c.Query("error"))
	if desc := strings.TrimSpace(c.Query("error_description")); desc != "" {
		errText = strings.TrimSpace(errText + ": " + desc)
	}
	_, err := svc.Complete(c.Request.Context(), c.Query("state"), c.Query("code"), errText)
	if err != nil {
		renderLoginPage(c, http.StatusBadRequest, "Login failed", err.Error())
		return
	}
	renderLoginPage(c, http.StatusOK, "Login successful", "You can close this window.")
}

func renderLoginPage(c *gin.Context, status int, title, message string) {
	page := "<!doctype html><html><head><meta charset=\"utf-8\"><title>" + html.EscapeString(title) +
		"</title></head><body><h1>" + html.EscapeString(title) + "</h1><p>" + html.EscapeString(message) +
		"</p></body></html>"
	c.Data(status, "text/html; charset=utf-8", []byte(page))
}
