package management

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
)

type authFileEntry struct {
	ID        string          `json:"id"`
	AuthIndex string          `json:"auth_index"`
	Name      string          `json:"name"`
	Provider  string          `json:"provider"`
	Label     string          `json:"label,omitempty"`
	Email     string          `json:"email,omitempty"`
	Status    coreauth.Status `json:"status"`
	Disabled  bool            `json:"disabled"`
	Source    string          `json:"source,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func newAuthFileEntry(a *coreauth.Auth) authFileEntry {
	entry := authFileEntry{
		ID:        a.ID,
		AuthIndex: a.Index(),
		Name:      a.ID,
		Provider:  a.Provider,
		Label:     a.Label,
		Email:     a.MetadataString("email"),
		Status:    a.Status,
		Disabled:  a.Disabled,
		UpdatedAt: a.UpdatedAt,
	}
	if a.Attributes != nil {
		entry.Source = a.Attributes["source"]
		if entry.Email == "" {
			entry.Email = a.Attributes["email"]
		}
	}
	return entry
}

// ListAuthFiles handles GET /v0/management/auth-files[?provider=].
func (h *Handler) ListAuthFiles(c *gin.Context) {
	if !requireManager(h, c) {
		return
	}
	provider := strings.ToLower(strings.TrimSpace(c.Query("provider")))
	files := make([]authFileEntry, 0)
	for _, a := range h.authManager.List() {
		if provider != "" && !strings.EqualFold(a.Provider, provider) {
			continue
		}
		files = append(files, newAuthFileEntry(a))
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

func (h *Handler) lookupAuth(c *gin.Context) *coreauth.Auth {
	key := strings.TrimSpace(c.Query("name"))
	if key == "" {
		key = strings.TrimSpace(c.Query("auth_index"))
	}
	if key == "" {
		failure(c, http.StatusBadRequest, "name or auth_index is required")
		return nil
	}
	if a, ok := h.authManager.Get(key); ok {
		return a
	}
	if a := h.authByIndex(key); a != nil {
		return a
	}
	failure(c, http.StatusNotFound, "auth not found")
	return nil
}

// DeleteAuthFile handles DELETE /v0/management/auth-files?name=
func (h *Handler) DeleteAuthFile(c *gin.Context) {
	if !requireManager(h, c) {
		return
	}
	a := h.lookupAuth(c)
	if a == nil {
		return
	}
	if err := h.authManager.Delete(c.Request.Context(), a.ID); err != nil {
		failure(c, http.StatusInternalServerError, err.Error())
		return
	}
	if _, poller := h.quotaDeps(); poller != nil {
		poller.Forget(a.ID)
	}
	log.Infof("management: deleted auth %s", a.ID)
	c.JSON(http.StatusOK, gin.H{"success": true, "id": a.ID})
}

type authStatusRequest struct {
	Disabled *bool `json:"disabled"`
}

// PatchAuthFileStatus handles PATCH /v0/management/auth-files/status?name=
func (h *Handler) PatchAuthFileStatus(c *gin.Context) {
	if !requireManager(h, c) {
		return
	}
	var req authStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Disabled == nil {
		failure(c, http.StatusBadRequest, "disabled is required")
		return
	}
	a := h.lookupAuth(c)
	if a == nil {
		return
	}
	a.Disabled = *req.Disabled
	a.Status = coreauth.StatusActive
	if a.Disabled {
		a.Status = coreauth.StatusDisabled
	}
	if a.Metadata != nil {
		a.Metadata["disabled"] = a.Disabled
	}
	saved, err := h.authManager.Update(c.Request.Context(), a)
	if err != nil {
		status := http.StatusInternalServerError
		var authErr *coreauth.Error
		if errors.As(err, &authErr) && authErr.HTTPStatus != 0 {
			status = authErr.HTTPStatus
		}
		failure(c, status, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "file": newAuthFileEntry(saved)})
}
