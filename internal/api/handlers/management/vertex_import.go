package management

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2/google"
)

const (
	defaultVertexLocation = "us-central1"
	cloudPlatformScope    = "https://www.googleapis.com/auth/cloud-platform"
	maxServiceAccountSize = 64 << 10
)

// ImportVertexCredential handles POST /v0/management/vertex/import with a
// multipart service account file and an optional location.
func (h *Handler) ImportVertexCredential(c *gin.Context) {
	if !requireManager(h, c) {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		failure(c, http.StatusBadRequest, "file is required")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		failure(c, http.StatusBadRequest, "failed to open file")
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, maxServiceAccountSize+1))
	_ = f.Close()
	if err != nil {
		failure(c, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) > maxServiceAccountSize {
		failure(c, http.StatusBadRequest, "file too large")
		return
	}

	record, err := buildVertexAuth(data, c.PostForm("location"), h.now())
	if err != nil {
		failure(c, http.StatusBadRequest, err.Error())
		return
	}
	saved, err := h.authManager.Register(c.Request.Context(), record)
	if err != nil {
		failure(c, http.StatusInternalServerError, "failed to save credential: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"id":         saved.ID,
		"auth_index": saved.Index(),
		"project_id": saved.Metadata["project_id"],
		"email":      saved.Label,
		"location":   saved.Metadata["location"],
	})
}

func buildVertexAuth(data []byte, location string, now time.Time) (*coreauth.Auth, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("service account file is not valid JSON")
	}
	if t := gjson.GetBytes(data, "type").String(); t != "service_account" {
		return nil, fmt.Errorf("unsupported credential type %q (want service_account)", t)
	}
	if _, err := google.JWTConfigFromJSON(data, cloudPlatformScope); err != nil {
		return nil, fmt.Errorf("invalid service account: %w", err)
	}
	projectID := strings.TrimSpace(gjson.GetBytes(data, "project_id").String())
	email := strings.TrimSpace(gjson.GetBytes(data, "client_email").String())
	if projectID == "" {
		return nil, fmt.Errorf("service account has no project_id")
	}
	if strings.TrimSpace(gjson.GetBytes(data, "private_key").String()) == "" {
		return nil, fmt.Errorf("service account has no private_key")
	}
	location = strings.TrimSpace(location)
	if location == "" {
		location = defaultVertexLocation
	}

	var serviceAccount map[string]any
	if err := json.Unmarshal(data, &serviceAccount); err != nil {
		return nil, fmt.Errorf("invalid service account: %w", err)
	}
	id := fmt.Sprintf("vertex-%s.json", strings.ReplaceAll(projectID, "/", "-"))
	return &coreauth.Auth{
		ID:       id,
		Provider: "vertex",
		FileName: id,
		Label:    email,
		Status:   coreauth.StatusActive,
		Metadata: map[string]any{
			"type":            "vertex",
			"project_id":      projectID,
			"email":           email,
			"location":        location,
			"service_account": serviceAccount,
		},
		Attributes: map[string]string{"source": "vertex-import", "email": email, "project_id": projectID},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
