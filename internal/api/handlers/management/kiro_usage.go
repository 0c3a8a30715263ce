package management

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/auth/kiro"
	"github.com/router-for-me/cliproxy-console/internal/util"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
	log "github.com/sirupsen/logrus"
)

// GetKiroUsage handles GET /v0/management/kiro-usage?auth_index=
func (h *Handler) GetKiroUsage(c *gin.Context) {
	authIndex := strings.TrimSpace(c.Query("auth_index"))
	if authIndex == "" {
		failure(c, http.StatusBadRequest, "auth_index parameter is required")
		return
	}
	if !requireManager(h, c) {
		return
	}
	auth := h.authByIndex(authIndex)
	if auth == nil {
		failure(c, http.StatusNotFound, "auth not found")
		return
	}
	if !kiro.IsKiro(auth) {
		failure(c, http.StatusBadRequest, "not a kiro auth")
		return
	}
	accessToken, profileArn := kiro.ExtractCredentials(auth)
	if accessToken == "" {
		failure(c, http.StatusBadRequest, "kiro access token not found")
		return
	}
	fetcher := h.usageFetcher()
	if fetcher == nil {
		failure(c, http.StatusInternalServerError, "usage client not initialized")
		return
	}
	log.Debugf("kiro usage: auth_index=%s profile_arn=%q token_len=%d", authIndex, profileArn, len(accessToken))

	ctx, cancel := h.upstreamContext(c)
	defer cancel()
	limits, err := fetcher.GetUsageLimits(ctx, accessToken, profileArn)
	if err != nil {
		status := http.StatusInternalServerError
		var se *util.StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			status = http.StatusBadGateway
		}
		failure(c, status, "failed to get usage info: "+err.Error())
		return
	}
	if _, poller := h.quotaDeps(); poller != nil {
		poller.RecordKiroUsage(c.Request.Context(), auth, limits)
	}

	email := kiro.ExtractEmail(auth)
	if email == "" {
		email = limits.Email
	}
	days, nextDate := kiro.ParseResetTime(limits.NextReset, h.now())

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"auth_index":   auth.Index(),
			"email":        email,
			"subscription": limits.Subscription,
			"usage":        limits.Usage,
			"remaining":    newRemainingView(quota.ComputeRemaining(limits.Usage)),
			"reset": gin.H{
				"days_until": days,
				"next_date":  nextDate,
			},
		},
	})
}

// GetKiroRemaining handles GET /v0/management/kiro-remaining. Omitted
// parameters are unknown, never zero.
func (h *Handler) GetKiroRemaining(c *gin.Context) {
	var snapshot quota.UsageSnapshot
	fields := []struct {
		name string
		dst  *quota.Number
	}{
		{"current", &snapshot.Current},
		{"limit", &snapshot.Limit},
		{"percentage", &snapshot.Percentage},
	}
	for _, f := range fields {
		raw := strings.TrimSpace(c.Query(f.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			failure(c, http.StatusBadRequest, "invalid "+f.name+": "+raw)
			return
		}
		*f.dst = quota.Known(v)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"usage":     snapshot,
		"remaining": newRemainingView(quota.ComputeRemaining(snapshot)),
	})
}
