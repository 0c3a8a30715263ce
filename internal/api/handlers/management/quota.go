package management

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	coreauth "github.com/router-for-me/cliproxy-console/sdk/cliproxy/auth"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
)

type quotaModel struct {
	RemainingPercent float64    `json:"remaining_percent"`
	ResetTime        *time.Time `json:"reset_time,omitempty"`
}

type quotaView struct {
	AuthID    string                `json:"auth_id"`
	AuthIndex string                `json:"auth_index"`
	Provider  string                `json:"provider"`
	UpdatedAt time.Time             `json:"updated_at"`
	Models    map[string]quotaModel `json:"models,omitempty"`
	Usage     *quota.UsageRecord    `json:"usage,omitempty"`
	Remaining *remainingView        `json:"remaining,omitempty"`
}

// remainingView is the remaining quota as the console renders it; unknown
// values encode as null.
type remainingView struct {
	Percent quota.Number `json:"percent"`
	Amount  quota.Number `json:"amount"`
}

func newRemainingView(d quota.RemainingDisplay) remainingView {
	return remainingView{Percent: d.RemainingPercent, Amount: d.RemainingAmount}
}

func newQuotaView(entry *quota.StoreEntry) quotaView {
	view := quotaView{
		AuthID:    entry.AuthID,
		AuthIndex: coreauth.AuthIndex(entry.AuthID),
		Provider:  entry.Provider,
		UpdatedAt: entry.UpdatedAt,
	}
	if len(entry.Models) > 0 {
		view.Models = make(map[string]quotaModel, len(entry.Models))
		for name, m := range entry.Models {
			qm := quotaModel{RemainingPercent: m.Percent}
			if !m.ResetTime.IsZero() {
				reset := m.ResetTime
				qm.ResetTime = &reset
			}
			view.Models[name] = qm
		}
	}
	if entry.Usage != nil {
		view.Usage = entry.Usage
		remaining := newRemainingView(entry.Usage.Remaining())
		view.Remaining = &remaining
	}
	return view
}

// GetQuota handles GET /v0/management/quota[?auth_index=].
func (h *Handler) GetQuota(c *gin.Context) {
	store, _ := h.quotaDeps()
	if store == nil {
		failure(c, http.StatusServiceUnavailable, "quota cache disabled")
		return
	}
	if index := strings.TrimSpace(c.Query("auth_index")); index != "" {
		a := h.authByIndex(index)
		if a == nil {
			failure(c, http.StatusNotFound, "auth not found")
			return
		}
		entry, ok := store.GetEntry(a.ID)
		if !ok {
			failure(c, http.StatusNotFound, "no quota data for auth")
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "quota": newQuotaView(entry)})
		return
	}
	entries := store.List()
	views := make([]quotaView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, newQuotaView(entry))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "quotas": views, "count": len(views)})
}

// RefreshQuota handles POST /v0/management/quota/refresh?auth_index=
func (h *Handler) RefreshQuota(c *gin.Context) {
	_, poller := h.quotaDeps()
	if poller == nil {
		failure(c, http.StatusServiceUnavailable, "quota poller disabled")
		return
	}
	index := strings.TrimSpace(c.Query("auth_index"))
	if index == "" {
		failure(c, http.StatusBadRequest, "auth_index parameter is required")
		return
	}
	a := h.authByIndex(index)
	if a == nil {
		failure(c, http.StatusNotFound, "auth not found")
		return
	}
	ctx, cancel := h.upstreamContext(c)
	defer cancel()
	entry, err := poller.PollAuth(ctx, a.ID)
	if err != nil {
		failure(c, http.StatusBadGateway, err.Error())
		return
	}
	if entry == nil {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "quota": newQuotaView(entry)})
}
