package management

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/auth/kiro"
	"github.com/tidwall/gjson"
)

const maxImportItems = 100

type kiroImportRequest struct {
	Items []kiro.JSONImportItem `json:"items"`
}

// ImportKiroJSON handles POST /v0/management/kiro/import-json. The body is
// either {"items": [...]} or a bare array.
func (h *Handler) ImportKiroJSON(c *gin.Context) {
	if !requireManager(h, c) {
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		failure(c, http.StatusBadRequest, "failed to read body")
		return
	}
	items, err := decodeImportItems(raw)
	if err != nil {
		failure(c, http.StatusBadRequest, err.Error())
		return
	}
	refresher := h.tokenRefresher()
	if refresher == nil {
		failure(c, http.StatusInternalServerError, "token refresher not initialized")
		return
	}

	ctx, cancel := h.upstreamContext(c)
	defer cancel()
	results := kiro.ImportItems(ctx, items, refresher, h.authManager, h.now)

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	if _, poller := h.quotaDeps(); poller != nil && succeeded > 0 {
		ctxBg := context.WithoutCancel(c.Request.Context())
		for _, r := range results {
			if r.Success {
				go func(id string) { _, _ = poller.PollAuth(ctxBg, id) }(r.ID)
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   succeeded > 0,
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"results":   results,
	})
}

func decodeImportItems(raw []byte) ([]kiro.JSONImportItem, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("invalid JSON body")
	}
	var items []kiro.JSONImportItem
	root := gjson.ParseBytes(raw)
	switch {
	case root.IsArray():
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("invalid items: %w", err)
		}
	case root.IsObject():
		var req kiroImportRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("invalid items: %w", err)
		}
		items = req.Items
	default:
		return nil, errors.New("body must be an array or an object with items")
	}
	if len(items) == 0 {
		return nil, errors.New("no items to import")
	}
	if len(items) > maxImportItems {
		return nil, fmt.Errorf("too many items: %d (max %d)", len(items), maxImportItems)
	}
	return items, nil
}
