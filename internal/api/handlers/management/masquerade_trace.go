package management

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/router-for-me/cliproxy-console/internal/runtime/executor"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	traceStreamPingInterval = 30 * time.Second
	traceStreamWriteTimeout = 10 * time.Second
	traceStreamBuffer       = 32
)

var traceUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The management key middleware already ran.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ListMasqueradeTraces handles GET /v0/management/masquerade-trace.
func (h *Handler) ListMasqueradeTraces(c *gin.Context) {
	store := h.traceStore()
	summaries := store.List()
	c.JSON(http.StatusOK, gin.H{
		"traces":   summaries,
		"count":    len(summaries),
		"enabled":  store.IsEnabled(),
		"max_size": store.MaxSize(),
	})
}

// GetMasqueradeTrace handles GET /v0/management/masquerade-trace/:id.
func (h *Handler) GetMasqueradeTrace(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing trace id"})
		return
	}
	record := h.traceStore().Get(id)
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace record not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetMasqueradeTraceHeaders handles GET /v0/management/masquerade-trace/:id/headers.
func (h *Handler) GetMasqueradeTraceHeaders(c *gin.Context) {
	record := h.traceStore().Get(strings.TrimSpace(c.Param("id")))
	if record == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace record not found"})
		return
	}
	rows := record.HeaderDiff()
	summary := record.ToSummary()
	c.JSON(http.StatusOK, gin.H{
		"id":               record.ID,
		"rows":             rows,
		"headers_modified": summary.HeadersModified,
	})
}

// ClearMasqueradeTraces handles DELETE /v0/management/masquerade-trace.
func (h *Handler) ClearMasqueradeTraces(c *gin.Context) {
	h.traceStore().Clear()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "All masquerade trace records cleared",
	})
}

// SetMasqueradeTraceEnabled handles PUT /v0/management/masquerade-trace/enabled.
// The value lasts until the next config reload.
func (h *Handler) SetMasqueradeTraceEnabled(c *gin.Context) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	h.traceStore().SetEnabled(*body.Enabled)
	c.JSON(http.StatusOK, gin.H{"success": true, "enabled": *body.Enabled})
}

// StreamMasqueradeTraces handles GET /v0/management/masquerade-trace/stream.
// It sends the current list, then one message per new trace.
func (h *Handler) StreamMasqueradeTraces(c *gin.Context) {
	conn, err := traceUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Debug("masquerade trace stream: upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	store := h.traceStore()
	updates, unsubscribe := store.Subscribe(traceStreamBuffer)
	defer unsubscribe()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(traceStreamWriteTimeout))
		return conn.WriteJSON(v)
	}
	if err := write(gin.H{"type": "snapshot", "traces": store.List(), "enabled": store.IsEnabled()}); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(traceStreamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case summary, ok := <-updates:
			if !ok {
				return
			}
			if err := write(gin.H{"type": "trace", "trace": summary}); err != nil {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(traceStreamWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

type previewRequest struct {
	Model string `json:"model"`
	// Provider picks a credential with the routing strategy when AuthID is empty.
	Provider string            `json:"provider"`
	AuthID   string            `json:"auth_id"`
	APIKey   string            `json:"api_key"`
	Headers  map[string]string `json:"headers"`
	// Record stores the preview in the trace list when tracing is enabled.
	Record bool `json:"record"`
}

// PreviewMasquerade handles POST /v0/management/masquerade-preview. It masks a
// sample request with the active cloak settings and returns the result.
func (h *Handler) PreviewMasquerade(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}
	var req previewRequest
	if err := bindJSON(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var body []byte
	switch sample := gjson.GetBytes(raw, "body"); sample.Type {
	case gjson.Null:
	case gjson.String:
		body = []byte(sample.String())
	default:
		body = []byte(sample.Raw)
	}

	headers := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		headers.Set(k, v)
	}
	label := ""
	switch {
	case h.authManager == nil:
	case req.AuthID != "":
		if a, ok := h.authManager.Get(req.AuthID); ok {
			label = a.Label
		}
	case req.Provider != "":
		a, errPick := h.pickAuth(c.Request.Context(), req.Provider, req.Model)
		if errPick != nil {
			failure(c, http.StatusNotFound, fmt.Sprintf("no usable %s credential", req.Provider))
			return
		}
		req.AuthID, label = a.ID, a.Label
	}

	store := h.traceStore()
	if !req.Record {
		store = executor.NewMasqueradeTraceStore(1)
	}
	cloaker := executor.NewCloaker(h.config().Cloak, h.sessions, store)
	result := cloaker.Apply(executor.CloakRequest{
		Model:     req.Model,
		AuthID:    req.AuthID,
		AuthLabel: label,
		APIKey:    req.APIKey,
		Headers:   headers,
		Body:      body,
	})
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"auth_id":          req.AuthID,
		"result":           result,
		"headers_modified": countChanged(result),
	})
}

// ResetMasqueradeSessions handles DELETE /v0/management/masquerade-sessions.
func (h *Handler) ResetMasqueradeSessions(c *gin.Context) {
	h.sessions.Reset()
	c.JSON(http.StatusOK, gin.H{"success": true})
}
