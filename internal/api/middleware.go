package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/cliproxy-console/internal/config"
	log "github.com/sirupsen/logrus"
)

const (
	maxFailedAttempts = 5
	banDuration       = 30 * time.Minute
)

type attemptInfo struct {
	count       int
	bannedUntil time.Time
}

// attemptTracker bans client IPs after repeated bad management keys.
type attemptTracker struct {
	mu    sync.Mutex
	items map[string]*attemptInfo
	now   func() time.Time
}

func newAttemptTracker() *attemptTracker {
	return &attemptTracker{items: make(map[string]*attemptInfo), now: time.Now}
}

func (t *attemptTracker) banned(ip string) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.items[ip]
	if !ok || info.bannedUntil.IsZero() {
		return 0, false
	}
	remaining := info.bannedUntil.Sub(t.now())
	if remaining <= 0 {
		delete(t.items, ip)
		return 0, false
	}
	return remaining, true
}

func (t *attemptTracker) fail(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.items[ip]
	if !ok {
		info = &attemptInfo{}
		t.items[ip] = info
	}
	info.count++
	if info.count >= maxFailedAttempts {
		info.bannedUntil = t.now().Add(banDuration)
		info.count = 0
		log.Warnf("management: banned %s for %s after repeated invalid keys", ip, banDuration)
	}
}

func (t *attemptTracker) reset(ip string) {
	t.mu.Lock()
	delete(t.items, ip)
	t.mu.Unlock()
}

func isLocalClient(ip string) bool {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	return parsed != nil && parsed.IsLoopback()
}

func managementKey(c *gin.Context) string {
	if auth := strings.TrimSpace(c.GetHeader("Authorization")); auth != "" {
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return auth
	}
	if key := strings.TrimSpace(c.GetHeader("X-Management-Key")); key != "" {
		return key
	}
	// Browsers cannot set headers on websocket handshakes.
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		return strings.TrimSpace(c.Query("key"))
	}
	return ""
}

// managementMiddleware guards /v0/management with the configured key.
func managementMiddleware(cfgFn func() *config.Config, attempts *attemptTracker) gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg := cfgFn()
		ip := c.ClientIP()
		local := isLocalClient(ip)

		if !local && !cfg.RemoteManagement.AllowRemote {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "remote management disabled"})
			return
		}
		if !cfg.ManagementEnabled() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not set"})
			return
		}
		if !local {
			if remaining, banned := attempts.banned(ip); banned {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "too many failed attempts, retry in " + remaining.Round(time.Second).String(),
				})
				return
			}
		}

		key := managementKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}
		if !cfg.VerifySecret(key) {
			if !local {
				attempts.fail(ip)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}
		if !local {
			attempts.reset(ip)
		}
		c.Next()
	}
}
