package kiro

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/cliproxy-console/internal/config"
	"github.com/router-for-me/cliproxy-console/internal/util"
	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const defaultUsageEndpoint = "https://codewhisperer.%s.amazonaws.com/getUsageLimits"

// UsageLimits is the parsed getUsageLimits response.
type UsageLimits struct {
	Usage        quota.UsageSnapshot
	Subscription string
	Email        string
	// NextReset is the raw reset timestamp (seconds or milliseconds).
	NextReset string
}

// Record converts the limits into a quota store record.
func (u *UsageLimits) Record() quota.UsageRecord {
	record := quota.UsageRecord{
		Snapshot:     u.Usage,
		Subscription: u.Subscription,
		Email:        u.Email,
	}
	if reset, ok := ResetTime(u.NextReset); ok {
		record.ResetTime = reset
	}
	return record
}

// UsageClient queries the CodeWhisperer REST usage endpoint.
type UsageClient struct {
	httpClient *http.Client
	endpoint   string
}

// NewUsageClient builds a client from config. A nil httpClient uses a
// proxy-aware client built from cfg.
func NewUsageClient(cfg *config.Config, httpClient *http.Client) *UsageClient {
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
	endpoint := strings.TrimSpace(cfg.Kiro.UsageEndpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf(defaultUsageEndpoint, cfg.Kiro.Region)
	}
	return &UsageClient{httpClient: httpClient, endpoint: endpoint}
}

// GetUsageLimits fetches usage for an access token. profileArn is optional.
func (c *UsageClient) GetUsageLimits(ctx context.Context, accessToken, profileArn string) (*UsageLimits, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("kiro usage: access token is empty")
	}
	query := url.Values{}
	query.Set("origin", "AI_EDITOR")
	query.Set("resourceType", "AGENTIC_REQUEST")
	if arn := strings.TrimSpace(profileArn); arn != "" {
		query.Set("profileArn", arn)
	}
	target := c.endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("kiro usage: build request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, br, zstd")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro usage: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("kiro usage: close response body error: %v", errClose)
		}
	}()

	payload, err := util.DecodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("kiro usage: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, util.NewStatusError(resp.StatusCode, payload)
	}
	return ParseUsageLimits(payload)
}

// ParseUsageLimits extracts the first usage breakdown of a getUsageLimits body.
// Counters missing from the body stay unknown.
func ParseUsageLimits(payload []byte) (*UsageLimits, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("kiro usage: invalid JSON response")
	}
	root := gjson.ParseBytes(payload)
	breakdown := root.Get("usageBreakdownList.0")

	out := &UsageLimits{
		Usage: quota.UsageSnapshot{
			Current:    firstNumber(breakdown, "currentUsageWithPrecision", "currentUsage"),
			Limit:      firstNumber(breakdown, "usageLimitWithPrecision", "usageLimit"),
			Percentage: firstNumber(breakdown, "percentageUsed", "percentUsed"),
		},
		Subscription: strings.TrimSpace(root.Get("subscriptionInfo.subscriptionTitle").String()),
		Email:        strings.TrimSpace(root.Get("userInfo.email").String()),
	}
	if reset := root.Get("nextDateReset"); reset.Exists() {
		if reset.Type == gjson.Number {
			out.NextReset = strconv.FormatFloat(reset.Float(), 'f', -1, 64)
		} else {
			out.NextReset = strings.TrimSpace(reset.String())
		}
	}
	return out, nil
}

func firstNumber(node gjson.Result, paths ...string) quota.Number {
	for _, path := range paths {
		v := node.Get(path)
		switch v.Type {
		case gjson.Number:
			return quota.Known(v.Float())
		case gjson.String:
			if n := quota.NumberFrom(v.String()); n.Known {
				return n
			}
		}
	}
	return quota.Unknown()
}

// ResetTime parses a reset timestamp in seconds or milliseconds.
func ResetTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := strconv.ParseFloat(raw, 64)
	if err != nil || ts <= 0 {
		return time.Time{}, false
	}
	if ts > 1e12 {
		ts = ts / 1000
	}
	return time.Unix(int64(ts), 0).UTC(), true
}

// ParseResetTime returns whole days until the reset and the RFC3339 reset date.
// Unparsable input yields (0, "").
func ParseResetTime(raw string, now time.Time) (daysUntilReset int, nextResetDate string) {
	resetTime, ok := ResetTime(raw)
	if !ok {
		return 0, ""
	}
	if now.IsZero() {
		now = time.Now()
	}
	daysUntilReset = int(resetTime.Sub(now).Hours() / 24)
	return daysUntilReset, resetTime.Format(time.RFC3339)
}

// Snapshot returns the usage counters as reported.
func (u *UsageLimits) Snapshot() quota.UsageSnapshot {
	if u == nil {
		return quota.UsageSnapshot{}
	}
	return u.Usage
}
