package quota

import (
	"strings"
	"time"

	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
)

// antigravityQuotaGroups lists models that draw on one shared quota pool.
var antigravityQuotaGroups = map[string][]string{
	"claude-gpt": {
		"claude-sonnet-4-5-thinking",
		"claude-opus-4-5-thinking",
		"gpt-oss-120b-medium",
	},
	"gemini-3-pro": {
		"gemini-3-pro-high",
		"gemini-3-pro-low",
	},
	"gemini-2-5-flash": {
		"gemini-2.5-flash",
		"gemini-2.5-flash-thinking",
	},
	"gemini-2-5-flash-lite": {
		"gemini-2.5-flash-lite",
	},
	"gemini-3-flash": {
		"gemini-3-flash",
	},
	"gemini-image": {
		"gemini-3-pro-image",
	},
}

var antigravityModelGroup = func() map[string]string {
	m := make(map[string]string)
	for group, models := range antigravityQuotaGroups {
		for _, model := range models {
			m[model] = group
		}
	}
	return m
}()

// quotaGroupOf returns the pool a model belongs to, or the model itself.
// Dated variants such as claude-sonnet-4-5-20250929 match by prefix.
func quotaGroupOf(model string) string {
	if model == "" {
		return ""
	}
	if group := antigravityModelGroup[model]; group != "" {
		return group
	}
	for group, models := range antigravityQuotaGroups {
		for _, base := range models {
			if strings.HasPrefix(model, strings.TrimSuffix(base, "-thinking")) {
				return group
			}
		}
	}
	return model
}

// shareGroupQuota gives every reported model of a pool the lowest percent seen
// in that pool along with the latest reset time.
func shareGroupQuota(models map[string]quota.ModelQuota) {
	type pool struct {
		percent float64
		reset   time.Time
		seen    bool
	}
	pools := make(map[string]*pool)
	for model, entry := range models {
		g := quotaGroupOf(model)
		p := pools[g]
		if p == nil {
			p = &pool{}
			pools[g] = p
		}
		if !p.seen || entry.Percent < p.percent {
			p.percent = entry.Percent
			p.seen = true
		}
		if entry.ResetTime.After(p.reset) {
			p.reset = entry.ResetTime
		}
	}
	for model, entry := range models {
		p := pools[quotaGroupOf(model)]
		entry.Percent = p.percent
		if !p.reset.IsZero() {
			entry.ResetTime = p.reset
		}
		models[model] = entry
	}
}
