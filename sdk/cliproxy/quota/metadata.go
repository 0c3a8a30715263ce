package quota

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// MetadataKey stores quota snapshots inside auth metadata JSON files.
	MetadataKey = "cliproxy_quota"

	metadataProviderKey  = "provider"
	metadataUpdatedAtKey = "updated_at"
	metadataModelsKey    = "models"
	metadataPercentKey   = "percent"
	metadataResetKey     = "reset_time"
	metadataUsageKey     = "usage"
)

const quotaEqualEpsilon = 0.0001

// GetPercentFromMetadata returns the stored remaining percentage for a model.
func GetPercentFromMetadata(metadata map[string]any, model string) (float64, bool) {
	if entry, ok := GetModelQuotaFromMetadata(metadata, model); ok {
		return clampPercent(entry.Percent), true
	}
	return 0, false
}

// GetModelQuotaFromMetadata returns the stored quota entry for a model,
// falling back to the "*" wildcard entry.
func GetModelQuotaFromMetadata(metadata map[string]any, model string) (ModelQuota, bool) {
	snapshot := metadataSnapshot(metadata)
	if snapshot == nil {
		return ModelQuota{}, false
	}
	rawModels, ok := snapshot[metadataModelsKey].(map[string]any)
	if !ok {
		return ModelQuota{}, false
	}
	lookup := NormalizeModelKey(model)
	if lookup == "" {
		lookup = "*"
	}
	for _, key := range []string{lookup, "*"} {
		if entry, ok := rawModels[key]; ok {
			if quotaEntry, ok := readModelQuota(entry); ok {
				return quotaEntry, true
			}
		}
	}
	return ModelQuota{}, false
}

// GetUsageFromMetadata returns the raw usage counters stored by UpdateUsageMetadata.
func GetUsageFromMetadata(metadata map[string]any) (UsageSnapshot, bool) {
	snapshot := metadataSnapshot(metadata)
	if snapshot == nil {
		return UsageSnapshot{}, false
	}
	raw, ok := snapshot[metadataUsageKey].(map[string]any)
	if !ok {
		return UsageSnapshot{}, false
	}
	return UsageSnapshot{
		Current:    NumberFrom(raw["current"]),
		Limit:      NumberFrom(raw["limit"]),
		Percentage: NumberFrom(raw["percentage"]),
	}, true
}

// UpdateMetadata writes per-model quota into the metadata map.
// Returns true when metadata is changed.
func UpdateMetadata(metadata map[string]any, provider string, models map[string]ModelQuota, updatedAt time.Time) bool {
	if metadata == nil {
		return false
	}
	normalized := normalizeModelQuotaMap(models)
	if len(normalized) == 0 {
		return false
	}

	existingProvider := ""
	existingModels := map[string]ModelQuota{}
	var existingUsage any
	if snapshot := metadataSnapshot(metadata); snapshot != nil {
		existingProvider = normalizeString(snapshot[metadataProviderKey])
		existingModels = parseSnapshotModels(snapshot[metadataModelsKey])
		existingUsage = snapshot[metadataUsageKey]
	}

	if strings.EqualFold(strings.TrimSpace(provider), existingProvider) && modelQuotaMapEqual(existingModels, normalized) {
		return false
	}

	serialized := make(map[string]any, len(normalized))
	for key, entry := range normalized {
		item := map[string]any{
			metadataPercentKey: clampPercent(entry.Percent),
		}
		if !entry.ResetTime.IsZero() {
			item[metadataResetKey] = entry.ResetTime.UTC().Format(time.RFC3339Nano)
		}
		serialized[key] = item
	}

	snapshot := map[string]any{
		metadataProviderKey: strings.TrimSpace(provider),
		metadataModelsKey:   serialized,
	}
	if existingUsage != nil {
		snapshot[metadataUsageKey] = existingUsage
	}
	if !updatedAt.IsZero() {
		snapshot[metadataUpdatedAtKey] = updatedAt.UTC().Format(time.RFC3339Nano)
	}
	metadata[MetadataKey] = snapshot
	return true
}

// UpdateUsageMetadata stores raw usage counters and the derived remaining
// percent (as the "*" model) in one step. Returns true when metadata is changed.
func UpdateUsageMetadata(metadata map[string]any, provider string, usage UsageSnapshot, resetTime, updatedAt time.Time) bool {
	if metadata == nil {
		return false
	}
	changed := false
	if percent, ok := ComputeRemaining(usage).RemainingPercent.Float(); ok {
		changed = UpdateMetadata(metadata, provider, map[string]ModelQuota{"*": {Percent: percent, ResetTime: resetTime}}, updatedAt)
	}
	snapshot := metadataSnapshot(metadata)
	if snapshot == nil {
		snapshot = map[string]any{metadataProviderKey: strings.TrimSpace(provider)}
		metadata[MetadataKey] = snapshot
	}
	usageRecord := map[string]any{}
	for key, value := range map[string]Number{"current": usage.Current, "limit": usage.Limit, "percentage": usage.Percentage} {
		if v, ok := value.Float(); ok {
			usageRecord[key] = v
		}
	}
	if previous, ok := GetUsageFromMetadata(metadata); ok && usageEqual(previous, usage) {
		return changed
	}
	snapshot[metadataUsageKey] = usageRecord
	if !updatedAt.IsZero() {
		snapshot[metadataUpdatedAtKey] = updatedAt.UTC().Format(time.RFC3339Nano)
	}
	return true
}

func metadataSnapshot(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	snapshot, _ := metadata[MetadataKey].(map[string]any)
	return snapshot
}

func usageEqual(a, b UsageSnapshot) bool {
	return numberEqual(a.Current, b.Current) && numberEqual(a.Limit, b.Limit) && numberEqual(a.Percentage, b.Percentage)
}

func numberEqual(a, b Number) bool {
	av, aok := a.Float()
	bv, bok := b.Float()
	if aok != bok {
		return false
	}
	return !aok || math.Abs(av-bv) <= quotaEqualEpsilon
}

func parseSnapshotModels(raw any) map[string]ModelQuota {
	typed, ok := raw.(map[string]any)
	if !ok {
		return map[string]ModelQuota{}
	}
	out := make(map[string]ModelQuota, len(typed))
	for key, value := range typed {
		entry, ok := readModelQuota(value)
		if !ok {
			continue
		}
		modelKey := NormalizeModelKey(key)
		if modelKey == "" {
			continue
		}
		out[modelKey] = entry
	}
	return out
}

func readModelQuota(value any) (ModelQuota, bool) {
	if value == nil {
		return ModelQuota{}, false
	}
	if m, ok := value.(map[string]any); ok {
		percent, ok := readFloat(m[metadataPercentKey])
		if !ok {
			return ModelQuota{}, false
		}
		return ModelQuota{Percent: clampPercent(percent), ResetTime: parseTime(m[metadataResetKey])}, true
	}
	if percent, ok := readFloat(value); ok {
		return ModelQuota{Percent: clampPercent(percent)}, true
	}
	return ModelQuota{}, false
}

func parseTime(value any) time.Time {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC()
	case string:
		ts := strings.TrimSpace(typed)
		if ts == "" {
			return time.Time{}
		}
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}

func normalizeString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return strings.TrimSpace(typed.String())
	case float64:
		if !finite(typed) {
			return ""
		}
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int:
		return strconv.Itoa(typed)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return ""
	}
}
