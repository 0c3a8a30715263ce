package quota

import "strings"

// NormalizeModelKey standardizes model identifiers for quota lookups.
// A trailing thinking budget such as "(8192)" or "(high)" and any
// "provider/" prefix are removed.
func NormalizeModelKey(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return ""
	}
	if strings.HasSuffix(model, ")") {
		if idx := strings.LastIndex(model, "("); idx > 0 {
			model = model[:idx]
		}
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return ""
	}
	return strings.ToLower(model)
}
