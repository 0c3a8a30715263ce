package executor

import "github.com/router-for-me/cliproxy-console/internal/config"

// ApplyMasqueradeTraceConfig applies the masquerade-trace section to the global store.
func ApplyMasqueradeTraceConfig(cfg *config.Config) {
	store := GetGlobalTraceStore()
	if cfg == nil {
		store.SetEnabled(false)
		store.SetMaxSize(DefaultMaxTraceRecords)
		return
	}
	store.SetMaxSize(cfg.MasqueradeTrace.MaxRecords)
	store.SetEnabled(cfg.MasqueradeTrace.Enable)
}
