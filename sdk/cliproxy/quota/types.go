package quota

import "time"

// ModelQuota captures the latest known remaining-quota percentage for a model.
type ModelQuota struct {
	Percent   float64
	UpdatedAt time.Time
	ResetTime time.Time
}

// UsageSnapshot is a point-in-time usage report against a limit.
// Any field may be unknown; unknown is never the same as zero.
type UsageSnapshot struct {
	Current    Number `json:"current"`
	Limit      Number `json:"limit"`
	Percentage Number `json:"percentage"`
}

// RemainingDisplay is the derived remaining quota shown to operators.
type RemainingDisplay struct {
	RemainingPercent Number `json:"remaining_percent"`
	RemainingAmount  Number `json:"remaining_amount"`
}
