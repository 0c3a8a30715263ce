package quota

import "math"

// ComputeRemaining derives the remaining percent and amount from a usage snapshot.
//
// The percent prefers the provider-reported percentage and falls back to
// current/limit. The amount only ever comes from the raw counters, even when
// a percentage is present.
func ComputeRemaining(in UsageSnapshot) RemainingDisplay {
	current, hasCurrent := in.Current.Float()
	limit, hasLimit := in.Limit.Float()
	percentage, hasPercentage := in.Percentage.Float()

	var (
		used      float64
		knownUsed bool
	)
	switch {
	case hasPercentage:
		used, knownUsed = percentage, true
	case hasCurrent && hasLimit && limit > 0:
		// Overflow to +Inf is fine here, clampPercent folds it to 100.
		used, knownUsed = current/limit*100, true
	}

	var out RemainingDisplay
	if knownUsed {
		out.RemainingPercent = Known(math.Max(0, 100-clampPercent(used)))
	}
	if hasCurrent && hasLimit {
		out.RemainingAmount = Known(math.Max(0, limit-current))
	}
	return out
}

