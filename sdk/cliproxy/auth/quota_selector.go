package auth

import (
	"context"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/cliproxy-console/sdk/cliproxy/quota"
)

const (
	quotaWeightScale = 100
	// quotaUnknownWeight treats an auth without quota data as half full.
	quotaUnknownWeight = 50 * quotaWeightScale
	// quotaResetHorizon is the window in which an upcoming reset boosts weight.
	quotaResetHorizon = 24 * time.Hour
)

type quotaCursor struct {
	current int
}

// QuotaWeightedSelector chooses auths based on remaining quota percentage.
// It uses smooth weighted round-robin within the highest priority tier, and
// never picks an auth whose remaining quota is zero.
type QuotaWeightedSelector struct {
	mu      sync.Mutex
	cursors map[string]map[string]*quotaCursor
	now     func() time.Time
}

// NewQuotaWeightedSelector constructs a selector that reads quota from auth metadata.
func NewQuotaWeightedSelector() *QuotaWeightedSelector {
	return &QuotaWeightedSelector{now: time.Now}
}

// Pick selects the next auth using quota-aware weighting.
func (s *QuotaWeightedSelector) Pick(ctx context.Context, provider, model string, auths []*Auth) (*Auth, error) {
	available := getAvailableAuths(auths, provider)
	if len(available) == 0 {
		return nil, errNotFound
	}
	if s == nil {
		rr := &RoundRobinSelector{}
		return rr.Pick(ctx, provider, model, auths)
	}
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}

	candidates := make([]*Auth, 0, len(available))
	weights := make([]int, 0, len(available))
	totalWeight := 0
	for _, candidate := range available {
		weight, _ := s.weightFor(candidate, model, now)
		if weight <= 0 {
			continue
		}
		candidates = append(candidates, candidate)
		weights = append(weights, weight)
		totalWeight += weight
	}
	if totalWeight <= 0 {
		return nil, &Error{Code: "auth_not_found", Message: "quota exhausted for all auths", HTTPStatus: http.StatusTooManyRequests}
	}

	key := provider + ":" + quota.NormalizeModelKey(model)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cursors == nil {
		s.cursors = make(map[string]map[string]*quotaCursor)
	}
	state := s.cursors[key]
	if state == nil {
		state = make(map[string]*quotaCursor)
		s.cursors[key] = state
	}
	bestIdx := 0
	bestScore := 0
	for i, candidate := range candidates {
		cursor := state[candidate.ID]
		if cursor == nil {
			cursor = &quotaCursor{}
			state[candidate.ID] = cursor
		}
		cursor.current += weights[i]
		if i == 0 || cursor.current > bestScore {
			bestScore = cursor.current
			bestIdx = i
		}
	}
	state[candidates[bestIdx].ID].current -= totalWeight
	if len(state) > len(candidates) {
		live := make(map[string]struct{}, len(candidates))
		for _, candidate := range candidates {
			live[candidate.ID] = struct{}{}
		}
		for id := range state {
			if _, ok := live[id]; !ok {
				delete(state, id)
			}
		}
	}
	return candidates[bestIdx], nil
}

// weightFor returns the selection weight of an auth and whether quota data
// was found for it. An upcoming reset raises the weight so quota that would
// expire anyway is spent first.
func (s *QuotaWeightedSelector) weightFor(a *Auth, model string, now time.Time) (int, bool) {
	if a == nil {
		return quotaUnknownWeight, false
	}
	lookupModel := model
	if strings.TrimSpace(lookupModel) == "" {
		lookupModel = "*"
	}
	entry, ok := quota.GetModelQuotaFromMetadata(a.Metadata, lookupModel)
	if !ok {
		if usage, found := quota.GetUsageFromMetadata(a.Metadata); found {
			if percent, known := quota.ComputeRemaining(usage).RemainingPercent.Float(); known {
				entry, ok = quota.ModelQuota{Percent: percent}, true
			}
		}
	}
	if !ok {
		return quotaUnknownWeight, false
	}
	if entry.Percent <= 0 {
		return 0, true
	}
	percent := math.Min(entry.Percent, 100)
	boost := 1.0
	if !entry.ResetTime.IsZero() {
		if until := entry.ResetTime.Sub(now); until > 0 && until < quotaResetHorizon {
			boost += 1 - float64(until)/float64(quotaResetHorizon)
		}
	}
	weight := int(math.Round(percent * quotaWeightScale * boost))
	if weight < 0 {
		return 0, true
	}
	return weight, true
}
