package auth

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Selector picks one credential for a provider/model pair.
type Selector interface {
	Pick(ctx context.Context, provider, model string, auths []*Auth) (*Auth, error)
}

// NewSelector returns the selector for a routing strategy name. Unknown names
// fall back to round-robin.
func NewSelector(strategy string) Selector {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "fill-first", "fillfirst":
		return FillFirstSelector{}
	case "quota-weighted", "quota":
		return NewQuotaWeightedSelector()
	default:
		return &RoundRobinSelector{}
	}
}

// RoundRobinSelector cycles through the highest-priority usable auths.
type RoundRobinSelector struct {
	mu      sync.Mutex
	cursors map[string]int
}

// Pick returns the next auth in ID order within the top priority bucket.
func (s *RoundRobinSelector) Pick(ctx context.Context, provider, model string, auths []*Auth) (*Auth, error) {
	_ = ctx
	available := getAvailableAuths(auths, provider)
	if len(available) == 0 {
		return nil, errNotFound
	}
	key := provider + ":" + strings.ToLower(strings.TrimSpace(model))
	s.mu.Lock()
	if s.cursors == nil {
		s.cursors = make(map[string]int)
	}
	idx := s.cursors[key] % len(available)
	s.cursors[key] = idx + 1
	s.mu.Unlock()
	return available[idx], nil
}

// FillFirstSelector always returns the first usable auth in ID order.
type FillFirstSelector struct{}

// Pick returns the lowest ID within the top priority bucket.
func (FillFirstSelector) Pick(ctx context.Context, provider, model string, auths []*Auth) (*Auth, error) {
	_, _ = ctx, model
	available := getAvailableAuths(auths, provider)
	if len(available) == 0 {
		return nil, errNotFound
	}
	return available[0], nil
}

// getAvailableAuths filters usable auths for a provider and keeps only the
// highest priority bucket, sorted by ID. An empty provider, or "mixed",
// matches any provider.
func getAvailableAuths(auths []*Auth, provider string) []*Auth {
	provider = strings.ToLower(strings.TrimSpace(provider))
	matchAll := provider == "" || provider == "mixed"
	best := 0
	bestSet := false
	var out []*Auth
	for _, a := range auths {
		if !a.Usable() {
			continue
		}
		if !matchAll && !strings.EqualFold(strings.TrimSpace(a.Provider), provider) {
			continue
		}
		p := a.Priority()
		switch {
		case !bestSet || p > best:
			best, bestSet = p, true
			out = append(out[:0], a)
		case p == best:
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
