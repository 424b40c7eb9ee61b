package selector

import (
	"math/rand"
	"sync"

	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/core"
)

const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastLoaded      = "least_loaded"
	StrategyPriorityWeighted = "priority_weighted"
	StrategyCapacityRandom   = "capacity_random"
)

func init() {
	Register(StrategyRoundRobin, func(config.SelectorConfig) Strategy {
		return &roundRobin{cursors: make(map[string]int)}
	})
	Register(StrategyLeastLoaded, func(config.SelectorConfig) Strategy {
		return leastLoaded{}
	})
	Register(StrategyPriorityWeighted, func(config.SelectorConfig) Strategy {
		return priorityWeighted{}
	})
	Register(StrategyCapacityRandom, func(cfg config.SelectorConfig) Strategy {
		return capacityRandom{floor: cfg.CapacityFloor}
	})
}

// roundRobin advances a per-tenant cursor across the eligible list, which the
// pool supplies in registration order.
type roundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

func (r *roundRobin) Name() string { return StrategyRoundRobin }

func (r *roundRobin) Pick(tenantID string, candidates []Candidate) *core.Account {
	if len(candidates) == 0 {
		return nil
	}

	r.mu.Lock()
	idx := r.cursors[tenantID] % len(candidates)
	r.cursors[tenantID] = idx + 1
	r.mu.Unlock()

	return candidates[idx].Account
}

// leastLoaded picks the candidate with the most remaining headroom on the
// primary metric, breaking ties by lowest absolute usage.
type leastLoaded struct{}

func (leastLoaded) Name() string { return StrategyLeastLoaded }

func (leastLoaded) Pick(_ string, candidates []Candidate) *core.Account {
	if len(candidates) == 0 {
		return nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.RemainingFraction > best.RemainingFraction {
			best = c
			continue
		}
		if c.RemainingFraction == best.RemainingFraction && c.Used < best.Used {
			best = c
		}
	}
	return best.Account
}

// priorityWeighted routes to the highest priority; equal-priority ties are
// broken by weighted random selection proportional to priority.
type priorityWeighted struct{}

func (priorityWeighted) Name() string { return StrategyPriorityWeighted }

func (priorityWeighted) Pick(_ string, candidates []Candidate) *core.Account {
	if len(candidates) == 0 {
		return nil
	}

	top := candidates[0].Account.Priority
	for _, c := range candidates[1:] {
		if c.Account.Priority > top {
			top = c.Account.Priority
		}
	}

	tied := make([]Candidate, 0, len(candidates))
	total := 0
	for _, c := range candidates {
		if c.Account.Priority == top {
			tied = append(tied, c)
			total += weightFor(c.Account.Priority)
		}
	}

	if len(tied) == 1 {
		return tied[0].Account
	}

	n := rand.Intn(total)
	for _, c := range tied {
		n -= weightFor(c.Account.Priority)
		if n < 0 {
			return c.Account
		}
	}
	return tied[len(tied)-1].Account
}

// weightFor keeps zero and negative priorities selectable.
func weightFor(priority int) int {
	if priority < 1 {
		return 1
	}
	return priority
}

// capacityRandom spreads load uniformly at random across candidates whose
// remaining-capacity fraction clears the configured floor; when none clears
// it, the whole eligible set (already within capacity) is used.
type capacityRandom struct {
	floor float64
}

func (capacityRandom) Name() string { return StrategyCapacityRandom }

func (s capacityRandom) Pick(_ string, candidates []Candidate) *core.Account {
	if len(candidates) == 0 {
		return nil
	}

	roomy := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.RemainingFraction > s.floor {
			roomy = append(roomy, c)
		}
	}
	if len(roomy) == 0 {
		roomy = candidates
	}

	return roomy[rand.Intn(len(roomy))].Account
}
