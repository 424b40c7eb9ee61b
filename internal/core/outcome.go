package core

import "time"

// Outcome is reported back to the pool after the caller's upstream call
// completes.
type Outcome struct {
	Success        bool  `json:"success"`
	LatencyMs      int64 `json:"latency_ms"`
	RequestTokens  int64 `json:"request_tokens"`
	ResponseTokens int64 `json:"response_tokens"`
	CacheHit       bool  `json:"cache_hit"`
}

// Constraints narrow the eligible set for a single selection.
type Constraints struct {
	// AllowedAccountIDs, when non-empty, is an explicit allow-list.
	AllowedAccountIDs []string
	// RequiredTier, when set, excludes accounts below this tier.
	RequiredTier Tier
}

// HealthSnapshot is a read-only observability view of one account.
type HealthSnapshot struct {
	AccountID     string           `json:"account_id"`
	Status        AccountStatus    `json:"status"`
	CircuitState  string           `json:"circuit_state"`
	Remaining     map[string]int64 `json:"remaining"`
	LastFailureAt *time.Time       `json:"last_failure_at,omitempty"`
}
