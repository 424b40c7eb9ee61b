package core

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierScale      Tier = "scale"
	TierEnterprise Tier = "enterprise"
)

// tierRank orders tiers for constraint checks (requiredTier means "at least").
var tierRank = map[Tier]int{
	TierFree:       0,
	TierPro:        1,
	TierScale:      2,
	TierEnterprise: 3,
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// AtLeast reports whether t is the same tier as other or a higher one.
func (t Tier) AtLeast(other Tier) bool {
	return tierRank[t] >= tierRank[other]
}

// Limits are per-minute ceilings for a single account.
type Limits struct {
	RequestsPerMin    int64 `json:"requests_per_min"`
	TokensPerMin      int64 `json:"tokens_per_min"`
	InputTokensPerMin int64 `json:"input_tokens_per_min"`
}

var tierDefaults = map[Tier]Limits{
	TierFree:       {RequestsPerMin: 50, TokensPerMin: 40_000, InputTokensPerMin: 20_000},
	TierPro:        {RequestsPerMin: 1_000, TokensPerMin: 400_000, InputTokensPerMin: 200_000},
	TierScale:      {RequestsPerMin: 4_000, TokensPerMin: 2_000_000, InputTokensPerMin: 800_000},
	TierEnterprise: {RequestsPerMin: 10_000, TokensPerMin: 8_000_000, InputTokensPerMin: 4_000_000},
}

// DefaultLimits returns the tier's built-in limits.
func DefaultLimits(t Tier) Limits {
	return tierDefaults[t]
}

type AccountStatus string

const (
	StatusActive    AccountStatus = "active"
	StatusDisabled  AccountStatus = "disabled"
	StatusExhausted AccountStatus = "exhausted"
)

type Account struct {
	ID       string        `json:"id" db:"id"`
	TenantID string        `json:"-" db:"tenant_id"`
	Name     string        `json:"name" db:"name"`
	Tier     Tier          `json:"tier" db:"tier"`
	Priority int           `json:"priority" db:"priority"`
	Status   AccountStatus `json:"status" db:"status"`

	// CredentialRef is the encrypted credential reference. It is decrypted
	// only at point of use by the caller and must never be logged.
	CredentialRef string `json:"-" db:"credential_ref"`

	// ExternalUsageID identifies the account at the usage authority. Accounts
	// without one are skipped by the quota monitor.
	ExternalUsageID *string `json:"external_usage_id,omitempty" db:"external_usage_id"`

	// Per-account overrides; nil falls back to the tier default.
	RequestsPerMin    *int64 `json:"requests_per_min,omitempty" db:"requests_per_min"`
	TokensPerMin      *int64 `json:"tokens_per_min,omitempty" db:"tokens_per_min"`
	InputTokensPerMin *int64 `json:"input_tokens_per_min,omitempty" db:"input_tokens_per_min"`

	LastFailureAt *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
	CreatedBy     string     `json:"created_by" db:"created_by"`
}

// EffectiveLimits resolves per-account overrides against the tier defaults.
func (a *Account) EffectiveLimits() Limits {
	limits := DefaultLimits(a.Tier)
	if a.RequestsPerMin != nil {
		limits.RequestsPerMin = *a.RequestsPerMin
	}
	if a.TokensPerMin != nil {
		limits.TokensPerMin = *a.TokensPerMin
	}
	if a.InputTokensPerMin != nil {
		limits.InputTokensPerMin = *a.InputTokensPerMin
	}
	return limits
}

const credentialRefPrefix = "enc:v1:"

// ValidateCredentialRef checks the encrypted-reference envelope without ever
// decoding credential material.
func ValidateCredentialRef(ref string) error {
	if !strings.HasPrefix(ref, credentialRefPrefix) {
		return fmt.Errorf("credential reference must use the %q envelope", credentialRefPrefix)
	}
	payload := strings.TrimPrefix(ref, credentialRefPrefix)
	if payload == "" {
		return fmt.Errorf("credential reference payload is empty")
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return fmt.Errorf("credential reference payload is not valid base64")
	}
	return nil
}
