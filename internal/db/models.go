package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

type ThresholdType string

const (
	ThresholdWarning   ThresholdType = "warning"
	ThresholdCritical  ThresholdType = "critical"
	ThresholdExhausted ThresholdType = "exhausted"
)

// QuotaAlert records one threshold crossing for one account. At most one
// unresolved alert exists per (account, threshold type); the partial unique
// index in the schema enforces it.
type QuotaAlert struct {
	ID            string        `json:"id" db:"id"`
	AccountID     string        `json:"account_id" db:"account_id"`
	TenantID      string        `json:"-" db:"tenant_id"`
	ThresholdType ThresholdType `json:"threshold_type" db:"threshold_type"`
	Percentage    float64       `json:"percentage" db:"percentage"`
	Details       JSONB         `json:"details,omitempty" db:"details"`
	Resolved      bool          `json:"resolved" db:"resolved"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	ResolvedAt    *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
}

// CircuitRecord is the durable copy of one account's breaker state. The
// in-memory breaker is authoritative; rows are written through on every
// transition so state survives restart.
type CircuitRecord struct {
	AccountID            string     `json:"account_id" db:"account_id"`
	State                string     `json:"state" db:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures" db:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes" db:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty" db:"opened_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

type AlertFilters struct {
	TenantID      string
	AccountID     string
	Resolved      string // "true", "false", or empty for both
	ThresholdType string
	Limit         int
	Offset        int
}

// JSONB maps to a postgres jsonb column.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	return json.Unmarshal(value.([]byte), j)
}
