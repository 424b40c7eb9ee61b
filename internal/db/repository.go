package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/vastrel/credpool/internal/core"
)

type Repository struct {
	db *sqlx.DB
}

func NewConnection(databaseURL string, maxConns, maxIdle int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// Migrate applies pending schema migrations from the migrations directory.
func Migrate(databaseURL string) error {
	m, err := migrate.New("file://migrations", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

// Account operations
func (r *Repository) CreateAccount(a *core.Account) error {
	query := `
        INSERT INTO accounts (
            id, tenant_id, name, tier, priority, status,
            credential_ref, external_usage_id,
            requests_per_min, tokens_per_min, input_tokens_per_min,
            created_at, updated_at, created_by
        ) VALUES (
            :id, :tenant_id, :name, :tier, :priority, :status,
            :credential_ref, :external_usage_id,
            :requests_per_min, :tokens_per_min, :input_tokens_per_min,
            :created_at, :updated_at, :created_by
        )`

	_, err := r.db.NamedExec(query, a)
	return err
}

func (r *Repository) GetAccount(id, tenantID string) (*core.Account, error) {
	var a core.Account
	query := `SELECT * FROM accounts WHERE id = $1 AND tenant_id = $2`
	err := r.db.Get(&a, query, id, tenantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account not found")
	}
	return &a, err
}

func (r *Repository) GetAccountByID(id string) (*core.Account, error) {
	var a core.Account
	query := `SELECT * FROM accounts WHERE id = $1`
	err := r.db.Get(&a, query, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account not found")
	}
	return &a, err
}

func (r *Repository) GetAccountsByTenant(tenantID string) ([]*core.Account, error) {
	accounts := []*core.Account{}
	query := `
        SELECT * FROM accounts
        WHERE tenant_id = $1
        ORDER BY created_at ASC`

	err := r.db.Select(&accounts, query, tenantID)
	return accounts, err
}

// GetActiveAccountsByTenant returns candidates for selection in registration
// order, which round-robin relies on.
func (r *Repository) GetActiveAccountsByTenant(tenantID string) ([]*core.Account, error) {
	accounts := []*core.Account{}
	query := `
        SELECT * FROM accounts
        WHERE tenant_id = $1 AND status = $2
        ORDER BY created_at ASC`

	err := r.db.Select(&accounts, query, tenantID, core.StatusActive)
	return accounts, err
}

func (r *Repository) UpdateAccountStatus(id string, status core.AccountStatus) error {
	query := `UPDATE accounts SET status = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(query, id, status)
	return err
}

func (r *Repository) RecordAccountFailure(id string, at time.Time) error {
	query := `UPDATE accounts SET last_failure_at = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(query, id, at)
	return err
}

// GetAccountsForSync returns accounts the quota monitor reconciles: active or
// exhausted, with a known external usage identity. Exhausted accounts are
// included so dropping usage can resolve their alerts.
func (r *Repository) GetAccountsForSync() ([]*core.Account, error) {
	accounts := []*core.Account{}
	query := `
        SELECT * FROM accounts
        WHERE status IN ($1, $2) AND external_usage_id IS NOT NULL
        ORDER BY created_at ASC`

	err := r.db.Select(&accounts, query, core.StatusActive, core.StatusExhausted)
	return accounts, err
}

// Alert operations
func (r *Repository) CreateAlert(a *QuotaAlert) error {
	query := `
        INSERT INTO quota_alerts (
            id, account_id, tenant_id, threshold_type, percentage,
            details, resolved, created_at
        ) VALUES (
            :id, :account_id, :tenant_id, :threshold_type, :percentage,
            :details, :resolved, :created_at
        )`

	_, err := r.db.NamedExec(query, a)
	return err
}

func (r *Repository) GetUnresolvedAlert(accountID string, thresholdType ThresholdType) (*QuotaAlert, error) {
	var a QuotaAlert
	query := `
        SELECT * FROM quota_alerts
        WHERE account_id = $1 AND threshold_type = $2 AND resolved = false
        LIMIT 1`

	err := r.db.Get(&a, query, accountID, thresholdType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) ResolveAlert(id string) error {
	query := `
        UPDATE quota_alerts
        SET resolved = true, resolved_at = NOW()
        WHERE id = $1 AND resolved = false`

	_, err := r.db.Exec(query, id)
	return err
}

func (r *Repository) ListAlerts(f AlertFilters) ([]*QuotaAlert, error) {
	alerts := []*QuotaAlert{}

	query := `SELECT * FROM quota_alerts WHERE tenant_id = $1`
	args := []interface{}{f.TenantID}
	idx := 2

	if f.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", idx)
		args = append(args, f.AccountID)
		idx++
	}
	if f.Resolved == "true" || f.Resolved == "false" {
		query += fmt.Sprintf(" AND resolved = $%d", idx)
		args = append(args, f.Resolved == "true")
		idx++
	}
	if f.ThresholdType != "" {
		query += fmt.Sprintf(" AND threshold_type = $%d", idx)
		args = append(args, f.ThresholdType)
		idx++
	}

	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	err := r.db.Select(&alerts, query, args...)
	return alerts, err
}

// Circuit operations
func (r *Repository) SaveCircuit(c *CircuitRecord) error {
	query := `
        INSERT INTO circuit_states (
            account_id, state, consecutive_failures, consecutive_successes,
            opened_at, updated_at
        ) VALUES (
            :account_id, :state, :consecutive_failures, :consecutive_successes,
            :opened_at, :updated_at
        ) ON CONFLICT (account_id) DO UPDATE SET
            state = EXCLUDED.state,
            consecutive_failures = EXCLUDED.consecutive_failures,
            consecutive_successes = EXCLUDED.consecutive_successes,
            opened_at = EXCLUDED.opened_at,
            updated_at = EXCLUDED.updated_at`

	_, err := r.db.NamedExec(query, c)
	return err
}

func (r *Repository) GetCircuit(accountID string) (*CircuitRecord, error) {
	var c CircuitRecord
	query := `SELECT * FROM circuit_states WHERE account_id = $1`
	err := r.db.Get(&c, query, accountID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) ListCircuits() ([]*CircuitRecord, error) {
	records := []*CircuitRecord{}
	query := `SELECT * FROM circuit_states`
	err := r.db.Select(&records, query)
	return records, err
}
