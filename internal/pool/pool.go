package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/alerts"
	"github.com/vastrel/credpool/internal/breaker"
	"github.com/vastrel/credpool/internal/capacity"
	"github.com/vastrel/credpool/internal/core"
	"github.com/vastrel/credpool/internal/metrics"
	"github.com/vastrel/credpool/internal/selector"
)

// ErrConfiguration marks registration input rejected synchronously: bad
// credential envelope or unknown tier.
var ErrConfiguration = errors.New("configuration error")

// AccountStore is the durable account source. *db.Repository satisfies it;
// tests supply an in-memory implementation.
type AccountStore interface {
	CreateAccount(a *core.Account) error
	GetAccountByID(id string) (*core.Account, error)
	GetAccountsByTenant(tenantID string) ([]*core.Account, error)
	GetActiveAccountsByTenant(tenantID string) ([]*core.Account, error)
	UpdateAccountStatus(id string, status core.AccountStatus) error
	RecordAccountFailure(id string, at time.Time) error
}

// Pool brokers access to a tenant's upstream accounts: it filters by status,
// circuit state, and capacity, delegates the final pick to the configured
// strategy, and feeds call outcomes back into the tracker and breaker.
//
// Selection reads a best-effort snapshot and usage lands only after the
// caller's upstream call completes, so two concurrent callers can pick the
// same account before either's usage is visible. Capacity is a soft ceiling;
// bounded overshoot under bursty concurrency is accepted.
type Pool struct {
	store      AccountStore
	tracker    *capacity.Tracker
	breaker    *breaker.Breaker
	strategy   selector.Strategy
	dispatcher *alerts.Dispatcher
	metrics    *metrics.Collector
	logger     *zap.Logger
}

func New(store AccountStore, tracker *capacity.Tracker, brk *breaker.Breaker, strategy selector.Strategy, dispatcher *alerts.Dispatcher, collector *metrics.Collector, logger *zap.Logger) *Pool {
	return &Pool{
		store:      store,
		tracker:    tracker,
		breaker:    brk,
		strategy:   strategy,
		dispatcher: dispatcher,
		metrics:    collector,
		logger:     logger,
	}
}

// SelectAccount returns the chosen account, or nil when every account is
// excluded. A nil result is backpressure, not an error: callers must surface
// their own retryable/overload response.
func (p *Pool) SelectAccount(ctx context.Context, tenantID string, constraints core.Constraints) (*core.Account, error) {
	start := time.Now()

	accounts, err := p.store.GetActiveAccountsByTenant(tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}

	candidates := p.filterEligible(ctx, tenantID, accounts, constraints)

	if len(candidates) == 0 {
		p.metrics.RecordEmptySelection(tenantID)
		p.logger.Warn("No eligible accounts",
			zap.String("tenant_id", tenantID),
			zap.Int("account_count", len(accounts)),
		)
		p.dispatcher.Send(ctx, alerts.AlertPoolExhausted, tenantID, map[string]interface{}{
			"account_count": len(accounts),
		})
		return nil, nil
	}

	chosen := p.strategy.Pick(tenantID, candidates)
	if chosen == nil {
		p.metrics.RecordEmptySelection(tenantID)
		return nil, nil
	}

	p.metrics.RecordSelection(tenantID, p.strategy.Name(), time.Since(start).Seconds())
	p.logger.Debug("Selected account",
		zap.String("tenant_id", tenantID),
		zap.String("account_id", chosen.ID),
		zap.String("strategy", p.strategy.Name()),
	)

	return chosen, nil
}

func (p *Pool) filterEligible(ctx context.Context, tenantID string, accounts []*core.Account, constraints core.Constraints) []selector.Candidate {
	var allowed map[string]bool
	if len(constraints.AllowedAccountIDs) > 0 {
		allowed = make(map[string]bool, len(constraints.AllowedAccountIDs))
		for _, id := range constraints.AllowedAccountIDs {
			allowed[id] = true
		}
	}

	candidates := make([]selector.Candidate, 0, len(accounts))
	for _, account := range accounts {
		if account.Status != core.StatusActive {
			continue
		}
		if allowed != nil && !allowed[account.ID] {
			continue
		}
		if constraints.RequiredTier != "" && !account.Tier.AtLeast(constraints.RequiredTier) {
			continue
		}

		if !p.breaker.Allow(account.ID) {
			p.metrics.RecordCircuitRejection(tenantID)
			continue
		}

		avail := p.tracker.HasCapacity(ctx, account, capacity.Usage{Requests: 1})
		if !avail.Available {
			p.metrics.RecordCapacityRejection(tenantID)
			continue
		}

		limit := account.EffectiveLimits().RequestsPerMin
		remaining := avail.Remaining[capacity.MetricRequests]
		fraction := 1.0
		if limit > 0 {
			fraction = float64(remaining) / float64(limit)
		}

		candidates = append(candidates, selector.Candidate{
			Account:           account,
			RemainingFraction: fraction,
			Used:              limit - remaining,
		})
	}

	return candidates
}

// RecordOutcome feeds one completed upstream call back into the tracker and
// breaker. Usage is recorded on failures too, since a failed call may still
// have consumed tokens.
func (p *Pool) RecordOutcome(ctx context.Context, accountID string, outcome core.Outcome) {
	usage := capacity.Usage{
		Requests:    1,
		Tokens:      outcome.RequestTokens + outcome.ResponseTokens,
		InputTokens: outcome.RequestTokens,
		CacheRead:   outcome.CacheHit,
	}

	if err := p.tracker.RecordUsage(ctx, accountID, usage); err != nil {
		p.logger.Warn("Usage not recorded for outcome",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
	p.metrics.RecordTokens(accountID, string(capacity.MetricTokens), usage.Tokens)
	p.metrics.RecordTokens(accountID, string(capacity.MetricInputTokens), usage.InputTokens)

	if outcome.Success {
		p.breaker.RecordSuccess(accountID)
	} else {
		p.breaker.RecordFailure(accountID)
		if err := p.store.RecordAccountFailure(accountID, time.Now()); err != nil {
			p.logger.Warn("Failed to persist last failure time",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		}
	}

	stats := p.breaker.Stats(accountID)
	p.metrics.SetCircuitState(accountID, string(stats.State))
	p.metrics.RecordOutcome(accountID, outcome.Success, float64(outcome.LatencyMs)/1000)
}

// Registration is the input for RegisterAccount.
type Registration struct {
	TenantID          string
	Name              string
	Tier              core.Tier
	Priority          int
	CredentialRef     string
	ExternalUsageID   *string
	RequestsPerMin    *int64
	TokensPerMin      *int64
	InputTokensPerMin *int64
	CreatedBy         string
}

// RegisterAccount validates and activates a new account. Credential format
// and tier are checked synchronously; invalid input is never admitted.
func (p *Pool) RegisterAccount(reg Registration) (*core.Account, error) {
	if !reg.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrConfiguration, reg.Tier)
	}
	if err := core.ValidateCredentialRef(reg.CredentialRef); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	now := time.Now()
	account := &core.Account{
		ID:                uuid.New().String(),
		TenantID:          reg.TenantID,
		Name:              reg.Name,
		Tier:              reg.Tier,
		Priority:          reg.Priority,
		Status:            core.StatusActive,
		CredentialRef:     reg.CredentialRef,
		ExternalUsageID:   reg.ExternalUsageID,
		RequestsPerMin:    reg.RequestsPerMin,
		TokensPerMin:      reg.TokensPerMin,
		InputTokensPerMin: reg.InputTokensPerMin,
		CreatedAt:         now,
		UpdatedAt:         now,
		CreatedBy:         reg.CreatedBy,
	}

	if err := p.store.CreateAccount(account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	p.logger.Info("Account registered",
		zap.String("account_id", account.ID),
		zap.String("tenant_id", account.TenantID),
		zap.String("tier", string(account.Tier)),
	)

	return account, nil
}

// DeregisterAccount disables an account. Always a soft status change so
// audit and alert history survive.
func (p *Pool) DeregisterAccount(accountID string) error {
	if err := p.store.UpdateAccountStatus(accountID, core.StatusDisabled); err != nil {
		return fmt.Errorf("failed to disable account: %w", err)
	}

	p.logger.Info("Account deregistered",
		zap.String("account_id", accountID),
	)
	return nil
}

// GetHealth returns one account's observability snapshot without mutating
// any state.
func (p *Pool) GetHealth(ctx context.Context, accountID string) (*core.HealthSnapshot, error) {
	account, err := p.store.GetAccountByID(accountID)
	if err != nil {
		return nil, err
	}
	return p.snapshot(ctx, account), nil
}

// GetAllHealth returns snapshots for every account of the tenant.
func (p *Pool) GetAllHealth(ctx context.Context, tenantID string) ([]*core.HealthSnapshot, error) {
	accounts, err := p.store.GetAccountsByTenant(tenantID)
	if err != nil {
		return nil, err
	}

	snapshots := make([]*core.HealthSnapshot, 0, len(accounts))
	for _, account := range accounts {
		snapshots = append(snapshots, p.snapshot(ctx, account))
	}
	return snapshots, nil
}

func (p *Pool) snapshot(ctx context.Context, account *core.Account) *core.HealthSnapshot {
	stats := p.breaker.Stats(account.ID)
	limits := account.EffectiveLimits()

	remaining := map[string]int64{}
	used, err := p.tracker.WindowUsage(ctx, account.ID)
	if err == nil {
		remaining[string(capacity.MetricRequests)] = clampZero(limits.RequestsPerMin - used[capacity.MetricRequests])
		remaining[string(capacity.MetricTokens)] = clampZero(limits.TokensPerMin - used[capacity.MetricTokens])
		remaining[string(capacity.MetricInputTokens)] = clampZero(limits.InputTokensPerMin - used[capacity.MetricInputTokens])
	}

	return &core.HealthSnapshot{
		AccountID:     account.ID,
		Status:        account.Status,
		CircuitState:  string(stats.State),
		Remaining:     remaining,
		LastFailureAt: account.LastFailureAt,
	}
}

// ResetCircuit is the operator escape hatch for a stuck breaker.
func (p *Pool) ResetCircuit(accountID string) {
	p.breaker.Reset(accountID)
	p.metrics.SetCircuitState(accountID, string(breaker.StateClosed))
}

func clampZero(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
