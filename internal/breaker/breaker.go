package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/db"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Store persists circuit state across restarts. The in-memory copy stays
// authoritative; persistence is best-effort write-through.
type Store interface {
	SaveCircuit(c *db.CircuitRecord) error
	GetCircuit(accountID string) (*db.CircuitRecord, error)
}

// Stats is a read-only view of one account's circuit.
type Stats struct {
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// Breaker is a per-account failure-isolation state machine.
//
// CLOSED counts consecutive failures and opens at the configured threshold.
// OPEN excludes the account from selection; once the recovery timeout has
// elapsed the next Allow call moves it to HALF_OPEN — there is no background
// timer. HALF_OPEN reopens on a single failure and closes after the
// configured run of successes. Counters reset on every transition.
//
// Each account has its own lock, so outcome reports for one account are
// serialized while different accounts never contend.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit

	cfg    config.BreakerConfig
	store  Store
	logger *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

type circuit struct {
	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

func NewBreaker(cfg config.BreakerConfig, store Store, logger *zap.Logger) *Breaker {
	return &Breaker{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow reports whether the account may receive traffic. An OPEN circuit past
// its recovery timeout transitions to HALF_OPEN here, lazily.
func (b *Breaker) Allow(accountID string) bool {
	c := b.getOrLoad(accountID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.cfg.RecoveryTimeout {
		c.state = StateHalfOpen
		c.consecutiveFailures = 0
		c.consecutiveSuccesses = 0
		b.persist(accountID, c)
		b.logger.Info("Circuit half-open, probing",
			zap.String("account_id", accountID),
		)
	}

	return c.state != StateOpen
}

// RecordSuccess reports one successful upstream call.
func (b *Breaker) RecordSuccess(accountID string) {
	c := b.getOrLoad(accountID)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		if c.consecutiveFailures != 0 {
			c.consecutiveFailures = 0
			b.persist(accountID, c)
		}
	case StateHalfOpen:
		c.consecutiveSuccesses++
		if c.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			c.state = StateClosed
			c.consecutiveFailures = 0
			c.consecutiveSuccesses = 0
			c.openedAt = time.Time{}
			b.logger.Info("Circuit closed after recovery",
				zap.String("account_id", accountID),
			)
		}
		b.persist(accountID, c)
	case StateOpen:
		// A success from a call that was in flight before the circuit opened
		// carries no signal about current health.
	}
}

// RecordFailure reports one failed upstream call.
func (b *Breaker) RecordFailure(accountID string) {
	c := b.getOrLoad(accountID)

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.consecutiveFailures++
		if c.consecutiveFailures >= b.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
			c.consecutiveFailures = 0
			c.consecutiveSuccesses = 0
			b.logger.Warn("Circuit opened",
				zap.String("account_id", accountID),
				zap.Int("failure_threshold", b.cfg.FailureThreshold),
			)
		}
		b.persist(accountID, c)
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.now()
		c.consecutiveFailures = 0
		c.consecutiveSuccesses = 0
		b.persist(accountID, c)
		b.logger.Warn("Circuit reopened from half-open probe",
			zap.String("account_id", accountID),
		)
	case StateOpen:
	}
}

// Stats returns the circuit's current state without side effects.
func (b *Breaker) Stats(accountID string) Stats {
	c := b.getOrLoad(accountID)

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		State:                c.state,
		ConsecutiveFailures:  c.consecutiveFailures,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
	}
	if !c.openedAt.IsZero() {
		openedAt := c.openedAt
		stats.OpenedAt = &openedAt
	}
	return stats
}

// Reset forces the circuit closed. Operator escape hatch.
func (b *Breaker) Reset(accountID string) {
	c := b.getOrLoad(accountID)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateClosed
	c.consecutiveFailures = 0
	c.consecutiveSuccesses = 0
	c.openedAt = time.Time{}
	b.persist(accountID, c)

	b.logger.Info("Circuit reset by operator",
		zap.String("account_id", accountID),
	)
}

// getOrLoad returns the account's circuit, hydrating it from the store on
// first access. A store read failure falls back to CLOSED so a state-store
// outage never blocks traffic.
func (b *Breaker) getOrLoad(accountID string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[accountID]; ok {
		return c
	}

	c := &circuit{state: StateClosed}
	if b.store != nil {
		record, err := b.store.GetCircuit(accountID)
		if err != nil {
			b.logger.Warn("Failed to load circuit state, defaulting to closed",
				zap.String("account_id", accountID),
				zap.Error(err),
			)
		} else if record != nil {
			c.state = State(record.State)
			c.consecutiveFailures = record.ConsecutiveFailures
			c.consecutiveSuccesses = record.ConsecutiveSuccesses
			if record.OpenedAt != nil {
				c.openedAt = *record.OpenedAt
			}
		}
	}

	b.circuits[accountID] = c
	return c
}

// persist writes the circuit through to the store. Caller holds c.mu.
func (b *Breaker) persist(accountID string, c *circuit) {
	if b.store == nil {
		return
	}

	record := &db.CircuitRecord{
		AccountID:            accountID,
		State:                string(c.state),
		ConsecutiveFailures:  c.consecutiveFailures,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		UpdatedAt:            b.now(),
	}
	if !c.openedAt.IsZero() {
		openedAt := c.openedAt
		record.OpenedAt = &openedAt
	}

	if err := b.store.SaveCircuit(record); err != nil {
		b.logger.Error("Failed to persist circuit state",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
	}
}
