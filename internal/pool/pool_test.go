package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/alerts"
	"github.com/vastrel/credpool/internal/breaker"
	"github.com/vastrel/credpool/internal/capacity"
	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/core"
	"github.com/vastrel/credpool/internal/metrics"
	"github.com/vastrel/credpool/internal/selector"
	"github.com/vastrel/credpool/internal/storage/redis"
)

type memStore struct {
	mu       sync.Mutex
	accounts map[string]*core.Account
	order    []string
}

func newMemStore() *memStore {
	return &memStore{accounts: make(map[string]*core.Account)}
}

func (s *memStore) CreateAccount(a *core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *a
	s.accounts[a.ID] = &copied
	s.order = append(s.order, a.ID)
	return nil
}

func (s *memStore) GetAccountByID(id string) (*core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account not found")
	}
	copied := *a
	return &copied, nil
}

func (s *memStore) GetAccountsByTenant(tenantID string) ([]*core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Account
	for _, id := range s.order {
		if s.accounts[id].TenantID == tenantID {
			copied := *s.accounts[id]
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) GetActiveAccountsByTenant(tenantID string) ([]*core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Account
	for _, id := range s.order {
		a := s.accounts[id]
		if a.TenantID == tenantID && a.Status == core.StatusActive {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *memStore) UpdateAccountStatus(id string, status core.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account not found")
	}
	a.Status = status
	return nil
}

func (s *memStore) RecordAccountFailure(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		a.LastFailureAt = &at
	}
	return nil
}

type countingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *countingNotifier) Send(_ context.Context, _, message string, _ alerts.Severity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, message)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type poolFixture struct {
	pool     *Pool
	store    *memStore
	notifier *countingNotifier
	srv      *miniredis.Miniredis
}

func newPoolFixture(t *testing.T, strategyName string, breakerCfg config.BreakerConfig) *poolFixture {
	t.Helper()

	srv := miniredis.RunT(t)
	cache := redis.NewClient(srv.Addr())
	logger := zap.NewNop()
	collector := metrics.NewCollectorWith(prometheus.NewRegistry())

	tracker := capacity.NewTracker(cache, config.CapacityConfig{
		WindowWidth:       60 * time.Second,
		BucketSize:        time.Second,
		CacheReadDiscount: 0.1,
		FailOpen:          true,
		CheckTimeout:      2 * time.Second,
	}, logger)

	brk := breaker.NewBreaker(breakerCfg, nil, logger)

	strategy, err := selector.New(strategyName, config.SelectorConfig{CapacityFloor: 0.2})
	require.NoError(t, err)

	notifier := &countingNotifier{}
	dispatcher := alerts.NewDispatcher(cache, notifier, config.AlertingConfig{
		Cooldown: 15 * time.Minute,
		Channel:  "ops-quota",
	}, collector, logger)

	store := newMemStore()

	return &poolFixture{
		pool:     New(store, tracker, brk, strategy, dispatcher, collector, logger),
		store:    store,
		notifier: notifier,
		srv:      srv,
	}
}

func defaultBreakerCfg() config.BreakerConfig {
	return config.BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
	}
}

func addAccount(t *testing.T, f *poolFixture, id, tenantID string, tier core.Tier, priority int) {
	t.Helper()

	rpm := int64(100)
	require.NoError(t, f.store.CreateAccount(&core.Account{
		ID:             id,
		TenantID:       tenantID,
		Name:           id,
		Tier:           tier,
		Priority:       priority,
		Status:         core.StatusActive,
		CredentialRef:  "enc:v1:Zm9v",
		RequestsPerMin: &rpm,
	}))
}

func TestPool_SelectsFromEligibleAccounts(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())
	addAccount(t, f, "a", "t1", core.TierPro, 1)
	addAccount(t, f, "b", "t1", core.TierPro, 1)

	first, err := f.pool.SelectAccount(context.Background(), "t1", core.Constraints{})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "a", first.ID)

	second, err := f.pool.SelectAccount(context.Background(), "t1", core.Constraints{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "b", second.ID)
}

func TestPool_AllowListNarrowsSelection(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())
	addAccount(t, f, "a", "t1", core.TierPro, 1)
	addAccount(t, f, "b", "t1", core.TierPro, 1)

	for i := 0; i < 3; i++ {
		chosen, err := f.pool.SelectAccount(context.Background(), "t1", core.Constraints{
			AllowedAccountIDs: []string{"b"},
		})
		require.NoError(t, err)
		require.NotNil(t, chosen)
		assert.Equal(t, "b", chosen.ID)
	}
}

func TestPool_RequiredTierExcludesLowerTiers(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())
	addAccount(t, f, "small", "t1", core.TierFree, 1)
	addAccount(t, f, "big", "t1", core.TierScale, 1)

	chosen, err := f.pool.SelectAccount(context.Background(), "t1", core.Constraints{
		RequiredTier: core.TierPro,
	})
	require.NoError(t, err)
	require.NotNil(t, chosen)
	assert.Equal(t, "big", chosen.ID)
}

func TestPool_FailingAccountIsIsolatedAndRecovers(t *testing.T) {
	cfg := defaultBreakerCfg()
	cfg.RecoveryTimeout = 30 * time.Millisecond
	f := newPoolFixture(t, selector.StrategyRoundRobin, cfg)
	addAccount(t, f, "a", "t1", core.TierPro, 1)
	addAccount(t, f, "b", "t1", core.TierPro, 1)
	ctx := context.Background()

	// Five consecutive failures open A's circuit
	for i := 0; i < 5; i++ {
		f.pool.RecordOutcome(ctx, "a", core.Outcome{Success: false})
	}

	// Selection now only ever routes to B
	for i := 0; i < 4; i++ {
		chosen, err := f.pool.SelectAccount(ctx, "t1", core.Constraints{})
		require.NoError(t, err)
		require.NotNil(t, chosen)
		assert.Equal(t, "b", chosen.ID)
	}

	// After the recovery window the next selection probes A half-open, and
	// three successes restore it
	time.Sleep(40 * time.Millisecond)
	_, err := f.pool.SelectAccount(ctx, "t1", core.Constraints{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		f.pool.RecordOutcome(ctx, "a", core.Outcome{Success: true})
	}

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		chosen, err := f.pool.SelectAccount(ctx, "t1", core.Constraints{})
		require.NoError(t, err)
		require.NotNil(t, chosen)
		seen[chosen.ID] = true
	}
	assert.True(t, seen["a"], "recovered account should rejoin rotation")
}

func TestPool_ExhaustedSelectionRaisesOneAlert(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())
	addAccount(t, f, "a", "t1", core.TierPro, 1)
	addAccount(t, f, "b", "t1", core.TierPro, 1)
	ctx := context.Background()

	// Open every circuit
	for _, id := range []string{"a", "b"} {
		for i := 0; i < 5; i++ {
			f.pool.RecordOutcome(ctx, id, core.Outcome{Success: false})
		}
	}

	for i := 0; i < 3; i++ {
		chosen, err := f.pool.SelectAccount(ctx, "t1", core.Constraints{})
		require.NoError(t, err)
		assert.Nil(t, chosen, "no eligible account is backpressure, not an error")
	}

	// Cooldown-gated: sustained exhaustion produces exactly one alert
	assert.Equal(t, 1, f.notifier.count())
}

func TestPool_AccountAtCapacityIsExcluded(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())
	addAccount(t, f, "a", "t1", core.TierPro, 1)
	addAccount(t, f, "b", "t1", core.TierPro, 1)
	ctx := context.Background()

	// Exhaust A's request window (limit 100)
	for i := 0; i < 100; i++ {
		f.pool.RecordOutcome(ctx, "a", core.Outcome{Success: true})
	}

	for i := 0; i < 3; i++ {
		chosen, err := f.pool.SelectAccount(ctx, "t1", core.Constraints{})
		require.NoError(t, err)
		require.NotNil(t, chosen)
		assert.Equal(t, "b", chosen.ID)
	}
}

func TestPool_RecordOutcomeTracksUsage(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyLeastLoaded, defaultBreakerCfg())
	addAccount(t, f, "a", "t1", core.TierPro, 1)
	ctx := context.Background()

	f.pool.RecordOutcome(ctx, "a", core.Outcome{
		Success:        true,
		RequestTokens:  400,
		ResponseTokens: 600,
	})

	snapshot, err := f.pool.GetHealth(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(99), snapshot.Remaining["requests"])
	// Pro tier token limit 400k minus 1k recorded
	assert.Equal(t, int64(399_000), snapshot.Remaining["tokens"])
}

func TestPool_RegisterAccountRejectsBadInput(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())

	_, err := f.pool.RegisterAccount(Registration{
		TenantID:      "t1",
		Name:          "acct",
		Tier:          "platinum",
		CredentialRef: "enc:v1:Zm9v",
	})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = f.pool.RegisterAccount(Registration{
		TenantID:      "t1",
		Name:          "acct",
		Tier:          core.TierPro,
		CredentialRef: "sk-plaintext-secret",
	})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestPool_DeregisterIsSoft(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())
	addAccount(t, f, "a", "t1", core.TierPro, 1)

	require.NoError(t, f.pool.DeregisterAccount("a"))

	account, err := f.store.GetAccountByID("a")
	require.NoError(t, err)
	assert.Equal(t, core.StatusDisabled, account.Status)

	chosen, err := f.pool.SelectAccount(context.Background(), "t1", core.Constraints{})
	require.NoError(t, err)
	assert.Nil(t, chosen)
}

func TestPool_HealthSnapshotDoesNotMutateState(t *testing.T) {
	f := newPoolFixture(t, selector.StrategyRoundRobin, defaultBreakerCfg())
	addAccount(t, f, "a", "t1", core.TierPro, 1)
	ctx := context.Background()

	before, err := f.pool.GetAllHealth(ctx, "t1")
	require.NoError(t, err)
	after, err := f.pool.GetAllHealth(ctx, "t1")
	require.NoError(t, err)

	require.Len(t, before, 1)
	assert.Equal(t, before[0].Remaining, after[0].Remaining)
	assert.Equal(t, "closed", before[0].CircuitState)
}
