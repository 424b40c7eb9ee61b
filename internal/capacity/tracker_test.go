package capacity

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/core"
	"github.com/vastrel/credpool/internal/storage/redis"
)

func testConfig() config.CapacityConfig {
	return config.CapacityConfig{
		WindowWidth:       60 * time.Second,
		BucketSize:        time.Second,
		CacheReadDiscount: 0.1,
		FailOpen:          true,
		CheckTimeout:      2 * time.Second,
	}
}

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	tracker := NewTracker(redis.NewClient(srv.Addr()), testConfig(), zap.NewNop())
	return tracker, srv
}

func testAccount(rpm int64) *core.Account {
	return &core.Account{
		ID:             "acc-1",
		Tier:           core.TierPro,
		RequestsPerMin: &rpm,
	}
}

func TestTracker_HasCapacityUntilLimit(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	account := testAccount(3)

	for i := 0; i < 3; i++ {
		avail := tracker.HasCapacity(ctx, account, Usage{Requests: 1})
		require.True(t, avail.Available)
		require.NoError(t, tracker.RecordUsage(ctx, account.ID, Usage{Requests: 1}))
	}

	avail := tracker.HasCapacity(ctx, account, Usage{Requests: 1})
	assert.False(t, avail.Available)
	assert.Zero(t, avail.Remaining[MetricRequests])
}

func TestTracker_CapacityReturnsOnceUsageLeavesWindow(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	account := testAccount(2)

	now := time.Now()
	tracker.now = func() time.Time { return now }

	require.NoError(t, tracker.RecordUsage(ctx, account.ID, Usage{Requests: 2}))
	assert.False(t, tracker.HasCapacity(ctx, account, Usage{Requests: 1}).Available)

	// Half the window: usage still inside, still blocked
	now = now.Add(30 * time.Second)
	assert.False(t, tracker.HasCapacity(ctx, account, Usage{Requests: 1}).Available)

	// Past the window: the offending buckets have expired
	now = now.Add(31 * time.Second)
	avail := tracker.HasCapacity(ctx, account, Usage{Requests: 1})
	assert.True(t, avail.Available)
	assert.Equal(t, int64(2), avail.Remaining[MetricRequests])
}

func TestTracker_NoBoundaryBurst(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()
	account := testAccount(10)

	now := time.Now()
	tracker.now = func() time.Time { return now }

	// Fill the limit just before a would-be fixed-window boundary
	require.NoError(t, tracker.RecordUsage(ctx, account.ID, Usage{Requests: 10}))

	// A fixed window resetting each minute would admit a fresh quota here;
	// the sliding window still counts the previous usage.
	now = now.Add(5 * time.Second)
	assert.False(t, tracker.HasCapacity(ctx, account, Usage{Requests: 1}).Available)
}

func TestTracker_CacheReadTokensAreDiscounted(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RecordUsage(ctx, "acc-1", Usage{
		Requests:  1,
		Tokens:    10_000,
		CacheRead: true,
	}))

	used, err := tracker.WindowUsage(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), used[MetricTokens])
}

func TestTracker_FullPriceTokensAreNotDiscounted(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.RecordUsage(ctx, "acc-1", Usage{
		Requests: 1,
		Tokens:   10_000,
	}))

	used, err := tracker.WindowUsage(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10_000), used[MetricTokens])
}

func TestTracker_TracksMetricsIndependently(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	tokensPerMin := int64(1_000)
	account := testAccount(100)
	account.TokensPerMin = &tokensPerMin

	require.NoError(t, tracker.RecordUsage(ctx, account.ID, Usage{
		Requests:    1,
		Tokens:      1_000,
		InputTokens: 400,
	}))

	// Requests have room, tokens are at the limit
	avail := tracker.HasCapacity(ctx, account, Usage{Requests: 1, Tokens: 1})
	assert.False(t, avail.Available)
	assert.Equal(t, int64(99), avail.Remaining[MetricRequests])
	assert.Zero(t, avail.Remaining[MetricTokens])
}

func TestTracker_FailOpenWhenStoreUnreachable(t *testing.T) {
	tracker, srv := newTestTracker(t)
	ctx := context.Background()
	account := testAccount(1)

	srv.Close()

	avail := tracker.HasCapacity(ctx, account, Usage{Requests: 1})
	assert.True(t, avail.Available)
}

func TestTracker_FailClosedWhenConfigured(t *testing.T) {
	srv := miniredis.RunT(t)
	cfg := testConfig()
	cfg.FailOpen = false
	tracker := NewTracker(redis.NewClient(srv.Addr()), cfg, zap.NewNop())

	srv.Close()

	avail := tracker.HasCapacity(context.Background(), testAccount(1), Usage{Requests: 1})
	assert.False(t, avail.Available)
}
