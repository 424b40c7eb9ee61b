package capacity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/core"
	"github.com/vastrel/credpool/internal/storage/redis"
)

type Metric string

const (
	MetricRequests    Metric = "requests"
	MetricTokens      Metric = "tokens"
	MetricInputTokens Metric = "input_tokens"
)

var allMetrics = []Metric{MetricRequests, MetricTokens, MetricInputTokens}

// Usage is the windowed consumption to record for one completed call.
type Usage struct {
	Requests    int64
	Tokens      int64
	InputTokens int64
	// CacheRead marks token volume served from upstream prompt cache; it is
	// counted at the configured discount before entering the window.
	CacheRead bool
}

// Availability answers one capacity check.
type Availability struct {
	Available bool
	// Remaining headroom per metric. Negative values are clamped to zero.
	Remaining map[Metric]int64
}

// Tracker keeps per-account, per-metric sliding-window counters in Redis.
//
// The window is a set of fixed-size time buckets summed on every check, so a
// burst straddling a boundary cannot double the admitted volume the way a
// resetting fixed window would. Increments are server-side INCRBY so multiple
// pool instances sharing the store stay correct.
type Tracker struct {
	rdb    *redis.Client
	cfg    config.CapacityConfig
	logger *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

func NewTracker(rdb *redis.Client, cfg config.CapacityConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func bucketKey(accountID string, metric Metric, bucket int64) string {
	return fmt.Sprintf("cap:%s:%s:%d", accountID, metric, bucket)
}

func (t *Tracker) bucketCount() int {
	return int(t.cfg.WindowWidth / t.cfg.BucketSize)
}

func (t *Tracker) currentBucket() int64 {
	return t.now().UnixNano() / int64(t.cfg.BucketSize)
}

// RecordUsage adds consumption to the current bucket of each metric. A
// cache-read call has its token volume multiplied by the discount factor
// first; 10k cache-read tokens at factor 0.1 add 1k to the counter.
func (t *Tracker) RecordUsage(ctx context.Context, accountID string, usage Usage) error {
	tokens := usage.Tokens
	inputTokens := usage.InputTokens
	if usage.CacheRead {
		tokens = int64(float64(tokens) * t.cfg.CacheReadDiscount)
		inputTokens = int64(float64(inputTokens) * t.cfg.CacheReadDiscount)
	}

	deltas := map[Metric]int64{
		MetricRequests:    usage.Requests,
		MetricTokens:      tokens,
		MetricInputTokens: inputTokens,
	}

	bucket := t.currentBucket()
	ttl := t.cfg.WindowWidth + t.cfg.BucketSize

	pipe := t.rdb.Pipeline()
	for _, metric := range allMetrics {
		if deltas[metric] <= 0 {
			continue
		}
		key := bucketKey(accountID, metric, bucket)
		pipe.IncrBy(ctx, key, deltas[metric])
		pipe.Expire(ctx, key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Error("Failed to record usage, window undercounts",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

// HasCapacity sums the non-expired buckets of every metric and compares
// against the account's effective limits.
//
// When the counter store is unreachable the configured fail policy decides:
// fail-open admits the call so a Redis outage does not halt all traffic —
// availability is deliberately preferred over strict enforcement here, and
// the outage is logged at error level.
func (t *Tracker) HasCapacity(ctx context.Context, account *core.Account, requested Usage) Availability {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CheckTimeout)
	defer cancel()

	limits := account.EffectiveLimits()
	limitFor := map[Metric]int64{
		MetricRequests:    limits.RequestsPerMin,
		MetricTokens:      limits.TokensPerMin,
		MetricInputTokens: limits.InputTokensPerMin,
	}
	requestedFor := map[Metric]int64{
		MetricRequests:    max64(requested.Requests, 1),
		MetricTokens:      requested.Tokens,
		MetricInputTokens: requested.InputTokens,
	}

	used, err := t.windowSums(ctx, account.ID)
	if err != nil {
		t.logger.Error("Counter store unreachable, applying fail policy",
			zap.String("account_id", account.ID),
			zap.Bool("fail_open", t.cfg.FailOpen),
			zap.Error(err),
		)
		return Availability{Available: t.cfg.FailOpen, Remaining: map[Metric]int64{}}
	}

	avail := Availability{Available: true, Remaining: make(map[Metric]int64, len(allMetrics))}
	for _, metric := range allMetrics {
		remaining := limitFor[metric] - used[metric]
		if remaining < 0 {
			remaining = 0
		}
		avail.Remaining[metric] = remaining

		if used[metric]+requestedFor[metric] > limitFor[metric] {
			avail.Available = false
		}
	}

	return avail
}

// WindowUsage returns current windowed consumption per metric, for health
// snapshots and load-based selection.
func (t *Tracker) WindowUsage(ctx context.Context, accountID string) (map[Metric]int64, error) {
	return t.windowSums(ctx, accountID)
}

func (t *Tracker) windowSums(ctx context.Context, accountID string) (map[Metric]int64, error) {
	buckets := t.bucketCount()
	current := t.currentBucket()

	keys := make([]string, 0, buckets*len(allMetrics))
	for _, metric := range allMetrics {
		for i := 0; i < buckets; i++ {
			keys = append(keys, bucketKey(accountID, metric, current-int64(i)))
		}
	}

	values, err := t.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	sums := make(map[Metric]int64, len(allMetrics))
	for mi, metric := range allMetrics {
		var sum int64
		for i := 0; i < buckets; i++ {
			v := values[mi*buckets+i]
			if v == nil {
				continue
			}
			if s, ok := v.(string); ok {
				n, err := strconv.ParseInt(s, 10, 64)
				if err == nil {
					sum += n
				}
			}
		}
		sums[metric] = sum
	}

	return sums, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
