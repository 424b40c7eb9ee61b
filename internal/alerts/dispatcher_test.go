package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/metrics"
	"github.com/vastrel/credpool/internal/storage/redis"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *fakeNotifier) Send(_ context.Context, _, message string, _ Severity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, message)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestDispatcher(t *testing.T, notifier Notifier) (*Dispatcher, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	cfg := config.AlertingConfig{
		Cooldown: 15 * time.Minute,
		Channel:  "ops-quota",
	}
	collector := metrics.NewCollectorWith(prometheus.NewRegistry())
	d := NewDispatcher(redis.NewClient(srv.Addr()), notifier, cfg, collector, zap.NewNop())
	return d, srv
}

func TestDispatcher_DeliversFirstAlert(t *testing.T) {
	notifier := &fakeNotifier{}
	d, _ := newTestDispatcher(t, notifier)

	d.Send(context.Background(), AlertWarning, "acc-1", map[string]interface{}{"percentage": "82.0"})

	require.Equal(t, 1, notifier.count())
	assert.Contains(t, notifier.sent[0], "acc-1")
	assert.Contains(t, notifier.sent[0], "82.0")
}

func TestDispatcher_SuppressesRepeatWithinCooldown(t *testing.T) {
	notifier := &fakeNotifier{}
	d, _ := newTestDispatcher(t, notifier)
	ctx := context.Background()

	d.Send(ctx, AlertWarning, "acc-1", nil)
	d.Send(ctx, AlertWarning, "acc-1", nil)
	d.Send(ctx, AlertWarning, "acc-1", nil)

	assert.Equal(t, 1, notifier.count())
}

func TestDispatcher_DeliversAgainAfterCooldownExpires(t *testing.T) {
	notifier := &fakeNotifier{}
	d, srv := newTestDispatcher(t, notifier)
	ctx := context.Background()

	d.Send(ctx, AlertWarning, "acc-1", nil)
	srv.FastForward(16 * time.Minute)
	d.Send(ctx, AlertWarning, "acc-1", nil)

	assert.Equal(t, 2, notifier.count())
}

func TestDispatcher_CooldownsAreScopedPerAccountAndType(t *testing.T) {
	notifier := &fakeNotifier{}
	d, _ := newTestDispatcher(t, notifier)
	ctx := context.Background()

	d.Send(ctx, AlertWarning, "acc-1", nil)
	d.Send(ctx, AlertCritical, "acc-1", nil)
	d.Send(ctx, AlertWarning, "acc-2", nil)

	assert.Equal(t, 3, notifier.count())
}

func TestDispatcher_DeliveryFailureIsSwallowed(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	d, _ := newTestDispatcher(t, notifier)

	// Must not panic or propagate
	d.Send(context.Background(), AlertCritical, "acc-1", nil)
	assert.Zero(t, notifier.count())
}

func TestDispatcher_SendsWhenGateStoreIsDown(t *testing.T) {
	notifier := &fakeNotifier{}
	d, srv := newTestDispatcher(t, notifier)

	srv.Close()

	// A broken cooldown gate must not silence alerting
	d.Send(context.Background(), AlertPoolExhausted, "tenant-1", nil)
	assert.Equal(t, 1, notifier.count())
}

func TestAlertType_SeverityEscalation(t *testing.T) {
	assert.Equal(t, SeverityWarning, AlertWarning.Severity())
	assert.Equal(t, SeverityCritical, AlertCritical.Severity())
	assert.Equal(t, SeverityCritical, AlertExhausted.Severity())
	assert.Equal(t, SeverityPage, AlertPoolExhausted.Severity())
}
