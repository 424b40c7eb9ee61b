package alerts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/metrics"
	"github.com/vastrel/credpool/internal/storage/redis"
)

type AlertType string

const (
	AlertWarning   AlertType = "warning"
	AlertCritical  AlertType = "critical"
	AlertExhausted AlertType = "exhausted"
	// AlertPoolExhausted fires when a selection finds zero eligible accounts
	// for a tenant. Maximum urgency.
	AlertPoolExhausted AlertType = "pool_exhausted"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityPage     Severity = "page"
)

func (t AlertType) Severity() Severity {
	switch t {
	case AlertWarning:
		return SeverityWarning
	case AlertCritical, AlertExhausted:
		return SeverityCritical
	case AlertPoolExhausted:
		return SeverityPage
	default:
		return SeverityWarning
	}
}

// Notifier is the notification channel's transport. Implementations live
// outside this core; delivery failures are swallowed here.
type Notifier interface {
	Send(ctx context.Context, channel, message string, severity Severity) error
}

// Dispatcher delivers deduplicated, cooldown-gated alerts.
//
// The cooldown gate is a Redis SET NX with TTL, so the suppression window
// holds across every pool instance sharing the store. Alerting is
// best-effort: neither a gate-store outage nor a delivery failure ever
// propagates to the caller.
type Dispatcher struct {
	rdb      *redis.Client
	notifier Notifier
	cfg      config.AlertingConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
}

func NewDispatcher(rdb *redis.Client, notifier Notifier, cfg config.AlertingConfig, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		rdb:      rdb,
		notifier: notifier,
		cfg:      cfg,
		metrics:  collector,
		logger:   logger,
	}
}

// Send delivers one alert unless an identical (scope, type) alert fired
// within the cooldown window, in which case the call is a silent no-op.
// scopeID is an account ID for quota alerts and a tenant ID for
// pool-exhausted alerts.
func (d *Dispatcher) Send(ctx context.Context, alertType AlertType, scopeID string, payload map[string]interface{}) {
	if !d.acquireGate(ctx, alertType, scopeID) {
		d.metrics.RecordAlertSuppressed(string(alertType))
		d.logger.Debug("Alert suppressed by cooldown",
			zap.String("alert_type", string(alertType)),
			zap.String("scope_id", scopeID),
		)
		return
	}

	message := d.format(alertType, scopeID, payload)
	severity := alertType.Severity()

	if err := d.notifier.Send(ctx, d.cfg.Channel, message, severity); err != nil {
		d.metrics.RecordAlertFailed(string(alertType))
		d.logger.Error("Notification delivery failed",
			zap.String("alert_type", string(alertType)),
			zap.String("scope_id", scopeID),
			zap.Error(err),
		)
		return
	}

	d.metrics.RecordAlertSent(string(alertType))
	d.logger.Info("Alert sent",
		zap.String("alert_type", string(alertType)),
		zap.String("scope_id", scopeID),
		zap.String("severity", string(severity)),
	)
}

// acquireGate claims the (scope, type) cooldown slot. On a gate-store outage
// the alert goes through: a duplicate page beats a silent outage.
func (d *Dispatcher) acquireGate(ctx context.Context, alertType AlertType, scopeID string) bool {
	key := fmt.Sprintf("alert:cooldown:%s:%s", scopeID, alertType)

	ok, err := d.rdb.SetNX(ctx, key, time.Now().Unix(), d.cfg.Cooldown).Result()
	if err != nil {
		d.logger.Warn("Cooldown gate unreachable, sending anyway",
			zap.String("alert_type", string(alertType)),
			zap.Error(err),
		)
		return true
	}
	return ok
}

func (d *Dispatcher) format(alertType AlertType, scopeID string, payload map[string]interface{}) string {
	switch alertType {
	case AlertWarning:
		return fmt.Sprintf("Quota warning for account %s: %v%% of quota used", scopeID, payload["percentage"])
	case AlertCritical:
		return fmt.Sprintf("QUOTA CRITICAL for account %s: %v%% of quota used, throttling imminent", scopeID, payload["percentage"])
	case AlertExhausted:
		return fmt.Sprintf("QUOTA EXHAUSTED for account %s: account removed from rotation until quota renews", scopeID)
	case AlertPoolExhausted:
		return fmt.Sprintf("ALL ACCOUNTS UNAVAILABLE for tenant %s: every account is exhausted, over capacity, or circuit-open. Outbound calls are being rejected.", scopeID)
	default:
		return fmt.Sprintf("Alert %s for %s", alertType, scopeID)
	}
}
