package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	// Selection metrics
	selectionsTotal    *prometheus.CounterVec
	selectionsEmpty    *prometheus.CounterVec
	selectionDuration  *prometheus.HistogramVec
	capacityRejections *prometheus.CounterVec
	circuitRejections  *prometheus.CounterVec

	// Outcome metrics
	outcomesTotal  *prometheus.CounterVec
	outcomeLatency *prometheus.HistogramVec
	tokensRecorded *prometheus.CounterVec

	// Circuit metrics
	circuitState *prometheus.GaugeVec

	// Quota monitor metrics
	usageSyncTotal  *prometheus.CounterVec
	usageSyncErrors *prometheus.CounterVec
	quotaPercentage *prometheus.GaugeVec

	// Alert metrics
	alertsSent       *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec
	alertsFailed     *prometheus.CounterVec
}

func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith registers against an explicit registerer; tests use a
// fresh registry to avoid duplicate-registration panics.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	auto := promauto.With(reg)

	return &Collector{
		selectionsTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_selections_total",
				Help: "Total number of account selections",
			},
			[]string{"tenant_id", "strategy"},
		),

		selectionsEmpty: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_selections_empty_total",
				Help: "Selections where no eligible account was found",
			},
			[]string{"tenant_id"},
		),

		selectionDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credpool_selection_duration_seconds",
				Help:    "Duration of account selection in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"tenant_id"},
		),

		capacityRejections: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_capacity_rejections_total",
				Help: "Accounts excluded from selection for lack of capacity",
			},
			[]string{"tenant_id"},
		),

		circuitRejections: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_circuit_rejections_total",
				Help: "Accounts excluded from selection by an open circuit",
			},
			[]string{"tenant_id"},
		),

		outcomesTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_outcomes_total",
				Help: "Call outcomes reported back to the pool",
			},
			[]string{"account_id", "result"},
		),

		outcomeLatency: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credpool_upstream_latency_seconds",
				Help:    "Upstream call latency as reported in outcomes",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"account_id"},
		),

		tokensRecorded: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_tokens_recorded_total",
				Help: "Token volume recorded into the capacity window",
			},
			[]string{"account_id", "metric"},
		),

		circuitState: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credpool_circuit_state",
				Help: "Circuit state per account (0=closed, 1=half_open, 2=open)",
			},
			[]string{"account_id"},
		),

		usageSyncTotal: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_usage_sync_total",
				Help: "Usage authority reconciliations performed",
			},
			[]string{"result"},
		),

		usageSyncErrors: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_usage_sync_errors_total",
				Help: "Per-account reconciliation failures, skipped and retried next cycle",
			},
			[]string{"account_id"},
		),

		quotaPercentage: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credpool_quota_used_percentage",
				Help: "Authoritative quota usage percentage per account",
			},
			[]string{"account_id"},
		),

		alertsSent: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_alerts_sent_total",
				Help: "Alerts handed to the notification channel",
			},
			[]string{"alert_type"},
		),

		alertsSuppressed: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_alerts_suppressed_total",
				Help: "Alerts suppressed by the cooldown gate",
			},
			[]string{"alert_type"},
		),

		alertsFailed: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credpool_alerts_failed_total",
				Help: "Notification deliveries that failed (swallowed)",
			},
			[]string{"alert_type"},
		),
	}
}

func (c *Collector) RecordSelection(tenantID, strategy string, seconds float64) {
	c.selectionsTotal.WithLabelValues(tenantID, strategy).Inc()
	c.selectionDuration.WithLabelValues(tenantID).Observe(seconds)
}

func (c *Collector) RecordEmptySelection(tenantID string) {
	c.selectionsEmpty.WithLabelValues(tenantID).Inc()
}

func (c *Collector) RecordCapacityRejection(tenantID string) {
	c.capacityRejections.WithLabelValues(tenantID).Inc()
}

func (c *Collector) RecordCircuitRejection(tenantID string) {
	c.circuitRejections.WithLabelValues(tenantID).Inc()
}

func (c *Collector) RecordOutcome(accountID string, success bool, latencySeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.outcomesTotal.WithLabelValues(accountID, result).Inc()
	c.outcomeLatency.WithLabelValues(accountID).Observe(latencySeconds)
}

func (c *Collector) RecordTokens(accountID string, metric string, count int64) {
	if count > 0 {
		c.tokensRecorded.WithLabelValues(accountID, metric).Add(float64(count))
	}
}

func (c *Collector) SetCircuitState(accountID, state string) {
	value := 0.0
	switch state {
	case "half_open":
		value = 1
	case "open":
		value = 2
	}
	c.circuitState.WithLabelValues(accountID).Set(value)
}

func (c *Collector) RecordUsageSync(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.usageSyncTotal.WithLabelValues(result).Inc()
}

func (c *Collector) RecordUsageSyncError(accountID string) {
	c.usageSyncErrors.WithLabelValues(accountID).Inc()
}

func (c *Collector) SetQuotaPercentage(accountID string, pct float64) {
	c.quotaPercentage.WithLabelValues(accountID).Set(pct)
}

func (c *Collector) RecordAlertSent(alertType string) {
	c.alertsSent.WithLabelValues(alertType).Inc()
}

func (c *Collector) RecordAlertSuppressed(alertType string) {
	c.alertsSuppressed.WithLabelValues(alertType).Inc()
}

func (c *Collector) RecordAlertFailed(alertType string) {
	c.alertsFailed.WithLabelValues(alertType).Inc()
}
