package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vastrel/credpool/internal/alerts"
	"github.com/vastrel/credpool/internal/config"
	"github.com/vastrel/credpool/internal/core"
	"github.com/vastrel/credpool/internal/db"
	"github.com/vastrel/credpool/internal/metrics"
)

const usageWindow = "month"

// Store is the durable side the monitor reconciles into. *db.Repository
// satisfies it.
type Store interface {
	GetAccountsForSync() ([]*core.Account, error)
	GetUnresolvedAlert(accountID string, thresholdType db.ThresholdType) (*db.QuotaAlert, error)
	CreateAlert(a *db.QuotaAlert) error
	ResolveAlert(id string) error
	UpdateAccountStatus(id string, status core.AccountStatus) error
}

type threshold struct {
	kind      db.ThresholdType
	alertType alerts.AlertType
	pct       float64
}

// Monitor periodically reconciles local state against the usage authority,
// raising and resolving threshold alerts.
//
// Running redundantly across instances is safe: alert creation is gated by
// "no unresolved alert of this type" plus a partial unique index, so
// duplicate sweeps cannot double-alert. Only efficiency, not correctness,
// would justify leader election.
type Monitor struct {
	store      Store
	authority  UsageAuthority
	dispatcher *alerts.Dispatcher
	cfg        config.MonitorConfig
	metrics    *metrics.Collector
	logger     *zap.Logger
}

func NewMonitor(store Store, authority UsageAuthority, dispatcher *alerts.Dispatcher, cfg config.MonitorConfig, collector *metrics.Collector, logger *zap.Logger) *Monitor {
	return &Monitor{
		store:      store,
		authority:  authority,
		dispatcher: dispatcher,
		cfg:        cfg,
		metrics:    collector,
		logger:     logger,
	}
}

// Start runs reconciliation sweeps until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("Starting quota monitor",
		zap.Duration("sync_interval", m.cfg.SyncInterval),
	)

	ticker := time.NewTicker(m.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping quota monitor")
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation sweep. A failure for one account
// is logged and skipped; the sweep continues and the account is retried on
// the next cycle.
func (m *Monitor) RunOnce(ctx context.Context) {
	accounts, err := m.store.GetAccountsForSync()
	if err != nil {
		m.logger.Error("Failed to list accounts for sync", zap.Error(err))
		return
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}

		if err := m.syncAccount(ctx, account); err != nil {
			m.metrics.RecordUsageSync(false)
			m.metrics.RecordUsageSyncError(account.ID)
			m.logger.Warn("Usage sync failed, retrying next cycle",
				zap.String("account_id", account.ID),
				zap.Error(err),
			)
			continue
		}
		m.metrics.RecordUsageSync(true)
	}
}

func (m *Monitor) syncAccount(ctx context.Context, account *core.Account) error {
	usage, err := m.authority.FetchUsage(ctx, *account.ExternalUsageID, usageWindow)
	if err != nil {
		return err
	}
	if usage.Limit <= 0 {
		return fmt.Errorf("authority reported non-positive limit %d", usage.Limit)
	}

	pct := float64(usage.Used) / float64(usage.Limit) * 100
	m.metrics.SetQuotaPercentage(account.ID, pct)

	for _, th := range m.thresholds() {
		if pct >= th.pct {
			if err := m.raiseAlert(ctx, account, th, pct, usage); err != nil {
				return err
			}
		} else {
			if err := m.resolveAlert(account, th.kind); err != nil {
				return err
			}
		}
	}

	return m.reconcileStatus(account, pct)
}

func (m *Monitor) thresholds() []threshold {
	return []threshold{
		{kind: db.ThresholdWarning, alertType: alerts.AlertWarning, pct: m.cfg.WarningThreshold},
		{kind: db.ThresholdCritical, alertType: alerts.AlertCritical, pct: m.cfg.CriticalThreshold},
		{kind: db.ThresholdExhausted, alertType: alerts.AlertExhausted, pct: m.cfg.ExhaustedThreshold},
	}
}

// raiseAlert creates the alert record and notifies, unless an unresolved
// alert of this type already exists. The existence check plus the partial
// unique index make creation idempotent under concurrent sweeps.
func (m *Monitor) raiseAlert(ctx context.Context, account *core.Account, th threshold, pct float64, usage Usage) error {
	existing, err := m.store.GetUnresolvedAlert(account.ID, th.kind)
	if err != nil {
		return fmt.Errorf("failed to check existing alert: %w", err)
	}
	if existing != nil {
		return nil
	}

	alert := &db.QuotaAlert{
		ID:            uuid.New().String(),
		AccountID:     account.ID,
		TenantID:      account.TenantID,
		ThresholdType: th.kind,
		Percentage:    pct,
		Details: db.JSONB{
			"used":  usage.Used,
			"limit": usage.Limit,
		},
		Resolved:  false,
		CreatedAt: time.Now(),
	}

	if err := m.store.CreateAlert(alert); err != nil {
		// A concurrent sweep may have won the unique-index race; that sweep
		// also sent the notification.
		m.logger.Debug("Alert insert lost race",
			zap.String("account_id", account.ID),
			zap.String("threshold_type", string(th.kind)),
			zap.Error(err),
		)
		return nil
	}

	m.logger.Info("Quota threshold crossed",
		zap.String("account_id", account.ID),
		zap.String("threshold_type", string(th.kind)),
		zap.Float64("percentage", pct),
	)

	m.dispatcher.Send(ctx, th.alertType, account.ID, map[string]interface{}{
		"percentage": fmt.Sprintf("%.1f", pct),
		"used":       usage.Used,
		"limit":      usage.Limit,
	})

	return nil
}

func (m *Monitor) resolveAlert(account *core.Account, kind db.ThresholdType) error {
	existing, err := m.store.GetUnresolvedAlert(account.ID, kind)
	if err != nil {
		return fmt.Errorf("failed to check existing alert: %w", err)
	}
	if existing == nil {
		return nil
	}

	if err := m.store.ResolveAlert(existing.ID); err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	m.logger.Info("Quota alert resolved",
		zap.String("account_id", account.ID),
		zap.String("threshold_type", string(kind)),
	)
	return nil
}

// reconcileStatus flips the account to exhausted at the exhausted threshold
// and back to active once the authority reports usage below it — quota
// renewal at the authority is the only thing that clears exhaustion.
func (m *Monitor) reconcileStatus(account *core.Account, pct float64) error {
	switch {
	case pct >= m.cfg.ExhaustedThreshold && account.Status == core.StatusActive:
		if err := m.store.UpdateAccountStatus(account.ID, core.StatusExhausted); err != nil {
			return fmt.Errorf("failed to mark account exhausted: %w", err)
		}
		m.logger.Warn("Account exhausted, removed from rotation",
			zap.String("account_id", account.ID),
		)
	case pct < m.cfg.ExhaustedThreshold && account.Status == core.StatusExhausted:
		if err := m.store.UpdateAccountStatus(account.ID, core.StatusActive); err != nil {
			return fmt.Errorf("failed to reactivate account: %w", err)
		}
		m.logger.Info("Account quota renewed, back in rotation",
			zap.String("account_id", account.ID),
		)
	}
	return nil
}
