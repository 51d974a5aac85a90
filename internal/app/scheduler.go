package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func (a *App) newScheduler(ctx context.Context) (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds())
	if _, err := c.AddFunc(a.cfg.Scheduler.SummaryCron, func() { a.sendSummary(ctx) }); err != nil {
		return nil, fmt.Errorf("register summary task: %w", err)
	}
	if _, err := c.AddFunc(a.cfg.Scheduler.PruneCron, func() { a.pruneAudit(ctx) }); err != nil {
		return nil, fmt.Errorf("register prune task: %w", err)
	}
	return c, nil
}

func (a *App) sendSummary(ctx context.Context) {
	if a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	a.notify(ctx, "summary\n"+a.operatorStatus())
}

func (a *App) pruneAudit(ctx context.Context) {
	if a.store == nil || a.cfg.Scheduler.AuditRetention <= 0 {
		return
	}
	cutoff := a.now().Add(-a.cfg.Scheduler.AuditRetention)
	removed, err := a.store.DeleteRange(ctx, auditKeyPrefix, auditKey(cutoff, 0))
	if err != nil {
		a.log.Warn("audit prune failed", zap.Error(err))
		return
	}
	if removed > 0 {
		a.log.Info("audit entries pruned", zap.Int64("removed", removed), zap.Time("before", cutoff))
	}
}
