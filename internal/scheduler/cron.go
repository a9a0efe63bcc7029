package scheduler

import (
	"context"
	"errors"

	"github.com/Diatonic-AI/partner-connectors/pkg/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronService drives periodic syncs from each connector's
// schedule_cron expression. Triggers are non-exclusive: a tick landing
// while a run is live joins it.
type CronService struct {
	cron    *cron.Cron
	sched   *Scheduler
	tenants config.TenantSource
	log     *zap.Logger
}

// NewCronService creates the periodic sync driver.
func NewCronService(sched *Scheduler, tenants config.TenantSource, log *zap.Logger) *CronService {
	return &CronService{
		cron:    cron.New(),
		sched:   sched,
		tenants: tenants,
		log:     log,
	}
}

// Start registers every enabled connector's schedule and starts ticking.
// Schedule changes require a restart; enablement and allowlists are
// re-read from config on every trigger.
func (c *CronService) Start() error {
	configs, err := c.tenants.ListConnectors()
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		if !cfg.Enabled || cfg.ScheduleCron == "" {
			continue
		}
		tenantID, connectorID := cfg.TenantID, cfg.ConnectorID
		_, err := c.cron.AddFunc(cfg.ScheduleCron, func() {
			_, err := c.sched.TriggerSync(context.Background(), tenantID, connectorID, nil, false)
			if err != nil && !errors.Is(err, ErrConnectorDisabled) {
				c.log.Error("Scheduled sync trigger failed",
					zap.String("tenant_id", tenantID),
					zap.String("connector_id", connectorID),
					zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		c.log.Info("Registered sync schedule",
			zap.String("tenant_id", tenantID),
			zap.String("connector_id", connectorID),
			zap.String("schedule", cfg.ScheduleCron))
	}

	c.cron.Start()
	return nil
}

// Stop halts the ticker; in-flight runs are left to finish.
func (c *CronService) Stop() {
	c.cron.Stop()
}
