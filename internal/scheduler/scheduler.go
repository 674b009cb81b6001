// Package scheduler runs the periodic background jobs: sending campaigns
// whose scheduled time has come and reconciling interrupted sends.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/flock/internal/campaign"
	"github.com/lalithlochan/flock/internal/db"
)

// DueLister finds scheduled campaigns. *db.Repository implements it.
type DueLister interface {
	ListDueCampaigns(ctx context.Context, now time.Time, limit int) ([]*db.Campaign, error)
}

// Engine is the campaign engine surface the jobs drive.
type Engine interface {
	Execute(ctx context.Context, id uuid.UUID) (*campaign.Result, error)
	Reconcile(ctx context.Context, olderThan time.Duration) (campaign.ReconcileResult, error)
}

type Config struct {
	DueSpec        string
	ReconcileSpec  string
	ReconcileAfter time.Duration
	BatchSize      int
}

type Scheduler struct {
	cron   *cron.Cron
	due    DueLister
	engine Engine
	config Config
	logger *zap.Logger
	now    func() time.Time
}

func New(due DueLister, engine Engine, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 20
	}

	s := &Scheduler{
		// overlapping runs of the same job are skipped
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		due:    due,
		engine: engine,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}

	if _, err := s.cron.AddFunc(cfg.DueSpec, func() { s.RunDue(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid due campaign schedule %q: %w", cfg.DueSpec, err)
	}
	if _, err := s.cron.AddFunc(cfg.ReconcileSpec, func() { s.Reconcile(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", cfg.ReconcileSpec, err)
	}

	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("due_spec", s.config.DueSpec),
		zap.String("reconcile_spec", s.config.ReconcileSpec),
	)
}

// Stop halts the schedule and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RunDue executes every Draft campaign whose scheduled time has passed and
// returns how many were started.
func (s *Scheduler) RunDue(ctx context.Context) int {
	campaigns, err := s.due.ListDueCampaigns(ctx, s.now(), s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to list due campaigns", zap.Error(err))
		return 0
	}

	started := 0
	for _, c := range campaigns {
		res, err := s.engine.Execute(ctx, c.ID)
		switch {
		case errors.Is(err, campaign.ErrInvalidState):
			// picked up by another instance
			continue
		case err != nil:
			s.logger.Error("scheduled campaign not sent",
				zap.Error(err),
				zap.String("campaign_id", c.ID.String()),
			)
			continue
		}
		started++
		s.logger.Info("scheduled campaign executed",
			zap.String("campaign_id", c.ID.String()),
			zap.String("status", res.Status),
			zap.Int("total", res.Total),
		)
	}
	return started
}

// Reconcile runs one reconciliation pass.
func (s *Scheduler) Reconcile(ctx context.Context) {
	res, err := s.engine.Reconcile(ctx, s.config.ReconcileAfter)
	if err != nil {
		s.logger.Error("reconciliation failed", zap.Error(err))
		return
	}
	if res.StaleDeliveries > 0 || res.FinalizedCampaigns > 0 {
		s.logger.Info("reconciliation repaired state",
			zap.Int("stale_deliveries", res.StaleDeliveries),
			zap.Int("finalized_campaigns", res.FinalizedCampaigns),
		)
	}
}
