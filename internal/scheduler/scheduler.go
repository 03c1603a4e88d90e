// Package scheduler drives the periodic consistency jobs: the reconciliation
// sweep that heals drifted contract totals and the per-company late-fine
// pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fleetgrid/fincore/internal/clock"
	"github.com/fleetgrid/fincore/internal/joblock"
	"github.com/fleetgrid/fincore/internal/latefine"
	obsmetrics "github.com/fleetgrid/fincore/internal/observability/metrics"
	"github.com/fleetgrid/fincore/internal/reconcile"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	ReconcileSvc *reconcile.Service
	LateFineSvc  *latefine.Service
	Locker       *joblock.Locker `optional:"true"`
	Clock        clock.Clock
	Config       Config `optional:"true"`
}

type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	reconcileSvc *reconcile.Service
	lateFineSvc  *latefine.Service
	locker       *joblock.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.ReconcileSvc == nil || p.LateFineSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler"),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		reconcileSvc: p.ReconcileSvc,
		lateFineSvc:  p.LateFineSvc,
		locker:       p.Locker,
	}, nil
}

// runJob wraps one job with the distributed lock, a timeout, and metrics.
// A deadline or cancellation is a soft failure: the next tick picks up the
// remainder.
func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		lockKey := "fincore:jobs:" + name
		token, acquired, err := s.locker.TryLock(ctx, lockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("job lock unavailable, running unguarded",
				zap.String("job", name),
				zap.Error(err),
			)
		} else if !acquired {
			s.log.Debug("job held by another instance", zap.String("job", name))
			return nil
		} else {
			defer func() { _ = s.locker.Release(ctx, lockKey, token) }()
		}
	}

	m := obsmetrics.Default()
	m.IncJobRun(name)

	err := fn(ctx)
	m.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	m.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every job a single time.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "reconcile_sweep", s.ReconcileSweepJob))
	err = errors.Join(err, s.runJob(parent, "late_fines", s.LateFinesJob))
	return err
}

// RunForever runs jobs on the configured interval until ctx ends.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReconcileSweepJob recomputes cached totals for the stalest active
// contracts. Every contract is visited eventually because reconciliation
// refreshes updated_at.
func (s *Scheduler) ReconcileSweepJob(ctx context.Context) error {
	var contractIDs []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM contracts
		 WHERE status = 'active'
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		s.cfg.BatchSize,
	).Scan(&contractIDs).Error
	if err != nil {
		return err
	}
	if len(contractIDs) == 0 {
		return nil
	}

	result := s.reconcileSvc.ReconcileContracts(ctx, contractIDs)
	s.log.Info("reconcile sweep finished",
		zap.Int("updated", result.Updated),
		zap.Int("failed", len(result.Errors)),
		zap.Int("remaining", len(result.Remaining)),
	)

	var jobErr error
	for _, contractErr := range result.Errors {
		jobErr = errors.Join(jobErr, fmt.Errorf("contract %s: %w", contractErr.ContractID, contractErr.Err))
	}
	return jobErr
}

// LateFinesJob recomputes overdue fines for every company with an active
// fine policy.
func (s *Scheduler) LateFinesJob(ctx context.Context) error {
	var companyIDs []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT company_id FROM fine_settings WHERE is_active ORDER BY company_id`,
	).Scan(&companyIDs).Error
	if err != nil {
		return err
	}

	var jobErr error
	for _, companyID := range companyIDs {
		if ctx.Err() != nil {
			break
		}
		result, err := s.lateFineSvc.CalculateFines(ctx, companyID)
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("company %s: %w", companyID, err))
			continue
		}
		for _, contractErr := range result.Errors {
			jobErr = errors.Join(jobErr, fmt.Errorf("contract %s: %w", contractErr.ContractID, contractErr.Err))
		}
		s.log.Info("late fines computed",
			zap.String("company_id", companyID.String()),
			zap.Int("updated", result.UpdatedContracts),
		)
	}
	return jobErr
}
