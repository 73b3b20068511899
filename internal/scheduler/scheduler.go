// Package scheduler runs the backend's periodic maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"xraydeck/internal/session"
	pkgerrors "xraydeck/pkg/errors"
)

// Jobs is the work the scheduler drives. *session.Session implements it.
type Jobs interface {
	RecheckPrivileges(ctx context.Context)
	RefreshSubscription(ctx context.Context) session.RefreshResult
}

// Config sets the job intervals. A zero interval disables the job.
type Config struct {
	PrivilegeRecheck    time.Duration
	SubscriptionRefresh time.Duration
}

// Scheduler wraps a gocron scheduler.
type Scheduler struct {
	scheduler gocron.Scheduler
	jobs      Jobs
	cfg       Config
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New creates a scheduler. Jobs are registered by Start.
func New(jobs Jobs, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Scheduler{scheduler: s, jobs: jobs, cfg: cfg, logger: logger.Named("scheduler")}, nil
}

// Start registers the jobs and starts running them. Jobs run with a
// context that ends on Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	ctx, cancel := context.WithCancel(ctx)

	if s.cfg.PrivilegeRecheck > 0 {
		if err := s.add(s.cfg.PrivilegeRecheck, func() { s.jobs.RecheckPrivileges(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("failed to create privilege job: %w", err)
		}
	}
	if s.cfg.SubscriptionRefresh > 0 {
		if err := s.add(s.cfg.SubscriptionRefresh, func() { s.refresh(ctx) }); err != nil {
			cancel()
			return fmt.Errorf("failed to create refresh job: %w", err)
		}
	}

	s.scheduler.Start()
	s.running = true
	s.cancel = cancel
	return nil
}

func (s *Scheduler) add(every time.Duration, task func()) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// refresh is quiet about the expected failures: no profile, a profile that
// is not a subscription, and a user operation holding the session.
func (s *Scheduler) refresh(ctx context.Context) {
	res := s.jobs.RefreshSubscription(ctx)
	switch {
	case res.Success && res.Changed:
		s.logger.Info("subscription refreshed", zap.String("address", res.Config.Address))
	case res.Success:
		s.logger.Debug("subscription unchanged")
	case res.ErrorCode == pkgerrors.CodeBusy || res.ErrorCode == pkgerrors.CodeNoConfig:
		s.logger.Debug("subscription refresh skipped", zap.String("reason", res.ErrorCode))
	default:
		s.logger.Warn("subscription refresh failed", zap.String("error", res.Error))
	}
}

// Stop shuts the scheduler down and waits for running jobs.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.running = false
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}
