package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler periodically refreshes the subscriptions that are due.
type Scheduler struct {
	scheduler gocron.Scheduler
	manager   *Manager
	interval  time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler checking for due groups every interval.
func NewScheduler(manager *Manager, interval time.Duration, log *zap.Logger) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		scheduler: scheduler,
		manager:   manager,
		interval:  interval,
		log:       log.With(zap.String("component", "subscription-scheduler")),
	}, nil
}

// Start registers the periodic check and runs the first one right away.
// ctx bounds every update the scheduler performs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}

	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.checkAndUpdateDue(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("failed to create update job: %w", err)
	}

	s.scheduler.Start()
	s.running = true
	return nil
}

// Stop waits for a running update to finish and stops the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) checkAndUpdateDue(ctx context.Context) {
	results, err := s.manager.UpdateAllDue(ctx)
	if err != nil {
		s.log.Error("checking due subscriptions", zap.Error(err))
		return
	}
	for _, result := range results {
		if result.Added == 0 && len(result.Errors) > 0 {
			s.log.Warn("subscription update failed",
				zap.String("group", result.GroupName),
				zap.Errors("errors", result.Errors))
		}
	}
}
