package training

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wattwise/energy-monitor/internal/app/system"
	"github.com/wattwise/energy-monitor/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Scheduler runs ExportDataset on a cron schedule.
type Scheduler struct {
	service  *Service
	schedule string
	log      *logger.Logger
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler creates a scheduler for spec, a standard five-field cron
// expression or a descriptor such as "@daily".
func NewScheduler(service *Service, spec string, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("training-scheduler")
	}
	return &Scheduler{service: service, schedule: spec, log: log, timeout: 10 * time.Minute}
}

func (s *Scheduler) Name() string { return "training-scheduler" }

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("training scheduler started")
	return nil
}

func (s *Scheduler) run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()
	uri, err := s.service.ExportDataset(ctx)
	if err != nil {
		s.log.WithError(err).Warn("scheduled training export failed")
		return
	}
	s.log.WithField("uri", uri).Info("scheduled training export finished")
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("training scheduler stopped")
	return nil
}
