package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Maintainer is the upkeep surface of the tracking queue.
type Maintainer interface {
	DeleteExpired(ctx context.Context) (int, error)
	Flush(ctx context.Context) error
}

type Config struct {
	ExpiryCron string
	// FlushCron may be empty to disable the periodic flush.
	FlushCron string
	// JobTimeout bounds a single run of either job.
	JobTimeout time.Duration
}

// Service runs queue maintenance on cron schedules: the expiry sweep that
// deletes delivered and rejected tasks, and a periodic flush.
type Service struct {
	queue  Maintainer
	cron   *cron.Cron
	cfg    Config
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewService(q Maintainer, cfg Config, logger zerolog.Logger) *Service {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	logger = logger.With().Str("component", "maintenance").Logger()
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		queue:  q,
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start registers the jobs and starts the cron runner. It does not block.
func (s *Service) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.ExpiryCron, func() { s.RunExpiry(s.ctx) }); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", s.cfg.ExpiryCron, err)
	}
	if s.cfg.FlushCron != "" {
		if _, err := s.cron.AddFunc(s.cfg.FlushCron, func() { s.RunFlush(s.ctx) }); err != nil {
			return fmt.Errorf("schedule flush %q: %w", s.cfg.FlushCron, err)
		}
	}
	s.cron.Start()

	ev := s.logger.Info().Str("expiry_cron", s.cfg.ExpiryCron).Str("flush_cron", s.cfg.FlushCron)
	if next, err := NextRunTime(s.cfg.ExpiryCron, time.Now()); err == nil {
		ev = ev.Time("next_expiry", next)
	}
	ev.Msg("maintenance scheduler started")
	return nil
}

// Stop prevents new runs and waits for a running job, bounded by ctx. A
// running job's context is cancelled when ctx expires.
func (s *Service) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("maintenance job still running at shutdown")
	}
	s.cancel()
}

func (s *Service) RunExpiry(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	n, err := s.queue.DeleteExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to delete expired tasks")
		return
	}
	s.logger.Info().Int("task_count", n).Msg("expired tasks deleted")
}

func (s *Service) RunFlush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	if err := s.queue.Flush(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled flush stopped early")
		return
	}
	s.logger.Debug().Msg("scheduled flush complete")
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ logger zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
