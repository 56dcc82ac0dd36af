package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/warp/clinic-ledger/ledger"
)

// DefaultSweepAt is the local wall-clock time of the daily sweep.
const DefaultSweepAt = "02:00"

// runTimeout bounds a single scheduled sweep.
const runTimeout = time.Minute

// Scheduler runs the Sweeper once a day in the clinic's time zone.
type Scheduler struct {
	Sweeper *Sweeper
	Clock   ledger.Clock
	At      string // "HH:MM"

	logger zerolog.Logger
	cron   *gocron.Scheduler
	mu     sync.Mutex
}

func NewScheduler(sweeper *Sweeper, clock ledger.Clock, at string, logger zerolog.Logger) *Scheduler {
	if at == "" {
		at = DefaultSweepAt
	}
	return &Scheduler{
		Sweeper: sweeper,
		Clock:   clock,
		At:      at,
		logger:  logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start schedules the daily job. loc should be the clinic time zone so
// that "02:00" means 02:00 at the front desk.
func (s *Scheduler) Start(loc *time.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}

	cron := gocron.NewScheduler(loc)
	cron.SingletonModeAll()
	if _, err := cron.Every(1).Day().At(s.At).Do(s.RunNow); err != nil {
		return fmt.Errorf("schedule sweep at %q: %w", s.At, err)
	}
	cron.StartAsync()
	s.cron = cron

	s.logger.Info().Str("at", s.At).Str("tz", loc.String()).Msg("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		s.cron.Stop()
		s.cron = nil
		s.logger.Info().Msg("scheduler stopped")
	}
}

// RunNow triggers an immediate sweep for today.
func (s *Scheduler) RunNow() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	if _, err := s.Sweeper.Run(ctx, s.Clock.Today()); err != nil {
		s.logger.Error().Err(err).Msg("scheduled sweep failed")
	}
}

// NextRun returns when the next scheduled sweep will occur, or the zero
// time when the scheduler is not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	_, next := s.cron.NextRun()
	return next
}
