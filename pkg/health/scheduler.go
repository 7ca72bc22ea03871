package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Checker is one kind of health check round.
type Checker interface {
	CheckAll(ctx context.Context) (Summary, error)
}

// Scheduler runs checkers on a fixed interval.
type Scheduler struct {
	checkers map[string]Checker
	interval time.Duration
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler running every checker each interval.
func NewScheduler(interval time.Duration, checkers map[string]Checker) *Scheduler {
	return &Scheduler{
		checkers: checkers,
		interval: interval,
		logger:   log.With().Str("component", "health").Logger(),
	}
}

// Run performs a round immediately and then once per interval until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Int("checkers", len(s.checkers)).Msg("Health scheduler starting")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.round(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Health scheduler stopped")
			return
		case <-ticker.C:
			s.round(ctx)
		}
	}
}

func (s *Scheduler) round(ctx context.Context) {
	for name, c := range s.checkers {
		if ctx.Err() != nil {
			return
		}
		sum, err := c.CheckAll(ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("checker", name).Msg("Health check round failed")
			continue
		}
		s.logger.Debug().
			Str("checker", name).
			Int("working", sum.Working).
			Int("failed", sum.Failed).
			Msg("Health check round done")
	}
}
