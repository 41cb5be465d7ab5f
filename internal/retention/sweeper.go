package retention

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ConsentExpirer is the consent service's scheduled sweep, run on the same
// cadence as retention so pending consents age out without a second loop.
type ConsentExpirer interface {
	ExpireSweep(ctx context.Context, asOf time.Time) (int, error)
}

// Sweeper is the scheduler collaborator: it invokes the retention run and the
// consent expiry sweep on a fixed cadence. Period idempotence lives in the
// engine's run lock, so overlapping sweepers on other instances are safe.
type Sweeper struct {
	engine   *Engine
	expirer  ConsentExpirer
	interval time.Duration
	log      *zap.Logger
}

func NewSweeper(engine *Engine, expirer ConsentExpirer, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		expirer:  expirer,
		interval: interval,
		log:      log,
	}
}

// Run blocks until the context is cancelled, sweeping once immediately and
// then on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	now := time.Now()

	summary, err := s.engine.ScheduleRun(ctx, now, true)
	switch {
	case err != nil:
		s.log.Error("retention run failed", zap.Error(err))
	case summary.AlreadyRan:
		s.log.Debug("retention period already processed", zap.String("period", summary.Period))
	default:
		s.log.Info("retention run complete",
			zap.String("period", summary.Period),
			zap.Int("scanned", summary.Scanned),
			zap.Int("archived", summary.Archived),
			zap.Int("anonymized", summary.Anonymized),
			zap.Int("failures", len(summary.Errors)),
		)
		for _, se := range summary.Errors {
			s.log.Warn("retention action failed",
				zap.String("subject_id", se.SubjectID.String()),
				zap.String("op", se.Op),
				zap.Error(se.Err),
			)
		}
	}

	if s.expirer != nil {
		expired, err := s.expirer.ExpireSweep(ctx, now)
		if err != nil {
			s.log.Error("consent expiry sweep failed", zap.Error(err))
		} else if expired > 0 {
			s.log.Info("consent tokens expired", zap.Int("subjects", expired))
		}
	}
}
