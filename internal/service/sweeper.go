package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = time.Minute

// Sweeper runs Recovery.Sweep on a cron schedule. Runs never overlap.
type Sweeper struct {
	recovery *Recovery
	cron     *cron.Cron
	log      *zap.Logger
}

// NewSweeper parses schedule ("@every 1m", "*/5 * * * *") and prepares the job.
func NewSweeper(r *Recovery, schedule string, log *zap.Logger) (*Sweeper, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Sugar()}

	s := &Sweeper{
		recovery: r,
		log:      log,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done, then waits for a
// sweep in progress to finish.
func (s *Sweeper) Run(ctx context.Context) error {
	s.cron.Start()
	s.log.Info("recovery sweeper started")

	<-ctx.Done()

	<-s.cron.Stop().Done()
	s.log.Info("recovery sweeper stopped")
	return nil
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	report, err := s.recovery.Sweep(ctx)
	if err != nil {
		s.log.Error("recovery sweep failed", zap.Error(err))
		return
	}
	s.log.Debug("recovery sweep finished",
		zap.Duration("took", time.Since(start)),
		zap.Int("orphans", report.Orphans),
		zap.Int("expired", report.Expired),
		zap.Int("completed", report.Completed),
		zap.Int("refunded", report.Refunded),
	)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
