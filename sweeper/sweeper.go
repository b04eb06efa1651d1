// Package sweeper periodically resumes overage purchases that were reserved
// but never settled, for example because the process died between the
// processor charge and the credit write.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dramaplan/billing/id"
	"github.com/dramaplan/billing/overage"
	"github.com/dramaplan/billing/subscription"
)

// Resumer is the part of the engine the sweeper drives.
type Resumer interface {
	ResumePurchase(ctx context.Context, purchaseID id.PurchaseID) (*subscription.Record, error)
}

// Config controls the sweep.
type Config struct {
	// Schedule is a cron spec or descriptor such as "@every 1m".
	Schedule string
	// PendingAfter is how old a pending purchase must be before it is retried.
	PendingAfter time.Duration
	// BatchSize bounds the purchases handled per run.
	BatchSize int
}

// Stats summarizes one run.
type Stats struct {
	Found    int
	Resumed  int
	Failures int
}

// Sweeper resumes stale pending purchases on a cron schedule.
type Sweeper struct {
	store   overage.Store
	engine  Resumer
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	cron    *cron.Cron
	running sync.Mutex
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// New creates a Sweeper.
func New(store overage.Store, engine Resumer, cfg Config, opts ...Option) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = 10 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	s := &Sweeper{
		store:  store,
		engine: engine,
		cfg:    cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	return s
}

// Start schedules the sweep and starts the cron runner.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, func() { s.Run(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("overage sweeper scheduled",
		"schedule", s.cfg.Schedule,
		"pending_after", s.cfg.PendingAfter,
	)
	return nil
}

// Stop stops the runner and returns a context done when the running sweep ends.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Run performs one sweep. Concurrent calls are serialized.
func (s *Sweeper) Run(ctx context.Context) Stats {
	s.running.Lock()
	defer s.running.Unlock()

	var stats Stats
	cutoff := s.now().Add(-s.cfg.PendingAfter)
	pending, err := s.store.ListPendingPurchases(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("list pending overage purchases", "error", err)
		return stats
	}
	stats.Found = len(pending)

	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.engine.ResumePurchase(ctx, p.ID); err != nil {
			stats.Failures++
			s.logger.Warn("resume overage purchase",
				"purchase_id", p.ID.String(),
				"user_id", p.UserID,
				"error", err,
			)
			continue
		}
		stats.Resumed++
	}

	if stats.Found > 0 {
		s.logger.Info("overage sweep finished",
			"found", stats.Found,
			"resumed", stats.Resumed,
			"failures", stats.Failures,
		)
	}
	return stats
}
