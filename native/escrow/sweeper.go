package escrow

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically scans for Active records whose deadline has passed and
// flags them Expired. It is safe to run concurrently with user operations:
// expiry is monotone and only applies to still-Active records.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewSweeper constructs a sweeper with sane defaults.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the sweeper clock. Primarily intended for tests.
func (s *Sweeper) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

// Run executes the sweep loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.engine == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.engine.Sweep(s.nowFn().Unix())
			if len(expired) > 0 {
				s.logger.Info("flagged overdue escrows", "count", len(expired), "ids", expired)
			}
		}
	}
}
