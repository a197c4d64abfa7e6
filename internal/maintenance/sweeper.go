package maintenance

import (
	"context"
	"time"

	"brevity-server/internal/observability"
)

// Sweeper runs the cleaner on a fixed interval for long-running deployments.
// Serverless deployments rely on the cron endpoint instead.
type Sweeper struct {
	cleaner  *Cleaner
	interval time.Duration
	logger   *observability.Logger
}

func NewSweeper(cleaner *Cleaner, interval time.Duration, logger *observability.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{cleaner: cleaner, interval: interval, logger: logger}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("auth_sweeper_started", map[string]any{"interval": s.interval.String()})
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("auth_sweeper_stopped", nil)
			return
		case <-ticker.C:
			if _, err := s.cleaner.Run(ctx); err != nil && ctx.Err() == nil {
				observability.CaptureBackgroundError(ctx, "auth_sweeper", err)
			}
		}
	}
}
