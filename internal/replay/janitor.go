package replay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunJanitor purges expired records every interval until ctx is done.
func RunJanitor(ctx context.Context, g Guard, interval time.Duration, now func() time.Time, logger *zap.Logger) {
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.Purge(ctx, now())
			if err != nil {
				logger.Warn("replay purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged replay records", zap.Int("count", n))
			}
		}
	}
}
