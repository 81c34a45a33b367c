package history

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rzp-labs/kernelhost/internal/common/logger"
)

// retentionSweepInterval is how often the background loop checks for
// expired rows.
const retentionSweepInterval = time.Hour

// StartRetentionLoop begins deleting execution rows older than the
// retention window, sweeping once per interval until ctx is cancelled.
// A retention of zero or less disables the loop.
func (r *Repository) StartRetentionLoop(ctx context.Context, retention time.Duration, log *logger.Logger) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(retentionSweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.runSweep(ctx, retention, log)
			}
		}
	}()

	log.Info("History retention loop started",
		zap.Duration("retention", retention))
}

func (r *Repository) runSweep(ctx context.Context, retention time.Duration, log *logger.Logger) {
	removed, err := r.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		log.Error("History retention sweep failed", zap.Error(err))
		return
	}
	if removed > 0 {
		log.Info("Pruned execution history",
			zap.Int64("removed", removed),
			zap.Duration("retention", retention))
	}
}
