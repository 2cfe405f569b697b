package sessionkey

import (
	"context"
	"time"

	"go.uber.org/zap"

	"securechat/internal/metrics"
	"securechat/internal/utils/log"
)

// RunSweeper calls SweepExpired every interval until ctx is done.
func RunSweeper(ctx context.Context, store Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.SweepExpired(ctx)
			if err != nil {
				log.Error("sweep expired session keys failed", zap.Error(err))
				continue
			}
			if n > 0 {
				metrics.SessionKeysSwept.Add(float64(n))
				log.Debug("swept expired session keys", zap.Int("count", n))
			}
		}
	}
}
