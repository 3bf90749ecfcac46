package upload

import (
	"context"
	"log/slog"
	"time"
)

// StartReclaimTicker runs a background goroutine that periodically cancels
// chunked upload sessions abandoned for longer than maxIdle, releasing
// their temp storage. This is an operational cleanup job, not a
// per-request timeout. The goroutine stops when the context is cancelled.
func StartReclaimTicker(ctx context.Context, svc *Service, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := svc.ReclaimIdle(maxIdle); n > 0 {
					slog.Info("upload session reclaim", "reclaimed", n, "max_idle", maxIdle)
				}
			}
		}
	}()
}
