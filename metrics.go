package main

import (
	"context"
	"log/slog"
	"time"

	"kai/server/internal/core"
)

// RunMetrics logs registry stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, registry *core.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rooms, conns := registry.Stats()
			if rooms > 0 || conns > 0 {
				slog.Info("stats", "rooms", rooms, "connections", conns)
			}
		}
	}
}
