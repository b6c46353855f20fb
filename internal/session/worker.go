package session

import (
	"context"
	"log/slog"
)

// StartWorker runs the periodic refresh and the activity/inactivity tick until ctx is done.
func StartWorker(ctx context.Context, s *Store) {
	refresh := s.clock.Ticker(RefreshInterval)
	tick := s.clock.Ticker(ActivityTick)
	go func() {
		defer refresh.Stop()
		defer tick.Stop()
		slog.Debug("Session worker started", "refresh_interval", RefreshInterval, "tick", ActivityTick)

		for {
			select {
			case <-refresh.C:
				if s.IsAuthenticated() {
					s.RefreshSession(ctx)
				}
			case <-tick.C:
				s.Tick(ctx)
			case <-ctx.Done():
				slog.Debug("Session worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
