package compliance

import (
	"context"

	"github.com/haasonsaas/nexus/internal/cron"
)

// SweepHandler adapts Sweep to cron.CustomHandlerFunc, so a compliance
// sweep can be scheduled like any other cron job (type: custom, handler:
// compliance_sweep) instead of running its own standalone scheduler loop.
func (s *Service) SweepHandler() cron.CustomHandlerFunc {
	return func(ctx context.Context, job *cron.Job, args map[string]any) error {
		result, err := s.Sweep(ctx)
		if err != nil {
			return err
		}
		s.logger.Info("compliance sweep complete",
			"sessions_purged", result.SessionsPurged,
			"runs_purged", result.RunsPurged,
			"duration", result.EndedAt.Sub(result.StartedAt))
		return nil
	}
}
