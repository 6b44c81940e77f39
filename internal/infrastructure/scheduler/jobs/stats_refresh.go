package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/application/query"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATS REFRESH JOB
// ══════════════════════════════════════════════════════════════════════════════

// StatsQuerier computes matching statistics.
type StatsQuerier interface {
	Handle(ctx context.Context, q query.GetMatchingStatsQuery) (*matching.Stats, error)
}

// StatsRefreshJob recomputes the pool-wide summary and the summary of every
// subject, writing them to the stats cache.
type StatsRefreshJob struct {
	stats   StatsQuerier
	logger  *slog.Logger
	timeout time.Duration

	refreshed atomic.Int64
}

// NewStatsRefreshJob creates a new stats refresh job. timeout bounds one run;
// zero means no bound beyond the scheduler's context.
func NewStatsRefreshJob(stats StatsQuerier, logger *slog.Logger, timeout time.Duration) *StatsRefreshJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsRefreshJob{
		stats:   stats,
		logger:  logger.With("job", "stats_refresh"),
		timeout: timeout,
	}
}

// Name returns the job name.
func (j *StatsRefreshJob) Name() string {
	return "stats_refresh"
}

// Description returns a human-readable description.
func (j *StatsRefreshJob) Description() string {
	return "Recomputes matching statistics and warms the stats cache"
}

// Run executes the refresh. A failed subject is logged and the rest continue.
func (j *StatsRefreshJob) Run(ctx context.Context) error {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	total, err := j.stats.Handle(ctx, query.GetMatchingStatsQuery{SkipCache: true})
	if err != nil {
		return fmt.Errorf("failed to refresh pool stats: %w", err)
	}
	refreshed := int64(1)

	var failed int
	for _, subject := range total.Subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := j.stats.Handle(ctx, query.GetMatchingStatsQuery{Subject: subject, SkipCache: true})
		if err != nil {
			failed++
			j.logger.Warn("subject stats refresh failed", "subject", subject, "error", err)
			continue
		}
		refreshed++
	}

	j.refreshed.Store(refreshed)
	j.logger.Info("stats refreshed",
		"summaries", refreshed,
		"failed", failed,
		"students", total.Students,
		"matches", total.Matches,
	)
	return nil
}

// LastRunSummary implements scheduler.Reporter.
func (j *StatsRefreshJob) LastRunSummary() map[string]any {
	return map[string]any{"summaries": j.refreshed.Load()}
}
