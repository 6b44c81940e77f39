// Package jobs contains the scheduled jobs of the matching worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/peer-tutoring/internal/application/orchestrator"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
)

// ══════════════════════════════════════════════════════════════════════════════
// REMATCH JOB
// ══════════════════════════════════════════════════════════════════════════════

// ChapterMatcher runs matching over every chapter of a subject.
type ChapterMatcher interface {
	MatchAllChapters(ctx context.Context, req orchestrator.BatchRequest) (*orchestrator.BatchResult, error)
}

// RematchJob re-runs matching for every chapter with performance data, so new
// records and changed profiles produce new pairs. Existing pairs are kept.
type RematchJob struct {
	tx      matching.Transactor
	matcher ChapterMatcher
	logger  *slog.Logger
	config  RematchConfig

	runs         atomic.Int64
	failedRuns   atomic.Int64
	lastRunStats atomic.Pointer[RematchStats]
}

// RematchConfig contains configuration for the rematch job.
type RematchConfig struct {
	// MeetingMode is used for every run (default: online).
	MeetingMode matching.MeetingMode

	// Policy overrides the configured eligibility policy by name.
	Policy string

	// Subjects limits the job to these subjects (empty = all).
	Subjects []string

	// Include, when set, is asked for every subject; false skips it.
	Include func(subject string) bool

	// MaxConcurrent is how many subjects are matched at once.
	MaxConcurrent int

	// Timeout is the maximum duration of one run.
	Timeout time.Duration
}

// DefaultRematchConfig returns sensible defaults.
func DefaultRematchConfig() RematchConfig {
	return RematchConfig{
		MeetingMode:   matching.MeetingOnline,
		MaxConcurrent: 4,
		Timeout:       10 * time.Minute,
	}
}

// RematchStats contains statistics from a rematch run.
type RematchStats struct {
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Subjects    int
	Chapters    int
	Created     int
	Existing    int
	Skipped     int
	Failed      int
}

// NewRematchJob creates a new rematch job.
func NewRematchJob(tx matching.Transactor, matcher ChapterMatcher, logger *slog.Logger, config RematchConfig) *RematchJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.MeetingMode == "" {
		config.MeetingMode = matching.MeetingOnline
	}

	return &RematchJob{
		tx:      tx,
		matcher: matcher,
		logger:  logger.With("job", "rematch"),
		config:  config,
	}
}

// Name returns the job name.
func (j *RematchJob) Name() string {
	return "rematch"
}

// Description returns a human-readable description.
func (j *RematchJob) Description() string {
	return "Re-runs stable matching for every chapter with performance data"
}

// Run executes the rematch job. Chapters whose run lock is held elsewhere are
// skipped. The run fails only when listing subjects fails, when the context
// ends, or when every attempted chapter failed.
func (j *RematchJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	startedAt := time.Now()

	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	subjects, err := j.subjects(ctx)
	if err != nil {
		j.failedRuns.Add(1)
		return fmt.Errorf("failed to list subjects: %w", err)
	}

	var (
		mu    sync.Mutex
		stats = &RematchStats{StartedAt: startedAt, Subjects: len(subjects)}
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.config.MaxConcurrent)

	for _, subject := range subjects {
		g.Go(func() error {
			res, err := j.matcher.MatchAllChapters(gctx, orchestrator.BatchRequest{
				Subject:     subject,
				MeetingMode: j.config.MeetingMode,
				Policy:      j.config.Policy,
			})
			if res != nil {
				mu.Lock()
				stats.Chapters += res.Chapters
				stats.Created += res.Created
				stats.Existing += res.Existing
				stats.Skipped += len(res.Skipped)
				stats.Failed += len(res.Failed)
				mu.Unlock()
			}
			if err != nil {
				// Only cancellation or a listing failure stops the batch.
				return fmt.Errorf("subject %s: %w", subject, err)
			}
			return nil
		})
	}
	runErr := g.Wait()

	stats.CompletedAt = time.Now()
	stats.Duration = stats.CompletedAt.Sub(startedAt)
	j.lastRunStats.Store(stats)

	if runErr == nil && stats.Failed > 0 && stats.Chapters == 0 {
		runErr = fmt.Errorf("%w: %d chapters failed", ErrAllChaptersFailed, stats.Failed)
	}
	if runErr != nil {
		j.failedRuns.Add(1)
		j.logger.Error("rematch run failed",
			"subjects", stats.Subjects,
			"chapters", stats.Chapters,
			"failed", stats.Failed,
			"error", runErr,
		)
		return runErr
	}

	j.logger.Info("rematch run completed",
		"subjects", stats.Subjects,
		"chapters", stats.Chapters,
		"created", stats.Created,
		"existing", stats.Existing,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)
	return nil
}

// subjects returns the configured subjects, or every subject with data.
func (j *RematchJob) subjects(ctx context.Context) ([]string, error) {
	if len(j.config.Subjects) > 0 {
		return j.include(j.config.Subjects), nil
	}

	seen := make(map[string]struct{})
	err := j.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		refs, err := s.Performance().ListChapters(ctx, "")
		if err != nil {
			return err
		}
		for _, ref := range refs {
			seen[ref.Subject] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	subjects := make([]string, 0, len(seen))
	for s := range seen {
		subjects = append(subjects, s)
	}
	sort.Strings(subjects)
	return j.include(subjects), nil
}

func (j *RematchJob) include(subjects []string) []string {
	if j.config.Include == nil {
		return subjects
	}
	kept := make([]string, 0, len(subjects))
	for _, s := range subjects {
		if j.config.Include(s) {
			kept = append(kept, s)
		} else {
			j.logger.Debug("subject excluded from rematch", "subject", s)
		}
	}
	return kept
}

// LastRunStats returns statistics of the last completed run, or nil.
func (j *RematchJob) LastRunStats() *RematchStats {
	return j.lastRunStats.Load()
}

// LastRunSummary implements scheduler.Reporter.
func (j *RematchJob) LastRunSummary() map[string]any {
	s := j.lastRunStats.Load()
	if s == nil {
		return nil
	}
	return map[string]any{
		"subjects": s.Subjects,
		"chapters": s.Chapters,
		"created":  s.Created,
		"existing": s.Existing,
		"skipped":  s.Skipped,
		"failed":   s.Failed,
	}
}

// Runs returns how many runs started and how many of them failed.
func (j *RematchJob) Runs() (total, failed int64) {
	return j.runs.Load(), j.failedRuns.Load()
}

// ErrAllChaptersFailed is returned when no chapter of a run succeeded.
var ErrAllChaptersFailed = errors.New("every chapter failed")
