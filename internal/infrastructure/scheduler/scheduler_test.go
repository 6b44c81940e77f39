package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int64
	err   error
	panic bool
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "counts runs" }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	if j.panic {
		panic("boom")
	}
	return j.err
}

func (j *countingJob) LastRunSummary() map[string]any {
	return map[string]any{"runs": j.runs.Load()}
}

func every(t *testing.T, d time.Duration) *IntervalSchedule {
	t.Helper()
	s, err := NewIntervalSchedule(d)
	require.NoError(t, err)
	return s
}

func TestRegister(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())
	job := &countingJob{name: "rematch"}

	require.NoError(t, s.Register(job, every(t, time.Minute)))
	assert.ErrorIs(t, s.Register(job, every(t, time.Minute)), ErrJobAlreadyExists)
	assert.ErrorIs(t, s.Register(nil, every(t, time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "x"}, nil), ErrNilSchedule)

	info, err := s.GetJobInfo("rematch")
	require.NoError(t, err)
	assert.True(t, info.Enabled)
	assert.Equal(t, "@every 1m0s", info.Schedule)

	require.NoError(t, s.DisableJob("rematch"))
	info, _ = s.GetJobInfo("rematch")
	assert.False(t, info.Enabled)

	require.NoError(t, s.Unregister("rematch"))
	assert.ErrorIs(t, s.Unregister("rematch"), ErrJobNotFound)
}

func TestNewIntervalSchedule_RejectsNonPositive(t *testing.T) {
	_, err := NewIntervalSchedule(0)
	assert.Error(t, err)
}

func TestSchedulerRunsDueJobs(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = 5 * time.Millisecond
	s := NewScheduler(cfg)

	job := &countingJob{name: "stats_refresh"}
	require.NoError(t, s.Register(job, every(t, 10*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	assert.False(t, s.IsRunning())

	info, err := s.GetJobInfo("stats_refresh")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.RunCount, int64(2))
	require.NotNil(t, info.LastResult)
	assert.True(t, info.LastResult.Success)
	assert.NotNil(t, info.LastResult.Metadata["runs"])
}

func TestOnJobComplete(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = 5 * time.Millisecond
	s := NewScheduler(cfg)

	results := make(chan JobResult, 16)
	s.OnJobComplete(func(r JobResult) { results <- r })

	failing := &countingJob{name: "failing", err: errors.New("db down")}
	require.NoError(t, s.Register(failing, every(t, time.Hour)))

	_, err := s.RunNow(context.Background(), "failing")
	require.Error(t, err)
	assert.Empty(t, results)

	job := &countingJob{name: "rematch"}
	require.NoError(t, s.Register(job, every(t, 10*time.Millisecond)))
	require.NoError(t, s.DisableJob("failing"))
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop() }()

	select {
	case r := <-results:
		assert.Equal(t, "rematch", r.JobName)
		assert.True(t, r.Success)
		assert.False(t, r.Manual)
		assert.NotNil(t, r.Metadata["runs"])
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback was not called")
	}
}

func TestRunNow(t *testing.T) {
	s := NewScheduler(DefaultSchedulerConfig())
	failing := &countingJob{name: "failing", err: errors.New("db down")}
	panicking := &countingJob{name: "panicking", panic: true}
	require.NoError(t, s.Register(failing, every(t, time.Hour)))
	require.NoError(t, s.Register(panicking, every(t, time.Hour)))

	res, err := s.RunNow(context.Background(), "failing")
	assert.EqualError(t, err, "db down")
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "panicking")
	assert.ErrorIs(t, err, ErrJobPanicked)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	snap := s.GetMetrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalExecutions)
	assert.Equal(t, int64(2), snap.TotalFailures)

	history := s.GetHistory(1)
	require.Len(t, history, 1)
	assert.Equal(t, "panicking", history[0].JobName)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "failing", jobs[0].Name)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.MaxHistorySize = 2
	s := NewScheduler(cfg)
	require.NoError(t, s.Register(&countingJob{name: "job"}, every(t, time.Hour)))

	for i := 0; i < 5; i++ {
		_, err := s.RunNow(context.Background(), "job")
		require.NoError(t, err)
	}
	assert.Len(t, s.GetHistory(0), 2)
}

func TestCronSchedule(t *testing.T) {
	s, err := ParseCronSchedule("0 3 * * *", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "0 3 * * *", s.String())

	from := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), s.Next(from))

	every5, err := ParseCronSchedule("*/5 * * * *", nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 4, 5, 0, 0, time.UTC), every5.Next(from))

	daily, err := ParseCronSchedule("@daily", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), daily.Next(from))

	_, err = ParseCronSchedule("61 * * * *", nil)
	assert.Error(t, err)
	_, err = ParseCronSchedule("0 0 3 * * *", nil)
	assert.Error(t, err)
	assert.Panics(t, func() { MustParseCronSchedule("nope", nil) })
}
