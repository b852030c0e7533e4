package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshflow/orchestrator/common/correlation"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

type fireRecorder struct {
	mu    sync.Mutex
	fires []string
}

func (f *fireRecorder) fire(ctx context.Context, flowID, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fires = append(f.fires, flowID+"/"+correlationID)
	return nil
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fires)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fireRecorder) {
	t.Helper()
	rec := &fireRecorder{}
	s := New(rec.fire, nil, nopLogger{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, rec
}

func TestValidateAcceptsCommonForms(t *testing.T) {
	s, _ := newTestScheduler(t)

	for _, expr := range []string{
		"*/5 * * * *",        // five-field
		"0 0 * * * *",        // six-field with seconds
		"0 0 12 * * ?",       // Quartz day-of-week placeholder
		"0 15 10 ? * MON-FRI",
		"0 0 12 * * ? 2026",  // Quartz seven-field with year
		"@hourly",
	} {
		require.NoError(t, s.Validate(expr), "expression %q", expr)
	}
}

func TestValidateRejectsBadForms(t *testing.T) {
	s, _ := newTestScheduler(t)

	for _, expr := range []string{"", "   ", "not a cron", "* * *", "99 * * * *"} {
		require.Error(t, s.Validate(expr), "expression %q", expr)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "flow-1", "0 0 * * * ?", false))
	require.True(t, s.IsRunning("flow-1"))

	expr, ok := s.CronExpression("flow-1")
	require.True(t, ok)
	require.Equal(t, "0 0 * * * ?", expr)

	next, err := s.NextFireTime("flow-1")
	require.NoError(t, err)
	require.True(t, next.After(time.Now()))

	// Double start is rejected.
	require.Error(t, s.Start(ctx, "flow-1", "0 0 * * * ?", false))

	require.NoError(t, s.Stop(ctx, "flow-1"))
	require.False(t, s.IsRunning("flow-1"))

	// Stopping an unscheduled flow is rejected.
	require.Error(t, s.Stop(ctx, "flow-1"))
}

func TestUpdateReplacesOrStarts(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx := context.Background()

	// Update on an unscheduled flow arms it.
	require.NoError(t, s.Update(ctx, "flow-1", "0 0 * * * ?", false))
	require.True(t, s.IsRunning("flow-1"))

	require.NoError(t, s.Update(ctx, "flow-1", "0 30 * * * ?", true))
	expr, ok := s.CronExpression("flow-1")
	require.True(t, ok)
	require.Equal(t, "0 30 * * * ?", expr)

	require.Equal(t, []string{"flow-1"}, s.ListScheduled())
}

func TestFirePreservesCorrelationID(t *testing.T) {
	s, rec := newTestScheduler(t)

	ctx := correlation.WithCorrelationID(context.Background(), "corr-1")
	require.NoError(t, s.Start(ctx, "flow-1", "0 0 * * * ?", false))

	s.onFire("flow-1")
	require.Equal(t, 1, rec.count())
	require.Equal(t, "flow-1/corr-1", rec.fires[0])
}

func TestOneTimeJobRemovesItselfAfterFiring(t *testing.T) {
	s, rec := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, "flow-1", "0 0 * * * ?", true))

	s.onFire("flow-1")
	require.Equal(t, 1, rec.count())
	require.False(t, s.IsRunning("flow-1"))

	// A late trigger for the removed job is a no-op.
	s.onFire("flow-1")
	require.Equal(t, 1, rec.count())
}
