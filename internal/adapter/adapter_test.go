package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/dispatchd/internal/operation"
	"github.com/opsloop/dispatchd/internal/sandbox"
)

func newTestAdapter(t *testing.T) (*Adapter, *operation.Monitor) {
	t.Helper()
	mon := operation.NewMonitor(operation.Config{SweepInterval: 20 * time.Millisecond, MaxHistorySize: 100})
	t.Cleanup(mon.Shutdown)
	box, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	a := New(mon, nil, box, Retry{MaxAttempts: 1}, nil)
	t.Cleanup(a.Close)
	return a, mon
}

func TestRunSyncReturnsCommandOutput(t *testing.T) {
	a, _ := newTestAdapter(t)
	result, err := a.RunSync(context.Background(), Request{
		Command:    "/bin/echo",
		Args:       map[string]any{"args": []any{"hello"}},
		WorkingDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")
}

func TestRunSyncNonZeroExitIsNotAnError(t *testing.T) {
	a, _ := newTestAdapter(t)
	result, err := a.RunSync(context.Background(), Request{
		Command:    "/bin/sh",
		Args:       map[string]any{"args": []any{"-c", "exit 3"}},
		WorkingDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunAsyncCompletesAndUpdatesMonitor(t *testing.T) {
	a, mon := newTestAdapter(t)
	id := a.RunAsync(Request{
		ToolName:   "echo",
		Command:    "/bin/echo",
		Args:       map[string]any{"args": []any{"async-hello"}},
		WorkingDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})

	op := mon.Wait(context.Background(), id)
	require.NotNil(t, op)
	assert.Equal(t, operation.Completed, op.State)
	assert.Contains(t, op.Result.Stdout, "async-hello")
}

func TestRunAsyncNonZeroExitMarksOperationFailed(t *testing.T) {
	a, mon := newTestAdapter(t)
	id := a.RunAsync(Request{
		ToolName:   "sh",
		Command:    "/bin/sh",
		Args:       map[string]any{"args": []any{"-c", "exit 3"}},
		WorkingDir: t.TempDir(),
		Timeout:    5 * time.Second,
	})

	op := mon.Wait(context.Background(), id)
	require.NotNil(t, op)
	assert.Equal(t, operation.Failed, op.State)
	assert.Equal(t, 3, op.Result.ExitCode)
}

func TestRunSyncMonitorLevelNoneDiscardsOutput(t *testing.T) {
	a, _ := newTestAdapter(t)
	result, err := a.RunSync(context.Background(), Request{
		Command:      "/bin/echo",
		Args:         map[string]any{"args": []any{"secret-output"}},
		WorkingDir:   t.TempDir(),
		Timeout:      5 * time.Second,
		MonitorLevel: "none",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunSyncMonitorLevelSummaryTailsOutput(t *testing.T) {
	a, _ := newTestAdapter(t)
	result, err := a.RunSync(context.Background(), Request{
		Command:      "/bin/sh",
		Args:         map[string]any{"args": []any{"-c", "for i in $(seq 1 30); do echo line-$i; done"}},
		WorkingDir:   t.TempDir(),
		Timeout:      5 * time.Second,
		MonitorLevel: "summary",
	})
	require.NoError(t, err)
	assert.NotContains(t, result.Stdout, "line-1\n")
	assert.Contains(t, result.Stdout, "line-30")
}

func TestRunAsyncCancelMarksOperationCancelled(t *testing.T) {
	a, mon := newTestAdapter(t)
	id := a.RunAsync(Request{
		ToolName:   "sleep",
		Command:    "/bin/sleep",
		Args:       map[string]any{"args": []any{"5"}},
		WorkingDir: t.TempDir(),
		Timeout:    time.Minute,
	})

	// Give the goroutine a moment to register InProgress before cancelling.
	require.Eventually(t, func() bool {
		op := mon.Get(id)
		return op != nil && op.State == operation.InProgress
	}, time.Second, 10*time.Millisecond)

	ok := a.Cancel(id, "user requested cancellation")
	assert.True(t, ok)

	op := mon.Wait(context.Background(), id)
	require.NotNil(t, op)
	assert.Equal(t, operation.Cancelled, op.State)
}

func TestShutdownCancelsInflightTasks(t *testing.T) {
	a, mon := newTestAdapter(t)
	id := a.RunAsync(Request{
		ToolName:   "sleep",
		Command:    "/bin/sleep",
		Args:       map[string]any{"args": []any{"10"}},
		WorkingDir: t.TempDir(),
		Timeout:    time.Minute,
	})

	require.Eventually(t, func() bool {
		op := mon.Get(id)
		return op != nil && op.State == operation.InProgress
	}, time.Second, 10*time.Millisecond)

	a.Shutdown(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		op := mon.Get(id)
		return op != nil && op.State != operation.InProgress
	}, 2*time.Second, 20*time.Millisecond)
}
