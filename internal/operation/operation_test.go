package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) *Monitor {
	m := NewMonitor(Config{SweepInterval: 20 * time.Millisecond, MaxHistorySize: 2})
	t.Cleanup(m.Shutdown)
	return m
}

func TestAddAndGet(t *testing.T) {
	m := newTestMonitor(t)
	id := m.NextID()
	op := m.Add(id, "sleep", "sleep 0.1", 0)
	require.Equal(t, Pending, op.State)

	got := m.Get(id)
	require.NotNil(t, got)
	assert.Equal(t, "sleep", got.ToolName)
	assert.Equal(t, Pending, got.State)
}

func TestSetStateTerminalIsMonotonic(t *testing.T) {
	m := newTestMonitor(t)
	id := m.NextID()
	m.Add(id, "t", "d", 0)

	m.SetState(id, InProgress, nil)
	m.SetState(id, Completed, &Result{ExitCode: 0, Stdout: "ok"})
	require.Equal(t, Completed, m.Get(id).State)
	require.False(t, m.Get(id).EndTime.IsZero())

	// A transition attempted after terminal is a no-op (P2).
	m.SetState(id, Failed, &Result{ExitCode: 1})
	assert.Equal(t, Completed, m.Get(id).State)
}

func TestWaitReturnsOnTerminalTransition(t *testing.T) {
	m := newTestMonitor(t)
	id := m.NextID()
	m.Add(id, "t", "d", 0)
	m.SetState(id, InProgress, nil)

	done := make(chan *Operation, 1)
	go func() {
		done <- m.Wait(context.Background(), id)
	}()

	time.Sleep(10 * time.Millisecond)
	m.SetState(id, Completed, &Result{ExitCode: 0})

	select {
	case op := <-done:
		require.NotNil(t, op)
		assert.Equal(t, Completed, op.State)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}
}

func TestWaitOnUnknownIDReturnsNil(t *testing.T) {
	m := newTestMonitor(t)
	assert.Nil(t, m.Wait(context.Background(), "op_does_not_exist"))
}

func TestWaitAlreadyTerminalReturnsImmediately(t *testing.T) {
	m := newTestMonitor(t)
	id := m.NextID()
	m.Add(id, "t", "d", 0)
	m.SetState(id, Completed, &Result{ExitCode: 0})

	op := m.Wait(context.Background(), id)
	require.NotNil(t, op)
	assert.Equal(t, Completed, op.State)
}

func TestCancelIsIdempotent(t *testing.T) {
	m := newTestMonitor(t)
	id := m.NextID()
	op := m.Add(id, "t", "d", 0)

	require.True(t, m.Cancel(id, "user stop"))
	assert.Equal(t, Cancelled, m.Get(id).State)

	// R3: second cancel returns false and doesn't alter state/result.
	before := m.Get(id)
	assert.False(t, m.Cancel(id, "again"))
	after := m.Get(id)
	assert.Equal(t, before.Result.Reason, after.Result.Reason)

	<-op.Done()
	require.Error(t, op.CancelCause())
}

func TestSweeperTimesOutExpiredOperations(t *testing.T) {
	m := newTestMonitor(t)
	id := m.NextID()
	m.Add(id, "sleep", "d", 30*time.Millisecond)
	m.SetState(id, InProgress, nil)

	require.Eventually(t, func() bool {
		op := m.Get(id)
		return op.State == TimedOut
	}, time.Second, 10*time.Millisecond)
}

func TestRetentionEvictsOldestTerminalFirst(t *testing.T) {
	m := newTestMonitor(t) // MaxHistorySize: 2
	var ids []string
	for i := 0; i < 4; i++ {
		id := m.NextID()
		ids = append(ids, id)
		m.Add(id, "t", "d", 0)
		m.SetState(id, Completed, &Result{ExitCode: 0})
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(m.Completed()) <= 2
	}, time.Second, 10*time.Millisecond)

	// The most recently completed should survive eviction.
	last := m.Get(ids[len(ids)-1])
	require.NotNil(t, last)
}

func TestRetentionIgnoresActiveOperations(t *testing.T) {
	m := newTestMonitor(t) // MaxHistorySize: 2

	// Three active operations outnumber the cap, but none are terminal, so
	// none should be evicted and the cap must not be charged against them.
	var activeIDs []string
	for i := 0; i < 3; i++ {
		id := m.NextID()
		activeIDs = append(activeIDs, id)
		m.Add(id, "t", "d", 0)
	}

	// One terminal operation, at or below the cap: must survive.
	completedID := m.NextID()
	m.Add(completedID, "t", "d", 0)
	m.SetState(completedID, Completed, &Result{ExitCode: 0})

	for _, id := range activeIDs {
		require.NotNil(t, m.Get(id))
	}
	require.NotNil(t, m.Get(completedID))
	assert.Len(t, m.Completed(), 1)
	assert.Len(t, m.Active(), 3)
}

func TestActiveMostRecentFirst(t *testing.T) {
	m := newTestMonitor(t)
	id1 := m.NextID()
	m.Add(id1, "t", "d", 0)
	time.Sleep(5 * time.Millisecond)
	id2 := m.NextID()
	m.Add(id2, "t", "d", 0)

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, id2, active[0].ID)
}
