package shellpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ShellSpawnTimeout = 5 * time.Second
	cfg.HealthCheckTimeout = 2 * time.Second
	cfg.ShellIdleTimeout = 50 * time.Millisecond
	cfg.PoolCleanupInterval = 20 * time.Millisecond
	cfg.HealthCheckInterval = 20 * time.Millisecond
	return cfg
}

func TestManagerExecutesCommandInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(testConfig(), nil)
	t.Cleanup(m.Shutdown)

	resp, err := m.Execute(context.Background(), dir, Command{
		ID:        "1",
		Command:   []string{"pwd"},
		TimeoutMs: 3000,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, resp.ExitCode)
	assert.Equal(t, dir, resp.Stdout)
}

func TestManagerReusesReturnedShell(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(testConfig(), nil)
	t.Cleanup(m.Shutdown)

	_, err := m.Execute(context.Background(), dir, Command{ID: "1", Command: []string{"true"}, TimeoutMs: 3000})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().TotalShells)

	_, err = m.Execute(context.Background(), dir, Command{ID: "2", Command: []string{"true"}, TimeoutMs: 3000})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().TotalShells)
}

func TestManagerEnforcesGlobalShellCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalShells = 1
	m := NewManager(cfg, nil)
	t.Cleanup(m.Shutdown)

	dir := t.TempDir()
	s, err := m.Acquire(context.Background(), dir)
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), t.TempDir())
	require.Error(t, err)

	m.Release(s)
}

func TestManagerCapsShellsPerDirectory(t *testing.T) {
	cfg := testConfig()
	cfg.ShellsPerDirectory = 1
	m := NewManager(cfg, nil)
	t.Cleanup(m.Shutdown)

	dir := t.TempDir()
	s1, err := m.Acquire(context.Background(), dir)
	require.NoError(t, err)
	s2, err := m.Acquire(context.Background(), dir)
	require.NoError(t, err)

	m.Release(s1)
	m.Release(s2)

	assert.LessOrEqual(t, m.Stats().TotalShells, 1)
}

type fakeMetrics struct {
	acquires, releases, poolFulls int
}

func (f *fakeMetrics) RecordAcquire(string)  { f.acquires++ }
func (f *fakeMetrics) RecordRelease(string)  { f.releases++ }
func (f *fakeMetrics) RecordPoolFull(string) { f.poolFulls++ }

func TestManagerReportsMetricsOnAcquireReleaseAndPoolFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTotalShells = 1
	m := NewManager(cfg, nil)
	t.Cleanup(m.Shutdown)

	fm := &fakeMetrics{}
	m.SetMetrics(fm)

	s, err := m.Acquire(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, fm.acquires)

	_, err = m.Acquire(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, 1, fm.poolFulls)

	m.Release(s)
	assert.Equal(t, 1, fm.releases)
}

func TestIdlePoolIsCleanedUp(t *testing.T) {
	m := NewManager(testConfig(), nil)
	t.Cleanup(m.Shutdown)

	dir := t.TempDir()
	_, err := m.Execute(context.Background(), dir, Command{ID: "1", Command: []string{"true"}, TimeoutMs: 3000})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m.mu.RLock()
		defer m.mu.RUnlock()
		_, ok := m.pools[dir]
		return !ok
	}, time.Second, 10*time.Millisecond)
}
