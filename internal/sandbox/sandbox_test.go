package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeferredSandboxRejectsUntilInitialized(t *testing.T) {
	var s Sandbox
	assert.False(t, s.Initialized())
	_, err := s.ValidateDir(".")
	require.Error(t, err)
}

func TestValidateDirInsideScope(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	require.True(t, s.Initialized())

	resolved, err := s.ValidateDir(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(dir), resolved)
}

func TestValidateDirEscapingScope(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	_, err = s.ValidateDir(os.TempDir() + "/../../etc")
	require.Error(t, err)
}

func TestValidatePathRelativeToWorkingDir(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	resolved, err := s.ValidatePath("sub/file.txt", dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub/file.txt"), resolved)
}
