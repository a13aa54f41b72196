package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeSpawnFailure, "failed to spawn shell", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeSpawnFailure, CodeOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestCodeOfUnclassifiedError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
}

func TestIsMatchesOnCode(t *testing.T) {
	a := New(CodeTimeout, "operation timed out")
	b := New(CodeTimeout, "a different message")
	assert.True(t, errors.Is(a, b))

	c := New(CodePoolFull, "pool full")
	assert.False(t, errors.Is(a, c))
}
