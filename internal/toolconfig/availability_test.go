package toolconfig

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAvailabilityCheckerCachesResult(t *testing.T) {
	c := NewAvailabilityChecker()
	tool := &ToolConfig{Name: "true-tool", Command: "/bin/true", Enabled: true, AvailabilityCheck: "true"}

	require.NoError(t, c.Check(context.Background(), tool))
	// Second call hits the cache; still nil.
	require.NoError(t, c.Check(context.Background(), tool))
}

func TestAvailabilityCheckerReportsFailureWithInstructions(t *testing.T) {
	c := NewAvailabilityChecker()
	tool := &ToolConfig{
		Name:                "nope-tool",
		Command:             "/bin/nope",
		Enabled:             true,
		AvailabilityCheck:   "false",
		InstallInstructions: "install nope via your package manager",
	}

	err := c.Check(context.Background(), tool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install nope via your package manager")

	c.Reset("nope-tool")
	err2 := c.Check(context.Background(), tool)
	require.Error(t, err2)
}

func TestNoAvailabilityCheckConfiguredIsNoop(t *testing.T) {
	c := NewAvailabilityChecker()
	tool := &ToolConfig{Name: "plain", Command: "/bin/echo", Enabled: true}
	require.NoError(t, c.Check(context.Background(), tool))
}
