package toolconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryGetAndReplace(t *testing.T) {
	r := NewRegistry([]*ToolConfig{{Name: "echo", Command: "/bin/echo", Enabled: true}})
	require.NotNil(t, r.Get("echo"))
	assert.Nil(t, r.Get("missing"))
	assert.Equal(t, 1, r.Count())

	r.Replace([]*ToolConfig{{Name: "sleep", Command: "/bin/sleep", Enabled: true}})
	assert.Nil(t, r.Get("echo"))
	require.NotNil(t, r.Get("sleep"))
}
