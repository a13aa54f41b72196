package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/dispatchd/internal/toolconfig"
)

func gitTool() *toolconfig.ToolConfig {
	return &toolconfig.ToolConfig{
		Name:    "git",
		Command: "/usr/bin/git",
		Enabled: true,
		Subcommand: map[string]*toolconfig.SubcommandConfig{
			"status": {Name: "status", Enabled: true},
			"remote": {
				Name:    "remote",
				Enabled: true,
				Subcommand: map[string]*toolconfig.SubcommandConfig{
					"add":     {Name: "add", Enabled: true},
					"disable": {Name: "disable"},
				},
			},
			"default": {Name: "default", Enabled: true},
		},
	}
}

func TestResolveSubcommandTopLevel(t *testing.T) {
	res, err := resolveSubcommand(gitTool(), "status")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/git status", res.CommandString)
	require.NotNil(t, res.Subcommand)
	assert.Equal(t, "status", res.Subcommand.Name)
}

func TestResolveSubcommandNested(t *testing.T) {
	res, err := resolveSubcommand(gitTool(), "remote_add")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/git remote add", res.CommandString)
}

func TestResolveSubcommandDisabledNestedFails(t *testing.T) {
	_, err := resolveSubcommand(gitTool(), "remote_disable")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disable")
}

func TestResolveSubcommandEmptyPathUsesDefault(t *testing.T) {
	res, err := resolveSubcommand(gitTool(), "")
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/git", res.CommandString, "default subcommand name is never appended")
}

func TestResolveSubcommandEmptyPathWithoutDefaultFails(t *testing.T) {
	tool := gitTool()
	delete(tool.Subcommand, "default")
	_, err := resolveSubcommand(tool, "")
	require.Error(t, err)
}

func TestResolveSubcommandUnknownSegmentListsAvailable(t *testing.T) {
	_, err := resolveSubcommand(gitTool(), "bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available subcommands")
	assert.Contains(t, err.Error(), "status (enabled)")
}

func TestResolveSubcommandBareToolWithNoTree(t *testing.T) {
	tool := &toolconfig.ToolConfig{Name: "echo", Command: "/bin/echo", Enabled: true}
	res, err := resolveSubcommand(tool, "")
	require.NoError(t, err)
	assert.Nil(t, res.Subcommand)
	assert.Equal(t, "/bin/echo", res.CommandString)
}

func TestResolveSubcommandTooDeepFails(t *testing.T) {
	_, err := resolveSubcommand(gitTool(), "status_extra")
	require.Error(t, err)
}
