package toolconfig

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/dispatchd/internal/toolconfig/provider"
)

const sampleJSON = `{
  "tools": [
    {
      "name": "grep",
      "command": "/usr/bin/grep",
      "enabled": true,
      "subcommand": {
        "grep": {
          "name": "grep",
          "enabled": true,
          "positional_args": [
            {"name": "pattern", "type": "string", "required": true}
          ],
          "options": [
            {"name": "ignore-case", "type": "boolean", "alias": "i"},
            {"name": "line-number", "type": "boolean", "alias": "n"}
          ]
        }
      }
    }
  ]
}`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileDecodesAndValidates(t *testing.T) {
	path := writeTempConfig(t, sampleJSON)

	tools, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, tools, 1)

	grep := tools[0]
	assert.Equal(t, "grep", grep.Name)
	assert.Equal(t, "/usr/bin/grep", grep.Command)
	require.Contains(t, grep.Subcommand, "grep")
	sc := grep.Subcommand["grep"]
	require.Len(t, sc.Options, 2)
	assert.Equal(t, "i", sc.Options[0].Alias)
}

func TestLoaderLoadViaFileProvider(t *testing.T) {
	path := writeTempConfig(t, sampleJSON)
	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	loader := NewLoader(p)
	tools, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
}

func TestValidateRejectsMissingName(t *testing.T) {
	bad := `{"tools": [{"command": "/bin/echo", "enabled": true}]}`
	path := writeTempConfig(t, bad)
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestValidateRejectsSubcommandKeyNameMismatch(t *testing.T) {
	bad := `{
  "tools": [
    {
      "name": "grep",
      "command": "/usr/bin/grep",
      "enabled": true,
      "subcommand": {
        "grep": {"name": "not-grep", "enabled": true}
      }
    }
  ]
}`
	_, err := LoadFile(writeTempConfig(t, bad))
	require.Error(t, err)
}

func TestSchemaValidationMissingRequiredArg(t *testing.T) {
	tools, err := LoadFile(writeTempConfig(t, sampleJSON))
	require.NoError(t, err)
	sc := tools[0].Subcommand["grep"]

	err = Validate(map[string]any{"ignore-case": true}, sc)
	require.Error(t, err)

	err = Validate(map[string]any{"pattern": "foo", "ignore-case": true}, sc)
	require.NoError(t, err)
}
