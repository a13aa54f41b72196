package preparer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/dispatchd/internal/sandbox"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

func boolPtr(b bool) *bool { return &b }

func TestShellCommandsAppendRedirectOnce(t *testing.T) {
	program, argv, err := Prepare("/bin/sh -c", map[string]any{
		"args": []any{"echo hi"},
	}, nil, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", program)
	assert.Equal(t, []string{"-c", "echo hi 2>&1"}, argv)
}

func TestShellCommandsDoNotDuplicateRedirect(t *testing.T) {
	_, argv, err := Prepare("/bin/sh -c", map[string]any{
		"args": []any{"ls 2>&1"},
	}, nil, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-c", "ls 2>&1"}, argv)
}

func TestNonShellCommandsRemainUnchanged(t *testing.T) {
	program, argv, err := Prepare("git --version", nil, nil, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "git", program)
	assert.Equal(t, []string{"--version"}, argv)
}

func TestFormatOptionFlagStandard(t *testing.T) {
	assert.Equal(t, "--name", formatOptionFlag("name"))
}

func TestFormatOptionFlagDashPrefixedPassesThrough(t *testing.T) {
	assert.Equal(t, "-name", formatOptionFlag("-name"))
}

func TestFormatOptionFlagEmptyKey(t *testing.T) {
	assert.Equal(t, "--", formatOptionFlag(""))
}

func TestFindCommandArgsWithDashPrefix(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:                "find",
		Enabled:             true,
		PositionalArgsFirst: boolPtr(true),
		PositionalArgs: []toolconfig.CommandOption{
			{Name: "path", Type: "string", Format: "path"},
		},
		Options: []toolconfig.CommandOption{
			{Name: "-name", Type: "string"},
			{Name: "-maxdepth", Type: "string"},
		},
	}

	tmp := t.TempDir()
	box, err := sandbox.New(tmp)
	require.NoError(t, err)

	program, argv, err := Prepare("find", map[string]any{
		"path":      tmp,
		"-name":     "*.go",
		"-maxdepth": "2",
	}, sc, tmp, box, nil)
	require.NoError(t, err)
	assert.Equal(t, "find", program)
	require.Len(t, argv, 5)
	assert.Equal(t, tmp, argv[0])
	assert.Equal(t, "-maxdepth", argv[1])
	assert.Equal(t, "2", argv[2])
	assert.Equal(t, "-name", argv[3])
	assert.Equal(t, "*.go", argv[4])
}

func TestBooleanOptionUsesAliasWhenTrue(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "grep",
		Enabled: true,
		Options: []toolconfig.CommandOption{
			{Name: "verbose", Type: "boolean", Alias: "v"},
		},
	}

	_, argv, err := Prepare("/usr/bin/grep", map[string]any{
		"verbose": "true",
	}, sc, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-v"}, argv)
}

func TestBooleanOptionFalseEmitsNothing(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "grep",
		Enabled: true,
		Options: []toolconfig.CommandOption{
			{Name: "verbose", Type: "boolean", Alias: "v"},
		},
	}

	_, argv, err := Prepare("/usr/bin/grep", map[string]any{
		"verbose": false,
	}, sc, "", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, argv)
}

func TestReservedRuntimeKeysAreNotEmittedAsCLIArgs(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "grep",
		Enabled: true,
		Options: []toolconfig.CommandOption{
			{Name: "name", Type: "string"},
		},
	}

	_, argv, err := Prepare("/usr/bin/grep", map[string]any{
		"working_directory": "/tmp",
		"execution_mode":    "async",
		"timeout_seconds":   30,
		"name":              "value",
		"args":              []any{"positional"},
	}, sc, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"--name", "value", "positional"}, argv)
}

func TestUnknownKeysSkippedWhenSchemaPresent(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "grep",
		Enabled: true,
		Options: []toolconfig.CommandOption{
			{Name: "name", Type: "string"},
		},
	}

	_, argv, err := Prepare("/usr/bin/grep", map[string]any{
		"name":    "value",
		"bogus":   "should-not-appear",
		"another": "also-skipped",
	}, sc, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"--name", "value"}, argv)
}

func TestUnknownKeysPassThroughWhenNoSchema(t *testing.T) {
	_, argv, err := Prepare("/usr/bin/grep", map[string]any{
		"pattern": "foo",
	}, nil, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"--pattern", "foo"}, argv)
}

func TestFileArgUsesConfiguredFlagAndWritesContent(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "run",
		Enabled: true,
		Options: []toolconfig.CommandOption{
			{Name: "input", Type: "string", FileArg: true, FileFlag: "-f"},
		},
	}
	tfm := NewTempFileManager()
	t.Cleanup(tfm.Close)

	content := "line one\nline two\n"
	_, argv, err := Prepare("mytool", map[string]any{
		"input": content,
	}, sc, "", nil, tfm)
	require.NoError(t, err)
	require.Len(t, argv, 2)
	assert.Equal(t, "-f", argv[0])

	data, err := os.ReadFile(argv[1])
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestFileArgWithoutConfiguredFlagUsesFormattedOption(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "run",
		Enabled: true,
		Options: []toolconfig.CommandOption{
			{Name: "input", Type: "string", FileArg: true},
		},
	}
	tfm := NewTempFileManager()
	t.Cleanup(tfm.Close)

	_, argv, err := Prepare("mytool", map[string]any{
		"input": "content",
	}, sc, "", nil, tfm)
	require.NoError(t, err)
	require.Len(t, argv, 2)
	assert.Equal(t, "--input", argv[0])
}

func TestPathArgumentRejectsEscapeFromSandbox(t *testing.T) {
	tmp := t.TempDir()
	box, err := sandbox.New(tmp)
	require.NoError(t, err)

	sc := &toolconfig.SubcommandConfig{
		Name:    "cat",
		Enabled: true,
		PositionalArgs: []toolconfig.CommandOption{
			{Name: "file", Type: "string", Format: "path"},
		},
	}

	_, _, err = Prepare("/bin/cat", map[string]any{
		"file": "../../etc/passwd",
	}, sc, tmp, box, nil)
	require.Error(t, err)
}

func TestArrayValuesJoinWithSpaces(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "run",
		Enabled: true,
		Options: []toolconfig.CommandOption{
			{Name: "tags", Type: "array"},
		},
	}
	_, argv, err := Prepare("mytool", map[string]any{
		"tags": []any{"a", "b", "c"},
	}, sc, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"--tags", "a b c"}, argv)
}

func TestPositionalArgsAfterOptionsByDefault(t *testing.T) {
	sc := &toolconfig.SubcommandConfig{
		Name:    "grep",
		Enabled: true,
		PositionalArgs: []toolconfig.CommandOption{
			{Name: "pattern", Type: "string"},
		},
		Options: []toolconfig.CommandOption{
			{Name: "ignore-case", Type: "boolean", Alias: "i"},
		},
	}
	_, argv, err := Prepare("/usr/bin/grep", map[string]any{
		"pattern":     "foo",
		"ignore-case": true,
	}, sc, "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"-i", "foo"}, argv)
}
