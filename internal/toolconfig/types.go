// Package toolconfig defines the declarative tree dispatchd loads tool
// definitions from (ToolConfig → SubcommandConfig → CommandOption), plus
// the loader, schema generator, and availability-check cache built on top
// of it.
package toolconfig

import "fmt"

// CommandOption describes one named flag or positional argument a
// subcommand accepts.
type CommandOption struct {
	Name        string         `json:"name" yaml:"name" mapstructure:"name" jsonschema:"required"`
	Type        string         `json:"type" yaml:"type" mapstructure:"type" jsonschema:"enum=string,enum=boolean,enum=integer,enum=array,enum=number"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Required    bool           `json:"required,omitempty" yaml:"required,omitempty" mapstructure:"required"`
	Format      string         `json:"format,omitempty" yaml:"format,omitempty" mapstructure:"format"`
	Alias       string         `json:"alias,omitempty" yaml:"alias,omitempty" mapstructure:"alias"`
	FileArg     bool           `json:"file_arg,omitempty" yaml:"file_arg,omitempty" mapstructure:"file_arg"`
	FileFlag    string         `json:"file_flag,omitempty" yaml:"file_flag,omitempty" mapstructure:"file_flag"`
	Items       *CommandOption `json:"items,omitempty" yaml:"items,omitempty" mapstructure:"items"`
}

// IsPathFormat reports whether values of this option must resolve to a
// sandbox-validated absolute path.
func (o CommandOption) IsPathFormat() bool { return o.Format == "path" }

// SequenceStep is one entry of a tool- or subcommand-level sequence.
type SequenceStep struct {
	Tool              string         `json:"tool,omitempty" yaml:"tool,omitempty" mapstructure:"tool"`
	Subcommand        string         `json:"subcommand,omitempty" yaml:"subcommand,omitempty" mapstructure:"subcommand"`
	Description       string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Args              map[string]any `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	SkipIfFileExists  string         `json:"skip_if_file_exists,omitempty" yaml:"skip_if_file_exists,omitempty" mapstructure:"skip_if_file_exists"`
	SkipIfFileMissing string         `json:"skip_if_file_missing,omitempty" yaml:"skip_if_file_missing,omitempty" mapstructure:"skip_if_file_missing"`
}

// SubcommandConfig is one node of a tool's subcommand tree.
type SubcommandConfig struct {
	Name                string                       `json:"name" yaml:"name" mapstructure:"name" jsonschema:"required"`
	Description         string                       `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Enabled             bool                         `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Synchronous         *bool                        `json:"synchronous,omitempty" yaml:"synchronous,omitempty" mapstructure:"synchronous"`
	TimeoutSeconds      *int                         `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	Options             []CommandOption              `json:"options,omitempty" yaml:"options,omitempty" mapstructure:"options"`
	PositionalArgs      []CommandOption              `json:"positional_args,omitempty" yaml:"positional_args,omitempty" mapstructure:"positional_args"`
	PositionalArgsFirst *bool                        `json:"positional_args_first,omitempty" yaml:"positional_args_first,omitempty" mapstructure:"positional_args_first"`
	Subcommand          map[string]*SubcommandConfig `json:"subcommand,omitempty" yaml:"subcommand,omitempty" mapstructure:"subcommand"`
	Sequence            []SequenceStep               `json:"sequence,omitempty" yaml:"sequence,omitempty" mapstructure:"sequence"`

	// Supplemented fields (ported from the original Rust ToolConfig, absent
	// from the distilled spec).
	GuidanceKey string `json:"guidance_key,omitempty" yaml:"guidance_key,omitempty" mapstructure:"guidance_key"`
	StepDelayMs *int   `json:"step_delay_ms,omitempty" yaml:"step_delay_ms,omitempty" mapstructure:"step_delay_ms"`
}

// ToolConfig is the root of one tool's declarative definition.
type ToolConfig struct {
	Name           string                       `json:"name" yaml:"name" mapstructure:"name" jsonschema:"required"`
	Command        string                       `json:"command" yaml:"command" mapstructure:"command" jsonschema:"required"`
	Description    string                       `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Enabled        bool                         `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Synchronous    *bool                        `json:"synchronous,omitempty" yaml:"synchronous,omitempty" mapstructure:"synchronous"`
	TimeoutSeconds *int                         `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	Subcommand     map[string]*SubcommandConfig `json:"subcommand,omitempty" yaml:"subcommand,omitempty" mapstructure:"subcommand"`
	Sequence       []SequenceStep               `json:"sequence,omitempty" yaml:"sequence,omitempty" mapstructure:"sequence"`

	// Supplemented fields.
	GuidanceKey         string `json:"guidance_key,omitempty" yaml:"guidance_key,omitempty" mapstructure:"guidance_key"`
	AvailabilityCheck   string `json:"availability_check,omitempty" yaml:"availability_check,omitempty" mapstructure:"availability_check"`
	InstallInstructions string `json:"install_instructions,omitempty" yaml:"install_instructions,omitempty" mapstructure:"install_instructions"`
	MonitorLevel        string `json:"monitor_level,omitempty" yaml:"monitor_level,omitempty" mapstructure:"monitor_level"` // full|summary|none
	MonitorStream       bool   `json:"monitor_stream,omitempty" yaml:"monitor_stream,omitempty" mapstructure:"monitor_stream"`
	StepDelayMs         *int   `json:"step_delay_ms,omitempty" yaml:"step_delay_ms,omitempty" mapstructure:"step_delay_ms"`
}

// SetDefaults fills in zero-value fields with this package's conventions.
func (t *ToolConfig) SetDefaults() {
	if t.MonitorLevel == "" {
		t.MonitorLevel = "full"
	}
	for _, sc := range t.Subcommand {
		sc.setDefaults()
	}
}

func (sc *SubcommandConfig) setDefaults() {
	for _, child := range sc.Subcommand {
		child.setDefaults()
	}
}

// Validate reports structural problems that SetDefaults cannot repair.
func (t *ToolConfig) Validate() error {
	if t.Name == "" {
		return errNamed("tool", "name is required")
	}
	if t.Command == "" {
		return errNamed(t.Name, "command is required")
	}
	for name, sc := range t.Subcommand {
		if err := sc.validate(t.Name+"."+name, name); err != nil {
			return err
		}
	}
	return nil
}

// validate checks sc's own fields and recurses into its children. key is
// the map key sc was registered under in its parent's Subcommand map; it
// must equal sc.Name, since resolveSubcommand (internal/dispatch/resolve.go)
// appends sc.Name — not the lookup key — to the argv command string, and a
// mismatch would silently build the wrong program invocation.
func (sc *SubcommandConfig) validate(path, key string) error {
	if sc.Name == "" {
		return errNamed(path, "subcommand name is required")
	}
	if sc.Name != key {
		return errNamed(path, fmt.Sprintf("subcommand registered under key %q but has name %q; they must match", key, sc.Name))
	}
	for name, child := range sc.Subcommand {
		if err := child.validate(path+"."+name, name); err != nil {
			return err
		}
	}
	return nil
}

type configError struct {
	path string
	msg  string
}

func (e *configError) Error() string { return e.path + ": " + e.msg }

func errNamed(path, msg string) error { return &configError{path: path, msg: msg} }

