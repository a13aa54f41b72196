package toolconfig

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// InputSchema generates the MCP `inputSchema` for a resolved subcommand
// from its declared options and positional arguments, folding in the
// reserved runtime keys every tool call may carry.
func InputSchema(sc *SubcommandConfig) *jsonschema.Schema {
	props := jsonschema.NewProperties()
	var required []string

	addOption := func(opt CommandOption) {
		s := &jsonschema.Schema{
			Type:        jsonSchemaType(opt.Type),
			Description: opt.Description,
		}
		if opt.Format != "" {
			s.Format = opt.Format
		}
		props.Set(opt.Name, s)
		if opt.Required {
			required = append(required, opt.Name)
		}
	}

	if sc != nil {
		for _, opt := range sc.Options {
			addOption(opt)
		}
		for _, pos := range sc.PositionalArgs {
			addOption(pos)
		}
	}

	props.Set("working_directory", &jsonschema.Schema{Type: "string", Description: "sandbox-scoped working directory override"})
	props.Set("execution_mode", &jsonschema.Schema{Type: "string", Description: "Synchronous or AsyncResultPush"})
	props.Set("timeout_seconds", &jsonschema.Schema{Type: "integer", Description: "per-operation timeout override"})
	props.Set("args", &jsonschema.Schema{Type: "array", Description: "literal positional tail appended last"})

	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// GuidanceText combines a tool's and (if resolved) its subcommand's
// guidance_key hints into one string for surfacing in a tool description or
// remediation message, per SPEC_FULL.md supplement #1. Returns "" if
// neither is set.
func GuidanceText(tool *ToolConfig, sc *SubcommandConfig) string {
	var hints []string
	if tool != nil && tool.GuidanceKey != "" {
		hints = append(hints, tool.GuidanceKey)
	}
	if sc != nil && sc.GuidanceKey != "" {
		hints = append(hints, sc.GuidanceKey)
	}
	if len(hints) == 0 {
		return ""
	}
	joined := hints[0]
	for _, h := range hints[1:] {
		joined += "; " + h
	}
	return joined
}

func jsonSchemaType(t string) string {
	switch t {
	case "boolean", "integer", "number", "array", "string":
		return t
	default:
		return "string"
	}
}

// Validate checks args against the resolved subcommand's schema, surfacing
// a friendlier InvalidParams-shaped error (missing required field, wrong
// type) than a raw argv-construction failure would.
func Validate(args map[string]any, sc *SubcommandConfig) error {
	if sc == nil {
		return nil
	}
	known := make(map[string]CommandOption)
	for _, o := range sc.Options {
		known[o.Name] = o
	}
	for _, o := range sc.PositionalArgs {
		known[o.Name] = o
		if o.Required {
			if _, ok := args[o.Name]; !ok {
				return fmt.Errorf("missing required argument %q", o.Name)
			}
		}
	}
	for _, o := range sc.Options {
		if !o.Required {
			continue
		}
		if _, ok := args[o.Name]; !ok {
			return fmt.Errorf("missing required option %q", o.Name)
		}
	}
	for name, v := range args {
		if isReservedKey(name) {
			continue
		}
		opt, ok := known[name]
		if !ok {
			continue // unknown keys are silently skipped by the preparer, not rejected here
		}
		if err := checkType(name, v, opt.Type); err != nil {
			return err
		}
	}
	return nil
}

func isReservedKey(key string) bool {
	switch key {
	case "working_directory", "execution_mode", "timeout_seconds", "args", "subcommand":
		return true
	default:
		return false
	}
}

func checkType(name string, v any, want string) error {
	switch want {
	case "boolean":
		switch v.(type) {
		case bool, string:
			return nil
		default:
			return fmt.Errorf("argument %q must be a boolean", name)
		}
	case "integer", "number":
		switch v.(type) {
		case float64, int, int64, string:
			return nil
		default:
			return fmt.Errorf("argument %q must be a number", name)
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return fmt.Errorf("argument %q must be an array", name)
		}
		return nil
	default:
		return nil
	}
}
