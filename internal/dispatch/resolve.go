package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/opsloop/dispatchd/internal/apperr"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

// Resolution is the outcome of walking a tool's subcommand tree for a
// caller-supplied (possibly empty) subcommand path.
type Resolution struct {
	// Subcommand is the matched node, or nil if the tool has no
	// subcommand tree at all (a bare single-command tool).
	Subcommand *toolconfig.SubcommandConfig
	// CommandString is tool.Command with every matched subcommand name
	// appended in descent order, except the synthetic "default" node.
	CommandString string
}

// resolveSubcommand implements spec.md §4.5 "Subcommand resolution": an
// underscore-separated path is walked one segment per tree level; an
// absent path means "the default subcommand", which must exist and be
// enabled or resolution fails.
func resolveSubcommand(tool *toolconfig.ToolConfig, path string) (*Resolution, error) {
	if path == "" {
		if tool.Subcommand == nil {
			return &Resolution{CommandString: tool.Command}, nil
		}
		def, ok := tool.Subcommand["default"]
		if !ok || !def.Enabled {
			return nil, notFoundErr(tool.Name, tool.Subcommand, "")
		}
		return &Resolution{Subcommand: def, CommandString: tool.Command}, nil
	}

	segments := strings.Split(path, "_")
	children := tool.Subcommand
	cmd := tool.Command
	var node *toolconfig.SubcommandConfig

	for i, seg := range segments {
		if children == nil {
			return nil, notFoundErr(tool.Name, nil, strings.Join(segments[:i], "_"))
		}
		match, ok := children[seg]
		if !ok || !match.Enabled {
			return nil, notFoundErr(tool.Name, children, seg)
		}
		node = match
		if match.Name != "default" {
			cmd = cmd + " " + match.Name
		}
		children = match.Subcommand
	}

	return &Resolution{Subcommand: node, CommandString: cmd}, nil
}

func notFoundErr(toolName string, available map[string]*toolconfig.SubcommandConfig, segment string) error {
	var names []string
	for name, sc := range available {
		state := "disabled"
		if sc.Enabled {
			state = "enabled"
		}
		names = append(names, fmt.Sprintf("%s (%s)", name, state))
	}
	sort.Strings(names)

	msg := fmt.Sprintf("tool %q has no subcommand %q", toolName, segment)
	if len(names) > 0 {
		msg += fmt.Sprintf("; available subcommands: %s", strings.Join(names, ", "))
	} else {
		msg += "; tool has no subcommands configured"
	}
	return apperr.New(apperr.CodeInvalidParams, msg)
}
