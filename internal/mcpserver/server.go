// Package mcpserver exposes a Dispatcher as an MCP server, generating one
// MCP tool per enabled ToolConfig (its input schema taken from the default
// subcommand) plus the four built-in operations, and serving the result
// over stdio or streamable-HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/opsloop/dispatchd/internal/dispatch"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

// Server wraps an mcp-go MCPServer wired to a Dispatcher.
type Server struct {
	inner      *mcpsrv.MCPServer
	dispatcher *dispatch.Dispatcher
	registry   *toolconfig.Registry
	logger     *slog.Logger
}

// Config identifies this server instance to MCP clients.
type Config struct {
	Name    string
	Version string
}

// New builds a Server, registering a tool for every currently enabled
// ToolConfig/resolved-default-subcommand plus the built-in operations.
// Call Refresh after a config hot-reload to pick up registry changes.
func New(d *dispatch.Dispatcher, registry *toolconfig.Registry, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "dispatchd"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}
	inner := mcpsrv.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpsrv.WithToolCapabilities(true),
		mcpsrv.WithLogging(),
		mcpsrv.WithRecovery(),
	)
	s := &Server{inner: inner, dispatcher: d, registry: registry, logger: logger}
	s.registerBuiltins()
	s.Refresh()
	return s
}

// Refresh registers (or re-registers) a tool for every enabled tool
// currently in the registry, picking up additions and changes from a config
// hot reload. Tools that were removed from the registry or disabled are not
// unregistered.
func (s *Server) Refresh() {
	for _, t := range s.registry.List() {
		if !t.Enabled {
			continue
		}
		s.registerTool(t)
	}
}

func (s *Server) registerTool(t *toolconfig.ToolConfig) {
	schema := schemaFor(t)
	raw, err := json.Marshal(schema)
	if err != nil {
		s.logger.Error("marshal tool schema", "tool", t.Name, "error", err)
		raw = []byte(`{"type":"object"}`)
	}
	tool := mcp.NewToolWithRawSchema(t.Name, describeTool(t), raw)
	s.inner.AddTool(tool, s.handlerFor(t.Name))
}

func describeTool(t *toolconfig.ToolConfig) string {
	var defaultSub *toolconfig.SubcommandConfig
	if t.Subcommand != nil {
		defaultSub = t.Subcommand["default"]
	}
	if guidance := toolconfig.GuidanceText(t, defaultSub); guidance != "" {
		return fmt.Sprintf("%s (see %s)", t.Description, guidance)
	}
	return t.Description
}

// schemaFor generates the top-level inputSchema for a tool call: the
// default subcommand's schema if one exists, else just the reserved keys.
func schemaFor(t *toolconfig.ToolConfig) *jsonschema.Schema {
	var sc *toolconfig.SubcommandConfig
	if t.Subcommand != nil {
		sc = t.Subcommand["default"]
	}
	return toolconfig.InputSchema(sc)
}

func (s *Server) handlerFor(toolName string) mcpsrv.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		sender := newProgressForwarder(s.inner, ctx, toolName)
		out, err := s.dispatcher.CallTool(ctx, toolName, args, sender)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(err.Error())},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(out)},
			IsError: false,
		}, nil
	}
}

func (s *Server) registerBuiltins() {
	for _, name := range []string{dispatch.BuiltinStatus, dispatch.BuiltinAwait, dispatch.BuiltinCancel, dispatch.BuiltinSandboxedShell} {
		raw := builtinSchema(name)
		tool := mcp.NewToolWithRawSchema(name, builtinDescription(name), raw)
		s.inner.AddTool(tool, s.handlerFor(name))
	}
}

func builtinDescription(name string) string {
	switch name {
	case dispatch.BuiltinStatus:
		return "Snapshot active and completed operations, optionally filtered by tool-name prefix or operation id."
	case dispatch.BuiltinAwait:
		return "Block until a specific operation, or all matching non-terminal operations, reach a terminal state."
	case dispatch.BuiltinCancel:
		return "Request cancellation of an in-flight operation."
	case dispatch.BuiltinSandboxedShell:
		return "Run an arbitrary shell pipeline via /bin/bash -c under the same sandbox and sync/async rules as any tool."
	default:
		return ""
	}
}

func builtinSchema(name string) []byte {
	switch name {
	case dispatch.BuiltinStatus, dispatch.BuiltinAwait:
		return []byte(`{"type":"object","properties":{"tools":{"type":"string"},"operation_id":{"type":"string"}}}`)
	case dispatch.BuiltinCancel:
		return []byte(`{"type":"object","properties":{"operation_id":{"type":"string"},"reason":{"type":"string"}},"required":["operation_id"]}`)
	case dispatch.BuiltinSandboxedShell:
		return []byte(`{"type":"object","properties":{"command":{"type":"string"},"working_directory":{"type":"string"}},"required":["command"]}`)
	default:
		return []byte(`{"type":"object"}`)
	}
}

// ServeStdio blocks serving the MCP protocol over stdin/stdout.
func (s *Server) ServeStdio() error {
	return mcpsrv.ServeStdio(s.inner)
}
