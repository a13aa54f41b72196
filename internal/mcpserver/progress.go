package mcpserver

import (
	"context"
	"log/slog"

	mcpsrv "github.com/mark3labs/mcp-go/server"

	"github.com/opsloop/dispatchd/internal/callback"
)

// progressForwarder logs every Update at the tool-call's logger, tagged
// with the originating tool name. mcp-go v0.43.1's server-side API (per
// the retrieval pack) exposes no client-push notification call grounded
// strongly enough to build a wire-level forwarder on; until that lands,
// progress for async operations is observable through status()/await()
// plus these log lines rather than a server-initiated push.
type progressForwarder struct {
	logger   *slog.Logger
	toolName string
}

func newProgressForwarder(_ *mcpsrv.MCPServer, _ context.Context, toolName string) callback.Sender {
	return &progressForwarder{logger: slog.Default(), toolName: toolName}
}

func (p *progressForwarder) Send(u callback.Update) {
	p.logger.Info("operation progress",
		"tool", p.toolName,
		"kind", u.Kind,
		"operation_id", u.OperationID,
		"correlation_id", u.CorrelationID,
		"success", u.Success,
		"duration_ms", u.DurationMs,
		"message", u.Message,
	)
}
