package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsloop/dispatchd/internal/adapter"
	"github.com/opsloop/dispatchd/internal/apperr"
	"github.com/opsloop/dispatchd/internal/callback"
	"github.com/opsloop/dispatchd/internal/operation"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

func (d *Dispatcher) dispatchBuiltin(ctx context.Context, name string, arguments map[string]any, progress callback.Sender) (string, error) {
	switch name {
	case BuiltinStatus:
		return d.builtinStatus(arguments), nil
	case BuiltinAwait:
		return d.builtinAwait(ctx, arguments), nil
	case BuiltinCancel:
		return d.builtinCancel(arguments), nil
	case BuiltinSandboxedShell:
		return d.builtinSandboxedShell(ctx, arguments, progress)
	default:
		return "", apperr.New(apperr.CodeInvalidParams, fmt.Sprintf("unknown built-in %q", name))
	}
}

func toolPrefixes(arguments map[string]any) []string {
	raw, _ := arguments["tools"].(string)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func matchesFilter(op *operation.Operation, prefixes []string, id string) bool {
	if id != "" && op.ID != id {
		return false
	}
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(op.ToolName, p) {
			return true
		}
	}
	return false
}

// builtinStatus implements spec.md §4.7 status(): a non-blocking snapshot
// of active and completed operations, with a concurrency efficiency ratio
// computed over completed operations that were ever awaited.
func (d *Dispatcher) builtinStatus(arguments map[string]any) string {
	opID, _ := arguments["operation_id"].(string)
	prefixes := toolPrefixes(arguments)

	var active, completed []*operation.Operation
	for _, op := range d.monitor.Active() {
		if matchesFilter(op, prefixes, opID) {
			active = append(active, op)
		}
	}
	for _, op := range d.monitor.Completed() {
		if matchesFilter(op, prefixes, opID) {
			completed = append(completed, op)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "active: %d, completed: %d\n", len(active), len(completed))
	for _, op := range active {
		fmt.Fprintf(&sb, "  [active] %s %s state=%s started=%s%s\n", op.ID, op.ToolName, op.State, op.StartTime.Format(time.RFC3339), d.guidanceSuffix(op.ToolName))
	}
	for _, op := range completed {
		fmt.Fprintf(&sb, "  [done]   %s %s state=%s duration=%s\n", op.ID, op.ToolName, op.State, op.EndTime.Sub(op.StartTime))
	}

	if len(completed) > 0 {
		var waitSum, totalSum time.Duration
		counted := 0
		for _, op := range completed {
			if op.FirstWaitTime.IsZero() || op.EndTime.IsZero() || op.StartTime.IsZero() {
				continue
			}
			total := op.EndTime.Sub(op.StartTime)
			if total <= 0 {
				continue
			}
			waitSum += op.FirstWaitTime.Sub(op.StartTime)
			totalSum += total
			counted++
		}
		if counted > 0 && totalSum > 0 {
			ratio := float64(waitSum) / float64(totalSum) * 100
			fmt.Fprintf(&sb, "concurrency efficiency: %.1f%% (%s)\n", ratio, efficiencyBucket(ratio))
		}
	}
	return sb.String()
}

// guidanceSuffix looks up op's tool config and renders its (and its default
// subcommand's) guidance_key hint, if any, as a trailing "(see ...)" note
// for status/await output (SPEC_FULL.md supplement #1).
func (d *Dispatcher) guidanceSuffix(toolName string) string {
	tool := d.registry.Get(toolName)
	if tool == nil {
		return ""
	}
	var defaultSub *toolconfig.SubcommandConfig
	if tool.Subcommand != nil {
		defaultSub = tool.Subcommand["default"]
	}
	guidance := toolconfig.GuidanceText(tool, defaultSub)
	if guidance == "" {
		return ""
	}
	return fmt.Sprintf(" (see %s)", guidance)
}

func efficiencyBucket(pct float64) string {
	switch {
	case pct < 10:
		return "<10%, operations barely overlapped with waiting"
	case pct < 50:
		return "<50%, moderate overlap"
	default:
		return ">=50%, heavy overlap between waiting and execution"
	}
}

// builtinAwait implements spec.md §4.7 await(): blocks until either a
// specific operation terminates, or every matching non-terminal operation
// does, with a watchdog emitting progress log lines and a remediation
// report on timeout.
func (d *Dispatcher) builtinAwait(ctx context.Context, arguments map[string]any) string {
	opID, _ := arguments["operation_id"].(string)
	prefixes := toolPrefixes(arguments)

	var targets []*operation.Operation
	if opID != "" {
		if op := d.monitor.Get(opID); op != nil {
			targets = append(targets, op)
		}
	} else {
		for _, op := range d.monitor.Active() {
			if matchesFilter(op, prefixes, "") {
				targets = append(targets, op)
			}
		}
	}
	if len(targets) == 0 {
		return "no matching operations to await"
	}

	timeout := 240 * time.Second
	for _, op := range targets {
		if op.TimeoutDuration > timeout {
			timeout = op.TimeoutDuration
		}
	}

	awaitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watchdogDone := make(chan struct{})
	go d.awaitWatchdog(awaitCtx, timeout, watchdogDone)
	defer close(watchdogDone)

	done := make(chan []*operation.Operation, 1)
	go func() {
		finals := make([]*operation.Operation, 0, len(targets))
		for _, op := range targets {
			finals = append(finals, d.monitor.Wait(awaitCtx, op.ID))
		}
		done <- finals
	}()

	select {
	case finals := <-done:
		var sb strings.Builder
		for _, op := range finals {
			if op == nil {
				continue
			}
			fmt.Fprintf(&sb, "%s (%s): %s\n", op.ID, op.ToolName, op.State)
		}
		return sb.String()
	case <-awaitCtx.Done():
		return d.remediationReport(targets)
	}
}

func (d *Dispatcher) awaitWatchdog(ctx context.Context, timeout time.Duration, stop <-chan struct{}) {
	milestones := []float64{0.5, 0.75, 0.9}
	start := time.Now()
	ticker := time.NewTicker(timeout / 40)
	defer ticker.Stop()
	idx := 0
	for idx < len(milestones) {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			elapsed := time.Since(start)
			if elapsed >= time.Duration(milestones[idx]*float64(timeout)) {
				d.logger.Info("await still waiting", "elapsed", elapsed, "timeout", timeout, "progress_pct", milestones[idx]*100)
				idx++
			}
		}
	}
}

func (d *Dispatcher) remediationReport(targets []*operation.Operation) string {
	var sb strings.Builder
	sb.WriteString("await timed out; operations still running:\n")
	for _, op := range targets {
		current := d.monitor.Get(op.ID)
		if current == nil || current.State.IsTerminal() {
			continue
		}
		fmt.Fprintf(&sb, "  %s (%s) running for %s%s\n", current.ID, current.ToolName, time.Since(current.StartTime), d.guidanceSuffix(current.ToolName))
	}
	sb.WriteString("possible causes: a stale lock file in the working directory, insufficient disk space, " +
		"a competing process holding the same resource, or a network/build fetch stalling a dependency download.\n")
	sb.WriteString("use cancel(operation_id=...) to stop a stuck operation, or status() to re-check progress.\n")
	return sb.String()
}

// builtinCancel implements spec.md §4.7 cancel(). A cancel against an
// already-terminal operation is a soft notice, never an error.
func (d *Dispatcher) builtinCancel(arguments map[string]any) string {
	id, _ := arguments["operation_id"].(string)
	reason, _ := arguments["reason"].(string)
	if id == "" {
		return "operation_id is required"
	}

	op := d.monitor.Get(id)
	if op == nil {
		return fmt.Sprintf("unknown operation %q", id)
	}
	if op.State.IsTerminal() {
		return fmt.Sprintf("operation %s is already %s; nothing to cancel", id, op.State)
	}

	ok := d.adapter.Cancel(id, reason)
	if !ok {
		return fmt.Sprintf("operation %s was already terminal (%s) when cancel ran", id, op.State)
	}
	return fmt.Sprintf("operation %s cancelled. tool_hint: call status(operation_id=%q) to confirm the terminal state.", id, id)
}

// builtinSandboxedShell implements spec.md §4.7 sandboxed_shell(): runs an
// arbitrary pipeline as `/bin/bash -c {command}` under the same
// sync/async/sandbox rules as any configured tool.
func (d *Dispatcher) builtinSandboxedShell(ctx context.Context, arguments map[string]any, progress callback.Sender) (string, error) {
	if !d.sandbox.Initialized() {
		return "", apperr.New(apperr.CodeInvalidRequest, "sandbox initializing, retry the request shortly")
	}
	command, _ := arguments["command"].(string)
	if command == "" {
		return "", apperr.New(apperr.CodeInvalidParams, "command is required")
	}

	workingDir, err := d.effectiveWorkingDir(arguments)
	if err != nil {
		return "", err
	}
	timeout := d.effectiveTimeout(nil, &noTimeoutTool, arguments)

	mode := adapter.ModeAsync
	if d.cfg.ForceSynchronous {
		mode = adapter.ModeSync
	} else if raw, ok := arguments[keyExecutionMode].(string); ok && raw == "Synchronous" {
		mode = adapter.ModeSync
	}

	req := adapter.Request{
		ToolName:    BuiltinSandboxedShell,
		Description: "ad-hoc sandboxed shell command",
		Command:     "/bin/bash",
		Args:        map[string]any{"args": []any{"-c", command}},
		WorkingDir:  workingDir,
		Timeout:     timeout,
		UsePool:     d.cfg.UsePoolForAsync,
		Callback:    progress,
	}

	if mode == adapter.ModeSync {
		result, err := d.adapter.RunSync(ctx, req)
		if err != nil {
			return "", err
		}
		return formatSyncResult(result), nil
	}
	id := d.adapter.RunAsync(req)
	return fmt.Sprintf("Asynchronous operation started with ID: %s (tool=%s)", id, BuiltinSandboxedShell), nil
}

var noTimeoutTool = toolconfig.ToolConfig{}
