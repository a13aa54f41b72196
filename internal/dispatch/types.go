// Package dispatch implements the Dispatch Surface: the per-request router
// that resolves a tool name and optional subcommand path against loaded
// configuration, picks a synchronous/asynchronous execution mode, handles
// the reserved built-in operations, and drives multi-step sequences.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/opsloop/dispatchd/internal/adapter"
	"github.com/opsloop/dispatchd/internal/apperr"
	"github.com/opsloop/dispatchd/internal/callback"
	"github.com/opsloop/dispatchd/internal/operation"
	"github.com/opsloop/dispatchd/internal/sandbox"
	"github.com/opsloop/dispatchd/internal/telemetry"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

const (
	keyWorkingDirectory = "working_directory"
	keyExecutionMode    = "execution_mode"
	keyTimeoutSeconds   = "timeout_seconds"
	keySubcommand       = "subcommand"
	keyArgs             = "args"
)

// Built-in operation names, reserved against tool configuration names.
const (
	BuiltinStatus         = "status"
	BuiltinAwait          = "await"
	BuiltinCancel         = "cancel"
	BuiltinSandboxedShell = "sandboxed_shell"
)

func isBuiltin(name string) bool {
	switch name {
	case BuiltinStatus, BuiltinAwait, BuiltinCancel, BuiltinSandboxedShell:
		return true
	default:
		return false
	}
}

// Config tunes process-wide Dispatcher behavior set by server startup
// flags (out of scope per spec.md §1, but the signals it names are wired
// here).
type Config struct {
	// ForceSynchronous makes a dispatch synchronous regardless of tool or
	// caller preference (rule 4 of the inheritance order); an explicit
	// subcommand-level synchronous setting still takes precedence.
	ForceSynchronous bool
	// DeferredSandboxInit, when true, starts the Dispatcher with an
	// uninitialized Sandbox; callers get a transient error until Init is
	// called on it out-of-band (e.g. once startup flags finish parsing).
	DeferredSandboxInit bool
	// UsePoolForAsync routes async dispatches through the shell pool
	// instead of a direct spawn.
	UsePoolForAsync bool
	// DefaultTimeout is used when neither the caller, subcommand, nor tool
	// specifies one.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the conservative defaults used when a server isn't
// overriding them from flags/env.
func DefaultConfig() Config {
	return Config{DefaultTimeout: 5 * time.Minute}
}

// Dispatcher is the Dispatch Surface: the single entry point every
// call_tool request passes through.
type Dispatcher struct {
	registry     *toolconfig.Registry
	monitor      *operation.Monitor
	adapter      *adapter.Adapter
	sandbox      *sandbox.Sandbox
	availability *toolconfig.AvailabilityChecker
	cfg          Config
	logger       *slog.Logger
	metrics      *telemetry.Metrics
}

// New constructs a Dispatcher wired to the given registry/monitor/adapter/
// sandbox. availability may be nil to skip availability probing. metrics
// may be nil to disable Prometheus/otel instrumentation entirely.
func New(registry *toolconfig.Registry, monitor *operation.Monitor, ad *adapter.Adapter, box *sandbox.Sandbox, availability *toolconfig.AvailabilityChecker, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if availability == nil {
		availability = toolconfig.NewAvailabilityChecker()
	}
	return &Dispatcher{
		registry:     registry,
		monitor:      monitor,
		adapter:      ad,
		sandbox:      box,
		availability: availability,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
	}
}

// CallTool is the single entry point for spec.md §4.5: every incoming
// call_tool(name, arguments) request is routed through here. progress, if
// non-nil, receives Started/Cancelled/FinalResult updates for any async
// work this call starts.
func (d *Dispatcher) CallTool(ctx context.Context, name string, arguments map[string]any, progress callback.Sender) (string, error) {
	mode := "unknown"
	if m, ok := arguments[keyExecutionMode].(string); ok {
		mode = m
	}
	ctx, span := telemetry.StartSpan(ctx, name, mode)
	start := time.Now()
	out, err := d.callTool(ctx, name, arguments, progress)
	telemetry.EndSpan(span, err)
	if !isBuiltin(name) {
		d.metrics.RecordDispatch(name, mode, time.Since(start))
		if err != nil {
			d.metrics.RecordDispatchError(name, string(apperr.CodeOf(err)))
		}
	}
	return out, err
}

func (d *Dispatcher) callTool(ctx context.Context, name string, arguments map[string]any, progress callback.Sender) (string, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}

	if isBuiltin(name) {
		return d.dispatchBuiltin(ctx, name, arguments, progress)
	}

	if d.cfg.DeferredSandboxInit && !d.sandbox.Initialized() {
		return "", apperr.New(apperr.CodeInvalidRequest, "sandbox initializing, retry the request shortly")
	}

	tool := d.registry.Get(name)
	if tool == nil {
		return "", apperr.New(apperr.CodeInvalidParams, fmt.Sprintf("unknown tool %q", name))
	}
	if !tool.Enabled {
		return "", apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("tool %q is disabled", name))
	}
	if err := d.availability.Check(ctx, tool); err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidRequest, "tool unavailable", err)
	}

	if len(tool.Sequence) > 0 {
		return d.runSequence(ctx, sequenceRequest{
			kind:       sequenceTopLevel,
			tool:       tool,
			steps:      tool.Sequence,
			args:       stripRuntimeKeys(arguments),
			delay:      sequenceDelay(tool, nil),
			forceSync:  d.effectiveMode(nil, tool, arguments) == adapter.ModeSync,
			progress:   progress,
			callerArgs: arguments,
		})
	}

	subPath, _ := arguments[keySubcommand].(string)
	stripped := stripRuntimeKeys(arguments)
	delete(stripped, keySubcommand)

	res, err := resolveSubcommand(tool, subPath)
	if err != nil {
		return "", err
	}

	if res.Subcommand != nil && len(res.Subcommand.Sequence) > 0 {
		return d.runSequence(ctx, sequenceRequest{
			kind:       sequenceSubcommand,
			tool:       tool,
			steps:      res.Subcommand.Sequence,
			args:       stripped,
			delay:      sequenceDelay(tool, res.Subcommand),
			forceSync:  d.effectiveMode(res.Subcommand, tool, arguments) == adapter.ModeSync,
			progress:   progress,
			callerArgs: arguments,
		})
	}

	if err := toolconfig.Validate(stripped, res.Subcommand); err != nil {
		return "", apperr.Wrap(apperr.CodeInvalidParams, "validate arguments", err)
	}

	mode := d.effectiveMode(res.Subcommand, tool, arguments)
	workingDir, err := d.effectiveWorkingDir(arguments)
	if err != nil {
		return "", err
	}
	timeout := d.effectiveTimeout(res.Subcommand, tool, arguments)

	req := adapter.Request{
		ToolName:     name,
		Description:  tool.Description,
		Command:      res.CommandString,
		Args:         stripped,
		Subcommand:   res.Subcommand,
		WorkingDir:   workingDir,
		Timeout:      timeout,
		UsePool:      d.cfg.UsePoolForAsync,
		MonitorLevel: tool.MonitorLevel,
		Callback:     progress,
	}

	if mode == adapter.ModeSync {
		result, err := d.adapter.RunSync(ctx, req)
		if err != nil {
			return "", err
		}
		return formatSyncResult(result), nil
	}

	req.Callback = d.withActiveGauge(name, progress)
	id := d.adapter.RunAsync(req)
	d.refreshActiveGauge(name)
	return fmt.Sprintf("Asynchronous operation started with ID: %s (tool=%s)", id, name), nil
}

// effectiveMode applies spec.md §4.5 step 7's inheritance order.
func (d *Dispatcher) effectiveMode(sc *toolconfig.SubcommandConfig, tool *toolconfig.ToolConfig, arguments map[string]any) adapter.ExecutionMode {
	if sc != nil && sc.Synchronous != nil {
		if *sc.Synchronous {
			return adapter.ModeSync
		}
		return adapter.ModeAsync
	}
	if tool.Synchronous != nil && *tool.Synchronous {
		return adapter.ModeSync
	}
	if d.cfg.ForceSynchronous {
		return adapter.ModeSync
	}
	if raw, ok := arguments[keyExecutionMode].(string); ok {
		switch raw {
		case "Synchronous":
			return adapter.ModeSync
		case "AsyncResultPush":
			return adapter.ModeAsync
		}
	}
	return adapter.ModeAsync
}

// effectiveWorkingDir resolves and sandbox-validates the working directory
// per spec.md §4.5 step 8.
func (d *Dispatcher) effectiveWorkingDir(arguments map[string]any) (string, error) {
	raw, _ := arguments[keyWorkingDirectory].(string)
	if raw == "" {
		raw = d.sandbox.DefaultScope()
	}
	return d.sandbox.ValidateDir(raw)
}

func (d *Dispatcher) effectiveTimeout(sc *toolconfig.SubcommandConfig, tool *toolconfig.ToolConfig, arguments map[string]any) time.Duration {
	if raw, ok := arguments[keyTimeoutSeconds]; ok {
		if secs, ok := toInt(raw); ok {
			return time.Duration(secs) * time.Second
		}
	}
	if sc != nil && sc.TimeoutSeconds != nil {
		return time.Duration(*sc.TimeoutSeconds) * time.Second
	}
	if tool.TimeoutSeconds != nil {
		return time.Duration(*tool.TimeoutSeconds) * time.Second
	}
	if d.cfg.DefaultTimeout > 0 {
		return d.cfg.DefaultTimeout
	}
	return 5 * time.Minute
}

func sequenceDelay(tool *toolconfig.ToolConfig, sc *toolconfig.SubcommandConfig) time.Duration {
	if sc != nil && sc.StepDelayMs != nil {
		return time.Duration(*sc.StepDelayMs) * time.Millisecond
	}
	if tool.StepDelayMs != nil {
		return time.Duration(*tool.StepDelayMs) * time.Millisecond
	}
	return 0
}

func stripRuntimeKeys(arguments map[string]any) map[string]any {
	out := make(map[string]any, len(arguments))
	for k, v := range arguments {
		switch k {
		case keyWorkingDirectory, keyExecutionMode, keyTimeoutSeconds:
			continue
		default:
			out[k] = v
		}
	}
	return out
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	default:
		return 0, false
	}
}

// metricsSender wraps a caller-supplied progress Sender so the operations-
// active gauge stays current as an async dispatch reaches a terminal
// progress update, without the Adapter needing to know telemetry exists.
type metricsSender struct {
	inner    callback.Sender
	d        *Dispatcher
	toolName string
}

func (s *metricsSender) Send(u callback.Update) {
	if s.inner != nil {
		s.inner.Send(u)
	}
	switch u.Kind {
	case callback.KindFinalResult, callback.KindCancelled:
		s.d.refreshActiveGauge(s.toolName)
	}
}

// withActiveGauge wraps progress so operationsActive for toolName is
// refreshed when the dispatch it's attached to reaches a terminal state.
func (d *Dispatcher) withActiveGauge(toolName string, progress callback.Sender) callback.Sender {
	return &metricsSender{inner: progress, d: d, toolName: toolName}
}

// refreshActiveGauge recomputes and reports the in-flight operation count
// for toolName (spec.md §9 "status" style snapshot, surfaced as a gauge).
func (d *Dispatcher) refreshActiveGauge(toolName string) {
	if d.metrics == nil {
		return
	}
	count := 0
	for _, op := range d.monitor.Active() {
		if op.ToolName == toolName {
			count++
		}
	}
	d.metrics.SetOperationsActive(toolName, count)
}

func formatSyncResult(r *operation.Result) string {
	if r.ExitCode == 0 {
		if r.Stdout != "" {
			return r.Stdout
		}
		return r.Stderr
	}
	return fmt.Sprintf("command failed (exit code %d)\nstdout: %s\nstderr: %s", r.ExitCode, r.Stdout, r.Stderr)
}
