// Package adapter wires the Command Preparer, Shell Pool (or direct
// process execution), and Operation Monitor together: it is the glue that
// runs a prepared command either synchronously (blocking the caller) or
// asynchronously (handed to a background goroutine tracked by an
// Operation), with a retry layer for transient spawn failures on the
// synchronous path only.
package adapter

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/opsloop/dispatchd/internal/apperr"
	"github.com/opsloop/dispatchd/internal/callback"
	"github.com/opsloop/dispatchd/internal/operation"
	"github.com/opsloop/dispatchd/internal/preparer"
	"github.com/opsloop/dispatchd/internal/sandbox"
	"github.com/opsloop/dispatchd/internal/shellpool"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

// ExecutionMode selects whether a dispatch blocks the caller or returns
// an operation id immediately.
type ExecutionMode string

const (
	ModeSync  ExecutionMode = "sync"
	ModeAsync ExecutionMode = "async"
)

// Request is everything needed to prepare and run one command.
type Request struct {
	ToolName    string
	Description string
	Command     string
	Args        map[string]any
	Subcommand  *toolconfig.SubcommandConfig
	WorkingDir  string
	Timeout     time.Duration
	UsePool     bool

	// MonitorLevel controls how much of stdout/stderr survives into the
	// Operation's stored Result: "full" (default), "summary" (tail only),
	// or "none" (discarded, only the exit code is kept).
	MonitorLevel string

	// Callback, if non-nil, receives Started/Cancelled/FinalResult progress
	// updates for an async dispatch. Ignored by RunSync.
	Callback callback.Sender
}

const summaryTailLines = 20

// applyMonitorLevel trims r's captured output in place per level.
func applyMonitorLevel(r *operation.Result, level string) {
	switch level {
	case "none":
		r.Stdout = ""
		r.Stderr = ""
	case "summary":
		r.Stdout = tailLines(r.Stdout, summaryTailLines)
		r.Stderr = tailLines(r.Stderr, summaryTailLines)
	}
}

// tailLines returns the last n lines of s, unchanged if it has n or fewer.
func tailLines(s string, n int) string {
	if s == "" {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

// Retry configures the backoff policy applied to transient spawn/pool
// failures before a command is reported as failed.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetry matches the conservative policy used elsewhere in the
// codebase for transient infrastructure failures.
func DefaultRetry() Retry {
	return Retry{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Adapter executes prepared commands, synchronously or asynchronously,
// against either a pooled shell or a freshly spawned process.
type Adapter struct {
	monitor *operation.Monitor
	pool    *shellpool.Manager
	box     *sandbox.Sandbox
	retry   Retry
	logger  *slog.Logger

	tfm *preparer.TempFileManager

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// New constructs an Adapter. pool may be nil if no command ever requests
// the pooled shell execution path. box is the Sandbox consulted by the
// Preparer for path-typed options and positionals (spec.md §4.2 rule 6); a
// nil box means every path-typed argument fails PathViolation.
func New(monitor *operation.Monitor, pool *shellpool.Manager, box *sandbox.Sandbox, retry Retry, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		monitor:  monitor,
		pool:     pool,
		box:      box,
		retry:    retry,
		logger:   logger,
		tfm:      preparer.NewTempFileManager(),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Close releases every temp file the adapter's preparer created.
func (a *Adapter) Close() {
	a.tfm.Close()
}

// RunSync prepares and executes req, blocking until it completes or ctx is
// done, returning the final Result directly (no Operation is recorded).
func (a *Adapter) RunSync(ctx context.Context, req Request) (*operation.Result, error) {
	program, argv, err := preparer.Prepare(req.Command, req.Args, req.Subcommand, req.WorkingDir, a.box, a.tfm)
	if err != nil {
		return nil, err
	}
	result, err := a.runWithRetry(ctx, program, argv, req)
	if err != nil {
		return nil, err
	}
	applyMonitorLevel(result, req.MonitorLevel)
	return result, nil
}

// RunAsync registers a Pending Operation, spawns a goroutine to run req in
// the background, and returns the Operation id immediately.
func (a *Adapter) RunAsync(req Request) string {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	id := a.monitor.NextID()
	a.monitor.Add(id, req.ToolName, req.Description, timeout)

	runCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.inflight[id] = cancel
	a.mu.Unlock()

	go a.runAsyncTask(runCtx, cancel, id, req)
	return id
}

func (a *Adapter) runAsyncTask(runCtx context.Context, cancel context.CancelFunc, id string, req Request) {
	defer cancel()
	defer func() {
		a.mu.Lock()
		delete(a.inflight, id)
		a.mu.Unlock()
	}()

	op := a.monitor.Get(id)
	if op == nil {
		return
	}

	a.monitor.SetState(id, operation.InProgress, nil)
	a.sendProgress(req, callback.Update{
		Kind:        callback.KindStarted,
		OperationID: id,
		Command:     req.Command,
		Description: req.Description,
	})

	select {
	case <-op.Done():
		a.finishCancelled(id, op, req)
		return
	default:
	}

	program, argv, err := preparer.Prepare(req.Command, req.Args, req.Subcommand, req.WorkingDir, a.box, a.tfm)
	if err != nil {
		a.monitor.SetState(id, operation.Failed, &operation.Result{Error: err.Error()})
		a.sendProgress(req, callback.Update{Kind: callback.KindFinalResult, OperationID: id, Command: req.Command, Description: req.Description, WorkingDir: req.WorkingDir, Success: false, FullOutput: err.Error()})
		return
	}

	start := time.Now()
	ctx := op.Done()
	combined, combinedCancel := context.WithCancel(context.Background())
	defer combinedCancel()
	go func() {
		select {
		case <-ctx:
			combinedCancel()
		case <-runCtx.Done():
			combinedCancel()
		case <-combined.Done():
		}
	}()

	// Retry (spec.md §4.3) is scoped to the synchronous path only: an async
	// operation already reports transient failures through its terminal
	// state and progress callback, so retrying here would silently delay
	// that transition by the backoff policy's cumulative wait.
	result, runErr := a.runOnce(combined, program, argv, req)
	duration := time.Since(start)
	if runErr != nil {
		if op.CancelCause() != nil {
			a.finishCancelled(id, op, req)
			return // already terminal via Cancel or sweeper
		}
		a.monitor.SetState(id, operation.Failed, &operation.Result{Error: runErr.Error()})
		a.sendProgress(req, callback.Update{Kind: callback.KindFinalResult, OperationID: id, Command: req.Command, Description: req.Description, WorkingDir: req.WorkingDir, Success: false, DurationMs: duration.Milliseconds(), FullOutput: runErr.Error()})
		return
	}
	applyMonitorLevel(result, req.MonitorLevel)
	finalState := operation.Completed
	if result.ExitCode != 0 {
		finalState = operation.Failed
	}
	a.monitor.SetState(id, finalState, result)
	a.sendProgress(req, callback.Update{
		Kind:        callback.KindFinalResult,
		OperationID: id,
		Command:     req.Command,
		Description: req.Description,
		WorkingDir:  req.WorkingDir,
		Success:     result.ExitCode == 0,
		DurationMs:  duration.Milliseconds(),
		FullOutput:  combinedOutput(result),
	})
}

// finishCancelled handles the case where the operation's token fired before
// (or instead of) the task observing a process result: either an explicit
// Cancel already transitioned the operation, or the background sweeper beat
// the task to TimedOut. Either way SetState here is a no-op (the operation
// is already terminal); this only emits the matching progress update.
func (a *Adapter) finishCancelled(id string, op *operation.Operation, req Request) {
	reason := "Operation cancelled"
	if cause := op.CancelCause(); cause != nil {
		reason = cause.Error()
	}
	a.monitor.SetState(id, operation.Cancelled, &operation.Result{Reason: reason})
	if final := a.monitor.Get(id); final != nil && final.Result != nil && final.Result.Reason != "" {
		reason = final.Result.Reason
	}
	a.sendProgress(req, callback.Update{Kind: callback.KindCancelled, OperationID: id, Message: reason})
}

func (a *Adapter) sendProgress(req Request, u callback.Update) {
	if req.Callback != nil {
		req.Callback.Send(u)
	}
}

func combinedOutput(r *operation.Result) string {
	if r.Stdout != "" {
		return r.Stdout
	}
	return r.Stderr
}

// Cancel stops an in-flight async task, if any, and marks its Operation
// Cancelled via the monitor.
func (a *Adapter) Cancel(id, reason string) bool {
	// Mark the Operation Cancelled before stopping the task, so the task
	// observes the cancellation cause instead of recording a Failed state.
	cancelled := a.monitor.Cancel(id, reason)
	a.mu.Lock()
	cancel, ok := a.inflight[id]
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return cancelled
}

// Shutdown cancels every in-flight async task, waits briefly for them to
// unwind, tears down the shell pool manager, and releases temp files.
func (a *Adapter) Shutdown(grace time.Duration) {
	a.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(a.inflight))
	for _, c := range a.inflight {
		cancels = append(cancels, c)
	}
	a.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	time.Sleep(grace)
	if a.pool != nil {
		a.pool.Shutdown()
	}
	a.Close()
}

func (a *Adapter) runWithRetry(ctx context.Context, program string, argv []string, req Request) (*operation.Result, error) {
	attempt := func() (*operation.Result, error) {
		return a.runOnce(ctx, program, argv, req)
	}

	policy := a.retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetry()
	}

	bo := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		bo.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		bo.MaxInterval = policy.MaxInterval
	}

	result, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *Adapter) runOnce(ctx context.Context, program string, argv []string, req Request) (*operation.Result, error) {
	if req.UsePool && a.pool != nil {
		return a.runPooled(ctx, program, argv, req)
	}
	return a.runDirect(ctx, program, argv, req)
}

func (a *Adapter) runPooled(ctx context.Context, program string, argv []string, req Request) (*operation.Result, error) {
	cmd := make([]string, 0, len(argv)+1)
	cmd = append(cmd, program)
	cmd = append(cmd, argv...)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	resp, err := a.pool.Execute(ctx, req.WorkingDir, shellpool.Command{
		ID:         req.ToolName,
		Command:    cmd,
		WorkingDir: req.WorkingDir,
		TimeoutMs:  timeout.Milliseconds(),
	})
	if err != nil {
		if code := apperr.CodeOf(err); code == apperr.CodePoolFull || code == apperr.CodeSpawnFailure {
			return nil, err // retryable: transient pool/spawn failure
		}
		return nil, backoff.Permanent(err)
	}
	return &operation.Result{Stdout: resp.Stdout, Stderr: resp.Stderr, ExitCode: resp.ExitCode}, nil
}

func (a *Adapter) runDirect(ctx context.Context, program string, argv []string, req Request) (*operation.Result, error) {
	cmd := exec.CommandContext(ctx, program, argv...)
	cmd.Dir = req.WorkingDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.CodeSpawnFailure, "spawn command", err)
	}
	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.New(apperr.CodeCancellation, "command cancelled")
		}
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, backoff.Permanent(apperr.Wrap(apperr.CodeCommandFailure, "run command", err))
		}
	}

	return &operation.Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

