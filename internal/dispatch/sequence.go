package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opsloop/dispatchd/internal/adapter"
	"github.com/opsloop/dispatchd/internal/apperr"
	"github.com/opsloop/dispatchd/internal/callback"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

// sequenceKind distinguishes the two sequence flavors spec.md §4.6 names:
// a tool-level sequence whose steps may name different tools, and a
// subcommand-level sequence whose steps all share one parent tool.
type sequenceKind int

const (
	sequenceTopLevel sequenceKind = iota
	sequenceSubcommand
)

type sequenceRequest struct {
	kind       sequenceKind
	tool       *toolconfig.ToolConfig // sequence owner; steps' implicit tool for sequenceSubcommand
	steps      []toolconfig.SequenceStep
	args       map[string]any // caller arguments, reserved keys already stripped
	delay      time.Duration
	forceSync  bool
	progress   callback.Sender
	callerArgs map[string]any // original, unstripped arguments (for working_directory lookup)
}

// runSequence implements spec.md §4.6: ordered step execution with
// skip-if-exists/missing, inter-step delay, and argument merging.
func (d *Dispatcher) runSequence(ctx context.Context, req sequenceRequest) (string, error) {
	workingDir, err := d.effectiveWorkingDir(req.callerArgs)
	if err != nil {
		return "", err
	}
	if req.forceSync {
		return d.runSyncSequence(ctx, req, workingDir)
	}
	return d.runAsyncSequence(req, workingDir)
}

func (d *Dispatcher) runSyncSequence(ctx context.Context, req sequenceRequest, workingDir string) (string, error) {
	var sb strings.Builder
	for i, step := range req.steps {
		if i > 0 && req.delay > 0 {
			time.Sleep(req.delay)
		}
		if skip, notice := shouldSkipStep(step, workingDir); skip {
			fmt.Fprintf(&sb, "step %d (%s): SKIPPED — %s\n", i+1, step.Description, notice)
			d.metrics.RecordSequenceSkipped(sequenceStepToolName(req, step))
			continue
		}

		tool, res, mergedArgs, err := d.resolveStep(req, step)
		if err != nil {
			return "", err
		}

		result, runErr := d.adapter.RunSync(ctx, adapter.Request{
			ToolName:    tool.Name,
			Description: step.Description,
			Command:     res.CommandString,
			Args:        mergedArgs,
			Subcommand:  res.Subcommand,
			WorkingDir:  workingDir,
			Timeout:     d.effectiveTimeout(res.Subcommand, tool, mergedArgs),
			UsePool:     false,
		})
		if runErr != nil {
			fmt.Fprintf(&sb, "step %d (%s): FAILED — %v\n", i+1, step.Description, runErr)
			d.metrics.RecordSequenceStep(tool.Name, "failed")
			return sb.String(), apperr.Wrap(apperr.CodeCommandFailure, "sequence step failed", runErr)
		}
		if result.ExitCode != 0 {
			fmt.Fprintf(&sb, "step %d (%s): FAILED — exit code %d\nstdout: %s\nstderr: %s\n", i+1, step.Description, result.ExitCode, result.Stdout, result.Stderr)
			d.metrics.RecordSequenceStep(tool.Name, "failed")
			return sb.String(), apperr.New(apperr.CodeCommandFailure, fmt.Sprintf("sequence step %d (%s) failed with exit code %d", i+1, step.Description, result.ExitCode))
		}
		d.metrics.RecordSequenceStep(tool.Name, "ok")
		fmt.Fprintf(&sb, "step %d (%s): OK\n%s\n", i+1, step.Description, formatSyncResult(result))
	}
	fmt.Fprintf(&sb, "sequence completed successfully (%d steps)\n", len(req.steps))
	return sb.String(), nil
}

func (d *Dispatcher) runAsyncSequence(req sequenceRequest, workingDir string) (string, error) {
	var sb strings.Builder
	for i, step := range req.steps {
		if i > 0 && req.delay > 0 {
			time.Sleep(req.delay)
		}
		if skip, notice := shouldSkipStep(step, workingDir); skip {
			fmt.Fprintf(&sb, "step %d (%s): SKIPPED — %s\n", i+1, step.Description, notice)
			d.metrics.RecordSequenceSkipped(sequenceStepToolName(req, step))
			continue
		}

		tool, res, mergedArgs, err := d.resolveStep(req, step)
		if err != nil {
			return sb.String(), err // a step that fails to start halts the sequence
		}
		mergedArgs[keyWorkingDirectory] = workingDir

		id := d.adapter.RunAsync(adapter.Request{
			ToolName:    tool.Name,
			Description: step.Description,
			Command:     res.CommandString,
			Args:        mergedArgs,
			Subcommand:  res.Subcommand,
			WorkingDir:  workingDir,
			Timeout:     d.effectiveTimeout(res.Subcommand, tool, mergedArgs),
			UsePool:     d.cfg.UsePoolForAsync,
			Callback:    d.withActiveGauge(tool.Name, req.progress),
		})
		d.refreshActiveGauge(tool.Name)
		d.metrics.RecordSequenceStep(tool.Name, "started")
		fmt.Fprintf(&sb, "step %d (%s): started as %s\n", i+1, step.Description, id)
	}
	return sb.String(), nil
}

// resolveStep determines the (tool, resolved subcommand, merged args)
// triple for one SequenceStep, honoring the kind-specific target rules and
// the "step wins on conflict" argument merge from spec.md §4.6.
func (d *Dispatcher) resolveStep(req sequenceRequest, step toolconfig.SequenceStep) (*toolconfig.ToolConfig, *Resolution, map[string]any, error) {
	var tool *toolconfig.ToolConfig
	switch req.kind {
	case sequenceTopLevel:
		tool = d.registry.Get(step.Tool)
		if tool == nil {
			return nil, nil, nil, apperr.New(apperr.CodeInvalidParams, fmt.Sprintf("sequence step references unknown tool %q", step.Tool))
		}
		if !tool.Enabled {
			return nil, nil, nil, apperr.New(apperr.CodeInvalidRequest, fmt.Sprintf("sequence step tool %q is disabled", step.Tool))
		}
	case sequenceSubcommand:
		tool = req.tool
	}

	res, err := resolveSubcommand(tool, step.Subcommand)
	if err != nil {
		return nil, nil, nil, err
	}

	merged := make(map[string]any, len(req.args)+len(step.Args))
	for k, v := range req.args {
		merged[k] = v
	}
	for k, v := range step.Args {
		merged[k] = v
	}
	return tool, res, merged, nil
}

// sequenceStepToolName names the tool a step targets without resolving its
// subcommand, for metrics recorded before (or instead of) a full resolveStep.
func sequenceStepToolName(req sequenceRequest, step toolconfig.SequenceStep) string {
	if req.kind == sequenceTopLevel {
		return step.Tool
	}
	return req.tool.Name
}

func shouldSkipStep(step toolconfig.SequenceStep, workingDir string) (bool, string) {
	if step.SkipIfFileExists != "" {
		if fileExists(workingDir, step.SkipIfFileExists) {
			return true, fmt.Sprintf("%s exists", step.SkipIfFileExists)
		}
	}
	if step.SkipIfFileMissing != "" {
		if !fileExists(workingDir, step.SkipIfFileMissing) {
			return true, fmt.Sprintf("%s is missing", step.SkipIfFileMissing)
		}
	}
	return false, ""
}

func fileExists(workingDir, rel string) bool {
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, rel)
	}
	_, err := os.Stat(path)
	return err == nil
}
