// Package preparer implements the Command Preparer: turning a resolved
// command string plus a structured argument map into a program name and
// argv vector, applying the option/positional schema, file-spill, path
// validation, and shell-redirect rules spec.md §4.2 describes.
package preparer

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/opsloop/dispatchd/internal/apperr"
	"github.com/opsloop/dispatchd/internal/sandbox"
	"github.com/opsloop/dispatchd/internal/toolconfig"
)

// TempFileManager owns every temporary file created for file-spilled
// arguments, keeping them alive for at least as long as the command that
// references them.
type TempFileManager struct {
	mu    sync.Mutex
	files []*os.File
}

// NewTempFileManager constructs an empty manager.
func NewTempFileManager() *TempFileManager {
	return &TempFileManager{}
}

// CreateWithContent writes content to a fresh temp file and returns its
// path. The file is retained (not removed) until Close is called.
func (m *TempFileManager) CreateWithContent(content string) (string, error) {
	f, err := os.CreateTemp("", "dispatchd-arg-*")
	if err != nil {
		return "", fmt.Errorf("create temp file for argument: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", fmt.Errorf("write temp file content: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush temp file content: %w", err)
	}
	m.mu.Lock()
	m.files = append(m.files, f)
	m.mu.Unlock()
	return f.Name(), nil
}

// Close removes every temp file this manager created.
func (m *TempFileManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		name := f.Name()
		f.Close()
		os.Remove(name)
	}
	m.files = nil
}

var reservedRuntimeKeys = map[string]bool{
	"args":              true,
	"working_directory": true,
	"execution_mode":    true,
	"timeout_seconds":   true,
}

func isReservedRuntimeKey(key string) bool { return reservedRuntimeKeys[key] }

// schemaIndex is a fast lookup over a subcommand's declared options and
// positional arguments.
type schemaIndex struct {
	options             map[string]toolconfig.CommandOption
	positionals         map[string]toolconfig.CommandOption
	positionalOrder     []string
	positionalArgsFirst bool
	hasSchema           bool
}

func newSchemaIndex(sc *toolconfig.SubcommandConfig) schemaIndex {
	idx := schemaIndex{
		options:     make(map[string]toolconfig.CommandOption),
		positionals: make(map[string]toolconfig.CommandOption),
	}
	if sc == nil {
		return idx
	}
	idx.hasSchema = true
	if sc.PositionalArgsFirst != nil {
		idx.positionalArgsFirst = *sc.PositionalArgsFirst
	}
	for _, o := range sc.Options {
		idx.options[o.Name] = o
	}
	for _, p := range sc.PositionalArgs {
		idx.positionals[p.Name] = p
		idx.positionalOrder = append(idx.positionalOrder, p.Name)
	}
	return idx
}

func (s schemaIndex) isPositional(name string) bool {
	_, ok := s.positionals[name]
	return ok
}

// isDeclaredOption reports whether name is a declared option (not a
// positional). Used to silently drop unknown keys when a schema is present.
func (s schemaIndex) isDeclaredOption(name string) bool {
	_, ok := s.options[name]
	return ok
}

func (s schemaIndex) isPathArg(name string) bool {
	if o, ok := s.options[name]; ok {
		return o.IsPathFormat()
	}
	if p, ok := s.positionals[name]; ok {
		return p.IsPathFormat()
	}
	return false
}

// Prepare constructs (program, argv) from commandString and args, applying
// sc's schema if non-nil, validating path-typed values against box, and
// spilling file_arg values to temp files via tfm.
func Prepare(commandString string, args map[string]any, sc *toolconfig.SubcommandConfig, workingDir string, box *sandbox.Sandbox, tfm *TempFileManager) (program string, argv []string, err error) {
	parts := strings.Fields(commandString)
	if len(parts) == 0 {
		return "", nil, apperr.New(apperr.CodeInvalidParams, "command must not be empty")
	}
	program = parts[0]
	argv = append([]string{}, parts[1:]...)

	idx := newSchemaIndex(sc)
	p := &processor{
		argv:       argv,
		schema:     idx,
		workingDir: workingDir,
		box:        box,
		tfm:        tfm,
	}

	if args != nil {
		if idx.positionalArgsFirst {
			if err := p.processPositionals(args); err != nil {
				return "", nil, err
			}
		}
		if err := p.processOptions(args); err != nil {
			return "", nil, err
		}
		if !idx.positionalArgsFirst {
			if err := p.processPositionals(args); err != nil {
				return "", nil, err
			}
		}
		p.processRawArgs(args)
	}

	maybeAppendShellRedirect(program, p.argv)
	return program, p.argv, nil
}

type processor struct {
	argv       []string
	schema     schemaIndex
	workingDir string
	box        *sandbox.Sandbox
	tfm        *TempFileManager
}

func (p *processor) processPositionals(args map[string]any) error {
	for _, name := range p.schema.positionalOrder {
		v, ok := args[name]
		if !ok {
			continue
		}
		if err := p.processNamedArg(name, v); err != nil {
			return err
		}
	}
	return nil
}

func (p *processor) processOptions(args map[string]any) error {
	// Deterministic order keeps prepared argvs reproducible across runs,
	// which tests asserting exact option order (e.g. the find test) rely on.
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sortStrings(names)

	for _, key := range names {
		if p.schema.isPositional(key) || isReservedRuntimeKey(key) || key == "args" {
			continue
		}
		if p.schema.hasSchema && !p.schema.isDeclaredOption(key) {
			continue // schema present: unknown keys are silently skipped
		}
		if err := p.processNamedArg(key, args[key]); err != nil {
			return err
		}
	}
	return nil
}

func (p *processor) processRawArgs(args map[string]any) {
	raw, ok := args["args"]
	if !ok {
		return
	}
	list, ok := raw.([]any)
	if !ok {
		return
	}
	for _, v := range list {
		if s, ok := coerceCLIValue(v); ok {
			p.argv = append(p.argv, s)
		}
	}
}

func (p *processor) processNamedArg(key string, value any) error {
	handled, err := p.emitFileArgIfConfigured(key, value)
	if err != nil {
		return err
	}
	if handled {
		return nil
	}
	if p.emitBooleanFlagIfBool(key, value) {
		return nil
	}
	return p.emitStandardArg(key, value)
}

func (p *processor) emitFileArgIfConfigured(key string, value any) (bool, error) {
	opt, ok := p.schema.options[key]
	if !ok || !opt.FileArg {
		return false, nil
	}
	s, ok := coerceCLIValue(value)
	if ok && s != "" {
		if p.tfm == nil {
			return false, apperr.New(apperr.CodeInvalidParams, fmt.Sprintf("option %q requires file-arg support", key))
		}
		path, err := p.tfm.CreateWithContent(s)
		if err != nil {
			return false, apperr.Wrap(apperr.CodeInvalidParams, "spill argument to temp file", err)
		}
		if opt.FileFlag != "" {
			p.argv = append(p.argv, opt.FileFlag)
		} else {
			p.argv = append(p.argv, formatOptionFlag(key))
		}
		p.argv = append(p.argv, path)
	}
	return true, nil
}

func (p *processor) emitBooleanFlagIfBool(key string, value any) bool {
	opt, hasOpt := p.schema.options[key]
	isBooleanOption := hasOpt && opt.Type == "boolean"

	var boolVal bool
	var isBool bool
	if isBooleanOption {
		boolVal, isBool = resolveBool(value)
	} else {
		boolVal, isBool = value.(bool)
	}
	if !isBool {
		return false
	}
	if boolVal {
		flag := formatOptionFlag(key)
		if hasOpt && opt.Alias != "" {
			flag = "-" + opt.Alias
		}
		p.argv = append(p.argv, flag)
	}
	return true
}

func (p *processor) emitStandardArg(key string, value any) error {
	s, ok := coerceCLIValue(value)
	if !ok || s == "" {
		return nil
	}
	final, err := p.resolveValidatedPathIfNeeded(key, s)
	if err != nil {
		return err
	}
	if p.schema.isPositional(key) {
		p.argv = append(p.argv, final)
	} else {
		p.argv = append(p.argv, formatOptionFlag(key), final)
	}
	return nil
}

func (p *processor) resolveValidatedPathIfNeeded(key, value string) (string, error) {
	if !p.schema.isPathArg(key) {
		return value, nil
	}
	if p.box == nil || !p.box.Initialized() {
		return "", apperr.New(apperr.CodePathViolation, fmt.Sprintf("sandbox not initialized for path argument %q", key))
	}
	resolved, err := p.box.ValidatePath(value, p.workingDir)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func formatOptionFlag(key string) string {
	if strings.HasPrefix(key, "-") {
		return key
	}
	return "--" + key
}

func resolveBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		return strings.EqualFold(t, "true"), true
	default:
		return false, false
	}
}

func isBoolType(v any) bool {
	_, ok := v.(bool)
	return ok
}

// coerceCLIValue renders a JSON-decoded value as a CLI string, matching
// the original preparer's coerce_cli_value: arrays join with spaces,
// objects and null produce no value.
func coerceCLIValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case []any:
		var parts []string
		for _, item := range t {
			if s, ok := coerceCLIValue(item); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, " "), true
	default:
		return "", false
	}
}

func maybeAppendShellRedirect(program string, argv []string) {
	if !isShellProgram(program) {
		return
	}
	idx := -1
	for i, a := range argv {
		if a == "-c" {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(argv) {
		return
	}
	script := argv[idx+1]
	trimmed := strings.TrimRight(script, " \t")
	if strings.HasSuffix(trimmed, "2>&1") {
		return
	}
	if len(script) > 0 && script[len(script)-1] != ' ' && script[len(script)-1] != '\t' {
		script += " "
	}
	argv[idx+1] = script + "2>&1"
}

func isShellProgram(program string) bool {
	switch program {
	case "sh", "bash", "zsh", "/bin/sh", "/bin/bash", "/bin/zsh":
		return true
	default:
		return false
	}
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
