// Package sandbox validates working directories and path-typed arguments
// against a configured set of allowed filesystem roots, the single
// capability the rest of dispatchd trusts for anything path-shaped.
package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/opsloop/dispatchd/internal/apperr"
)

// Sandbox holds an immutable-once-initialized set of allowed absolute
// directory roots. A zero-value Sandbox is "deferred": Initialized()
// reports false until Init is called, matching the Dispatch Surface's
// deferred-init mode (spec.md §4.5 step 2).
type Sandbox struct {
	mu    sync.RWMutex
	roots []string
}

// New constructs an initialized Sandbox from the given scope roots.
func New(roots ...string) (*Sandbox, error) {
	s := &Sandbox{}
	if err := s.Init(roots...); err != nil {
		return nil, err
	}
	return s, nil
}

// Init sets the allowed roots, switching the sandbox from deferred to
// initialized. Roots are cleaned and made absolute.
func (s *Sandbox) Init(roots ...string) error {
	cleaned := make([]string, 0, len(roots))
	for _, r := range roots {
		abs, err := filepath.Abs(r)
		if err != nil {
			return fmt.Errorf("resolve sandbox root %q: %w", r, err)
		}
		cleaned = append(cleaned, filepath.Clean(abs))
	}
	s.mu.Lock()
	s.roots = cleaned
	s.mu.Unlock()
	return nil
}

// Initialized reports whether Init has been called with at least one root.
func (s *Sandbox) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.roots) > 0
}

// DefaultScope returns the first configured scope, or "." if none.
func (s *Sandbox) DefaultScope() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.roots) == 0 {
		return "."
	}
	return s.roots[0]
}

// ValidateDir checks that dir resolves inside an allowed root and returns
// its cleaned absolute form. Used for working_directory validation.
func (s *Sandbox) ValidateDir(dir string) (string, error) {
	return s.validate(dir)
}

// ValidatePath checks that a path-typed argument, resolved relative to
// workingDir when not itself absolute, lands inside an allowed root.
func (s *Sandbox) ValidatePath(value, workingDir string) (string, error) {
	if !filepath.IsAbs(value) {
		value = filepath.Join(workingDir, value)
	}
	return s.validate(value)
}

func (s *Sandbox) validate(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", apperr.Wrap(apperr.CodePathViolation, fmt.Sprintf("cannot resolve path %q", path), err)
	}
	abs = filepath.Clean(abs)

	s.mu.RLock()
	roots := s.roots
	s.mu.RUnlock()

	if len(roots) == 0 {
		return "", apperr.New(apperr.CodePathViolation, "sandbox has no configured scopes")
	}

	for _, root := range roots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return abs, nil
		}
	}
	return "", apperr.New(apperr.CodePathViolation, fmt.Sprintf("path %q escapes sandbox scopes %v", abs, roots))
}
