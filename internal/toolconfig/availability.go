package toolconfig

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// AvailabilityChecker lazily probes whether a tool's underlying program is
// actually installed, caching the result per tool name so the probe only
// ever runs once per process (or until explicitly reset).
type AvailabilityChecker struct {
	mu    sync.Mutex
	cache map[string]error
}

// NewAvailabilityChecker constructs an empty checker.
func NewAvailabilityChecker() *AvailabilityChecker {
	return &AvailabilityChecker{cache: make(map[string]error)}
}

// Check runs tool's availability_check command (if configured) the first
// time it's asked about, returning a friendly error that includes
// install_instructions on failure.
func (c *AvailabilityChecker) Check(ctx context.Context, t *ToolConfig) error {
	if t.AvailabilityCheck == "" {
		return nil
	}

	c.mu.Lock()
	if err, ok := c.cache[t.Name]; ok {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	err := runProbe(ctx, t.AvailabilityCheck)
	if err != nil {
		msg := fmt.Sprintf("%s is not available: %v", t.Name, err)
		if t.InstallInstructions != "" {
			msg = fmt.Sprintf("%s (%s)", msg, t.InstallInstructions)
		}
		err = fmt.Errorf("%s", msg)
	}

	c.mu.Lock()
	c.cache[t.Name] = err
	c.mu.Unlock()
	return err
}

// Reset clears the cached result for name, forcing the next Check to
// re-probe.
func (c *AvailabilityChecker) Reset(name string) {
	c.mu.Lock()
	delete(c.cache, name)
	c.mu.Unlock()
}

func runProbe(ctx context.Context, probe string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	parts := strings.Fields(probe)
	if len(parts) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	if err := cmd.Run(); err != nil {
		return err
	}
	return nil
}
