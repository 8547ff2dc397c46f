// Package approval gates destructive tool invocations behind explicit user
// sign-off. Classification is a closed table with a fail-safe default; the
// gate itself is a per-request state machine whose terminal states are
// settled by whichever resolution path commits its conditional write first.
package approval

import (
	"strings"
	"sync"

	"coderelay/internal/logging"
)

// Classification is the safety class of a tool invocation.
type Classification int

const (
	// Safe invocations proceed without an approval request.
	Safe Classification = iota
	// Destructive invocations require explicit approval.
	Destructive
)

// String returns the lowercase class name.
func (c Classification) String() string {
	if c == Safe {
		return "safe"
	}
	return "destructive"
}

// builtinSafe lists known read-only tool names. Matching is case-insensitive.
var builtinSafe = map[string]struct{}{
	"read-file":      {},
	"read":           {},
	"search":         {},
	"grep":           {},
	"glob":           {},
	"list-directory": {},
	"ls":             {},
}

// builtinDestructive lists known mutating tool names. Entries here can never
// be reclassified safe by policy overrides.
var builtinDestructive = map[string]struct{}{
	"edit-file":     {},
	"edit":          {},
	"write-file":    {},
	"write":         {},
	"execute-shell": {},
	"bash":          {},
}

// Classifier maps tool names to Safe or Destructive. The built-in table is
// fixed; a policy file may extend it at runtime. Unknown names are
// Destructive.
type Classifier struct {
	mu        sync.RWMutex
	extraSafe map[string]struct{}
	extraDest map[string]struct{}
}

// NewClassifier returns a classifier with only the built-in table.
func NewClassifier() *Classifier {
	return &Classifier{
		extraSafe: make(map[string]struct{}),
		extraDest: make(map[string]struct{}),
	}
}

// Classify returns the safety class for a tool name. Deterministic for a
// given name and policy; case-insensitive.
func (c *Classifier) Classify(toolName string) Classification {
	name := strings.ToLower(strings.TrimSpace(toolName))

	if _, ok := builtinDestructive[name]; ok {
		return Destructive
	}
	if _, ok := builtinSafe[name]; ok {
		return Safe
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.extraDest[name]; ok {
		return Destructive
	}
	if _, ok := c.extraSafe[name]; ok {
		return Safe
	}

	// Fail safe: anything unrecognized is destructive.
	return Destructive
}

// SetPolicy replaces the policy overrides. Attempts to mark a built-in
// destructive tool as safe are refused and logged; the fail-safe boundary
// stays auditable in the built-in table alone.
func (c *Classifier) SetPolicy(p Policy) {
	safe := make(map[string]struct{}, len(p.Safe))
	dest := make(map[string]struct{}, len(p.Destructive))

	for _, name := range p.Safe {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" {
			continue
		}
		if _, ok := builtinDestructive[n]; ok {
			logging.Get(logging.CategoryApproval).Warn(
				"policy tried to mark built-in destructive tool %q safe; refused", n)
			continue
		}
		safe[n] = struct{}{}
	}
	for _, name := range p.Destructive {
		n := strings.ToLower(strings.TrimSpace(name))
		if n == "" {
			continue
		}
		dest[n] = struct{}{}
	}

	c.mu.Lock()
	c.extraSafe = safe
	c.extraDest = dest
	c.mu.Unlock()

	logging.Approval("classification policy applied: %d safe, %d destructive overrides",
		len(safe), len(dest))
}
