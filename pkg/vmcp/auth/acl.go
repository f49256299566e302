package auth

import (
	"errors"
	"fmt"
)

// Auth errors, surfaced by the router as forbidden/invalid_params.
var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidCredential = errors.New("auth: invalid credential")
	ErrToolNotAllowed    = errors.New("auth: tool not allowed for caller")
)

// ACL is a per-caller authorization policy: which tools are visible/
// callable, and what argument shape is accepted (spec 4.G).
type ACL struct {
	// AllowedTools is the caller's tool allow-list. A nil slice means "all
	// tools visible"; an empty non-nil slice means "no tools visible".
	AllowedTools []string
	ArgPolicy    ArgumentPolicy
}

// IsToolAllowed reports whether toolName is visible/callable under acl. A
// nil receiver (no ACL attached to the identity) allows everything.
func (a *ACL) IsToolAllowed(toolName string) bool {
	if a == nil || a.AllowedTools == nil {
		return true
	}
	for _, t := range a.AllowedTools {
		if t == toolName {
			return true
		}
	}
	return false
}

// FilterToolNames returns the subset of names this ACL permits, preserving
// order — used by tools/list to hide tools the caller may not invoke.
func (a *ACL) FilterToolNames(names []string) []string {
	if a == nil || a.AllowedTools == nil {
		return names
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if a.IsToolAllowed(n) {
			out = append(out, n)
		}
	}
	return out
}

// Authorize enforces both the tool allow-list and the argument policy for
// one tools/call. It is the single pre-dispatch gate described in spec 4.G.
func (a *ACL) Authorize(toolName string, arguments map[string]any) error {
	policy := DefaultArgumentPolicy()
	if a != nil {
		if !a.IsToolAllowed(toolName) {
			return fmt.Errorf("%w: %s", ErrToolNotAllowed, toolName)
		}
		policy = a.ArgPolicy
	}
	return policy.Validate(arguments)
}

// ArgumentPolicy caps the size, string length, and nesting depth of
// tools/call arguments, enforced pre-dispatch (spec 4.G and 7:
// invalid_params). It is declarative data, not per-tool code, so adding a
// backend never requires a new code path (spec 9: "the gateway must not
// grow per-tool code paths").
type ArgumentPolicy struct {
	MaxKeys         int
	MaxStringLength int
	MaxDepth        int
}

// DefaultArgumentPolicy returns generous but finite limits.
func DefaultArgumentPolicy() ArgumentPolicy {
	return ArgumentPolicy{MaxKeys: 256, MaxStringLength: 64 * 1024, MaxDepth: 16}
}

// Validate walks arguments and rejects anything exceeding the policy.
func (p ArgumentPolicy) Validate(arguments map[string]any) error {
	if p.MaxKeys == 0 && p.MaxStringLength == 0 && p.MaxDepth == 0 {
		p = DefaultArgumentPolicy()
	}
	return p.validateValue(arguments, 0)
}

func (p ArgumentPolicy) validateValue(v any, depth int) error {
	if depth > p.MaxDepth {
		return fmt.Errorf("argument nesting exceeds max depth %d", p.MaxDepth)
	}
	switch val := v.(type) {
	case string:
		if len(val) > p.MaxStringLength {
			return fmt.Errorf("argument string exceeds max length %d", p.MaxStringLength)
		}
	case map[string]any:
		if len(val) > p.MaxKeys {
			return fmt.Errorf("argument object exceeds max keys %d", p.MaxKeys)
		}
		for _, child := range val {
			if err := p.validateValue(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		if len(val) > p.MaxKeys {
			return fmt.Errorf("argument array exceeds max length %d", p.MaxKeys)
		}
		for _, child := range val {
			if err := p.validateValue(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
