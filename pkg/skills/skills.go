// Package skills implements the synchronous skill-invocation surface
// (spec.md §4.9): a registry of named, directly-callable operations the
// router's keyword pre-router and LM-classified system-skill path dispatch
// into. Every skill returns a plain text result or an error; none may
// block the main loop for long — they run to completion and report back.
package skills

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Skill is one invocable operation.
type Skill interface {
	// Name is the stable identifier the router's classification verdicts
	// reference (e.g. "shell_exec", "volume_control").
	Name() string
	// Invoke runs the skill against the given arguments and returns its
	// textual result.
	Invoke(ctx context.Context, args map[string]string) (string, error)
}

// Registry holds every known skill plus the deny-list gating which ones
// the LM-classified path (step 4 of routing) may invoke automatically.
// Registered skills not in DenyList are allowed by default;
// DenyList is a blocklist, not an allow-list, matching spec.md §4.2 step 4
// ("a deny-list of skills gates dangerous operations").
type Registry struct {
	mu       sync.RWMutex
	skills   map[string]Skill
	denyList map[string]bool
}

// NewRegistry returns an empty registry with the given deny-listed skill
// names (dangerous operations the LM-classified path may never invoke
// directly). No name is denied unless passed in; callers pass
// DefaultDenyList for shell_exec and python_exec.
func NewRegistry(denyList ...string) *Registry {
	r := &Registry{
		skills:   make(map[string]Skill),
		denyList: make(map[string]bool, len(denyList)),
	}
	for _, name := range denyList {
		r.denyList[name] = true
	}
	return r
}

// DefaultDenyList is the set of skills spec.md treats as dangerous enough
// that the LM-classified path must never auto-invoke them. Only
// Registry.Invoke bypasses the deny-list, and no literal command or keyword
// route in the router invokes these two skills.
var DefaultDenyList = []string{"shell_exec", "python_exec"}

// Register installs a skill, overwriting any existing registration with
// the same name.
func (r *Registry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name()] = s
}

// Names returns all registered skill names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.skills))
	for name := range r.skills {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ErrSkillNotFound is returned by Invoke/InvokeClassified for an unknown
// skill name.
var ErrSkillNotFound = fmt.Errorf("skills: skill not found")

// ErrDenied is returned by InvokeClassified when the LM-classified path
// tries to invoke a deny-listed skill.
var ErrDenied = fmt.Errorf("skills: skill denied to classified dispatch")

// Invoke runs a skill unconditionally (used by the keyword pre-router and
// literal-command paths, which bypass the deny-list since they are not
// LM-inferred).
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]string) (string, error) {
	r.mu.RLock()
	s, ok := r.skills[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s.Invoke(ctx, args)
}

// InvokeClassified runs a skill chosen by the LM-classified path (spec.md
// §4.2 step 4), refusing anything on the deny-list.
func (r *Registry) InvokeClassified(ctx context.Context, name string, args map[string]string) (string, error) {
	r.mu.RLock()
	denied := r.denyList[name]
	s, ok := r.skills[name]
	r.mu.RUnlock()
	if denied {
		return "", fmt.Errorf("%w: %s", ErrDenied, name)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s.Invoke(ctx, args)
}
