package skills

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	execpkg "github.com/leon-ai/leon/pkg/exec"
)

// deniedIdentifiers is a regex over the source text denying imports/calls
// that could escape the scratch directory or reach the network — a
// textual denylist, not a sandbox (spec.md §9 non-goal: "No sandboxing
// beyond an allow/deny-list on shell-exec skills").
var deniedIdentifiers = regexp.MustCompile(`\b(import\s+subprocess|import\s+socket|import\s+ctypes|__import__|os\.system|os\.exec|os\.fork|os\.popen)\b`)

// PythonExec is the python_exec skill: a restricted child interpreter with
// a pruned environment and a throwaway scratch working directory.
type PythonExec struct {
	executor    execpkg.Executor
	pythonPath  string
	scratchRoot string
}

// NewPythonExec builds a python_exec skill. scratchRoot is the parent
// directory under which a fresh per-call scratch directory is created.
func NewPythonExec(executor execpkg.Executor, pythonPath, scratchRoot string) *PythonExec {
	if pythonPath == "" {
		pythonPath = "python3"
	}
	return &PythonExec{executor: executor, pythonPath: pythonPath, scratchRoot: scratchRoot}
}

func (p *PythonExec) Name() string { return "python_exec" }

func (p *PythonExec) Invoke(ctx context.Context, args map[string]string) (string, error) {
	code := args["code"]
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("python_exec: code argument is required")
	}
	if deniedIdentifiers.MatchString(code) {
		return "", fmt.Errorf("python_exec: code uses a denied import or call")
	}

	scratch, err := os.MkdirTemp(p.scratchRoot, "leon-py-")
	if err != nil {
		return "", fmt.Errorf("python_exec: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	opts := execpkg.DefaultExecOpts()
	opts.WorkDir = scratch
	opts.Env = prunedEnv()
	opts.NetworkDisabled = true

	result, err := p.executor.Run(ctx, []string{p.pythonPath, "-I", "-c", code}, &opts)
	if err != nil {
		return "", fmt.Errorf("python_exec: %w", err)
	}
	if result.ExitCode != 0 {
		return result.Stdout, fmt.Errorf("python_exec: exited %d: %s", result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

// prunedEnv strips credentials and ambient config down to the minimum a
// scratch interpreter needs (PATH, a fixed HOME pointing nowhere useful).
func prunedEnv() []string {
	return []string{
		"PATH=/usr/bin:/bin",
		"HOME=/nonexistent",
		"LANG=C",
	}
}
