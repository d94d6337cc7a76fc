package skills

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	execpkg "github.com/leon-ai/leon/pkg/exec"
)

// blockedMetachars are the POSIX shell metacharacters this skill refuses
// to execute, since it never interprets a shell — every token it runs is
// passed straight to the OS as argv, not through sh -c (spec.md §4.9, §9
// "no sandboxing beyond an allow/deny-list on shell-exec skills").
const blockedMetachars = ";|&$`<>(){}\n"

// ShellExec is the shell_exec skill: it tokenizes a command string with a
// POSIX-ish word-splitting tokenizer (honoring single/double quotes) and
// executes the resulting argv directly via pkg/exec.Executor — it never
// hands the string to a shell, so none of the blocked metacharacters can
// achieve their shell meaning even if they slip through quoting.
type ShellExec struct {
	executor execpkg.Executor
	workDir  string
}

// NewShellExec builds a shell_exec skill bound to an Executor and a
// default working directory (overridden per-call via args["cwd"]).
func NewShellExec(executor execpkg.Executor, workDir string) *ShellExec {
	return &ShellExec{executor: executor, workDir: workDir}
}

func (s *ShellExec) Name() string { return "shell_exec" }

func (s *ShellExec) Invoke(ctx context.Context, args map[string]string) (string, error) {
	command := args["command"]
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("shell_exec: command argument is required")
	}
	if strings.ContainsAny(command, blockedMetachars) {
		return "", fmt.Errorf("shell_exec: command contains a blocked metacharacter")
	}

	argv, err := Tokenize(command)
	if err != nil {
		return "", fmt.Errorf("shell_exec: %w", err)
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("shell_exec: empty command after tokenizing")
	}

	cwd := s.workDir
	if v, ok := args["cwd"]; ok && v != "" {
		cwd = v
	}
	opts := execpkg.DefaultExecOpts()
	opts.WorkDir = cwd

	result, err := s.executor.Run(ctx, argv, &opts)
	if err != nil {
		return "", fmt.Errorf("shell_exec: %w", err)
	}
	if result.ExitCode != 0 {
		return result.Stdout, fmt.Errorf("shell_exec: exited %d: %s", result.ExitCode, result.Stderr)
	}
	return result.Stdout, nil
}

// Tokenize splits s into argv words using POSIX-ish quoting rules (single
// quotes suppress all interpretation, inside double quotes a backslash
// makes the next character literal, and whitespace separates unquoted
// words) without ever
// invoking a shell to do it.
func Tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	haveToken := false

	runes := []rune(s)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			if haveToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				haveToken = false
			}
			i++
		case c == '\'':
			haveToken = true
			i++
			for i < len(runes) && runes[i] != '\'' {
				cur.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated single quote")
			}
			i++ // skip closing quote
		case c == '"':
			haveToken = true
			i++
			for i < len(runes) && runes[i] != '"' {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				cur.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("unterminated double quote")
			}
			i++
		default:
			haveToken = true
			cur.WriteRune(c)
			i++
		}
	}
	if haveToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}
