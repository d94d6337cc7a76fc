// Package supervisor turns agent_spawn tasks into live child processes: it
// spawns the external coding-assistant CLI, tracks liveness and progress,
// enforces a concurrency ceiling, and reports exactly one outcome per agent
// lifecycle. It borrows its lifecycle-table shape (mutex-guarded map,
// logx.Logger, explicit Stop with SIGTERM-then-SIGKILL) from the teacher's
// internal/supervisor and internal/kernel packages, generalized from
// maestro's architect/coder/PM roles to Leon's single coding-agent kind.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/internal/metrics"
)

// State is an Agent's position in its lifecycle (spec.md §3, §4.4 diagram).
type State string

const (
	StateSpawning State = "spawning"
	StateRunning  State = "running"
	StateExiting  State = "exiting"
	StateReaped   State = "reaped"
)

// ErrAtCapacity is returned by Spawn when the concurrency ceiling is
// reached; it is not an error condition for the caller, merely a signal the
// task should stay queued (spec.md §4.4 "refusal is not an error").
var ErrAtCapacity = fmt.Errorf("supervisor: at concurrency ceiling")

// SummaryBlockPrefix is the line prefix the coding CLI emits on its final
// structured-summary line (spec.md §6).
const SummaryBlockPrefix = "SUMMARY: "

// UnsafeCLIEnvVar opts into the permissive (skip-permissions) CLI posture;
// unset means restrictive-by-default (spec.md §9, deliberate deviation from
// the source).
const UnsafeCLIEnvVar = "LEON_ALLOW_UNSAFE_CLI"

// Task is the subset of a taskqueue.Task the supervisor needs to spawn an
// agent; kept as a plain struct here (rather than importing pkg/taskqueue)
// to avoid a persistence-layer/process-layer import cycle — the caller
// translates.
type Task struct {
	ID          string
	Brief       string
	ProjectPath string
	Attempts    int
}

// Summary is the best-effort parse of the coding CLI's SUMMARY: block
// (spec.md §9 Open Question: "keep this tolerant").
type Summary struct {
	Summary      string   `json:"summary"`
	TouchedFiles []string `json:"touched_files,omitempty"`
}

// Agent is a live (or just-finished) child process (spec.md §3).
type Agent struct {
	ID          string
	PID         int
	TaskID      string
	ProjectPath string
	StartedAt   time.Time
	State       State
	StdoutPath  string
	StderrPath  string
	ExitCode    int
	Summary     Summary
	Error       string

	lastLogSize  int64
	lastActivity time.Time
}

// Outcome is published exactly once per agent lifecycle (spec.md Invariant
// A3).
type Outcome struct {
	TaskID  string
	AgentID string
	Success bool
	Summary Summary
	Err     error
}

// Config bundles the supervisor's tunables (spec.md §5 timeouts, §4.4 spawn
// contract); all come from internal/config.Config in production.
type Config struct {
	MaxConcurrentAgents int
	IdleTimeout         time.Duration // T_idle, default 30m
	HardTimeout         time.Duration // T_max, 0 = unset
	GraceTimeout        time.Duration // T_graceful, default 10s
	CodingCLIPath       string
	CredentialSource    string
	LogRoot             string // persistence_root/agents
	AllowUnsafeCLI      bool
}

// Supervisor owns the live agent table.
type Supervisor struct {
	mu     sync.Mutex
	agents map[string]*Agent
	procs  map[string]*exec.Cmd

	cfg       Config
	logger    *logx.Logger
	metrics   metrics.Recorder
	onOutcome func(Outcome)

	credentialCopiedAt map[string]time.Time
}

// New constructs a Supervisor. onOutcome is invoked from whatever goroutine
// detects the exit (never the caller's own goroutine) — callers that need
// the result on the main loop must post it there themselves inside the
// callback.
func New(cfg Config, logger *logx.Logger, rec metrics.Recorder, onOutcome func(Outcome)) *Supervisor {
	if rec == nil {
		rec = metrics.Nop()
	}
	if cfg.GraceTimeout == 0 {
		cfg.GraceTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Supervisor{
		agents:             make(map[string]*Agent),
		procs:              make(map[string]*exec.Cmd),
		cfg:                cfg,
		logger:             logger,
		metrics:            rec,
		onOutcome:          onOutcome,
		credentialCopiedAt: make(map[string]time.Time),
	}
}

// Running returns the count of agents currently spawning or running.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if a.State == StateSpawning || a.State == StateRunning {
			n++
		}
	}
	return n
}

// Spawn turns an agent_spawn task into a live child process. It returns
// ErrAtCapacity (not a hard error) if the concurrency ceiling is reached.
func (s *Supervisor) Spawn(ctx context.Context, task Task) (string, error) {
	s.mu.Lock()
	if s.cfg.MaxConcurrentAgents > 0 && s.runningLocked() >= s.cfg.MaxConcurrentAgents {
		s.mu.Unlock()
		return "", ErrAtCapacity
	}
	s.mu.Unlock()

	agentID := fmt.Sprintf("agent-%s-%d", task.ID, time.Now().UnixNano())
	agentDir := filepath.Join(s.cfg.LogRoot, agentID)
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		s.metrics.ObserveAgentSpawn(string(StateSpawning), false)
		return "", fmt.Errorf("create agent log dir: %w", err)
	}

	stdoutPath := filepath.Join(agentDir, "stdout.log")
	stderrPath := filepath.Join(agentDir, "stderr.log")
	transcriptPath := filepath.Join(agentDir, "transcript.jsonl")

	stdoutFile, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("open stdout log: %w", err)
	}
	stderrFile, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		stdoutFile.Close()
		return "", fmt.Errorf("open stderr log: %w", err)
	}

	transcript, err := newTranscriptWriter(transcriptPath)
	if err != nil {
		stdoutFile.Close()
		stderrFile.Close()
		return "", fmt.Errorf("open transcript: %w", err)
	}

	if err := s.refreshCredentials(task.ProjectPath); err != nil {
		s.logger.Warn("supervisor: credential refresh failed for %s: %v", agentID, err)
	}

	argv := s.buildArgv(task)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = task.ProjectPath
	cmd.Stdout = io.MultiWriter(stdoutFile, transcriptingLineWriter{transcript, "stdout"})
	cmd.Stderr = io.MultiWriter(stderrFile, transcriptingLineWriter{transcript, "stderr"})

	agent := &Agent{
		ID:          agentID,
		TaskID:      task.ID,
		ProjectPath: task.ProjectPath,
		StartedAt:   time.Now(),
		State:       StateSpawning,
		StdoutPath:  stdoutPath,
		StderrPath:  stderrPath,
	}

	s.mu.Lock()
	s.agents[agentID] = agent
	s.mu.Unlock()

	transcript.WriteEvent("spawning", map[string]any{"task_id": task.ID, "argv": argv})

	if err := cmd.Start(); err != nil {
		// (F1) a spawn failure counts as one attempt and flows to fail_task.
		stdoutFile.Close()
		stderrFile.Close()
		transcript.Close()
		s.mu.Lock()
		agent.State = StateReaped
		agent.Error = err.Error()
		s.mu.Unlock()
		s.metrics.ObserveAgentSpawn(string(StateSpawning), false)
		s.publishOutcome(Outcome{TaskID: task.ID, AgentID: agentID, Success: false, Err: fmt.Errorf("spawn: %w", err)})
		return agentID, nil
	}

	s.mu.Lock()
	agent.State = StateRunning
	agent.PID = cmd.Process.Pid
	agent.lastActivity = time.Now()
	s.procs[agentID] = cmd
	s.mu.Unlock()
	s.metrics.ObserveAgentSpawn(string(StateRunning), true)

	go s.waitForExit(agentID, task, cmd, stdoutFile, stderrFile, transcript)

	return agentID, nil
}

func (s *Supervisor) runningLocked() int {
	n := 0
	for _, a := range s.agents {
		if a.State == StateSpawning || a.State == StateRunning {
			n++
		}
	}
	return n
}

// buildArgv constructs the coding-CLI invocation: working directory is set
// via cmd.Dir, so argv only carries the privilege-posture flag and the
// inline prompt (spec.md §4.4 spawn contract).
func (s *Supervisor) buildArgv(task Task) []string {
	cliPath := s.cfg.CodingCLIPath
	if cliPath == "" {
		cliPath = "claude"
	}
	postureFlag := "--allow-tools=read,write,edit"
	if s.cfg.AllowUnsafeCLI || os.Getenv(UnsafeCLIEnvVar) == "1" {
		postureFlag = "--skip-permissions"
	}
	prompt := task.Brief
	if task.ProjectPath != "" {
		prompt = fmt.Sprintf("Project: %s\n\n%s", task.ProjectPath, task.Brief)
	}
	return []string{cliPath, postureFlag, "--print", prompt}
}

// refreshCredentials copies a fresh authentication artifact into the
// child's configuration directory if the source is newer than the last
// known copy (spec.md §4.4 credential refresh).
func (s *Supervisor) refreshCredentials(projectPath string) error {
	if s.cfg.CredentialSource == "" {
		return nil
	}
	srcInfo, err := os.Stat(s.cfg.CredentialSource)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	lastCopy, known := s.credentialCopiedAt[projectPath]
	s.mu.Unlock()
	if known && !srcInfo.ModTime().After(lastCopy) {
		return nil
	}

	data, err := os.ReadFile(s.cfg.CredentialSource)
	if err != nil {
		return err
	}
	destDir := filepath.Join(projectPath, ".leon")
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return err
	}
	dest := filepath.Join(destDir, filepath.Base(s.cfg.CredentialSource))
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return err
	}

	s.mu.Lock()
	s.credentialCopiedAt[projectPath] = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) waitForExit(agentID string, task Task, cmd *exec.Cmd, stdoutFile, stderrFile *os.File, transcript *transcriptWriter) {
	waitErr := cmd.Wait()

	s.mu.Lock()
	agent := s.agents[agentID]
	if agent != nil {
		agent.State = StateExiting
	}
	delete(s.procs, agentID)
	s.mu.Unlock()

	// (A2) handles are released on every exit path.
	stdoutFile.Close()
	stderrFile.Close()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	summary, parsed := parseSummaryBlock(agent.StdoutPath)
	success := exitCode == 0

	transcript.WriteEvent("exited", map[string]any{"exit_code": exitCode, "summary_parsed": parsed})
	transcript.Close()

	s.mu.Lock()
	if agent != nil {
		agent.State = StateReaped
		agent.ExitCode = exitCode
		agent.Summary = summary
		if !success {
			tail, _ := tailFile(agent.StderrPath, 4096)
			agent.Error = tail
		}
	}
	s.mu.Unlock()
	s.metrics.ObserveAgentSpawn(string(StateReaped), success)

	outcome := Outcome{TaskID: task.ID, AgentID: agentID, Success: success, Summary: summary}
	if !success {
		tail, _ := tailFile(agent.StderrPath, 4096)
		outcome.Err = fmt.Errorf("agent exited %d: %s", exitCode, strings.TrimSpace(tail))
	}
	s.publishOutcome(outcome)
}

func (s *Supervisor) publishOutcome(o Outcome) {
	if s.onOutcome != nil {
		s.onOutcome(o)
	}
}

// Tick runs the monitoring loop body (spec.md §4.4): liveness poll,
// tail-growth heartbeat, idle and hard timeouts. It is meant to be invoked
// every D seconds (default 10s) by the caller's scheduling substrate.
func (s *Supervisor) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	running := make([]*Agent, 0)
	for _, a := range s.agents {
		if a.State == StateRunning {
			running = append(running, a)
		}
	}
	s.mu.Unlock()

	for _, a := range running {
		s.checkProgress(a, now)
		s.checkTimeouts(a, now)
	}
}

func (s *Supervisor) checkProgress(a *Agent, now time.Time) {
	info, err := os.Stat(a.StdoutPath)
	if err != nil {
		return
	}
	s.mu.Lock()
	if info.Size() != a.lastLogSize {
		a.lastLogSize = info.Size()
		a.lastActivity = now
	}
	s.mu.Unlock()
}

func (s *Supervisor) checkTimeouts(a *Agent, now time.Time) {
	s.mu.Lock()
	idleFor := now.Sub(a.lastActivity)
	runningFor := now.Sub(a.StartedAt)
	proc := s.procs[a.ID]
	s.mu.Unlock()
	if proc == nil {
		return
	}

	if idleFor > s.cfg.IdleTimeout {
		s.logger.Warn("supervisor: agent %s idle for %s, killing (no-progress timeout)", a.ID, idleFor)
		s.killAgent(a.ID, proc, syscallSIGTERM)
		return
	}
	if s.cfg.HardTimeout > 0 && runningFor > s.cfg.HardTimeout {
		s.logger.Warn("supervisor: agent %s exceeded hard timeout %s, killing", a.ID, s.cfg.HardTimeout)
		s.killAgent(a.ID, proc, syscallSIGTERM)
	}
}

// Stop signals every running agent with SIGTERM, waits up to GraceTimeout,
// then SIGKILLs anything still alive (spec.md §4.4 F3).
func (s *Supervisor) Stop() {
	s.mu.Lock()
	procs := make(map[string]*exec.Cmd, len(s.procs))
	for id, p := range s.procs {
		procs[id] = p
	}
	s.mu.Unlock()

	for id, p := range procs {
		s.killAgent(id, p, syscallSIGTERM)
	}

	deadline := time.Now().Add(s.cfg.GraceTimeout)
	for time.Now().Before(deadline) {
		if s.Running() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	s.mu.Lock()
	remaining := make(map[string]*exec.Cmd, len(s.procs))
	for id, p := range s.procs {
		remaining[id] = p
	}
	s.mu.Unlock()
	for id, p := range remaining {
		s.killAgent(id, p, syscallSIGKILL)
	}
}

// Agents returns a snapshot of all tracked agents, for dashboard/status use.
func (s *Supervisor) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	return out
}

func parseSummaryBlock(stdoutPath string) (Summary, bool) {
	f, err := os.Open(stdoutPath)
	if err != nil {
		return Summary{}, false
	}
	defer f.Close()

	var lastMatch string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, SummaryBlockPrefix) {
			lastMatch = strings.TrimPrefix(line, SummaryBlockPrefix)
		}
	}
	if lastMatch == "" {
		return Summary{}, false
	}

	var s Summary
	if err := json.Unmarshal([]byte(lastMatch), &s); err != nil {
		return Summary{Summary: lastMatch}, true
	}
	return s, true
}

func tailFile(path string, maxBytes int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// transcriptingLineWriter forwards written bytes into a transcript as
// best-effort line events, without interrupting the primary stdout/stderr
// log file write (see transcript.go).
type transcriptingLineWriter struct {
	t      *transcriptWriter
	stream string
}

func (w transcriptingLineWriter) Write(p []byte) (int, error) {
	w.t.WriteEvent(w.stream, map[string]any{"line": strings.TrimRight(string(p), "\n")})
	return len(p), nil
}
