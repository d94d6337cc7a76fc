// Package scheduler fires named jobs at a cadence — interval or one-shot —
// tracking consecutive failures and escalating to an alert utterance after
// a threshold. It persists job state the same way pkg/taskqueue persists
// tasks: a single JSON document written via pkg/utils' atomic save.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/leon-ai/leon/internal/config"
	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/pkg/utils"
)

// AlertThreshold is K, the consecutive-failure count that triggers an alert
// utterance (spec.md §4.5, default 3).
const AlertThreshold = 3

// BuiltinPrefix marks a job (or utterance) as a reserved built-in dispatched
// directly, bypassing full LM-backed routing (spec.md §4.2 step 2, §4.5).
const BuiltinPrefix = "__builtin__:"

// Handler runs a job's command and reports success/failure. Builtin jobs and
// user jobs both implement this signature; the scheduler itself is
// handler-agnostic about what "command" means.
type Handler func(ctx context.Context, job Job) error

// AlertFunc posts a source=scheduler alert utterance into the router after
// AlertThreshold consecutive failures.
type AlertFunc func(ctx context.Context, jobName, lastError string)

// Job is a scheduled unit of work (spec.md §3 Scheduled job).
type Job struct {
	Name                string    `json:"name"`
	Cadence             string    `json:"cadence"`
	Command             string    `json:"command"`
	OneShot             bool      `json:"one_shot"`
	NextRunAt           time.Time `json:"next_run_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastResult          string    `json:"last_result"`
	Alerting            bool      `json:"alerting"`
}

// IsBuiltin reports whether this job's command is the reserved sentinel
// dispatched directly rather than through full routing.
func (j Job) IsBuiltin() bool {
	return len(j.Command) >= len(BuiltinPrefix) && j.Command[:len(BuiltinPrefix)] == BuiltinPrefix
}

type document struct {
	Jobs []Job `json:"jobs"`
}

// Scheduler owns the registered job table. It runs no loop of its own: the
// caller drives Tick, which cmd/leon does once a second, so 1Hz is the
// minimum granularity.
type Scheduler struct {
	mu   sync.Mutex
	jobs map[string]*Job

	path            string
	logger          *logx.Logger
	builtinHandler  Handler
	routedHandler   Handler
	alert           AlertFunc
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithBuiltinHandler(h Handler) Option { return func(s *Scheduler) { s.builtinHandler = h } }
func WithRoutedHandler(h Handler) Option  { return func(s *Scheduler) { s.routedHandler = h } }
func WithAlertFunc(f AlertFunc) Option    { return func(s *Scheduler) { s.alert = f } }

// Open loads path if present (a missing or corrupt file starts empty —
// registrations from config re-populate next_run_at) and returns a ready
// Scheduler.
func Open(path string, logger *logx.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		path:   path,
		logger: logger,
		jobs:   make(map[string]*Job),
	}
	for _, o := range opts {
		o(s)
	}

	var doc document
	err := utils.LoadJSON(path, &doc)
	switch {
	case err == nil:
		for i := range doc.Jobs {
			j := doc.Jobs[i]
			s.jobs[j.Name] = &j
		}
	case os.IsNotExist(err):
		// Fresh scheduler state.
	default:
		quarantined, qErr := utils.QuarantineCorrupt(path)
		if qErr != nil {
			return nil, fmt.Errorf("load scheduler state %s: %w (quarantine also failed: %v)", path, err, qErr)
		}
		s.logger.Warn("scheduler.json unreadable (%v); quarantined to %s, starting fresh", err, quarantined)
	}
	return s, nil
}

// Register installs a job definition, computing its initial next_run_at.
// Re-registering a known job (same name) preserves its persisted
// next_run_at/failure counters rather than resetting them, so a restart
// doesn't forget an in-progress failure streak.
func (s *Scheduler) Register(def config.JobDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[def.Name]; ok {
		existing.Cadence = def.Cadence
		existing.Command = def.Command
		existing.OneShot = def.OneShot
		return nil
	}

	next, err := s.computeInitialNextRun(def.Cadence, def.OneShot)
	if err != nil {
		return fmt.Errorf("register job %s: %w", def.Name, err)
	}
	s.jobs[def.Name] = &Job{
		Name:      def.Name,
		Cadence:   def.Cadence,
		Command:   def.Command,
		OneShot:   def.OneShot,
		NextRunAt: next,
	}
	return nil
}

func (s *Scheduler) computeInitialNextRun(cadence string, oneShot bool) (time.Time, error) {
	if oneShot {
		t, err := time.Parse(time.RFC3339, cadence)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse one-shot cadence %q: %w", cadence, err)
		}
		return t, nil
	}
	d, err := time.ParseDuration(cadence)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse interval cadence %q: %w", cadence, err)
	}
	return time.Now().Add(d), nil
}

// Tick walks jobs whose next_run_at has elapsed and runs each exactly once,
// synchronously, advancing next_run_at atomically with the handler call
// (never before — would lose the run on crash; never based on completion
// time — would drift under slow handlers).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	due := s.dueJobs(now)
	for _, j := range due {
		s.runOne(ctx, j, now)
	}
	if len(due) > 0 {
		if err := s.persist(); err != nil {
			s.logger.Error("scheduler: persist after tick failed: %v", err)
		}
	}
}

func (s *Scheduler) dueJobs(now time.Time) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*Job, 0)
	for _, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			due = append(due, j)
		}
	}
	return due
}

func (s *Scheduler) runOne(ctx context.Context, j *Job, now time.Time) {
	handler := s.routedHandler
	if j.IsBuiltin() {
		handler = s.builtinHandler
	}

	origNext := j.NextRunAt
	var err error
	if handler != nil {
		err = handler(ctx, *j)
	} else {
		err = fmt.Errorf("no handler registered for job %s", j.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		j.ConsecutiveFailures++
		j.LastResult = "error: " + err.Error()
		if j.ConsecutiveFailures >= AlertThreshold && !j.Alerting {
			j.Alerting = true
			if s.alert != nil {
				s.alert(ctx, j.Name, j.LastResult)
			}
		}
	} else {
		j.ConsecutiveFailures = 0
		j.Alerting = false
		j.LastResult = "ok"
	}

	if j.OneShot {
		// One-shot jobs do not re-arm; parking next_run_at far in the future
		// keeps Tick from re-selecting it without needing a separate removal
		// path mid-iteration.
		j.NextRunAt = now.Add(365 * 24 * time.Hour)
		return
	}

	d, parseErr := time.ParseDuration(j.Cadence)
	if parseErr != nil {
		j.NextRunAt = now.Add(time.Minute)
		return
	}
	// Boundary behaviour (spec.md §8): a handler that runs longer than the
	// cadence must not cause a backlog explosion of due-immediately ticks.
	next := origNext.Add(d)
	if next.Before(now) {
		next = now
	}
	j.NextRunAt = next
}

// List returns a snapshot of all registered jobs.
func (s *Scheduler) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	return out
}

func (s *Scheduler) persist() error {
	s.mu.Lock()
	doc := document{Jobs: make([]Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		doc.Jobs = append(doc.Jobs, *j)
	}
	s.mu.Unlock()
	return utils.SaveJSON(s.path, doc)
}

// Close forces a final persist, mirroring pkg/taskqueue.Queue.Close.
func (s *Scheduler) Close() error {
	return s.persist()
}

// BuiltinJobNames enumerates the reserved built-in jobs spec.md §4.5 names:
// heartbeat, health probe, memory-flush.
var BuiltinJobNames = []string{"heartbeat", "health_probe", "memory_flush"}

// MakeBuiltinCommand builds a scheduler command string for a built-in job
// name, e.g. "__builtin__:heartbeat".
func MakeBuiltinCommand(name string) string {
	return BuiltinPrefix + name
}
