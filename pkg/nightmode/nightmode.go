// Package nightmode drains an overnight backlog of speculative tasks into
// the task queue, subject to a quiet-hours-and-idle gate and the
// supervisor's concurrency ceiling. It is built in the same
// document+atomic-save shape as pkg/taskqueue and pkg/scheduler, but owns a
// separate backlog list rather than the live queue itself (spec.md §3
// "Night-mode backlog").
package nightmode

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/pkg/utils"
)

// MaxOutcomes caps the completed+failed outcome list (spec.md §4.6).
const MaxOutcomes = 200

// DefaultIdleWindow is I, the quiet-period required since the last
// interactive utterance (spec.md §4.6 default 120s).
const DefaultIdleWindow = 120 * time.Second

// Brief is one deferred, speculative unit of work awaiting drain.
type Brief struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Project   string    `json:"project,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Outcome records the result of a drained brief.
type Outcome struct {
	BriefID   string    `json:"brief_id"`
	TaskID    string    `json:"task_id"`
	Success   bool      `json:"success"`
	Detail    string    `json:"detail,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Window is a daily local-time quiet-hours window, e.g. 00:00-06:00.
type Window struct {
	StartHour, StartMin int
	EndHour, EndMin     int
}

// Contains reports whether t's local time-of-day falls in the window. A
// window that wraps past midnight (Start > End) is supported.
func (w Window) Contains(t time.Time) bool {
	start := w.StartHour*60 + w.StartMin
	end := w.EndHour*60 + w.EndMin
	cur := t.Hour()*60 + t.Minute()
	if start == end {
		return true
	}
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// document is the on-disk night_backlog.json shape.
type document struct {
	Backlog  []Brief   `json:"backlog"`
	Outcomes []Outcome `json:"outcomes"`
}

// Enqueuer is the subset of pkg/taskqueue.Queue the dispatcher needs —
// kept as an interface to avoid a night-mode → task-queue package coupling
// beyond this one call.
type Enqueuer interface {
	Enqueue(kind, brief, projectPath string) (string, error)
}

// Capacity reports current load against the supervisor's concurrency
// ceiling, read inside try_dispatch's held lock (spec.md §4.6).
type Capacity interface {
	Running() int
	InFlight() int
	Ceiling() int
}

// Dispatcher owns the night-mode backlog and gate.
type Dispatcher struct {
	mu      sync.Mutex
	backlog []Brief
	outcomes []Outcome

	path   string
	logger *logx.Logger

	operatorOn       bool
	window           Window
	idleWindow       time.Duration
	lastInteractive  time.Time

	enqueuer Enqueuer
	capacity Capacity
}

// Option configures a Dispatcher at construction time.
type Option func(*Dispatcher)

func WithWindow(w Window) Option              { return func(d *Dispatcher) { d.window = w } }
func WithIdleWindow(dur time.Duration) Option { return func(d *Dispatcher) { d.idleWindow = dur } }
func WithEnqueuer(e Enqueuer) Option          { return func(d *Dispatcher) { d.enqueuer = e } }
func WithCapacity(c Capacity) Option          { return func(d *Dispatcher) { d.capacity = c } }

// Open loads path if present, quarantining it if corrupt.
func Open(path string, logger *logx.Logger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		path:       path,
		logger:     logger,
		window:     Window{StartHour: 0, EndHour: 6},
		idleWindow: DefaultIdleWindow,
	}
	for _, o := range opts {
		o(d)
	}

	var doc document
	err := utils.LoadJSON(path, &doc)
	switch {
	case err == nil:
		d.backlog = doc.Backlog
		d.outcomes = doc.Outcomes
	case os.IsNotExist(err):
		// Fresh backlog.
	default:
		quarantined, qErr := utils.QuarantineCorrupt(path)
		if qErr != nil {
			return nil, fmt.Errorf("load night backlog %s: %w (quarantine also failed: %v)", path, err, qErr)
		}
		d.logger.Warn("night_backlog.json unreadable (%v); quarantined to %s, starting fresh", err, quarantined)
	}
	return d, nil
}

// SetOperatorToggle flips the operator's on/off switch for night mode.
func (d *Dispatcher) SetOperatorToggle(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.operatorOn = on
}

// NoteInteractive records that an interactive utterance just arrived,
// closing the gate for at least idleWindow (spec.md §4.6 Abort: "no
// in-flight child is killed, but no new ones are spawned until quiet
// again").
func (d *Dispatcher) NoteInteractive(at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastInteractive = at
}

// Defer appends a speculative brief to the backlog.
func (d *Dispatcher) Defer(id, text, project string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backlog = append(d.backlog, Brief{ID: id, Text: text, Project: project, CreatedAt: time.Now()})
}

// GateOpen reports whether all three gate conditions hold (spec.md §4.6).
func (d *Dispatcher) GateOpen(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gateOpenLocked(now)
}

func (d *Dispatcher) gateOpenLocked(now time.Time) bool {
	if !d.operatorOn {
		return false
	}
	if !d.window.Contains(now) {
		return false
	}
	if !d.lastInteractive.IsZero() && now.Sub(d.lastInteractive) < d.idleWindow {
		return false
	}
	return true
}

// TryDispatch attempts to move backlog entries into the task queue,
// respecting the supervisor's concurrency ceiling. The entire
// read-capacity-and-decide-to-spawn step runs inside the held lock (spec.md
// §4.6 "with a held lock") — it must never await an LM call, only the
// (fast, local) enqueue operation.
func (d *Dispatcher) TryDispatch(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.gateOpenLocked(time.Now()) {
		return 0, nil
	}
	if d.enqueuer == nil || d.capacity == nil {
		return 0, nil
	}

	dispatched := 0
	for len(d.backlog) > 0 {
		available := d.capacity.Ceiling() - (d.capacity.Running() + d.capacity.InFlight() + dispatched)
		if available <= 0 {
			break
		}
		brief := d.backlog[0]
		taskID, err := d.enqueuer.Enqueue("agent_spawn", brief.Text, brief.Project)
		if err != nil {
			d.recordOutcomeLocked(Outcome{BriefID: brief.ID, Success: false, Detail: err.Error(), FinishedAt: time.Now()})
			d.backlog = d.backlog[1:]
			continue
		}
		d.backlog = d.backlog[1:]
		d.recordOutcomeLocked(Outcome{BriefID: brief.ID, TaskID: taskID, Success: true, FinishedAt: time.Now()})
		dispatched++
	}
	return dispatched, nil
}

// RecordOutcome records the eventual completed/failed result of a
// previously dispatched brief's task (called once the supervisor/queue
// resolves it), capped at MaxOutcomes.
func (d *Dispatcher) RecordOutcome(o Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recordOutcomeLocked(o)
}

func (d *Dispatcher) recordOutcomeLocked(o Outcome) {
	d.outcomes = append(d.outcomes, o)
	if over := len(d.outcomes) - MaxOutcomes; over > 0 {
		d.outcomes = d.outcomes[over:]
	}
}

// Backlog returns a snapshot of the pending backlog.
func (d *Dispatcher) Backlog() []Brief {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Brief, len(d.backlog))
	copy(out, d.backlog)
	return out
}

// Outcomes returns a snapshot of the capped outcome list.
func (d *Dispatcher) Outcomes() []Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Outcome, len(d.outcomes))
	copy(out, d.outcomes)
	return out
}

// Persist writes the backlog+outcomes document.
func (d *Dispatcher) Persist() error {
	d.mu.Lock()
	doc := document{Backlog: append([]Brief(nil), d.backlog...), Outcomes: append([]Outcome(nil), d.outcomes...)}
	d.mu.Unlock()
	return utils.SaveJSON(d.path, doc)
}

// Close persists a final snapshot.
func (d *Dispatcher) Close() error {
	return d.Persist()
}
