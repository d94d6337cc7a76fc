// Package taskqueue is Leon's durable FIFO of deferred work: one of the two
// independent persistence leaves the rest of the system builds on (the other
// is pkg/memory). It is grounded on internal/config's atomic
// temp+fsync+rename save pattern, generalized from a single TOML settings
// blob to a JSON document with four task lists.
package taskqueue

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/internal/metrics"
	"github.com/leon-ai/leon/pkg/utils"
)

// SchemaVersion is bumped whenever the on-disk shape of the queue document
// changes; Load migrates older versions forward.
const SchemaVersion = 1

// MaxRetained is the cap on the completed and failed lists, independently
// enforced (spec.md §3 Task invariant I3, §8 P2).
const MaxRetained = 200

// Status is a Task's position in its lifecycle.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusInFlight  Status = "in_flight"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Kind is the payload interpretation for a Task.
type Kind string

const (
	KindAgentSpawn   Kind = "agent_spawn"
	KindBuiltin      Kind = "builtin"
	KindUserFollowup Kind = "user_followup"
)

// Task is a unit of deferred work (spec.md §3).
type Task struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	Brief           string    `json:"brief"`
	ProjectPath     string    `json:"project_path,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Attempts        int       `json:"attempts"`
	Status          Status    `json:"status"`
	LastError       string    `json:"last_error,omitempty"`
	AssignedAgentID string    `json:"assigned_agent_id,omitempty"`
	Summary         string    `json:"summary,omitempty"`
}

// document is the on-disk shape of tasks.json (spec.md §6).
type document struct {
	SchemaVersion int    `json:"schema_version"`
	Queued        []Task `json:"queued"`
	InFlight      []Task `json:"in_flight"`
	Completed     []Task `json:"completed"`
	Failed        []Task `json:"failed"`
}

// Queue is the process-wide task queue. All exported methods are safe for
// concurrent use, though in practice every call arrives from the main loop
// goroutine (spec.md §5).
type Queue struct {
	mu  sync.Mutex
	doc document

	path            string
	maxAttempts     int
	debounce        time.Duration
	logger          *logx.Logger
	metrics         metrics.Recorder
	dirty           bool
	flushTimer      *time.Timer
	quarantineNotes []string // migration/quarantine notes surfaced at startup
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithMaxAttempts overrides the retry budget for agent_spawn tasks (spec.md
// §9 Open Question, resolved to default 2 in SPEC_FULL.md).
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

// WithDebounce overrides the persistence debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(q *Queue) { q.debounce = d }
}

// WithMetrics attaches a metrics recorder; defaults to a no-op recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(q *Queue) { q.metrics = r }
}

// Open loads path if it exists, quarantining it if corrupt, and returns a
// ready Queue. A missing file starts empty.
func Open(path string, logger *logx.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{
		path:        path,
		maxAttempts: 2,
		debounce:    2 * time.Second,
		logger:      logger,
		metrics:     metrics.Nop(),
		doc:         document{SchemaVersion: SchemaVersion},
	}
	for _, o := range opts {
		o(q)
	}

	var doc document
	err := utils.LoadJSON(path, &doc)
	switch {
	case err == nil:
		q.doc = migrate(doc, q)
	case os.IsNotExist(err):
		// Fresh queue; nothing to load.
	default:
		quarantined, qErr := utils.QuarantineCorrupt(path)
		if qErr != nil {
			return nil, fmt.Errorf("load tasks queue %s: %w (quarantine also failed: %v)", path, err, qErr)
		}
		q.logger.Warn("tasks.json unreadable (%v); quarantined to %s, starting fresh", err, quarantined)
		q.quarantineNotes = append(q.quarantineNotes, fmt.Sprintf("quarantined corrupt tasks file to %s", quarantined))
		q.doc = document{SchemaVersion: SchemaVersion}
	}

	q.enforceRetention()
	return q, nil
}

// QuarantineNotes reports any startup quarantine/migration events so the
// router can post a source=self announcement (spec.md §7 data-corruption
// handling, scenario 5).
func (q *Queue) QuarantineNotes() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.quarantineNotes...)
}

// migrate demotes entries with an unrecognized status to failed, per spec.md
// §4.3 persistence-format contract, and bumps the schema version forward.
func migrate(doc document, q *Queue) document {
	if doc.SchemaVersion == SchemaVersion {
		return doc
	}
	for i := range doc.Queued {
		if !validStatus(doc.Queued[i].Status) {
			doc.Queued[i].Status = StatusFailed
			doc.Failed = append(doc.Failed, doc.Queued[i])
			doc.Queued[i] = Task{}
		}
	}
	q.quarantineNotes = append(q.quarantineNotes, fmt.Sprintf("migrated tasks.json from schema %d to %d", doc.SchemaVersion, SchemaVersion))
	doc.SchemaVersion = SchemaVersion
	return doc
}

func validStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusInFlight, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Enqueue appends a new task to the queued list and schedules a debounced
// persist. It returns the new task's id before the write necessarily
// reaches disk.
func (q *Queue) Enqueue(kind Kind, brief, projectPath string) string {
	return q.enqueueWithID(uuid.NewString(), kind, brief, projectPath, 0)
}

// enqueueWithID lets FailTask re-enqueue a task under its original id
// (spec.md §9 Open Question, resolved: re-queued tasks keep the same id so
// Invariant I1 stays meaningful).
func (q *Queue) enqueueWithID(id string, kind Kind, brief, projectPath string, attempts int) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.doc.Queued = append(q.doc.Queued, Task{
		ID:          id,
		Kind:        kind,
		Brief:       brief,
		ProjectPath: projectPath,
		CreatedAt:   time.Now(),
		Attempts:    attempts,
		Status:      StatusQueued,
	})
	q.scheduleFlush()
	q.publishDepth()
	return id
}

// Claim pops the head of the queued list, marks it in_flight, and schedules
// a persist. It returns (Task{}, false) if the queue is empty.
func (q *Queue) Claim() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.doc.Queued) == 0 {
		return Task{}, false
	}

	t := q.doc.Queued[0]
	q.doc.Queued = q.doc.Queued[1:]
	t.Status = StatusInFlight
	q.doc.InFlight = append(q.doc.InFlight, t)
	q.scheduleFlush()
	q.publishDepth()
	return t, true
}

// CompleteTask moves a task from in_flight to completed, carrying the
// outcome summary, and enforces the 200-entry retention cap immediately.
func (q *Queue) CompleteTask(id, summary string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.removeInFlight(id)
	if !ok {
		return fmt.Errorf("complete_task: no in-flight task %s", id)
	}
	t.Status = StatusCompleted
	t.Summary = summary
	q.doc.Completed = append(q.doc.Completed, t)
	q.trimToCap(&q.doc.Completed)
	q.scheduleFlush()
	q.publishDepth()
	return nil
}

// FailTask records a failure. If attempts remain under the configured
// budget, the task returns to queued at the tail with attempts incremented
// and keeps its original id; otherwise it moves to failed (capped at 200).
func (q *Queue) FailTask(id string, taskErr error) error {
	q.mu.Lock()
	t, ok := q.removeInFlight(id)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("fail_task: no in-flight task %s", id)
	}

	errMsg := ""
	if taskErr != nil {
		errMsg = taskErr.Error()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if t.Attempts+1 < q.maxAttempts {
		t.Attempts++
		t.Status = StatusQueued
		t.LastError = errMsg
		t.AssignedAgentID = ""
		q.doc.Queued = append(q.doc.Queued, t)
	} else {
		t.Attempts++
		t.Status = StatusFailed
		t.LastError = errMsg
		q.doc.Failed = append(q.doc.Failed, t)
		q.trimToCap(&q.doc.Failed)
	}
	q.scheduleFlush()
	q.publishDepth()
	return nil
}

func (q *Queue) removeInFlight(id string) (Task, bool) {
	for i, t := range q.doc.InFlight {
		if t.ID == id {
			q.doc.InFlight = append(q.doc.InFlight[:i], q.doc.InFlight[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

// trimToCap evicts the head (oldest) entries until len(*list) <= MaxRetained
// (spec.md §8 boundary behaviour: "oldest entry of the target list evicted
// first").
func (q *Queue) trimToCap(list *[]Task) {
	if len(*list) > MaxRetained {
		*list = (*list)[len(*list)-MaxRetained:]
	}
}

func (q *Queue) enforceRetention() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trimToCap(&q.doc.Completed)
	q.trimToCap(&q.doc.Failed)
}

// ListQueued returns a read-only snapshot of the queued list.
func (q *Queue) ListQueued() []Task { return q.snapshot(func(d document) []Task { return d.Queued }) }

// ListInFlight returns a read-only snapshot of the in_flight list.
func (q *Queue) ListInFlight() []Task {
	return q.snapshot(func(d document) []Task { return d.InFlight })
}

// ListRecent returns completed and failed tasks together, most-recent-last.
func (q *Queue) ListRecent() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.doc.Completed)+len(q.doc.Failed))
	out = append(out, q.doc.Completed...)
	out = append(out, q.doc.Failed...)
	return out
}

func (q *Queue) snapshot(pick func(document) []Task) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	src := pick(q.doc)
	out := make([]Task, len(src))
	copy(out, src)
	return out
}

func (q *Queue) publishDepth() {
	q.metrics.SetQueueDepth(string(StatusQueued), len(q.doc.Queued))
	q.metrics.SetQueueDepth(string(StatusInFlight), len(q.doc.InFlight))
	q.metrics.SetQueueDepth(string(StatusCompleted), len(q.doc.Completed))
	q.metrics.SetQueueDepth(string(StatusFailed), len(q.doc.Failed))
}

// scheduleFlush marks the queue dirty and arms a debounce timer if one is
// not already pending. Must be called with q.mu held.
func (q *Queue) scheduleFlush() {
	q.dirty = true
	if q.flushTimer != nil {
		return
	}
	q.flushTimer = time.AfterFunc(q.debounce, func() {
		if err := q.Flush(); err != nil {
			q.logger.Error("taskqueue: debounced flush failed: %v", err)
		}
	})
}

// Flush clears any pending debounce timer and persists the current state
// if it is dirty; a clean queue is not written.
func (q *Queue) Flush() error {
	q.mu.Lock()
	if q.flushTimer != nil {
		q.flushTimer.Stop()
		q.flushTimer = nil
	}
	if !q.dirty {
		q.mu.Unlock()
		return nil
	}
	doc := q.doc
	q.mu.Unlock()

	if err := utils.SaveJSON(q.path, doc); err != nil {
		return fmt.Errorf("persist tasks queue: %w", err)
	}

	q.mu.Lock()
	q.dirty = false
	q.mu.Unlock()
	return nil
}

// Close forces a final synchronous flush; per spec.md §4.3, "snapshot-on-
// mutation may be debounced but must run to completion before stop()
// returns."
func (q *Queue) Close() error {
	return q.Flush()
}
