package taskqueue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leon-ai/leon/internal/logx"
)

func newTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	q, err := Open(path, logx.NewLogger("test"), WithMaxAttempts(2), WithDebounce(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q, path
}

func TestEnqueueClaimComplete(t *testing.T) {
	q, _ := newTestQueue(t)

	id := q.Enqueue(KindAgentSpawn, "build a thing", "proj")
	if len(q.ListQueued()) != 1 {
		t.Fatalf("expected 1 queued task")
	}

	claimed, ok := q.Claim()
	if !ok || claimed.ID != id {
		t.Fatalf("expected to claim %s, got %+v ok=%v", id, claimed, ok)
	}
	if len(q.ListQueued()) != 0 || len(q.ListInFlight()) != 1 {
		t.Fatalf("expected task moved to in_flight")
	}

	if err := q.CompleteTask(id, "done"); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if len(q.ListInFlight()) != 0 {
		t.Fatalf("expected in_flight cleared")
	}
	recent := q.ListRecent()
	if len(recent) != 1 || recent[0].Status != StatusCompleted {
		t.Fatalf("expected one completed task, got %+v", recent)
	}
}

func TestFailTaskRetriesThenFails(t *testing.T) {
	q, _ := newTestQueue(t)
	id := q.Enqueue(KindAgentSpawn, "brief", "")

	claimed, _ := q.Claim()
	if err := q.FailTask(claimed.ID, errors.New("boom")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	queued := q.ListQueued()
	if len(queued) != 1 || queued[0].ID != id || queued[0].Attempts != 1 {
		t.Fatalf("expected requeue with same id and incremented attempts, got %+v", queued)
	}

	claimed2, _ := q.Claim()
	if err := q.FailTask(claimed2.ID, errors.New("boom again")); err != nil {
		t.Fatalf("FailTask: %v", err)
	}
	if len(q.ListQueued()) != 0 {
		t.Fatalf("expected no requeue once attempts exhausted")
	}
	recent := q.ListRecent()
	if len(recent) != 1 || recent[0].Status != StatusFailed || recent[0].ID != id {
		t.Fatalf("expected task to land in failed with original id, got %+v", recent)
	}
}

func TestCompletedCapEnforcedAtMutationTime(t *testing.T) {
	q, _ := newTestQueue(t)

	for i := 0; i < MaxRetained+10; i++ {
		id := q.Enqueue(KindBuiltin, "x", "")
		claimed, _ := q.Claim()
		if err := q.CompleteTask(claimed.ID, ""); err != nil {
			t.Fatalf("CompleteTask: %v", err)
		}
		_ = id
	}

	recent := q.ListRecent()
	if len(recent) != MaxRetained {
		t.Fatalf("expected retention cap of %d, got %d", MaxRetained, len(recent))
	}
}

func TestFlushAndReloadRoundTrip(t *testing.T) {
	q, path := newTestQueue(t)
	id := q.Enqueue(KindAgentSpawn, "brief", "proj")
	if err := q.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected tasks.json to exist: %v", err)
	}

	q2, err := Open(path, logx.NewLogger("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	queued := q2.ListQueued()
	if len(queued) != 1 || queued[0].ID != id {
		t.Fatalf("expected round-tripped task, got %+v", queued)
	}
}

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	q, err := Open(path, logx.NewLogger("test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(q.ListQueued()) != 0 || len(q.ListInFlight()) != 0 || len(q.ListRecent()) != 0 {
		t.Fatalf("expected empty queue for missing file")
	}
}

func TestOpenCorruptFileIsQuarantined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	q, err := Open(path, logx.NewLogger("test"))
	if err != nil {
		t.Fatalf("Open should recover from corruption: %v", err)
	}
	if len(q.ListQueued()) != 0 {
		t.Fatalf("expected fresh empty queue after quarantine")
	}
	notes := q.QuarantineNotes()
	if len(notes) != 1 {
		t.Fatalf("expected one quarantine note, got %v", notes)
	}

	matches, _ := filepath.Glob(path + ".corrupt.*")
	if len(matches) != 1 {
		t.Fatalf("expected quarantined file on disk, got %v", matches)
	}
}
