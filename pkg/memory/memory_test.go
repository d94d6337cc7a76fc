package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leon-ai/leon/internal/logx"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.json")
	s, err := Open(path, logx.NewLogger("test"), WithConversationCap(3), WithFlushDebounce(0))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestConversationCapEvictsOldest(t *testing.T) {
	s, _ := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.AddConversation(RoleUser, string(rune('a'+i)))
	}
	conv := s.RecentConversation(0)
	if len(conv) != 3 {
		t.Fatalf("expected cap of 3, got %d", len(conv))
	}
	if conv[0].Text != "c" || conv[2].Text != "e" {
		t.Fatalf("expected oldest evicted first, got %+v", conv)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	s.AddConversation(RoleUser, "hello")
	s.AddConversation(RoleAssistant, "hi there")
	s.MergeFacts(map[string]map[string]string{"preferences": {"timezone": "UTC"}})
	s.RecordCompletedTask("t1", "did the thing")

	if err := s.Save(true); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected memory.json written: %v", err)
	}

	s2, err := Open(path, logx.NewLogger("test"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	conv, profile, _ := s2.Snapshot()
	if len(conv) != 2 {
		t.Fatalf("expected 2 conversation entries restored, got %d", len(conv))
	}
	if profile["preferences"]["timezone"] != "UTC" {
		t.Fatalf("expected profile restored, got %+v", profile)
	}
}

func TestFlushIfDirtyRespectsDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	s, err := Open(path, logx.NewLogger("test"), WithFlushDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.AddConversation(RoleUser, "hi")

	if err := s.FlushIfDirty(); err != nil {
		t.Fatalf("FlushIfDirty: %v", err)
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected no flush before debounce elapses")
	}

	time.Sleep(60 * time.Millisecond)
	if err := s.FlushIfDirty(); err != nil {
		t.Fatalf("FlushIfDirty: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected flush after debounce elapsed: %v", err)
	}
}

func TestExtractFactsDropsErrorsSilently(t *testing.T) {
	s, _ := newTestStore(t)
	s.extractor = func(ctx context.Context, userText, assistantText string) (map[string]map[string]string, error) {
		return nil, errors.New("llm unavailable")
	}
	s.ExtractFacts(context.Background(), "what's my name", "I don't know")
	_, profile, _ := s.Snapshot()
	if len(profile) != 0 {
		t.Fatalf("expected no profile mutation on extractor error, got %+v", profile)
	}
}

func TestGetRelevantContextFiltersByQuery(t *testing.T) {
	s, _ := newTestStore(t)
	s.MergeFacts(map[string]map[string]string{
		"preferences": {"timezone": "UTC"},
		"projects":    {"leon": "active"},
	})

	ctx := s.GetRelevantContext("timezone")
	if _, ok := ctx["preferences"]; !ok {
		t.Fatalf("expected preferences category matched by key, got %+v", ctx)
	}
	if _, ok := ctx["projects"]; ok {
		t.Fatalf("expected projects category excluded, got %+v", ctx)
	}
}
