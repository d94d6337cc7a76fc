package router

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	llm "github.com/leon-ai/leon/pkg/llmchain"
	"github.com/leon-ai/leon/pkg/memory"
	execpkg "github.com/leon-ai/leon/pkg/exec"
	"github.com/leon-ai/leon/pkg/skills"
	"github.com/leon-ai/leon/pkg/taskqueue"
)

type fakeProvider struct {
	respond func(req llm.CompletionRequest) (llm.CompletionResponse, error)
}

func (f *fakeProvider) Name() string                   { return "fake" }
func (f *fakeProvider) Supported(llm.RequestKind) bool  { return true }
func (f *fakeProvider) ContextLimitTokens() int         { return 100000 }
func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	return f.respond(req)
}

type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) Enqueue(kind taskqueue.Kind, brief, projectPath string) string {
	q.enqueued = append(q.enqueued, brief)
	return "task-123"
}

func newTestRouter(t *testing.T, respond func(req llm.CompletionRequest) (llm.CompletionResponse, error)) (*Router, *fakeQueue) {
	t.Helper()
	mem, err := memory.Open(filepath.Join(t.TempDir(), "memory.json"), logx.NewLogger("test"))
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	skillsReg := skills.NewRegistry(skills.DefaultDenyList...)
	skills.RegisterSystemSkills(skillsReg, &execpkg.LocalExec{})

	chain := llm.NewProviderChain(logx.NewLogger("test"), 5*time.Second, &fakeProvider{respond: respond})
	q := &fakeQueue{}
	r := New(mem, q, skillsReg, chain, logx.NewLogger("test"), nil)
	return r, q
}

func TestLiteralCommandBypassesLM(t *testing.T) {
	r, _ := newTestRouter(t, func(req llm.CompletionRequest) (llm.CompletionResponse, error) {
		t.Fatalf("LM should not be called for a literal command")
		return llm.CompletionResponse{}, nil
	})
	emission := r.Route(context.Background(), Utterance{Source: SourceCLI, Text: "status"})
	if emission.Kind != EmissionReply || emission.Path != "literal_command" {
		t.Fatalf("expected literal_command reply, got %+v", emission)
	}
}

func TestSchedulerBuiltinNeverTouchesConversationLog(t *testing.T) {
	r, _ := newTestRouter(t, func(req llm.CompletionRequest) (llm.CompletionResponse, error) {
		t.Fatalf("LM should not be called for a scheduler builtin")
		return llm.CompletionResponse{}, nil
	})
	r.RegisterSchedulerBuiltin("heartbeat", func(ctx context.Context, u Utterance) (Emission, error) {
		return Emission{Kind: EmissionReply, Text: "ok"}, nil
	})

	emission := r.Route(context.Background(), Utterance{Source: SourceScheduler, Text: "__builtin__:heartbeat"})
	if emission.Kind != EmissionReply || emission.Path != "scheduler_builtin" {
		t.Fatalf("expected scheduler_builtin emission, got %+v", emission)
	}
	conv, _, _ := r.mem.Snapshot()
	if len(conv) != 0 {
		t.Fatalf("expected scheduler builtin to never touch the conversation log, got %+v", conv)
	}
}

func TestKeywordPrerouterDispatchesToSkillWithoutLM(t *testing.T) {
	r, _ := newTestRouter(t, func(req llm.CompletionRequest) (llm.CompletionResponse, error) {
		t.Fatalf("LM should not be called for a keyword pre-router match")
		return llm.CompletionResponse{}, nil
	})
	emission := r.Route(context.Background(), Utterance{Source: SourceCLI, Text: "open browser"})
	if emission.Kind != EmissionSkill || emission.Path != "keyword_prerouter:open_app" {
		t.Fatalf("expected keyword_prerouter emission for open_app, got %+v", emission)
	}
}

func TestOpenUnknownAppFallsThroughToStep5(t *testing.T) {
	calls := 0
	r, q := newTestRouter(t, func(req llm.CompletionRequest) (llm.CompletionResponse, error) {
		calls++
		return llm.CompletionResponse{Content: `{"route":"reply"}`}, nil
	})
	emission := r.Route(context.Background(), Utterance{Source: SourceCLI, Text: "open not-an-allowlisted-app-at-all"})
	// The app is not on the allow-list, so step 3 does not dispatch and step
	// 4 is skipped: step 5 makes one routing call and, on a "reply" verdict,
	// one reply call.
	if emission.Kind != EmissionReply {
		t.Fatalf("expected a step-5 reply for an unknown app, got %+v", emission)
	}
	if len(q.enqueued) != 0 || calls != 2 {
		t.Fatalf("expected exactly the two step-5 LM calls and no enqueue, got %d calls and %d enqueued", calls, len(q.enqueued))
	}
}

func TestRoutingFailureDowngradesToReplyConservatively(t *testing.T) {
	calls := 0
	r, q := newTestRouter(t, func(req llm.CompletionRequest) (llm.CompletionResponse, error) {
		calls++
		if calls == 1 {
			return llm.CompletionResponse{}, fmt.Errorf("provider unavailable")
		}
		return llm.CompletionResponse{Content: "a conservative reply"}, nil
	})
	emission := r.Route(context.Background(), Utterance{Source: SourceCLI, Text: "tell me something interesting"})
	if emission.Kind != EmissionReply || emission.Text != "a conservative reply" {
		t.Fatalf("expected downgraded reply, got %+v", emission)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("expected no task enqueued on a routing failure")
	}
}

func TestSpawnVerdictEnqueuesTask(t *testing.T) {
	r, q := newTestRouter(t, func(req llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: `{"route":"spawn","brief":"fix the bug","project":"/tmp/proj"}`}, nil
	})
	emission := r.Route(context.Background(), Utterance{Source: SourceCLI, Text: "please fix the failing test"})
	if emission.Kind != EmissionTask || emission.TaskID != "task-123" {
		t.Fatalf("expected task emission, got %+v", emission)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "fix the bug" {
		t.Fatalf("expected brief enqueued, got %+v", q.enqueued)
	}
}
