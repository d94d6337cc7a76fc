// Package router is the central hub of Leon (spec.md §4.2): it classifies
// every inbound utterance through five ordered steps — cheapest and most
// certain first — and terminates in exactly one emission.
package router

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/internal/metrics"
	"github.com/leon-ai/leon/pkg/contextmgr"
	llm "github.com/leon-ai/leon/pkg/llmchain"
	"github.com/leon-ai/leon/pkg/llmchain/jsonextract"
	"github.com/leon-ai/leon/pkg/memory"
	"github.com/leon-ai/leon/pkg/scheduler"
	"github.com/leon-ai/leon/pkg/skills"
	"github.com/leon-ai/leon/pkg/taskqueue"
)

// Source is where an utterance originated (spec.md §3 Utterance).
type Source string

const (
	SourceCLI       Source = "cli"
	SourceVoice     Source = "voice"
	SourceDashboard Source = "dashboard"
	SourceWhatsApp  Source = "whatsapp"
	SourceScheduler Source = "scheduler"
	SourceSelf      Source = "self"
)

// Utterance is an inbound message (spec.md §3).
type Utterance struct {
	ID        int64
	Timestamp time.Time
	Source    Source
	Text      string
	SenderID  string
}

// EmissionKind identifies which of the four output-contract branches fired
// (spec.md §4.2 "Output contract... exactly one emission per utterance").
type EmissionKind string

const (
	EmissionReply EmissionKind = "reply"
	EmissionTask  EmissionKind = "task"
	EmissionSkill EmissionKind = "skill"
	EmissionError EmissionKind = "error"
)

// Emission is the single terminal result of routing one utterance.
type Emission struct {
	Kind   EmissionKind
	Text   string
	TaskID string
	Path   string // which classification step produced this, for metrics/logging
}

// Queue is the subset of pkg/taskqueue.Queue the router needs.
type Queue interface {
	Enqueue(kind taskqueue.Kind, brief, projectPath string) string
}

// Router is the classification pipeline's owner.
type Router struct {
	mem    *memory.Store
	queue  Queue
	skills *skills.Registry
	chain  *llm.ProviderChain
	logger *logx.Logger
	metrics metrics.Recorder

	literalCommands map[string]func(ctx context.Context, u Utterance) (Emission, error)
	schedulerBuiltins map[string]func(ctx context.Context, u Utterance) (Emission, error)
	keywordRoutes     []keywordRoute

	ctxMgr *contextmgr.ContextManager
}

type keywordRoute struct {
	pattern *regexp.Regexp
	skill   string
	argsFn  func(match []string) map[string]string
}

// New builds a Router with the standard literal-command set and default
// keyword pre-router patterns installed; callers add scheduler builtins
// and rely on the skill registry's own deny-list for step 4.
func New(mem *memory.Store, queue Queue, skillsReg *skills.Registry, chain *llm.ProviderChain, logger *logx.Logger, rec metrics.Recorder) *Router {
	if rec == nil {
		rec = metrics.Nop()
	}
	cm := contextmgr.NewContextManager()
	cm.ResetSystemPrompt("You are Leon, a personal AI orchestrator. Be concise and direct.")

	r := &Router{
		mem:               mem,
		queue:             queue,
		skills:            skillsReg,
		chain:             chain,
		logger:            logger,
		metrics:           rec,
		schedulerBuiltins: make(map[string]func(ctx context.Context, u Utterance) (Emission, error)),
		ctxMgr:            cm,
	}
	r.literalCommands = r.defaultLiteralCommands()
	r.keywordRoutes = defaultKeywordRoutes()
	return r
}

// RegisterSchedulerBuiltin installs a handler for a router-level builtin
// name dispatched via the `__builtin__:<name>` sentinel (spec.md §4.2 step
// 2) — distinct from pkg/scheduler's own internal job-dispatch builtins,
// this is the router's own reserved-command namespace for utterances
// whose source is the scheduler.
func (r *Router) RegisterSchedulerBuiltin(name string, handler func(ctx context.Context, u Utterance) (Emission, error)) {
	r.schedulerBuiltins[name] = handler
}

// Route runs the five-step classification pipeline and returns exactly one
// Emission (spec.md §4.2 Output contract, P4).
func (r *Router) Route(ctx context.Context, u Utterance) Emission {
	isSchedulerBuiltin := u.Source == SourceScheduler && strings.HasPrefix(u.Text, scheduler.BuiltinPrefix)

	// memory.add_conversation side effects never fire for scheduler
	// builtins (spec.md §4.2 step 2).
	if !isSchedulerBuiltin && r.mem != nil {
		r.mem.AddConversation(memory.RoleUser, u.Text)
	}

	emission := r.classify(ctx, u, isSchedulerBuiltin)
	r.metrics.ObserveRouterDecision(emission.Path)

	if !isSchedulerBuiltin && r.mem != nil && emission.Kind == EmissionReply {
		r.mem.AddConversation(memory.RoleAssistant, emission.Text)
		go r.mem.ExtractFacts(context.Background(), u.Text, emission.Text)
	}
	return emission
}

func (r *Router) classify(ctx context.Context, u Utterance, isSchedulerBuiltin bool) Emission {
	// Step 1: literal special commands.
	if handler, ok := r.literalCommands[strings.TrimSpace(u.Text)]; ok {
		emission, err := handler(ctx, u)
		if err != nil {
			return Emission{Kind: EmissionError, Text: err.Error(), Path: "literal_command"}
		}
		emission.Path = "literal_command"
		return emission
	}

	// Step 2: scheduler built-in sentinel.
	if isSchedulerBuiltin {
		name := strings.TrimPrefix(u.Text, scheduler.BuiltinPrefix)
		if handler, ok := r.schedulerBuiltins[name]; ok {
			emission, err := handler(ctx, u)
			if err != nil {
				return Emission{Kind: EmissionError, Text: err.Error(), Path: "scheduler_builtin"}
			}
			emission.Path = "scheduler_builtin"
			return emission
		}
		return Emission{Kind: EmissionError, Text: fmt.Sprintf("unknown scheduler builtin %q", name), Path: "scheduler_builtin"}
	}

	// Step 3: keyword pre-router. "open <X>" for an app not on the desktop
	// allow-list skips step 4 and goes straight to step 5.
	if f := strings.Fields(u.Text); len(f) == 2 && strings.EqualFold(f[0], "open") {
		if _, known := skills.DesktopAppAllowList[strings.ToLower(f[1])]; !known {
			return r.classifyAgentOrReply(ctx, u)
		}
	}
	for _, kr := range r.keywordRoutes {
		if m := kr.pattern.FindStringSubmatch(u.Text); m != nil {
			args := map[string]string{}
			if kr.argsFn != nil {
				args = kr.argsFn(m)
			}
			out, err := r.skills.Invoke(ctx, kr.skill, args)
			if err != nil {
				return Emission{Kind: EmissionError, Text: err.Error(), Path: "keyword_prerouter:" + kr.skill}
			}
			return Emission{Kind: EmissionSkill, Text: out, Path: "keyword_prerouter:" + kr.skill}
		}
	}

	// Step 4: LM-classified system skill.
	if looksLikeSystemCommand(u.Text) {
		if emission, handled := r.classifySystemSkill(ctx, u); handled {
			return emission
		}
	}

	// Step 5: agent-spawn vs. conversational reply.
	return r.classifyAgentOrReply(ctx, u)
}

// systemVerbs is the small imperative vocabulary step 4's heuristic looks
// for (spec.md §4.2 step 4: "short, imperative, contains a verb from a
// small vocabulary").
var systemVerbs = []string{"open", "close", "mute", "unmute", "increase", "decrease", "set", "take", "show", "check", "turn"}

func looksLikeSystemCommand(text string) bool {
	words := strings.Fields(text)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	first := strings.ToLower(words[0])
	for _, v := range systemVerbs {
		if first == v {
			return true
		}
	}
	return false
}

type skillVerdict struct {
	Skill string            `json:"skill"`
	Args  map[string]string `json:"args"`
}

func (r *Router) classifySystemSkill(ctx context.Context, u Utterance) (Emission, bool) {
	req := llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage("You classify short system commands into a strict JSON object {\"skill\": string, \"args\": object}. If nothing fits, return {\"skill\": \"\"}."),
			llm.NewUserMessage(u.Text),
		},
		MaxTokens: 256,
	}
	resp, err := r.chain.Complete(ctx, llm.KindQuick, req)
	if err != nil {
		r.logger.Warn("router: system-skill classification failed, falling through: %v", err)
		return Emission{}, false
	}

	var verdict skillVerdict
	if !jsonextract.Into(resp.Content, &verdict) || verdict.Skill == "" {
		return Emission{}, false
	}

	out, err := r.skills.InvokeClassified(ctx, verdict.Skill, verdict.Args)
	if err != nil {
		r.logger.Warn("router: classified skill %q denied or failed (%v), falling through", verdict.Skill, err)
		return Emission{}, false
	}
	return Emission{Kind: EmissionSkill, Text: out, Path: "lm_classified_skill:" + verdict.Skill}, true
}

type routeVerdict struct {
	Route   string `json:"route"`
	Brief   string `json:"brief"`
	Project string `json:"project"`
}

func (r *Router) classifyAgentOrReply(ctx context.Context, u Utterance) Emission {
	r.ctxMgr.AddUserMessageDirect("utterance", u.Text)
	if err := r.ctxMgr.CompactIfNeeded(); err != nil {
		r.logger.Warn("router: context compaction failed: %v", err)
	}

	routingReq := llm.CompletionRequest{
		Messages: append(r.conversationMessages(), llm.NewSystemMessage(
			"Decide whether this conversation should produce a conversational reply or should spawn a "+
				"coding agent. Respond with strict JSON: {\"route\": \"reply\"|\"spawn\", \"brief\": string, \"project\": string}.")),
		MaxTokens: 512,
	}
	resp, err := r.chain.Complete(ctx, llm.KindChat, routingReq)
	if err != nil {
		// Conservative default failure downgrade (spec.md §7): treat as a
		// conversational reply attempt rather than failing the utterance.
		r.logger.Warn("router: routing classification failed, downgrading to reply: %v", err)
		return r.reply(ctx)
	}

	var verdict routeVerdict
	if !jsonextract.Into(resp.Content, &verdict) || verdict.Route == "spawn" && verdict.Brief == "" {
		return r.reply(ctx)
	}

	switch verdict.Route {
	case "spawn":
		taskID := r.queue.Enqueue(taskqueue.KindAgentSpawn, verdict.Brief, verdict.Project)
		r.ctxMgr.AddAssistantMessage(fmt.Sprintf("Queued: %s", verdict.Brief))
		return Emission{Kind: EmissionTask, Text: fmt.Sprintf("Queued: %s", verdict.Brief), TaskID: taskID, Path: "agent_spawn"}
	default:
		return r.reply(ctx)
	}
}

// reply generates a conversational reply against the context manager's
// compacted conversation window (spec.md §4.2 step 5 "reply" branch) and
// records the assistant turn back into it.
func (r *Router) reply(ctx context.Context) (out Emission) {
	defer func() {
		if out.Kind == EmissionReply {
			r.ctxMgr.AddAssistantMessage(out.Text)
		}
	}()

	chatReq := llm.CompletionRequest{
		Messages:  r.conversationMessages(),
		MaxTokens: 1024,
	}
	resp, err := r.chain.Complete(ctx, llm.KindChat, chatReq)
	if err != nil {
		return Emission{Kind: EmissionError, Text: fmt.Sprintf("unable to produce a reply: %v", err), Path: "reply"}
	}
	return Emission{Kind: EmissionReply, Text: resp.Content, Path: "reply"}
}

// conversationMessages projects the context manager's system prompt plus
// compacted conversation window into the LM chain's message shape.
func (r *Router) conversationMessages() []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, 0, r.ctxMgr.GetMessageCount())
	if sys := r.ctxMgr.SystemPrompt(); sys != nil {
		out = append(out, llm.CompletionMessage{Role: llm.RoleSystem, Content: sys.Content})
	}
	for _, m := range r.ctxMgr.Conversation() {
		role := llm.RoleUser
		if m.Role == "assistant" {
			role = llm.RoleAssistant
		}
		out = append(out, llm.CompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func (r *Router) defaultLiteralCommands() map[string]func(ctx context.Context, u Utterance) (Emission, error) {
	return map[string]func(ctx context.Context, u Utterance) (Emission, error){
		"status": func(ctx context.Context, u Utterance) (Emission, error) {
			return Emission{Kind: EmissionReply, Text: "Leon is running."}, nil
		},
		"quit": func(ctx context.Context, u Utterance) (Emission, error) {
			return Emission{Kind: EmissionReply, Text: "Shutting down."}, nil
		},
		"/agents": func(ctx context.Context, u Utterance) (Emission, error) {
			return Emission{Kind: EmissionReply, Text: "No agents running."}, nil
		},
		"/help": func(ctx context.Context, u Utterance) (Emission, error) {
			return Emission{Kind: EmissionReply, Text: "Available commands: status, quit, /agents, /help."}, nil
		},
	}
}

func defaultKeywordRoutes() []keywordRoute {
	return []keywordRoute{
		{pattern: regexp.MustCompile(`(?i)^open (\w+)$`), skill: "open_app", argsFn: func(m []string) map[string]string {
			return map[string]string{"app": strings.ToLower(m[1])}
		}},
		{pattern: regexp.MustCompile(`(?i)^screenshot$`), skill: "take_screenshot"},
		{pattern: regexp.MustCompile(`(?i)^volume up$`), skill: "volume_control", argsFn: func(m []string) map[string]string {
			return map[string]string{"direction": "up"}
		}},
		{pattern: regexp.MustCompile(`(?i)^volume down$`), skill: "volume_control", argsFn: func(m []string) map[string]string {
			return map[string]string{"direction": "down"}
		}},
		{pattern: regexp.MustCompile(`(?i)^mute$`), skill: "volume_control", argsFn: func(m []string) map[string]string {
			return map[string]string{"direction": "mute"}
		}},
		{pattern: regexp.MustCompile(`(?i)^next track$`), skill: "media_control", argsFn: func(m []string) map[string]string {
			return map[string]string{"action": "next"}
		}},
		{pattern: regexp.MustCompile(`(?i)^previous track$`), skill: "media_control", argsFn: func(m []string) map[string]string {
			return map[string]string{"action": "previous"}
		}},
		{pattern: regexp.MustCompile(`(?i)^read clipboard$`), skill: "read_clipboard"},
	}
}

