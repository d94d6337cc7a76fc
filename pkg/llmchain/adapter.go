package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/leon-ai/leon/internal/config"
	execpkg "github.com/leon-ai/leon/pkg/exec"
)

// clientProvider adapts an existing LLMClient (the anthropic/openai/google/
// ollama adapters under pkg/llmchain/providers) into the ProviderChain's
// Provider interface, so the same clients back both the middleware Chain()
// and the failover ProviderChain without duplicating adapter code.
type clientProvider struct {
	name         string
	client       LLMClient
	contextLimit int
	kinds        map[RequestKind]bool
}

// NewClientProvider wraps client under name, accepting the given
// RequestKinds; contextLimit is looked up from config.KnownModels against
// the client's own GetDefaultConfig().Name, falling back to 32000 for an
// unknown model.
func NewClientProvider(name string, client LLMClient, kinds ...RequestKind) Provider {
	limit := 32000
	if info, ok := config.GetModelInfo(client.GetDefaultConfig().Name); ok {
		limit = info.MaxContextTokens
	}
	kindSet := make(map[RequestKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	if len(kindSet) == 0 {
		kindSet[KindChat] = true
		kindSet[KindQuick] = true
		kindSet[KindAnalyzeJSON] = true
	}
	return &clientProvider{name: name, client: client, contextLimit: limit, kinds: kindSet}
}

func (p *clientProvider) Name() string                  { return p.name }
func (p *clientProvider) Supported(kind RequestKind) bool { return p.kinds[kind] }
func (p *clientProvider) ContextLimitTokens() int        { return p.contextLimit }

func (p *clientProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	return p.client.Complete(ctx, req)
}

// CLIProvider is the "external-cli" link of spec.md §4.7's default chain: a
// last-resort fallback that shells out to a local coding-CLI in a
// non-interactive single-shot mode, flattening the conversation into one
// prompt string the way an interactive CLI session would read it pasted in.
type CLIProvider struct {
	name     string
	executor execpkg.Executor
	cliPath  string
	kinds    map[RequestKind]bool
}

// NewCLIProvider builds a CLIProvider invoking cliPath with a fixed
// "--print <prompt>" argv shape (the same posture pkg/supervisor uses when
// spawning a coding agent non-interactively).
func NewCLIProvider(cliPath string, executor execpkg.Executor, kinds ...RequestKind) *CLIProvider {
	kindSet := make(map[RequestKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}
	if len(kindSet) == 0 {
		kindSet[KindChat] = true
	}
	return &CLIProvider{name: "external-cli", cliPath: cliPath, executor: executor, kinds: kindSet}
}

func (p *CLIProvider) Name() string                   { return p.name }
func (p *CLIProvider) Supported(kind RequestKind) bool { return p.kinds[kind] }
func (p *CLIProvider) ContextLimitTokens() int         { return 32000 }

func (p *CLIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	prompt := flattenPrompt(req.Messages)
	opts := execpkg.DefaultExecOpts()
	result, err := p.executor.Run(ctx, []string{p.cliPath, "--print", prompt}, &opts)
	if err != nil {
		return CompletionResponse{}, fmt.Errorf("external-cli: %w", err)
	}
	if result.ExitCode != 0 {
		return CompletionResponse{}, fmt.Errorf("external-cli: exited %d: %s", result.ExitCode, result.Stderr)
	}
	return CompletionResponse{Content: strings.TrimSpace(result.Stdout)}, nil
}

func flattenPrompt(messages []CompletionMessage) string {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	return b.String()
}
