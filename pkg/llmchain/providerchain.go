package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/pkg/limiter"
	"github.com/leon-ai/leon/pkg/llmchain/llmerrors"
)

// RequestKind is the shape of completion being requested (spec.md §4.7).
type RequestKind string

const (
	// KindChat is a full-conversation completion.
	KindChat RequestKind = "chat"
	// KindQuick is a stateless short completion, e.g. skill classification.
	KindQuick RequestKind = "quick"
	// KindAnalyzeJSON is a constrained-JSON-output completion.
	KindAnalyzeJSON RequestKind = "analyze_json"
)

// Provider is one adapter in the ordered failover chain: it declares which
// request kinds it accepts and its context-window limit in tokens.
type Provider interface {
	Name() string
	Supported(kind RequestKind) bool
	ContextLimitTokens() int
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

// ProviderChain tries each Provider in order for a given RequestKind,
// advancing to the next on a retryable error and short-circuiting on a
// non-retryable one (spec.md §4.7 "Ordered chain").
type ProviderChain struct {
	providers []Provider
	logger    *logx.Logger
	timeout   time.Duration
	limiter   *limiter.Limiter
}

// ChainOption configures optional ProviderChain behavior.
type ChainOption func(*ProviderChain)

// WithLimiter attaches a per-provider rate/budget/concurrency limiter
// (pkg/limiter), keyed by each Provider's Name(). A provider whose
// reservation is rejected is skipped in favor of the next one in the chain,
// the same as a retryable completion error.
func WithLimiter(l *limiter.Limiter) ChainOption {
	return func(c *ProviderChain) { c.limiter = l }
}

// NewProviderChain builds a chain in the given order. Default order per
// spec.md is primary-cloud, secondary-cloud, local-inference, external-cli;
// callers supply that order via providers.
func NewProviderChain(logger *logx.Logger, timeout time.Duration, providers ...Provider) *ProviderChain {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ProviderChain{providers: providers, logger: logger, timeout: timeout}
}

// WithOptions applies ChainOptions and returns c for chaining at
// construction time, e.g. NewProviderChain(...).WithOptions(WithLimiter(l)).
func (c *ProviderChain) WithOptions(opts ...ChainOption) *ProviderChain {
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ErrNoProvider is returned when no provider in the chain supports the
// requested kind.
var ErrNoProvider = errors.New("llmchain: no provider supports the requested kind")

// Complete truncates req's conversation tail to each attempted provider's
// context limit (logging when truncation occurs) and tries providers in
// order until one succeeds or a non-retryable error short-circuits.
func (c *ProviderChain) Complete(ctx context.Context, kind RequestKind, req CompletionRequest) (CompletionResponse, error) {
	var lastErr error
	tried := false
	for _, p := range c.providers {
		if !p.Supported(kind) {
			continue
		}
		tried = true

		truncated, didTruncate := truncateToLimit(req, p.ContextLimitTokens())
		if didTruncate {
			c.logger.Debug("llmchain: truncated conversation tail to fit %s context limit (%d tokens)", p.Name(), p.ContextLimitTokens())
		}

		if c.limiter != nil {
			if rerr := c.limiter.ReserveAgent(p.Name()); rerr != nil {
				c.logger.Warn("llmchain: provider %s throttled (%v), trying next", p.Name(), rerr)
				lastErr = rerr
				continue
			}
			if rerr := c.limiter.Reserve(p.Name(), estimateTokens(truncated)); rerr != nil {
				c.logger.Warn("llmchain: provider %s throttled (%v), trying next", p.Name(), rerr)
				_ = c.limiter.ReleaseAgent(p.Name())
				lastErr = rerr
				continue
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		resp, err := p.Complete(callCtx, truncated)
		cancel()
		if c.limiter != nil {
			_ = c.limiter.ReleaseAgent(p.Name())
		}
		if err == nil {
			return resp, nil
		}

		lastErr = err
		var classified *llmerrors.Error
		if errors.As(err, &classified) && !classified.IsRetryable() {
			return CompletionResponse{}, fmt.Errorf("llmchain: %s: non-retryable: %w", p.Name(), err)
		}
		c.logger.Warn("llmchain: provider %s failed (%v), trying next", p.Name(), err)
	}

	if !tried {
		return CompletionResponse{}, ErrNoProvider
	}
	return CompletionResponse{}, fmt.Errorf("llmchain: all providers exhausted: %w", lastErr)
}

// estimateTokens uses the same 4 chars/token heuristic as truncateToLimit to
// size a rate-limit reservation without a real tokenizer dependency.
func estimateTokens(req CompletionRequest) int {
	const charsPerToken = 4
	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	tokens := total/charsPerToken + req.MaxTokens
	if tokens <= 0 {
		tokens = 1
	}
	return tokens
}

// truncateToLimit keeps the tail of req.Messages that fits within an
// approximate token budget (the same 4 chars/token heuristic as
// estimateTokens), always preserving any leading system message.
func truncateToLimit(req CompletionRequest, limitTokens int) (CompletionRequest, bool) {
	if limitTokens <= 0 {
		return req, false
	}
	const charsPerToken = 4
	budget := limitTokens * charsPerToken

	total := 0
	for _, m := range req.Messages {
		total += len(m.Content)
	}
	if total <= budget {
		return req, false
	}

	var system *CompletionMessage
	rest := req.Messages
	if len(rest) > 0 && rest[0].Role == RoleSystem {
		system = &rest[0]
		rest = rest[1:]
	}

	kept := make([]CompletionMessage, 0, len(rest))
	used := 0
	if system != nil {
		used += len(system.Content)
	}
	for i := len(rest) - 1; i >= 0; i-- {
		used += len(rest[i].Content)
		if used > budget && len(kept) > 0 {
			break
		}
		kept = append([]CompletionMessage{rest[i]}, kept...)
	}

	out := req
	if system != nil {
		out.Messages = append([]CompletionMessage{*system}, kept...)
	} else {
		out.Messages = kept
	}
	return out, true
}
