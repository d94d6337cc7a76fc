package config

import "fmt"

// Model describes a provider's model for rate limiting and cost accounting,
// mirroring the shape each LM provider adapter reports via GetDefaultConfig().
type Model struct {
	Name           string  `json:"name"`
	MaxTPM         int     `json:"max_tpm"`
	MaxConnections int     `json:"max_connections"`
	CPM            float64 `json:"cost_per_million_tokens"`
	DailyBudget    float64 `json:"daily_budget_usd"`
}

// ModelInfo carries static facts about a known model needed outside of rate
// limiting, such as its hard output-token ceiling.
type ModelInfo struct {
	Provider         string
	MaxOutputTokens  int
	MaxContextTokens int
}

// defaultModelInfo is returned by GetModelInfo for any model id not present
// in KnownModels, so callers always get a usable (conservative) ceiling.
var defaultModelInfo = ModelInfo{MaxContextTokens: 32000, MaxOutputTokens: 4096}

// GetModelInfo looks up static facts about a model id, falling back to
// conservative defaults for unrecognized ids rather than erroring — callers
// like pkg/contextmgr need a usable answer even for an unseen model name.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, ok := KnownModels[modelName]; ok {
		return info, true
	}
	return defaultModelInfo, false
}

// Model identifiers used as defaults by the provider adapters.
const (
	ModelClaudeSonnetLatest = "claude-sonnet-4-5-20250929"
	ModelGPT5               = "gpt-5"
	ModelGeminiFlashLatest  = "gemini-2.5-flash"
	ModelOllamaDefault      = "llama3.1"
)

// RateLimitBufferFactor shaves the advertised tokens-per-minute ceiling to
// leave headroom under bursty traffic; the token bucket limiter's max
// capacity is TokensPerMinute * RateLimitBufferFactor.
const RateLimitBufferFactor = 0.9

// KnownModels is the static registry of per-model output limits and owning
// provider, consulted by adapters that must cap MaxTokens before calling out.
var KnownModels = map[string]ModelInfo{
	ModelClaudeSonnetLatest: {Provider: "anthropic", MaxOutputTokens: 8192, MaxContextTokens: 200000},
	ModelGPT5:               {Provider: "openai", MaxOutputTokens: 16384, MaxContextTokens: 272000},
	ModelGeminiFlashLatest:  {Provider: "google", MaxOutputTokens: 8192, MaxContextTokens: 1000000},
	ModelOllamaDefault:      {Provider: "ollama", MaxOutputTokens: 4096, MaxContextTokens: 32000},
}

// ModelDefaults gives each provider's default rate/budget envelope, keyed by
// provider name (not model name) since the rate limiter is provisioned
// per-provider (spec.md §4.7 treats each adapter as one chain link).
var ModelDefaults = map[string]Model{
	"anthropic": {Name: ModelClaudeSonnetLatest, MaxTPM: 40000, MaxConnections: 4, CPM: 3.0, DailyBudget: 20.0},
	"openai":    {Name: ModelGPT5, MaxTPM: 30000, MaxConnections: 4, CPM: 2.5, DailyBudget: 20.0},
	"google":    {Name: ModelGeminiFlashLatest, MaxTPM: 60000, MaxConnections: 4, CPM: 0.3, DailyBudget: 10.0},
	"ollama":    {Name: ModelOllamaDefault, MaxTPM: 1000000, MaxConnections: 2, CPM: 0, DailyBudget: 0},
	// external-cli is the last-resort chain link (pkg/llmchain.CLIProvider);
	// it gets a generous envelope since its only real cost is wall-clock.
	"external-cli": {Name: "external-cli", MaxTPM: 1000000, MaxConnections: 2, CPM: 0, DailyBudget: 0},
}

// GetModelProvider returns the provider name that owns a given model id.
func GetModelProvider(modelName string) (string, error) {
	if info, ok := KnownModels[modelName]; ok {
		return info.Provider, nil
	}
	return "", fmt.Errorf("unknown model %q", modelName)
}

// GetTotalAgentCount returns the configured supervisor concurrency ceiling,
// used by the rate limiter to bound how long a caller should wait for a slot.
func GetTotalAgentCount() int {
	return Get().MaxConcurrentAgents
}
