// Package config provides configuration loading, validation, and management for Leon.
//
// ARCHITECTURE OVERVIEW:
//
// This package keeps the same shape the orchestrator's configuration layer has always
// used, narrowed to Leon's fields:
//
//  1. SEPARATION OF CONCERNS: static, human-edited settings (provider credentials,
//     concurrency ceilings, night-mode window) live in a TOML file on disk; runtime
//     state (conversation log, task queue, scheduler jobs) never belongs here — it
//     is owned by pkg/memory, pkg/taskqueue, and pkg/scheduler respectively.
//  2. SCHEMA VERSIONING: config changes bump SchemaVersion.
//  3. GLOBAL SINGLETON: one Config instance guarded by a RWMutex.
//  4. VALUE-BASED ACCESS: Get() returns a copy; mutation goes through Update*.
//  5. VALIDATION FIRST: Validate() runs before any persist.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// SchemaVersion is bumped whenever the on-disk shape of Config changes.
const SchemaVersion = 1

// Config is Leon's static, operator-edited settings.
type Config struct {
	SchemaVersion int `toml:"schema_version"`

	// PersistenceRoot is the single directory holding memory.json, tasks.json,
	// scheduler.json, night_backlog.json, and the agents/ log tree (spec.md §6).
	PersistenceRoot string `toml:"persistence_root"`

	// MaxConcurrentAgents is the supervisor's concurrency ceiling (spec.md §4.4).
	MaxConcurrentAgents int `toml:"max_concurrent_agents"`

	// ConversationCapK is the bounded conversation log capacity (spec.md §3).
	ConversationCapK int `toml:"conversation_cap_k"`

	// AgentMaxAttempts is the retry budget for agent_spawn tasks (spec.md §9, Open Question).
	AgentMaxAttempts int `toml:"agent_max_attempts"`

	// AgentIdleTimeout is the no-progress timeout T_idle (spec.md §4.4/§5).
	AgentIdleTimeout time.Duration `toml:"agent_idle_timeout"`
	// AgentHardTimeout is T_max; zero means unset (spec.md §5).
	AgentHardTimeout time.Duration `toml:"agent_hard_timeout"`
	// AgentGraceTimeout is how long stop() waits after SIGTERM before SIGKILL.
	AgentGraceTimeout time.Duration `toml:"agent_grace_timeout"`

	// SupervisorTickInterval is D, the monitoring loop cadence (spec.md §4.4).
	SupervisorTickInterval time.Duration `toml:"supervisor_tick_interval"`

	// NightModeEnabled is the operator toggle (spec.md §4.6).
	NightModeEnabled bool `toml:"night_mode_enabled"`
	// NightWindowStart/End are local HH:MM bounds for the night-mode gate.
	NightWindowStart string `toml:"night_window_start"`
	NightWindowEnd   string `toml:"night_window_end"`
	// NightModeQuietSeconds is I, the quiet-period requirement (spec.md §4.6).
	NightModeQuietSeconds int `toml:"night_mode_quiet_seconds"`

	// MemoryFlushDebounce is the debounce window for memory snapshot writes (spec.md §4.8).
	MemoryFlushDebounce time.Duration `toml:"memory_flush_debounce"`

	// CodingCLIPath is the exec-able path to the coding-assistant CLI (spec.md §6).
	CodingCLIPath string `toml:"coding_cli_path"`
	// CredentialSourcePath is the well-known source of fresh auth artifacts (spec.md §4.4).
	CredentialSourcePath string `toml:"credential_source_path"`

	// Providers holds per-provider credentials and endpoints.
	Providers ProviderConfig `toml:"providers"`

	// DashboardListenAddr is the WebSocket server bind address (spec.md §6).
	DashboardListenAddr string `toml:"dashboard_listen_addr"`
	// DashboardAuthToken is the bearer token the dashboard checks (spec.md §6).
	DashboardAuthToken string `toml:"dashboard_auth_token"`

	// JobsFile points to the scheduler's YAML job definitions (spec.md §4.5).
	JobsFile string `toml:"jobs_file"`

	// ChatBridgeEnabled turns on cross-thread message injection into an
	// agent's conversation context (spec.md §4.10 dispatch).
	ChatBridgeEnabled bool `toml:"chat_bridge_enabled"`
	// ChatBridgeMaxNewMessages caps how many queued cross-thread messages
	// are injected into context per flush.
	ChatBridgeMaxNewMessages int `toml:"chat_bridge_max_new_messages"`
	// ChatBridgeOutboundURL is the bridge process's own HTTP listen
	// address (pkg/chatbridge.Client posts outbound replies here). Empty
	// disables proactive outbound pushes; the inbound endpoint still works.
	ChatBridgeOutboundURL string `toml:"chat_bridge_outbound_url"`
}

// ProviderConfig holds credentials/endpoints for the LM provider chain (spec.md §4.7).
type ProviderConfig struct {
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	GoogleAPIKey    string `toml:"google_api_key"`
	OllamaHost      string `toml:"ollama_host"`
}

// Default returns Leon's baked-in defaults, used when no config file exists yet.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		SchemaVersion:          SchemaVersion,
		PersistenceRoot:        filepath.Join(home, ".leon"),
		MaxConcurrentAgents:    2,
		ConversationCapK:       200,
		AgentMaxAttempts:       2,
		AgentIdleTimeout:       30 * time.Minute,
		AgentHardTimeout:       0,
		AgentGraceTimeout:      10 * time.Second,
		SupervisorTickInterval: 10 * time.Second,
		NightModeEnabled:       false,
		NightWindowStart:       "00:00",
		NightWindowEnd:         "06:00",
		NightModeQuietSeconds:  120,
		MemoryFlushDebounce:    5 * time.Second,
		CodingCLIPath:          "claude",
		CredentialSourcePath:   filepath.Join(home, ".config", "leon", "credentials.json"),
		Providers:              ProviderConfig{OllamaHost: "http://localhost:11434"},
		DashboardListenAddr:    "127.0.0.1:8008",
		JobsFile:               "jobs.yaml",
		ChatBridgeEnabled:      false,
		ChatBridgeMaxNewMessages: 100,
	}
}

var (
	current     = Default()
	currentOnce sync.Once
	mu          sync.RWMutex
)

// Load reads a TOML settings file, applies an environment variable overlay, validates,
// and installs the result as the process-wide singleton. Missing files are not an
// error — Default() is used and written out on first Save.
func Load(path string) error {
	cfg := Default()
	if data, err := os.ReadFile(path); err == nil {
		if _, decodeErr := toml.Decode(string(data), &cfg); decodeErr != nil {
			return fmt.Errorf("parse config %s: %w", path, decodeErr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverlay(&cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return nil
}

// applyEnvOverlay mirrors the teacher's ${VAR} substitution convention: a small,
// fixed set of environment variables can override file settings without requiring
// a config file at all (useful for container deployment).
func applyEnvOverlay(cfg *Config) {
	if v := os.Getenv("LEON_PERSISTENCE_ROOT"); v != "" {
		cfg.PersistenceRoot = v
	}
	if v := os.Getenv("LEON_ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.AnthropicAPIKey = v
	}
	if v := os.Getenv("LEON_OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAIAPIKey = v
	}
	if v := os.Getenv("LEON_GOOGLE_API_KEY"); v != "" {
		cfg.Providers.GoogleAPIKey = v
	}
	if v := os.Getenv("LEON_OLLAMA_HOST"); v != "" {
		cfg.Providers.OllamaHost = v
	}
	if v := os.Getenv("LEON_DASHBOARD_AUTH_TOKEN"); v != "" {
		cfg.DashboardAuthToken = v
	}
}

var hhmmPattern = regexp.MustCompile(`^\d{2}:\d{2}$`)

// Validate checks the configuration for internal consistency before it is persisted
// or installed as the singleton.
func (c *Config) Validate() error {
	if c.PersistenceRoot == "" {
		return fmt.Errorf("persistence_root must not be empty")
	}
	if c.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max_concurrent_agents must be positive")
	}
	if c.ConversationCapK <= 0 {
		return fmt.Errorf("conversation_cap_k must be positive")
	}
	if c.AgentMaxAttempts <= 0 {
		return fmt.Errorf("agent_max_attempts must be positive")
	}
	if !hhmmPattern.MatchString(c.NightWindowStart) || !hhmmPattern.MatchString(c.NightWindowEnd) {
		return fmt.Errorf("night window bounds must be HH:MM")
	}
	if c.NightModeQuietSeconds < 0 {
		return fmt.Errorf("night_mode_quiet_seconds must not be negative")
	}
	return nil
}

// Get returns a copy of the current configuration.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Save validates and writes the given config atomically (temp + rename), then
// installs it as the singleton.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename config into place: %w", err)
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return nil
}
