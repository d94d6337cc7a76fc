// Package memory is Leon's crash-safe conversation/state snapshot: the
// other independent persistence leaf alongside pkg/taskqueue. It keeps the
// same debounced-dirty-flag-then-atomic-write shape internal/config.Save
// uses for settings, but owns runtime state instead of operator config, and
// adds the background best-effort fact-extraction path spec.md §4.8
// describes.
package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/leon-ai/leon/internal/logx"
	"github.com/leon-ai/leon/pkg/utils"
)

// SchemaVersion is bumped whenever the on-disk shape of memory.json changes.
const SchemaVersion = 1

// DefaultConversationCap is K, the bounded conversation log capacity
// (spec.md §3); overridden from internal/config.Config.ConversationCapK.
const DefaultConversationCap = 200

// DefaultCompletedTaskCap is the roll-up cap (spec.md §4.8).
const DefaultCompletedTaskCap = 500

// Role is one of {user, assistant, system} for a conversation entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationEntry is one (role, text, timestamp) tuple.
type ConversationEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// CompletedTaskRecord is a roll-up entry recorded when a task finishes.
type CompletedTaskRecord struct {
	TaskID    string    `json:"task_id"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"ts"`
}

// snapshot is the full serializable record (spec.md §3 Memory snapshot, §6
// memory.json schema).
type snapshot struct {
	SchemaVersion  int                          `json:"schema_version"`
	Conversation   []ConversationEntry          `json:"conversation"`
	Profile        map[string]map[string]string `json:"profile"`
	CompletedTasks []CompletedTaskRecord        `json:"completed_tasks"`
	Scheduler      map[string]any               `json:"scheduler"`
	Version        int                          `json:"version"`
}

// FactExtractor performs the opportunistic "analyze_json" LM call spec.md
// §4.8 describes: given a user+assistant turn, return newly learned facts
// keyed by profile category, or an error which is logged and dropped.
type FactExtractor func(ctx context.Context, userText, assistantText string) (map[string]map[string]string, error)

// Store is the process-wide memory snapshot owner.
type Store struct {
	mu sync.Mutex
	snap snapshot

	path             string
	conversationCap  int
	completedTaskCap int
	debounce         time.Duration
	lastFlushAt      time.Time
	dirty            bool

	logger    *logx.Logger
	extractor FactExtractor
}

// Option configures a Store at construction time.
type Option func(*Store)

func WithConversationCap(k int) Option { return func(s *Store) { s.conversationCap = k } }
func WithCompletedTaskCap(n int) Option {
	return func(s *Store) { s.completedTaskCap = n }
}
func WithFlushDebounce(d time.Duration) Option { return func(s *Store) { s.debounce = d } }
func WithFactExtractor(f FactExtractor) Option { return func(s *Store) { s.extractor = f } }

// Open loads path if present, quarantining it if corrupt, and returns a
// ready Store. A missing file starts with an empty snapshot.
func Open(path string, logger *logx.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		path:             path,
		conversationCap:  DefaultConversationCap,
		completedTaskCap: DefaultCompletedTaskCap,
		debounce:         5 * time.Second,
		logger:           logger,
		snap: snapshot{
			SchemaVersion: SchemaVersion,
			Profile:       make(map[string]map[string]string),
			Scheduler:     make(map[string]any),
		},
	}
	for _, o := range opts {
		o(s)
	}

	var loaded snapshot
	err := utils.LoadJSON(path, &loaded)
	switch {
	case err == nil:
		if loaded.Profile == nil {
			loaded.Profile = make(map[string]map[string]string)
		}
		if loaded.Scheduler == nil {
			loaded.Scheduler = make(map[string]any)
		}
		s.snap = loaded
	case os.IsNotExist(err):
		// Fresh store.
	default:
		quarantined, qErr := utils.QuarantineCorrupt(path)
		if qErr != nil {
			return nil, fmt.Errorf("load memory snapshot %s: %w (quarantine also failed: %v)", path, err, qErr)
		}
		s.logger.Warn("memory.json unreadable (%v); quarantined to %s, starting fresh", err, quarantined)
	}

	s.lastFlushAt = time.Now()
	return s, nil
}

// AddConversation appends an entry, evicting the oldest if over the
// configured cap, and marks the snapshot dirty.
func (s *Store) AddConversation(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snap.Conversation = append(s.snap.Conversation, ConversationEntry{
		Role: role, Text: text, Timestamp: time.Now(),
	})
	if over := len(s.snap.Conversation) - s.conversationCap; over > 0 {
		s.snap.Conversation = s.snap.Conversation[over:]
	}
	s.snap.Version++
	s.dirty = true
}

// RecentConversation returns a projection of the tail of the conversation
// log, up to n entries; it never mutates the underlying log (spec.md §3
// invariant: truncation produces a projection, not a mutation).
func (s *Store) RecentConversation(n int) []ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.snap.Conversation
	if n <= 0 || n >= len(conv) {
		out := make([]ConversationEntry, len(conv))
		copy(out, conv)
		return out
	}
	tail := conv[len(conv)-n:]
	out := make([]ConversationEntry, len(tail))
	copy(out, tail)
	return out
}

// GetRelevantContext returns a query-specific projection of the owner
// profile: entries whose category, key or value contains a term from query,
// case-insensitively. An empty query returns the full profile.
func (s *Store) GetRelevantContext(query string) map[string]map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(query) == "" {
		return cloneProfile(s.snap.Profile)
	}

	terms := strings.Fields(strings.ToLower(query))
	out := make(map[string]map[string]string)
	for category, kv := range s.snap.Profile {
		catLower := strings.ToLower(category)
		matchedCategory := containsAny(catLower, terms)
		for k, v := range kv {
			if matchedCategory || containsAny(strings.ToLower(k), terms) || containsAny(strings.ToLower(v), terms) {
				if out[category] == nil {
					out[category] = make(map[string]string)
				}
				out[category][k] = v
			}
		}
	}
	return out
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if t != "" && strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func cloneProfile(p map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(p))
	for cat, kv := range p {
		cp := make(map[string]string, len(kv))
		for k, v := range kv {
			cp[k] = v
		}
		out[cat] = cp
	}
	return out
}

// MergeFacts merges newly extracted facts into the profile under their
// categories, overwriting existing keys. Unknown categories are accepted as
// given — callers that can't classify a fact should use "misc" (spec.md §9:
// "store unknown extracted facts under a generic misc bucket").
func (s *Store) MergeFacts(facts map[string]map[string]string) {
	if len(facts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for category, kv := range facts {
		if s.snap.Profile[category] == nil {
			s.snap.Profile[category] = make(map[string]string)
		}
		for k, v := range kv {
			s.snap.Profile[category][k] = v
		}
	}
	s.snap.Version++
	s.dirty = true
}

// RecordCompletedTask appends to the completed-tasks roll-up, capped at
// completedTaskCap by evicting the oldest entry first.
func (s *Store) RecordCompletedTask(taskID, summary string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CompletedTasks = append(s.snap.CompletedTasks, CompletedTaskRecord{
		TaskID: taskID, Summary: summary, Timestamp: time.Now(),
	})
	if over := len(s.snap.CompletedTasks) - s.completedTaskCap; over > 0 {
		s.snap.CompletedTasks = s.snap.CompletedTasks[over:]
	}
	s.snap.Version++
	s.dirty = true
}

// SetSchedulerState stashes an opaque scheduler snapshot (job cadences,
// failure counters) inside the memory document, per spec.md §3 "Memory
// snapshot" holding "scheduler state" alongside conversation/profile.
func (s *Store) SetSchedulerState(state map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Scheduler = state
	s.snap.Version++
	s.dirty = true
}

// ExtractFacts runs the configured FactExtractor (if any) against the most
// recent user/assistant turn. Any error is logged and dropped — this path
// is explicitly best-effort (spec.md §4.8, §7 propagation rules).
func (s *Store) ExtractFacts(ctx context.Context, userText, assistantText string) {
	s.mu.Lock()
	extractor := s.extractor
	s.mu.Unlock()
	if extractor == nil {
		return
	}

	facts, err := extractor(ctx, userText, assistantText)
	if err != nil {
		s.logger.Warn("memory: fact extraction failed, dropping: %v", err)
		return
	}
	s.MergeFacts(facts)
}

// FlushIfDirty writes the snapshot if dirty and the debounce window has
// elapsed since the last flush.
func (s *Store) FlushIfDirty() error {
	s.mu.Lock()
	if !s.dirty || time.Since(s.lastFlushAt) < s.debounce {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.Save(false)
}

// Save persists the snapshot. force=true bypasses the debounce window
// (used by the main loop's shutdown sequence); force=false still writes
// immediately but is intended for callers that already checked dirty/debounce
// via FlushIfDirty.
func (s *Store) Save(force bool) error {
	s.mu.Lock()
	if !force && !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snap := s.snap
	s.mu.Unlock()

	if err := utils.SaveJSON(s.path, snap); err != nil {
		failMarker := fmt.Sprintf("%s.write-failed.%d", s.path, time.Now().Unix())
		_ = os.WriteFile(failMarker, []byte(err.Error()), 0o644)
		return fmt.Errorf("persist memory snapshot: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.lastFlushAt = time.Now()
	s.mu.Unlock()
	return nil
}

// Snapshot returns a deep-ish copy of the current in-memory state, for
// dashboards or tests that need a consistent read.
func (s *Store) Snapshot() (conversation []ConversationEntry, profile map[string]map[string]string, version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversation = append([]ConversationEntry(nil), s.snap.Conversation...)
	profile = cloneProfile(s.snap.Profile)
	version = s.snap.Version
	return
}
