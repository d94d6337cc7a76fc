// Package contextmgr manages the rolling conversation window handed to the
// LM provider chain: token counting, compaction, and tool call/result
// bookkeeping for a single agent's conversation.
package contextmgr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/leon-ai/leon/internal/config"
	"github.com/leon-ai/leon/internal/logx"
)

// Message represents a single message in the conversation context.
type Message struct {
	Role        string
	Content     string
	Provenance  string // Source of content: "system-prompt", "tool-shell", "chat-injection", etc.
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// Fragment represents a piece of content with provenance tracking.
type Fragment struct {
	Timestamp  time.Time
	Provenance string
	Content    string
}

// ContextManagerInterface defines the context management contract the LM
// chain and its callers depend on.
type ContextManagerInterface interface {
	SystemPrompt() *Message
	Conversation() []Message
	ResetSystemPrompt(content string)
	Append(provenance, content string)
	Compact(maxTokens int) error
	CountTokens() int
	Clear()
	GetMessages() []Message
	FlushUserBuffer(ctx context.Context) error
}

// LLMContextManager extends ContextManagerInterface with the method only an
// LM provider adapter should call directly.
type LLMContextManager interface {
	ContextManagerInterface
	AddAssistantMessage(content string)
}

// ChatService is the cross-thread dispatch source a ContextManager can pull
// new messages from before flushing its buffer (spec.md §4.10). A nil
// ChatService disables injection entirely.
type ChatService interface {
	GetNew(ctx context.Context, req *GetNewRequest) (*GetNewResponse, error)
	UpdateCursor(ctx context.Context, agentID string, newPointer int64) error
}

// GetNewRequest requests unseen cross-thread messages for an agent.
type GetNewRequest struct {
	AgentID string
}

// GetNewResponse carries unseen messages and the cursor to acknowledge them.
type GetNewResponse struct {
	Messages   []*ChatMessage
	NewPointer int64
}

// ChatMessage is one cross-thread message.
type ChatMessage struct {
	ID        int64
	Author    string
	Text      string
	Channel   string
	Timestamp string
}

// ToolCall represents a structured tool call from the LM.
type ToolCall struct {
	ID         string
	Name       string
	Parameters map[string]any
}

// ToolResult represents a structured tool execution result.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ContextManager manages conversation context and token counting for a
// single agent. Each instance is owned by one supervisor-managed goroutine,
// so no internal synchronization is needed.
type ContextManager struct {
	messages           []Message
	userBuffer         []Fragment
	modelName          string
	chatService        ChatService
	agentID            string
	pendingToolCalls   []ToolCall
	pendingToolResults []ToolResult
}

// NewContextManager creates a new context manager instance.
func NewContextManager() *ContextManager {
	return &ContextManager{
		messages:   make([]Message, 0),
		userBuffer: make([]Fragment, 0),
	}
}

// NewContextManagerWithModel creates a context manager that knows its model
// name up front, so token-limit lookups don't fall back to conservative
// defaults.
func NewContextManagerWithModel(modelName string) *ContextManager {
	return &ContextManager{
		messages:   make([]Message, 0),
		userBuffer: make([]Fragment, 0),
		modelName:  modelName,
	}
}

// SetChatService configures cross-thread message injection for this context
// manager. A nil chatService disables injection.
func (cm *ContextManager) SetChatService(chatService ChatService, agentID string) {
	cm.chatService = chatService
	cm.agentID = agentID
}

// AddMessage stores a provenance/content pair in the user buffer for later
// flushing. Empty content is silently dropped to avoid context pollution.
func (cm *ContextManager) AddMessage(provenance, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}

	provenance = strings.TrimSpace(provenance)
	if provenance == "" {
		provenance = "unknown"
	}

	content = cm.truncateOutputIfNeeded(strings.TrimSpace(content))

	cm.userBuffer = append(cm.userBuffer, Fragment{
		Provenance: provenance,
		Content:    content,
		Timestamp:  time.Now(),
	})
}

// SystemPrompt returns the system prompt (always index 0), or nil if unset.
func (cm *ContextManager) SystemPrompt() *Message {
	if len(cm.messages) == 0 {
		return nil
	}
	return &cm.messages[0]
}

// Conversation returns a copy of the rolling conversation window (index 1+).
func (cm *ContextManager) Conversation() []Message {
	if len(cm.messages) <= 1 {
		return []Message{}
	}
	conversation := make([]Message, len(cm.messages)-1)
	copy(conversation, cm.messages[1:])
	return conversation
}

// ResetSystemPrompt sets a new system prompt, clearing conversation history.
func (cm *ContextManager) ResetSystemPrompt(content string) {
	cm.messages = []Message{{
		Role:       "system",
		Content:    strings.TrimSpace(content),
		Provenance: "system-prompt",
	}}
	cm.userBuffer = cm.userBuffer[:0]
}

// Append adds a message to the conversation with specified provenance.
func (cm *ContextManager) Append(provenance, content string) {
	cm.AddMessage(provenance, content)
}

// Compact performs context compaction down to maxTokens if needed.
func (cm *ContextManager) Compact(maxTokens int) error {
	return cm.performCompaction(maxTokens)
}

// CountTokens returns a character-count proxy for the conversation's token
// usage (messages plus anything still sitting in the user buffer).
func (cm *ContextManager) CountTokens() int {
	total := 0
	for i := range cm.messages {
		m := &cm.messages[i]
		total += len(m.Role) + len(m.Content)
	}
	for i := range cm.userBuffer {
		total += len(cm.userBuffer[i].Content)
	}
	return total
}

// CompactIfNeeded compacts the conversation when it's projected to overrun
// the model's context window, using the model's known limits when available.
func (cm *ContextManager) CompactIfNeeded() error {
	if cm.modelName == "" {
		return cm.compactIfNeededLegacy(10000)
	}

	currentTokens := cm.CountTokens()
	maxContext, maxReply := cm.getContextLimits()
	const buffer = 2000

	if currentTokens+maxReply+buffer > maxContext {
		return cm.performCompaction(maxContext - maxReply - buffer)
	}
	return nil
}

// CompactIfNeededLegacy compacts using a fixed threshold, for callers that
// don't have (or don't want) model-aware limits.
func (cm *ContextManager) CompactIfNeededLegacy(threshold int) error {
	return cm.compactIfNeededLegacy(threshold)
}

func (cm *ContextManager) compactIfNeededLegacy(threshold int) error {
	if cm.CountTokens() > threshold {
		return cm.performCompaction(threshold / 2)
	}
	return nil
}

// performCompaction reduces context size to the target, falling back to
// summarization when a sliding window alone won't get there.
func (cm *ContextManager) performCompaction(targetTokens int) error {
	if len(cm.messages) <= 2 {
		return nil
	}

	originalLen := len(cm.messages)
	for cm.CountTokens() > targetTokens && len(cm.messages) > 2 {
		// [system, msg3, msg4, ...] -> [system, msg4, ...]
		cm.messages = append(cm.messages[:1], cm.messages[2:]...)
	}

	if len(cm.messages) < originalLen/2 && cm.CountTokens() > targetTokens {
		return cm.performSummarization(targetTokens)
	}
	return nil
}

func (cm *ContextManager) performSummarization(_ int) error {
	if len(cm.messages) <= 2 {
		return nil
	}

	systemMsg := cm.messages[0]
	var recentMsgs, toSummarize []Message
	if len(cm.messages) >= 2 {
		recentMsgs = cm.messages[len(cm.messages)-2:]
		toSummarize = cm.messages[1 : len(cm.messages)-2]
	}
	if len(toSummarize) == 0 {
		return nil
	}

	summary := cm.createConversationSummary(toSummarize)
	if summary == "" {
		return nil
	}

	summaryMsg := Message{
		Role:    "assistant",
		Content: fmt.Sprintf("Previous conversation summary: %s", summary),
	}

	newMessages := []Message{systemMsg, summaryMsg}
	newMessages = append(newMessages, recentMsgs...)
	cm.messages = newMessages
	return nil
}

func (cm *ContextManager) createConversationSummary(messages []Message) string {
	if len(messages) == 0 {
		return ""
	}

	var topics, codeActions, issues []string
	for i := range messages {
		content := strings.TrimSpace(messages[i].Content)
		if content == "" {
			continue
		}

		lower := strings.ToLower(content)
		switch {
		case strings.Contains(lower, "error") || strings.Contains(lower, "failed") || strings.Contains(lower, "issue"):
			if len(content) > 100 {
				content = content[:100] + "..."
			}
			issues = append(issues, content)
		case strings.Contains(content, "file") && (strings.Contains(content, "create") || strings.Contains(content, "edit")):
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			codeActions = append(codeActions, content)
		default:
			if len(content) > 60 {
				content = content[:60] + "..."
			}
			topics = append(topics, content)
		}
	}

	var parts []string
	if len(topics) > 0 {
		parts = append(parts, fmt.Sprintf("Topics discussed: %s", strings.Join(deduplicateStrings(topics), "; ")))
	}
	if len(codeActions) > 0 {
		parts = append(parts, fmt.Sprintf("Actions taken: %s", strings.Join(deduplicateStrings(codeActions), "; ")))
	}
	if len(issues) > 0 {
		parts = append(parts, fmt.Sprintf("Issues encountered: %s", strings.Join(deduplicateStrings(issues), "; ")))
	}

	if len(parts) == 0 {
		return fmt.Sprintf("Previous conversation with %d messages", len(messages))
	}

	summary := strings.Join(parts, ". ")
	if len(summary) > 500 {
		summary = summary[:500] + "..."
	}
	return summary
}

func deduplicateStrings(slice []string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, item := range slice {
		if !seen[item] {
			seen[item] = true
			result = append(result, item)
		}
	}
	return result
}

// GetMessages returns a copy of all messages in the context.
func (cm *ContextManager) GetMessages() []Message {
	result := make([]Message, len(cm.messages))
	copy(result, cm.messages)
	return result
}

// GetModelName returns the model name this context manager was built with.
func (cm *ContextManager) GetModelName() string {
	return cm.modelName
}

// getContextLimits returns the max context and max reply size for the
// current model, falling back to conservative defaults for an empty or
// unrecognized model name.
func (cm *ContextManager) getContextLimits() (maxContext, maxReply int) {
	if cm.modelName == "" {
		return 32000, 4096
	}
	info, _ := config.GetModelInfo(cm.modelName)
	return info.MaxContextTokens, info.MaxOutputTokens
}

// Clear removes all messages and buffered content.
func (cm *ContextManager) Clear() {
	cm.messages = cm.messages[:0]
	cm.userBuffer = cm.userBuffer[:0]
}

// GetMessageCount returns the number of messages in the context.
func (cm *ContextManager) GetMessageCount() int {
	return len(cm.messages)
}

// GetContextSummary returns a brief human-readable summary of context state.
func (cm *ContextManager) GetContextSummary() string {
	if len(cm.messages) == 0 {
		return "Empty context"
	}

	roleCounts := make(map[string]int)
	for i := range cm.messages {
		roleCounts[cm.messages[i].Role]++
	}
	breakdown := make([]string, 0, len(roleCounts))
	for role, count := range roleCounts {
		breakdown = append(breakdown, fmt.Sprintf("%s: %d", role, count))
	}

	return fmt.Sprintf("%d messages (%d tokens) - %s", len(cm.messages), cm.CountTokens(), strings.Join(breakdown, ", "))
}

// GetMaxReplyTokens returns the maximum reply tokens for this model.
func (cm *ContextManager) GetMaxReplyTokens() int {
	_, maxReply := cm.getContextLimits()
	return maxReply
}

// GetMaxContextTokens returns the maximum context tokens for this model.
func (cm *ContextManager) GetMaxContextTokens() int {
	maxContext, _ := cm.getContextLimits()
	return maxContext
}

// ShouldCompact reports whether compaction is needed without performing it.
func (cm *ContextManager) ShouldCompact() bool {
	if cm.modelName == "" {
		return cm.CountTokens() > 10000
	}
	currentTokens := cm.CountTokens()
	maxContext, maxReply := cm.getContextLimits()
	const buffer = 2000
	return currentTokens+maxReply+buffer > maxContext
}

// MaxToolOutputChars is the hard limit for tool output before context-aware
// truncation kicks in.
const MaxToolOutputChars = 2000

func (cm *ContextManager) truncateToolOutput(content string) string {
	if len(content) > MaxToolOutputChars {
		content = content[:MaxToolOutputChars] + fmt.Sprintf("\n\n[... tool output truncated: %d chars exceeded hard limit of %d chars ...]",
			len(content), MaxToolOutputChars)
	}
	return cm.truncateOutputIfNeeded(content)
}

// truncateOutputIfNeeded truncates content based on available context space,
// reserving 20% of the context window for the reply and safety buffer.
func (cm *ContextManager) truncateOutputIfNeeded(content string) string {
	maxContext, _ := cm.getContextLimits()
	const reserveRatio = 0.20
	buffer := int(float64(maxContext) * reserveRatio)
	maxSafeContent := maxContext - buffer

	currentTokens := cm.CountTokens()

	if len(content) > maxSafeContent {
		truncated := content[:maxSafeContent]
		return truncated + fmt.Sprintf("\n\n[... content truncated: original size %d chars exceeded safe context limit of %d chars ...]",
			len(content), maxSafeContent)
	}

	projectedTotal := currentTokens + len(content)
	if projectedTotal > maxSafeContent {
		available := maxSafeContent - currentTokens
		if available <= 0 {
			const minSize = 1000
			if len(content) > minSize {
				return content[:minSize] + fmt.Sprintf("\n\n[... content truncated: context at capacity (%d/%d tokens) ...]",
					currentTokens, maxSafeContent)
			}
		}
		if len(content) > available {
			return content[:available] + fmt.Sprintf("\n\n[... content truncated to fit context: %d chars of %d shown ...]",
				available, len(content))
		}
	}

	return content
}

// FlushUserBuffer consolidates accumulated user content (and any pending
// tool results) into a single context message, so role alternation stays
// user/assistant/user/... the way every provider adapter expects.
//
// If a ChatService is configured, new cross-thread messages are fetched and
// injected as late as possible — right before flushing — and the cursor is
// advanced so they are not re-injected on the next turn.
func (cm *ContextManager) FlushUserBuffer(ctx context.Context) error {
	if cm.chatService != nil && cm.agentID != "" {
		if err := cm.injectChatMessages(ctx); err != nil {
			logger := logx.NewLogger("contextmgr")
			logger.Warn("cross-thread injection failed for %s: %v (continuing without it)", cm.agentID, err)
		}
	}

	switch {
	case len(cm.pendingToolResults) > 0 || len(cm.userBuffer) > 0:
		var combinedContent string
		if len(cm.userBuffer) > 0 {
			parts := make([]string, 0, len(cm.userBuffer))
			for i := range cm.userBuffer {
				parts = append(parts, cm.userBuffer[i].Content)
			}
			combinedContent = strings.Join(parts, "\n\n")
		} else {
			// Providers require a non-empty content field even when the
			// message carries only tool results.
			combinedContent = "Tool results:"
		}

		var provenance string
		switch {
		case len(cm.pendingToolResults) > 0 && combinedContent != "Tool results:":
			provenance = "tool-results-and-content"
		case len(cm.pendingToolResults) > 0:
			provenance = "tool-results-only"
		default:
			provenance = cm.userBufferProvenance()
		}

		cm.messages = append(cm.messages, Message{
			Role:        "user",
			Content:     combinedContent,
			Provenance:  provenance,
			ToolResults: cm.pendingToolResults,
		})
		cm.pendingToolResults = nil
		cm.userBuffer = cm.userBuffer[:0]

	case len(cm.messages) == 0 || cm.messages[len(cm.messages)-1].Role != "user":
		cm.messages = append(cm.messages, Message{
			Role:       "user",
			Content:    "No response from user, please try something else",
			Provenance: "empty-buffer-fallback",
		})
	}

	if err := cm.CompactIfNeeded(); err != nil {
		return fmt.Errorf("context compaction failed before LM request: %w", err)
	}
	return nil
}

func (cm *ContextManager) userBufferProvenance() string {
	if len(cm.userBuffer) == 0 {
		return ""
	}
	first := cm.userBuffer[0].Provenance
	for i := range cm.userBuffer {
		if cm.userBuffer[i].Provenance != first {
			return "mixed"
		}
	}
	return first
}

// injectChatMessages fetches unseen cross-thread messages and folds them
// into the conversation: assistant-authored messages go straight into
// history, everything else is buffered for batching with tool results.
func (cm *ContextManager) injectChatMessages(ctx context.Context) error {
	cfg := config.Get()
	if !cfg.ChatBridgeEnabled {
		return nil
	}

	resp, err := cm.chatService.GetNew(ctx, &GetNewRequest{AgentID: cm.agentID})
	if err != nil {
		return fmt.Errorf("fetch new cross-thread messages: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil
	}

	maxMessages := cfg.ChatBridgeMaxNewMessages
	if maxMessages <= 0 {
		maxMessages = 100
	}
	newMessages := resp.Messages
	if len(newMessages) > maxMessages {
		newMessages = newMessages[len(newMessages)-maxMessages:]
	}

	expectedAgentAuthor := fmt.Sprintf("@%s", cm.agentID)
	for _, msg := range newMessages {
		switch msg.Author {
		case "@human":
			cm.userBuffer = append(cm.userBuffer, Fragment{
				Timestamp:  time.Now(),
				Provenance: "chat-injection",
				Content:    msg.Text,
			})
		case expectedAgentAuthor:
			cm.messages = append(cm.messages, Message{
				Role:       "assistant",
				Content:    msg.Text,
				Provenance: "chat-injection",
			})
		default:
			cm.userBuffer = append(cm.userBuffer, Fragment{
				Timestamp:  time.Now(),
				Provenance: "chat-injection-other",
				Content:    fmt.Sprintf("[Chat from %s]: %s", msg.Author, msg.Text),
			})
		}
	}

	logger := logx.NewLogger("contextmgr")
	logger.Info("injected %d cross-thread messages into context for %s", len(newMessages), cm.agentID)

	if err := cm.chatService.UpdateCursor(ctx, cm.agentID, resp.NewPointer); err != nil {
		logger.Warn("failed to update cross-thread cursor for %s: %v", cm.agentID, err)
	}
	return nil
}

// AddAssistantMessage adds an assistant message directly to context. Only an
// LM provider adapter should call this.
func (cm *ContextManager) AddAssistantMessage(content string) {
	cm.messages = append(cm.messages, Message{
		Role:       "assistant",
		Content:    strings.TrimSpace(content),
		Provenance: "llm-response",
	})
}

// AddAssistantMessageWithTools adds an assistant message along with the
// structured tool calls it requested, preserving them for provider-specific
// wire formatting.
func (cm *ContextManager) AddAssistantMessageWithTools(content string, toolCalls []ToolCall) {
	cm.pendingToolCalls = toolCalls
	cm.messages = append(cm.messages, Message{
		Role:       "assistant",
		Content:    strings.TrimSpace(content),
		Provenance: "llm-response-with-tools",
		ToolCalls:  toolCalls,
	})
}

// AddToolResult queues a tool execution result for inclusion in the next
// flushed user message. Output is truncated aggressively since tool logs
// tend to be verbose.
func (cm *ContextManager) AddToolResult(toolCallID, content string, isError bool) {
	cm.pendingToolResults = append(cm.pendingToolResults, ToolResult{
		ToolCallID: toolCallID,
		Content:    cm.truncateToolOutput(content),
		IsError:    isError,
	})
}

// AddUserMessageDirect adds a user message directly to context, bypassing
// the buffer — used when a caller needs the message persisted immediately
// rather than batched with whatever flushes next.
func (cm *ContextManager) AddUserMessageDirect(provenance, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	cm.messages = append(cm.messages, Message{
		Role:       "user",
		Content:    strings.TrimSpace(content),
		Provenance: provenance,
	})
}

// GetUserBufferInfo returns diagnostic information about the current user
// buffer state.
func (cm *ContextManager) GetUserBufferInfo() map[string]any {
	info := map[string]any{
		"fragment_count": len(cm.userBuffer),
		"is_empty":       len(cm.userBuffer) == 0,
	}
	if len(cm.userBuffer) > 0 {
		provenanceCounts := make(map[string]int)
		totalLength := 0
		for i := range cm.userBuffer {
			provenanceCounts[cm.userBuffer[i].Provenance]++
			totalLength += len(cm.userBuffer[i].Content)
		}
		info["provenance_breakdown"] = provenanceCounts
		info["total_buffer_length"] = totalLength
	}
	return info
}
