package contextmgr

import (
	"encoding/json"
	"fmt"
	"time"
)

// SerializedMessage is a Message in a form suitable for JSON persistence.
type SerializedMessage struct {
	Role        string             `json:"role"`
	Content     string             `json:"content"`
	Provenance  string             `json:"provenance,omitempty"`
	ToolCalls   []SerializedCall   `json:"tool_calls,omitempty"`
	ToolResults []SerializedResult `json:"tool_results,omitempty"`
}

// SerializedCall is a ToolCall in serialized form.
type SerializedCall struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SerializedResult is a ToolResult in serialized form.
type SerializedResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// SerializedFragment is a Fragment in serialized form.
type SerializedFragment struct {
	Timestamp  int64  `json:"timestamp"`
	Provenance string `json:"provenance"`
	Content    string `json:"content"`
}

// SerializedContext is the full on-disk shape of a ContextManager's state,
// written into the agent's slot under the persistence root so a supervisor
// restart can resume an in-flight conversation.
type SerializedContext struct {
	Messages           []SerializedMessage  `json:"messages"`
	UserBuffer         []SerializedFragment `json:"user_buffer,omitempty"`
	ModelName          string               `json:"model_name,omitempty"`
	AgentID            string               `json:"agent_id,omitempty"`
	PendingToolCalls   []SerializedCall     `json:"pending_tool_calls,omitempty"`
	PendingToolResults []SerializedResult   `json:"pending_tool_results,omitempty"`
}

// Serialize converts the ContextManager state to JSON bytes.
func (cm *ContextManager) Serialize() ([]byte, error) {
	sc := SerializedContext{
		ModelName: cm.modelName,
		AgentID:   cm.agentID,
	}

	sc.Messages = make([]SerializedMessage, len(cm.messages))
	for i := range cm.messages {
		sc.Messages[i] = messageToSerialized(&cm.messages[i])
	}

	if len(cm.userBuffer) > 0 {
		sc.UserBuffer = make([]SerializedFragment, len(cm.userBuffer))
		for i := range cm.userBuffer {
			frag := &cm.userBuffer[i]
			sc.UserBuffer[i] = SerializedFragment{
				Timestamp:  frag.Timestamp.Unix(),
				Provenance: frag.Provenance,
				Content:    frag.Content,
			}
		}
	}

	if len(cm.pendingToolCalls) > 0 {
		sc.PendingToolCalls = make([]SerializedCall, len(cm.pendingToolCalls))
		for i := range cm.pendingToolCalls {
			sc.PendingToolCalls[i] = toolCallToSerialized(&cm.pendingToolCalls[i])
		}
	}

	if len(cm.pendingToolResults) > 0 {
		sc.PendingToolResults = make([]SerializedResult, len(cm.pendingToolResults))
		for i := range cm.pendingToolResults {
			sc.PendingToolResults[i] = toolResultToSerialized(&cm.pendingToolResults[i])
		}
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return data, nil
}

// Deserialize restores the ContextManager state from JSON bytes, replacing
// all existing state. The chat service must be re-attached afterward via
// SetChatService — it is never part of the serialized form.
func (cm *ContextManager) Deserialize(data []byte) error {
	var sc SerializedContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return fmt.Errorf("unmarshal context: %w", err)
	}

	cm.modelName = sc.ModelName
	cm.agentID = sc.AgentID

	cm.messages = make([]Message, len(sc.Messages))
	for i := range sc.Messages {
		cm.messages[i] = serializedToMessage(&sc.Messages[i])
	}

	if len(sc.UserBuffer) > 0 {
		cm.userBuffer = make([]Fragment, len(sc.UserBuffer))
		for i := range sc.UserBuffer {
			sf := &sc.UserBuffer[i]
			cm.userBuffer[i] = Fragment{
				Timestamp:  time.Unix(sf.Timestamp, 0),
				Provenance: sf.Provenance,
				Content:    sf.Content,
			}
		}
	} else {
		cm.userBuffer = make([]Fragment, 0)
	}

	if len(sc.PendingToolCalls) > 0 {
		cm.pendingToolCalls = make([]ToolCall, len(sc.PendingToolCalls))
		for i := range sc.PendingToolCalls {
			cm.pendingToolCalls[i] = serializedToToolCall(&sc.PendingToolCalls[i])
		}
	} else {
		cm.pendingToolCalls = nil
	}

	if len(sc.PendingToolResults) > 0 {
		cm.pendingToolResults = make([]ToolResult, len(sc.PendingToolResults))
		for i := range sc.PendingToolResults {
			cm.pendingToolResults[i] = serializedToToolResult(&sc.PendingToolResults[i])
		}
	} else {
		cm.pendingToolResults = nil
	}

	return nil
}

func messageToSerialized(msg *Message) SerializedMessage {
	sm := SerializedMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		Provenance: msg.Provenance,
	}
	if len(msg.ToolCalls) > 0 {
		sm.ToolCalls = make([]SerializedCall, len(msg.ToolCalls))
		for i := range msg.ToolCalls {
			sm.ToolCalls[i] = toolCallToSerialized(&msg.ToolCalls[i])
		}
	}
	if len(msg.ToolResults) > 0 {
		sm.ToolResults = make([]SerializedResult, len(msg.ToolResults))
		for i := range msg.ToolResults {
			sm.ToolResults[i] = toolResultToSerialized(&msg.ToolResults[i])
		}
	}
	return sm
}

func serializedToMessage(sm *SerializedMessage) Message {
	msg := Message{
		Role:       sm.Role,
		Content:    sm.Content,
		Provenance: sm.Provenance,
	}
	if len(sm.ToolCalls) > 0 {
		msg.ToolCalls = make([]ToolCall, len(sm.ToolCalls))
		for i := range sm.ToolCalls {
			msg.ToolCalls[i] = serializedToToolCall(&sm.ToolCalls[i])
		}
	}
	if len(sm.ToolResults) > 0 {
		msg.ToolResults = make([]ToolResult, len(sm.ToolResults))
		for i := range sm.ToolResults {
			msg.ToolResults[i] = serializedToToolResult(&sm.ToolResults[i])
		}
	}
	return msg
}

func toolCallToSerialized(tc *ToolCall) SerializedCall {
	return SerializedCall{ID: tc.ID, Name: tc.Name, Parameters: tc.Parameters}
}

func serializedToToolCall(sc *SerializedCall) ToolCall {
	return ToolCall{ID: sc.ID, Name: sc.Name, Parameters: sc.Parameters}
}

func toolResultToSerialized(tr *ToolResult) SerializedResult {
	return SerializedResult{ToolCallID: tr.ToolCallID, Content: tr.Content, IsError: tr.IsError}
}

func serializedToToolResult(sr *SerializedResult) ToolResult {
	return ToolResult{ToolCallID: sr.ToolCallID, Content: sr.Content, IsError: sr.IsError}
}
