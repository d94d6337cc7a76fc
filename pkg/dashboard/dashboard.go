// Package dashboard implements the WebSocket front-end described in
// spec.md §6: inbound command frames from a browser dashboard, outbound
// event frames pushed by the router, supervisor, and voice subsystems.
package dashboard

// Command is the "command" field of an inbound dashboard frame.
type Command string

const (
	CommandAuth         Command = "auth"
	CommandInput        Command = "input"
	CommandVoiceMute    Command = "voice_mute"
	CommandVoiceUnmute  Command = "voice_unmute"
	CommandPing         Command = "ping"
)

// FrameType is the "type" field of an outbound dashboard frame.
type FrameType string

const (
	TypeAuthResult     FrameType = "auth_result"
	TypeInputResponse  FrameType = "input_response"
	TypeAgentCompleted FrameType = "agent_completed"
	TypeAgentFailed    FrameType = "agent_failed"
	TypeVADEvent       FrameType = "vad_event"
	TypePong           FrameType = "pong"
	TypeError          FrameType = "error"
)

// InboundFrame is the wire shape of a dashboard-to-core message.
type InboundFrame struct {
	Command Command `json:"command"`
	Token   string  `json:"token,omitempty"`
	Text    string  `json:"text,omitempty"`
	ID      string  `json:"id,omitempty"`
}

// OutboundFrame is the wire shape of a core-to-dashboard message.
type OutboundFrame struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Text      string    `json:"text,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Active    bool      `json:"active,omitempty"`
	Timestamp int64     `json:"timestamp"`
}
