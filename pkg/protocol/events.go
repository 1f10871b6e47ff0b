package protocol

// AgentEvent is the raw event shape produced by the agent child process
// (or in-process backend). It is intentionally loose — the agent is a
// black-box collaborator (spec §1 "Deliberately out of scope") — and is
// consumed only by internal/translate, which maps it to ServerMessage.
type AgentEvent struct {
	Type         string         `json:"type"`
	ToolCallID   string         `json:"toolCallId,omitempty"`
	Role         string         `json:"role,omitempty"`
	Text         string         `json:"text,omitempty"`
	Delta        string         `json:"delta,omitempty"`
	Error        string         `json:"error,omitempty"`
	IsError      bool           `json:"isError,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Media        []MediaBlock   `json:"media,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	CallSegments []CallSegment  `json:"callSegments,omitempty"`
}

// MediaBlock is a binary blob attached to a tool execution event.
type MediaBlock struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// CallSegment is one piece of a pretty-printed tool call, used when a
// mobile renderer is available (renderers themselves are out of scope,
// §1; this is just the shape the translator forwards).
type CallSegment struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Agent event type constants, as produced upstream of EventTranslator.
const (
	AgentEvAgentStart       = "agent_start"
	AgentEvAgentEnd         = "agent_end"
	AgentEvTurnStart        = "turn_start"
	AgentEvTurnEnd          = "turn_end"
	AgentEvTextDelta        = "message_update.text_delta"
	AgentEvThinkingDelta    = "message_update.thinking_delta"
	AgentEvMessageError     = "message_update.error"
	AgentEvToolExecStart    = "tool_execution_start"
	AgentEvToolExecUpdate   = "tool_execution_update"
	AgentEvToolExecEnd      = "tool_execution_end"
	AgentEvAutoCompactStart = "auto_compaction_start"
	AgentEvAutoCompactEnd   = "auto_compaction_end"
	AgentEvAutoRetryStart   = "auto_retry_start"
	AgentEvAutoRetryEnd     = "auto_retry_end"
	AgentEvResponse         = "response"
	AgentEvMessageEnd       = "message_end"
	AgentEvExtensionError   = "extension_error"
)
