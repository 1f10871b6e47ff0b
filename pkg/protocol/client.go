package protocol

import "encoding/json"

// Client -> server RPC method names (§6.5).
const (
	MethodSubscribe       = "subscribe"
	MethodUnsubscribe     = "unsubscribe"
	MethodPrompt          = "prompt"
	MethodSteer           = "steer"
	MethodFollowUp        = "follow_up"
	MethodAbort           = "abort"
	MethodStop            = "stop"
	MethodStopSession     = "stop_session"
	MethodGetState        = "get_state"
	MethodPermissionResp  = "permission_response"
	MethodExtensionUIResp = "extension_ui_response"
)

// Server -> client frame types (§6.5, selected).
const (
	TypeConnected         = "connected"
	TypeState             = "state"
	TypeStreamConnected   = "stream_connected"
	TypeTextDelta         = "text_delta"
	TypeThinkingDelta     = "thinking_delta"
	TypeToolStart         = "tool_start"
	TypeToolOutput        = "tool_output"
	TypeToolEnd           = "tool_end"
	TypeAgentStart        = "agent_start"
	TypeAgentEnd          = "agent_end"
	TypeMessageEnd        = "message_end"
	TypeCompactionStart   = "compaction_start"
	TypeCompactionEnd     = "compaction_end"
	TypeRetryStart        = "retry_start"
	TypeRetryEnd          = "retry_end"
	TypePermissionRequest = "permission_request"
	TypePermissionExpired = "permission_expired"
	TypePermissionCancel  = "permission_cancelled"
	TypeStopRequested     = "stop_requested"
	TypeStopConfirmed     = "stop_confirmed"
	TypeStopFailed        = "stop_failed"
	TypeSessionEnded      = "session_ended"
	TypeRPCResult         = "rpc_result"
	TypeError             = "error"
)

// durableTypes is the set of client message types assigned a per-session
// seq and retained in the session ring (§4.4 "Durable vs ephemeral
// classification").
var durableTypes = map[string]bool{
	TypeAgentStart:        true,
	TypeAgentEnd:          true,
	TypeMessageEnd:        true,
	TypeToolStart:         true,
	TypeToolEnd:           true,
	TypePermissionRequest: true,
	TypePermissionExpired: true,
	TypePermissionCancel:  true,
	TypeStopRequested:     true,
	TypeStopConfirmed:     true,
	TypeStopFailed:        true,
	TypeSessionEnded:      true,
	TypeError:             true,
}

// IsDurable reports whether a server message type belongs to the durable
// set that is sequenced and ring-retained, as opposed to ephemeral deltas
// that are fanned out only to currently-connected subscribers.
func IsDurable(messageType string) bool { return durableTypes[messageType] }

// droppableTypes is the set of message types the StreamMux backpressure
// policy (§4.5) is allowed to discard when a connection's outbound buffer
// is congested.
var droppableTypes = map[string]bool{
	TypeTextDelta:     true,
	TypeThinkingDelta: true,
	TypeToolOutput:    true,
}

// IsDroppable reports whether msgType may be silently dropped under
// backpressure. Durable types must never satisfy this.
func IsDroppable(messageType string) bool { return droppableTypes[messageType] }

// notificationPassTypes is the filter applied at SubscriptionLevel
// "notifications" (§4.5 "Notification filter").
var notificationPassTypes = map[string]bool{
	TypePermissionRequest: true,
	TypePermissionExpired: true,
	TypePermissionCancel:  true,
	TypeAgentStart:        true,
	TypeAgentEnd:          true,
	TypeState:             true,
	TypeSessionEnded:      true,
	TypeStopRequested:     true,
	TypeStopConfirmed:     true,
	TypeStopFailed:        true,
	TypeError:             true,
}

// PassesNotificationFilter reports whether msgType is forwarded to a
// "notifications"-level subscriber.
func PassesNotificationFilter(messageType string) bool { return notificationPassTypes[messageType] }

// ServerMessage is a single frame sent from server to client. Seq is the
// per-session sequence number (durable messages only); StreamSeq is the
// per-socket sequence number assigned by StreamMux on every send.
type ServerMessage struct {
	Type       string         `json:"type"`
	SessionID  string         `json:"sessionId,omitempty"`
	Seq        *int64         `json:"seq,omitempty"`
	StreamSeq  *int64         `json:"streamSeq,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Payload    map[string]any `json:"-"`
	rawPayload json.RawMessage
}

// MarshalJSON flattens Payload fields alongside the envelope fields so the
// wire format is a single flat JSON object, matching the teacher's
// protocol.Event encoding style.
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	out := map[string]any{"type": m.Type}
	if m.SessionID != "" {
		out["sessionId"] = m.SessionID
	}
	if m.Seq != nil {
		out["seq"] = *m.Seq
	}
	if m.StreamSeq != nil {
		out["streamSeq"] = *m.StreamSeq
	}
	if m.RequestID != "" {
		out["requestId"] = m.RequestID
	}
	for k, v := range m.Payload {
		out[k] = v
	}
	return json.Marshal(out)
}

// ClientCommand is a single inbound frame from the owner's WebSocket.
type ClientCommand struct {
	Method       string          `json:"method"`
	RequestID    string          `json:"requestId,omitempty"`
	SessionID    string          `json:"sessionId,omitempty"`
	Level        string          `json:"level,omitempty"`
	SinceSeq     *int64          `json:"sinceSeq,omitempty"`
	Text         string          `json:"text,omitempty"`
	ClientTurnID string          `json:"clientTurnId,omitempty"`
	Images       []ClientImage   `json:"images,omitempty"`
	Permission   *PermissionResp `json:"permission,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// ClientImage is an inline image attachment on a prompt/steer/follow_up.
type ClientImage struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

// PermissionResp is the body of a permission_response command (§6.5).
type PermissionResp struct {
	ID            string `json:"id"`
	Action        string `json:"action"` // "allow" | "deny"
	Scope         string `json:"scope"`  // "once" | "session" | "workspace" | "global"
	ExpiresInMs   *int64 `json:"expiresInMs,omitempty"`
}
