package protocol

import "encoding/json"

// Gate messages are newline-delimited JSON exchanged between the server and
// the agent's gate shim over a loopback TCP socket (or, in virtual mode,
// passed as Go values through a direct function call). Every message carries
// "type" so a single decoder can dispatch both directions.

const (
	// Agent -> server
	GateMsgGuardReady = "guard_ready"
	GateMsgCheck      = "gate_check"
	GateMsgHeartbeat  = "heartbeat"

	// Server -> agent
	GateMsgGuardAck      = "guard_ack"
	GateMsgResult        = "gate_result"
	GateMsgHeartbeatAck  = "heartbeat_ack"
)

// GateEnvelope is the outer shape every gate-protocol line decodes into
// before the payload is re-parsed into its concrete type.
type GateEnvelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// GuardReady is sent once by the agent's gate shim after connecting.
type GuardReady struct {
	Type             string `json:"type"`
	SessionID        string `json:"sessionId"`
	ExtensionVersion string `json:"extensionVersion"`
}

// GateCheck is an agent tool-call authorization request.
type GateCheck struct {
	Type       string         `json:"type"`
	Tool       string         `json:"tool"`
	Input      map[string]any `json:"input"`
	ToolCallID string         `json:"toolCallId"`
}

// GuardAck acknowledges GuardReady.
type GuardAck struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// GateResult answers a GateCheck.
type GateResult struct {
	Type   string `json:"type"`
	Action string `json:"action"` // "allow" | "deny"
	Reason string `json:"reason,omitempty"`
}

// NewGuardAck builds a successful guard_ack.
func NewGuardAck() GuardAck { return GuardAck{Type: GateMsgGuardAck, Status: "ok"} }

// NewGateResult builds a gate_result payload.
func NewGateResult(allow bool, reason string) GateResult {
	action := "deny"
	if allow {
		action = "allow"
	}
	return GateResult{Type: GateMsgResult, Action: action, Reason: reason}
}

// NewHeartbeatAck builds a heartbeat_ack payload.
func NewHeartbeatAck() map[string]string {
	return map[string]string{"type": GateMsgHeartbeatAck}
}
