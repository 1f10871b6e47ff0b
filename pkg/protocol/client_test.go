package protocol

import (
	"encoding/json"
	"testing"
)

func TestIsDurable(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{TypeAgentStart, true},
		{TypeToolStart, true},
		{TypeSessionEnded, true},
		{TypeError, true},
		{TypeTextDelta, false},
		{TypeThinkingDelta, false},
		{TypeToolOutput, false},
		{TypeStreamConnected, false},
		{"unknown_type", false},
	}
	for _, tt := range tests {
		if got := IsDurable(tt.name); got != tt.want {
			t.Errorf("IsDurable(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsDroppable(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{TypeTextDelta, true},
		{TypeThinkingDelta, true},
		{TypeToolOutput, true},
		{TypeToolStart, false},
		{TypeAgentEnd, false},
		{TypeError, false},
	}
	for _, tt := range tests {
		if got := IsDroppable(tt.name); got != tt.want {
			t.Errorf("IsDroppable(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
	for dt := range durableTypes {
		if IsDroppable(dt) {
			t.Errorf("durable type %q must never be droppable", dt)
		}
	}
}

func TestPassesNotificationFilter(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{TypePermissionRequest, true},
		{TypeAgentStart, true},
		{TypeState, true},
		{TypeError, true},
		{TypeTextDelta, false},
		{TypeToolStart, false},
		{TypeToolOutput, false},
	}
	for _, tt := range tests {
		if got := PassesNotificationFilter(tt.name); got != tt.want {
			t.Errorf("PassesNotificationFilter(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestServerMessageMarshalJSONFlattensPayload(t *testing.T) {
	seq := int64(42)
	msg := ServerMessage{
		Type:      TypeToolStart,
		SessionID: "sess-1",
		Seq:       &seq,
		Payload:   map[string]any{"tool": "bash", "toolCallId": "tc-1"},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out["type"] != TypeToolStart {
		t.Errorf("type = %v, want %v", out["type"], TypeToolStart)
	}
	if out["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v, want sess-1", out["sessionId"])
	}
	if out["seq"].(float64) != 42 {
		t.Errorf("seq = %v, want 42", out["seq"])
	}
	if out["tool"] != "bash" {
		t.Errorf("tool = %v, want bash (payload not flattened)", out["tool"])
	}
	if _, ok := out["streamSeq"]; ok {
		t.Errorf("streamSeq should be omitted when nil, got %v", out["streamSeq"])
	}
	if _, ok := out["requestId"]; ok {
		t.Errorf("requestId should be omitted when empty, got %v", out["requestId"])
	}
}

func TestServerMessageMarshalJSONOmitsZeroEnvelope(t *testing.T) {
	msg := ServerMessage{Type: TypeConnected}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, field := range []string{"sessionId", "seq", "streamSeq", "requestId"} {
		if _, ok := out[field]; ok {
			t.Errorf("field %q should be omitted on zero-value envelope, got %v", field, out[field])
		}
	}
}
