package policyconfig

import "testing"

func TestParseValidConfig(t *testing.T) {
	data := []byte(`{
		schemaVersion: 1,
		fallback: "ask",
		permissions: [
			{ id: "allow-reads", decision: "allow", match: { tool: "read" } },
		],
	}`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Fallback != DecisionAsk {
		t.Errorf("Fallback = %q, want ask", cfg.Fallback)
	}
	if len(cfg.Permissions) != 1 || cfg.Permissions[0].ID != "allow-reads" {
		t.Errorf("Permissions = %+v, want one entry allow-reads", cfg.Permissions)
	}
}

func TestParseRejectsUnknownTopLevelKey(t *testing.T) {
	data := []byte(`{"schemaVersion":1,"fallback":"ask","bogusKey":true}`)
	if _, err := Parse(data); err == nil {
		t.Error("expected an error for an unknown top-level key")
	}
}

func TestParseRejectsBadSchemaVersion(t *testing.T) {
	data := []byte(`{"schemaVersion":2,"fallback":"ask"}`)
	if _, err := Parse(data); err == nil {
		t.Error("expected an error for an unsupported schemaVersion")
	}
}

func TestParseRejectsInvalidFallback(t *testing.T) {
	data := []byte(`{"schemaVersion":1,"fallback":"maybe"}`)
	if _, err := Parse(data); err == nil {
		t.Error("expected an error for an invalid fallback decision")
	}
}

func TestParseLegacyBlockFallbackNormalizesToDeny(t *testing.T) {
	data := []byte(`{"schemaVersion":1,"fallback":"block"}`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Fallback != DecisionDeny {
		t.Errorf("Fallback = %q, want deny (legacy block normalizes)", cfg.Fallback)
	}
}

func TestParseRejectsPermissionWithBadID(t *testing.T) {
	data := []byte(`{"schemaVersion":1,"fallback":"ask","permissions":[
		{"id":"x","decision":"allow","match":{"tool":"read"}}
	]}`)
	if _, err := Parse(data); err == nil {
		t.Error("expected an error for a permission id shorter than the slug pattern requires")
	}
}

func TestParseRejectsPermissionWithEmptyMatch(t *testing.T) {
	data := []byte(`{"schemaVersion":1,"fallback":"ask","permissions":[
		{"id":"allow-something","decision":"allow","match":{}}
	]}`)
	if _, err := Parse(data); err == nil {
		t.Error("expected an error for a permission whose match block has no fields set")
	}
}

func TestParseRejectsPermissionWithInvalidDecision(t *testing.T) {
	data := []byte(`{"schemaVersion":1,"fallback":"ask","permissions":[
		{"id":"something-weird","decision":"maybe","match":{"tool":"read"}}
	]}`)
	if _, err := Parse(data); err == nil {
		t.Error("expected an error for an invalid permission decision")
	}
}

func TestParsePermissionLegacyBlockNormalizesToDeny(t *testing.T) {
	data := []byte(`{"schemaVersion":1,"fallback":"ask","guardrails":[
		{"id":"deny-something","decision":"block","match":{"tool":"bash"}}
	]}`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Guardrails[0].Decision != DecisionDeny {
		t.Errorf("Guardrails[0].Decision = %q, want deny", cfg.Guardrails[0].Decision)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/policy.json5"); err == nil {
		t.Error("expected an error loading a nonexistent file")
	}
}
