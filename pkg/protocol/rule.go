package protocol

import "time"

// Rule is the unit of policy decision (§3 "Rule").
type Rule struct {
	ID          string     `json:"id"`
	Tool        string     `json:"tool"` // tool name or "*"
	Decision    Decision   `json:"decision"`
	Executable  string     `json:"executable,omitempty"`
	Pattern     string     `json:"pattern,omitempty"`
	Scope       Scope      `json:"scope"`
	SessionID   string     `json:"sessionId,omitempty"`
	WorkspaceID string     `json:"workspaceId,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Provenance  Provenance `json:"provenance"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// RuleInput is a candidate rule passed to RuleStore.Add/Update, before
// normalization assigns it an id/createdAt.
type RuleInput struct {
	Tool        string
	Decision    Decision
	Executable  string
	Pattern     string
	Scope       Scope
	SessionID   string
	WorkspaceID string
	ExpiresAt   *time.Time
	Provenance  Provenance
}

// PendingDecision is an unresolved "ask" from the gate (§3).
type PendingDecision struct {
	ID             string
	SessionID      string
	WorkspaceID    string
	Tool           string
	Input          map[string]any
	ToolCallID     string
	DisplaySummary string
	Reason         string
	CreatedAt      time.Time
	TimeoutAt      *time.Time // nil when the approval timer is disabled (timeout=0)
	Expires        bool
}
