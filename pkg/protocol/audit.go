package protocol

import "time"

// UserChoice records the owner's explicit decision on a resolved
// PendingDecision (§3 "AuditEntry").
type UserChoice struct {
	Action        string     `json:"action"` // "allow" | "deny"
	Scope         Scope      `json:"scope"`
	LearnedRuleID string     `json:"learnedRuleId,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
}

// AuditEntry is one line of the append-only audit JSONL (§3, §6.4).
type AuditEntry struct {
	ID              string      `json:"id"`
	Timestamp       time.Time   `json:"timestamp"`
	SessionID       string      `json:"sessionId"`
	WorkspaceID     string      `json:"workspaceId,omitempty"`
	Tool            string      `json:"tool"`
	DisplaySummary  string      `json:"displaySummary"`
	Decision        Decision    `json:"decision"` // allow | deny (ask is never terminal)
	ResolvedBy      ResolvedBy  `json:"resolvedBy"`
	Layer           string      `json:"layer"`
	RuleID          string      `json:"ruleId,omitempty"`
	RuleSummary     string      `json:"ruleSummary,omitempty"`
	UserChoice      *UserChoice `json:"userChoice,omitempty"`
}
