package rules

import (
	"path/filepath"
	"testing"

	"github.com/duh17/hostguard/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "global.json"), filepath.Join(dir, "workspaces"), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddGlobalRulePersistsAndReloads(t *testing.T) {
	s := newTestStore(t)
	rule, err := s.Add(protocol.RuleInput{
		Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "git *",
		Scope: protocol.ScopeGlobal, Provenance: protocol.ProvenanceManual,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rule.ID == "" {
		t.Error("expected a generated rule id")
	}

	got := s.GlobalRules()
	if len(got) != 1 || got[0].ID != rule.ID {
		t.Fatalf("GlobalRules() = %+v, want one rule with id %s", got, rule.ID)
	}
}

func TestAddDuplicateSignatureReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	in := protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "git *", Scope: protocol.ScopeGlobal}

	first, err := s.Add(in)
	if err != nil {
		t.Fatalf("first Add: %v", err)
	}
	second, err := s.Add(in)
	if err != nil {
		t.Fatalf("second Add: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("identical input should return the existing rule, got distinct ids %s != %s", first.ID, second.ID)
	}
	if len(s.GlobalRules()) != 1 {
		t.Errorf("GlobalRules() should still have exactly one rule, got %d", len(s.GlobalRules()))
	}
}

func TestAddConflictingDecisionFails(t *testing.T) {
	s := newTestStore(t)
	base := protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "git *", Scope: protocol.ScopeGlobal}
	if _, err := s.Add(base); err != nil {
		t.Fatalf("Add allow: %v", err)
	}

	conflict := base
	conflict.Decision = protocol.DecisionDeny
	_, err := s.Add(conflict)
	if err != ErrConflictingDecision {
		t.Errorf("Add with conflicting decision = %v, want ErrConflictingDecision", err)
	}
}

func TestAddSessionScopeRequiresSessionID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeSession})
	if err != ErrScopeRequiresID {
		t.Errorf("Add session-scope without id = %v, want ErrScopeRequiresID", err)
	}
}

func TestAddWorkspaceScopeRequiresWorkspaceID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeWorkspace})
	if err != ErrScopeRequiresID {
		t.Errorf("Add workspace-scope without id = %v, want ErrScopeRequiresID", err)
	}
}

func TestNormalizeDefaultsEmptyToolToWildcard(t *testing.T) {
	s := newTestStore(t)
	rule, err := s.Add(protocol.RuleInput{Decision: protocol.DecisionDeny, Scope: protocol.ScopeGlobal})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rule.Tool != "*" {
		t.Errorf("Tool = %q, want * (empty tool defaults to wildcard)", rule.Tool)
	}
}

func TestNormalizeLegacyBlockMapsToDeny(t *testing.T) {
	s := newTestStore(t)
	rule, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: "block", Scope: protocol.ScopeGlobal})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rule.Decision != protocol.DecisionDeny {
		t.Errorf("Decision = %q, want deny (legacy block synonym)", rule.Decision)
	}
}

func TestRemoveDeletesRule(t *testing.T) {
	s := newTestStore(t)
	rule, _ := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeGlobal})
	if !s.Remove(rule.ID) {
		t.Fatal("Remove returned false for an existing rule")
	}
	if len(s.GlobalRules()) != 0 {
		t.Errorf("GlobalRules() after Remove = %+v, want empty", s.GlobalRules())
	}
	if s.Remove(rule.ID) {
		t.Error("Remove on an already-removed rule should return false")
	}
}

func TestUpdateConflictingDecisionFails(t *testing.T) {
	s := newTestStore(t)
	allow, _ := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "ls *", Scope: protocol.ScopeGlobal})
	_, _ = s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionDeny, Pattern: "rm *", Scope: protocol.ScopeGlobal})

	_, err := s.Update(allow.ID, protocol.RuleInput{Pattern: "rm *"})
	if err != ErrConflictingDecision {
		t.Errorf("Update into a conflicting sibling = %v, want ErrConflictingDecision", err)
	}
}

func TestWorkspaceRulesIsolatedPerWorkspace(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeWorkspace, WorkspaceID: "ws-a"})
	if err != nil {
		t.Fatalf("Add ws-a: %v", err)
	}
	_, err = s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionDeny, Scope: protocol.ScopeWorkspace, WorkspaceID: "ws-b"})
	if err != nil {
		t.Fatalf("Add ws-b: %v", err)
	}

	if got := s.WorkspaceRules("ws-a"); len(got) != 1 || got[0].Decision != protocol.DecisionAllow {
		t.Errorf("WorkspaceRules(ws-a) = %+v, want one allow rule", got)
	}
	if got := s.WorkspaceRules("ws-b"); len(got) != 1 || got[0].Decision != protocol.DecisionDeny {
		t.Errorf("WorkspaceRules(ws-b) = %+v, want one deny rule", got)
	}
}

func TestNormalizePathPatternExpandsTildeAndCleansPrefix(t *testing.T) {
	s := newTestStore(t)
	rule, err := s.Add(protocol.RuleInput{Tool: "read", Decision: protocol.DecisionAllow, Pattern: "/a/b/../c/*.go", Scope: protocol.ScopeGlobal})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if rule.Pattern != "/a/c/*.go" {
		t.Errorf("Pattern = %q, want /a/c/*.go (glob suffix preserved, literal prefix cleaned)", rule.Pattern)
	}
}

func TestGetAllCombinesGlobalWorkspaceAndSessionRules(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeGlobal}); err != nil {
		t.Fatalf("Add global: %v", err)
	}
	if _, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionDeny, Scope: protocol.ScopeWorkspace, WorkspaceID: "ws-a"}); err != nil {
		t.Fatalf("Add workspace: %v", err)
	}
	if _, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeSession, SessionID: "sess-1"}); err != nil {
		t.Fatalf("Add session: %v", err)
	}

	got := s.GetAll()
	if len(got) != 3 {
		t.Fatalf("GetAll() = %+v, want 3 rules (one per scope)", got)
	}
}

func TestGetAllEnumeratesWorkspaceNeverReadByThisStore(t *testing.T) {
	dir := t.TempDir()
	writer := New(filepath.Join(dir, "global.json"), filepath.Join(dir, "workspaces"), nil)
	if _, err := writer.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeWorkspace, WorkspaceID: "ws-untouched"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	writer.Close()

	// A fresh store that has never called WorkspaceRules("ws-untouched")
	// has nothing for it in its in-memory cache; GetAll must still find
	// the rule file on disk.
	reader := New(filepath.Join(dir, "global.json"), filepath.Join(dir, "workspaces"), nil)
	defer reader.Close()

	got := reader.GetAll()
	if len(got) != 1 || got[0].WorkspaceID != "ws-untouched" {
		t.Errorf("GetAll() = %+v, want the one rule from ws-untouched's on-disk file", got)
	}
}

func TestSessionRulesAreNotPersistedToDisk(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Add(protocol.RuleInput{Tool: "bash", Decision: protocol.DecisionAllow, Scope: protocol.ScopeSession, SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := s.SessionRules("sess-1"); len(got) != 1 {
		t.Fatalf("SessionRules = %+v, want one rule", got)
	}
	// A fresh store over the same paths must not see the session rule,
	// since session scope is in-memory only.
	reopened := New(s.globalPath, s.workspaceRoot, nil)
	defer reopened.Close()
	if got := reopened.SessionRules("sess-1"); len(got) != 0 {
		t.Errorf("reopened store SessionRules = %+v, want empty", got)
	}
}
