package policy

import (
	"testing"
	"time"

	"github.com/duh17/hostguard/internal/policyconfig"
	"github.com/duh17/hostguard/pkg/protocol"
)

type fakeRules struct {
	session   []protocol.Rule
	workspace []protocol.Rule
	global    []protocol.Rule
}

func (f fakeRules) SessionRules(string) []protocol.Rule   { return f.session }
func (f fakeRules) WorkspaceRules(string) []protocol.Rule { return f.workspace }
func (f fakeRules) GlobalRules() []protocol.Rule          { return f.global }

func mustCompile(t *testing.T, cfg *policyconfig.PolicyConfig) *Engine {
	t.Helper()
	return Compile(cfg)
}

func baseConfig(fallback policyconfig.Decision) *policyconfig.PolicyConfig {
	return &policyconfig.PolicyConfig{SchemaVersion: 1, Fallback: fallback}
}

func TestEvaluateHardDenyCannotBeOverriddenByAnyRule(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAllow))
	rules := fakeRules{global: []protocol.Rule{
		{Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "sudo *", Scope: protocol.ScopeGlobal},
	}}
	d := e.Evaluate(Request{Tool: "bash", Command: "sudo rm -rf /"}, EvalContext{}, rules)
	if d.Layer != LayerHardDeny || d.Action != protocol.DecisionDeny {
		t.Errorf("Evaluate(sudo) = %+v, want hard_deny/deny even with a conflicting allow rule", d)
	}
}

func TestEvaluateHardDenyPathBlocksCredentialFiles(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAllow))
	d := e.Evaluate(Request{Tool: "read", Path: "/home/user/.ssh/id_rsa"}, EvalContext{}, fakeRules{})
	if d.Layer != LayerHardDeny || d.Action != protocol.DecisionDeny {
		t.Errorf("Evaluate(ssh key read) = %+v, want hard_deny/deny", d)
	}
}

func TestEvaluateLearnedDenyBeatsLearnedAllowAtSameScope(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAllow))
	rules := fakeRules{global: []protocol.Rule{
		{Tool: "bash", Decision: protocol.DecisionDeny, Pattern: "git push*", Scope: protocol.ScopeGlobal},
	}}
	d := e.Evaluate(Request{Tool: "bash", Command: "git push origin main"}, EvalContext{}, rules)
	if d.Layer != LayerLearnedDeny || d.Action != protocol.DecisionDeny {
		t.Errorf("Evaluate = %+v, want learned_deny/deny", d)
	}
}

func TestEvaluateSessionScopeOutranksWorkspaceAndGlobal(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAsk))
	rules := fakeRules{
		session:   []protocol.Rule{{Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "ls *", Scope: protocol.ScopeSession}},
		workspace: []protocol.Rule{{Tool: "bash", Decision: protocol.DecisionAsk, Pattern: "ls *", Scope: protocol.ScopeWorkspace}},
		global:    []protocol.Rule{{Tool: "bash", Decision: protocol.DecisionAsk, Pattern: "ls *", Scope: protocol.ScopeGlobal}},
	}
	d := e.Evaluate(Request{Tool: "bash", Command: "ls -la"}, EvalContext{}, rules)
	if d.Layer != LayerSession || d.Action != protocol.DecisionAllow {
		t.Errorf("Evaluate = %+v, want session_rule/allow (session scope wins over workspace/global)", d)
	}
}

func TestEvaluateWorkspaceScopeOutranksGlobal(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAsk))
	rules := fakeRules{
		workspace: []protocol.Rule{{Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "ls *", Scope: protocol.ScopeWorkspace}},
		global:    []protocol.Rule{{Tool: "bash", Decision: protocol.DecisionAsk, Pattern: "ls *", Scope: protocol.ScopeGlobal}},
	}
	d := e.Evaluate(Request{Tool: "bash", Command: "ls -la"}, EvalContext{}, rules)
	if d.Layer != LayerWorkspace || d.Action != protocol.DecisionAllow {
		t.Errorf("Evaluate = %+v, want workspace_rule/allow", d)
	}
}

func TestEvaluateExpiredRuleIsIgnored(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAsk))
	past := time.Now().Add(-time.Hour)
	rules := fakeRules{global: []protocol.Rule{
		{Tool: "bash", Decision: protocol.DecisionAllow, Pattern: "ls *", Scope: protocol.ScopeGlobal, ExpiresAt: &past},
	}}
	d := e.Evaluate(Request{Tool: "bash", Command: "ls -la"}, EvalContext{}, rules)
	if d.Layer == LayerGlobal {
		t.Errorf("Evaluate = %+v, an expired rule must not be matched", d)
	}
}

func TestEvaluateCompiledPermissionsFirstMatchWins(t *testing.T) {
	cfg := baseConfig(policyconfig.DecisionAsk)
	cfg.Permissions = []policyconfig.Permission{
		{ID: "allow-ls", Decision: policyconfig.DecisionAllow, Match: policyconfig.Match{Tool: "bash", CommandMatches: "ls*"}},
		{ID: "deny-ls-secrets", Decision: policyconfig.DecisionDeny, Match: policyconfig.Match{Tool: "bash", CommandMatches: "ls *secrets*"}},
	}
	e := mustCompile(t, cfg)
	d := e.Evaluate(Request{Tool: "bash", Command: "ls secrets/"}, EvalContext{}, fakeRules{})
	if d.Layer != LayerCompiled || d.Action != protocol.DecisionAllow || d.RuleID != "allow-ls" {
		t.Errorf("Evaluate = %+v, want the first positional match (allow-ls) to win", d)
	}
}

func TestEvaluateAllowedPathsSplicedAheadOfPermissions(t *testing.T) {
	cfg := baseConfig(policyconfig.DecisionAsk)
	cfg.AllowedPaths = []policyconfig.PathAccess{{Path: "/workspace/proj", ReadWrite: true}}
	cfg.Permissions = []policyconfig.Permission{
		{ID: "ask-all-reads", Decision: policyconfig.DecisionAsk, Match: policyconfig.Match{Tool: "read"}},
	}
	e := mustCompile(t, cfg)
	d := e.Evaluate(Request{Tool: "read", Path: "/workspace/proj/main.go"}, EvalContext{}, fakeRules{})
	if d.Action != protocol.DecisionAllow {
		t.Errorf("Evaluate = %+v, want allow via the spliced path-access permission", d)
	}
}

func TestEvaluateDefaultFallbackWhenNothingMatches(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAsk))
	d := e.Evaluate(Request{Tool: "bash", Command: "echo hello"}, EvalContext{}, fakeRules{})
	if d.Layer != LayerDefault || d.Action != protocol.DecisionAsk {
		t.Errorf("Evaluate = %+v, want default/ask (configured fallback)", d)
	}
}

func TestEvaluateLegacyBlockFallbackNormalizesToDeny(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.Decision("block")))
	d := e.Evaluate(Request{Tool: "bash", Command: "echo hi"}, EvalContext{}, fakeRules{})
	if d.Action != protocol.DecisionDeny {
		t.Errorf("Evaluate default action = %v, want deny (block normalizes to deny)", d.Action)
	}
}

func TestEvaluateBashExecutableParsedWhenMissing(t *testing.T) {
	e := mustCompile(t, baseConfig(policyconfig.DecisionAsk))
	rules := fakeRules{global: []protocol.Rule{
		{Tool: "bash", Decision: protocol.DecisionAllow, Executable: "git", Scope: protocol.ScopeGlobal},
	}}
	d := e.Evaluate(Request{Tool: "bash", Command: "git status"}, EvalContext{}, rules)
	if d.Action != protocol.DecisionAllow || d.Layer != LayerGlobal {
		t.Errorf("Evaluate = %+v, want global_rule/allow via parsed executable", d)
	}
}

func TestMatchesRuleWildcardPathSuffix(t *testing.T) {
	r := protocol.Rule{Tool: "read", Decision: protocol.DecisionAllow, Pattern: "/workspace/**"}
	if !MatchesRule(r, Request{Tool: "read", Path: "/workspace/sub/file.go"}) {
		t.Error("expected /** pattern to match a nested path")
	}
	if MatchesRule(r, Request{Tool: "read", Path: "/other/file.go"}) {
		t.Error("expected /** pattern not to match an unrelated path")
	}
}

func TestMatchesRuleToolWildcard(t *testing.T) {
	r := protocol.Rule{Tool: "*", Decision: protocol.DecisionDeny, Pattern: ""}
	if !MatchesRule(r, Request{Tool: "bash"}) {
		t.Error("wildcard tool should match any request tool")
	}
}
