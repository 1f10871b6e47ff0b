// Package policy implements the PolicyEngine of spec §4.2: a stateless
// layered decision function over (tool, input, context, rules) returning
// a single {action, layer, reason, ruleId?, ruleLabel?} result.
//
// Evaluation order is fixed and first-match-wins:
//
//	1. hard_deny        compiled unconditional deny patterns
//	2. learned_deny      any matching deny rule, session→workspace→global
//	3. session_rule      matching allow/ask, session scope
//	4. workspace_rule    matching allow/ask, workspace+global scope
//	5. global_rule       matching allow/ask, global scope
//	6. compiled rule     positional match against the policy config's rules
//	7. heuristic         structural pattern checks
//	8. default           compiled fallback action
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/duh17/hostguard/internal/policyconfig"
	"github.com/duh17/hostguard/pkg/protocol"
)

// Layer names returned in Decision.Layer, matching spec §4.2 / §8 verbatim.
const (
	LayerHardDeny    = "hard_deny"
	LayerLearnedDeny = "learned_deny"
	LayerSession     = "session_rule"
	LayerWorkspace   = "workspace_rule"
	LayerGlobal      = "global_rule"
	LayerCompiled    = "compiled_rule"
	LayerHeuristic   = "heuristic"
	LayerDefault     = "default"
)

// Decision is the PolicyEngine's single output shape.
type Decision struct {
	Action    protocol.Decision
	Layer     string
	Reason    string
	RuleID    string
	RuleLabel string
}

// Request is the (tool, input) pair being evaluated, pre-extracted into
// the fields the matchers need.
type Request struct {
	Tool       string
	Command    string // bash: the full command string
	Path       string // file tools: the target path
	Domain     string // browser/network tools: the target host
	Executable string // derived from Command via ParseBashCommand, or set directly
}

// RuleLookup is the subset of RuleStore the engine needs, scoped so
// policy never depends on the store's persistence details.
type RuleLookup interface {
	SessionRules(sessionID string) []protocol.Rule
	WorkspaceRules(workspaceID string) []protocol.Rule
	GlobalRules() []protocol.Rule
}

// EvalContext carries the request-scoped identifiers a rule lookup needs.
type EvalContext struct {
	SessionID   string
	WorkspaceID string
}

// Engine is a compiled PolicyEngine: immutable once built, safe for
// concurrent evaluation across sessions.
type Engine struct {
	fallback    protocol.Decision
	guardrails  []compiledPermission
	permissions []compiledPermission
	heuristics  *policyconfig.Heuristics
}

type compiledPermission struct {
	policyconfig.Permission
	compiledPattern string // the glob pattern actually matched against (command or path), if any
}

// Compile builds an Engine from a declarative PolicyConfig plus a
// workspace's path/executable overlay (§4.2 "Path access
// (workspace-configured)"), which is spliced in ahead of the compiled
// rule list at layers 3-5.
func Compile(cfg *policyconfig.PolicyConfig) *Engine {
	e := &Engine{
		fallback:   protocol.Decision(cfg.Fallback.Normalize()),
		heuristics: cfg.Heuristics,
	}
	for _, g := range cfg.Guardrails {
		e.guardrails = append(e.guardrails, compiledPermission{Permission: g})
	}
	for _, p := range cfg.Permissions {
		e.permissions = append(e.permissions, compiledPermission{Permission: p})
	}
	for _, pa := range cfg.AllowedPaths {
		id := "path-access-" + strings.ReplaceAll(pa.Path, "/", "_")
		e.permissions = append([]compiledPermission{{
			Permission: policyconfig.Permission{
				ID:       id,
				Decision: policyconfig.DecisionAllow,
				Label:    "workspace path access",
				Match:    policyconfig.Match{PathWithin: pa.Path},
			},
		}}, e.permissions...)
	}
	for _, exe := range cfg.AllowedExecutables {
		id := "exec-access-" + exe
		e.permissions = append([]compiledPermission{{
			Permission: policyconfig.Permission{
				ID:       id,
				Decision: policyconfig.DecisionAllow,
				Label:    "workspace executable access",
				Match:    policyconfig.Match{Executable: exe},
			},
		}}, e.permissions...)
	}
	return e
}

// Evaluate runs the full 8-layer evaluation order against req, consulting
// rules for scoped lookups.
func (e *Engine) Evaluate(req Request, ctx EvalContext, rules RuleLookup) Decision {
	if req.Tool == "bash" && req.Command != "" && req.Executable == "" {
		req.Executable = ParseBashCommand(req.Command).Executable
	}

	// Layer 1: hard_deny.
	if req.Tool == "bash" && req.Command != "" {
		for _, seg := range SplitBashCommandChain(req.Command) {
			if deny, reason := matchesHardDenyBash(seg); deny {
				return Decision{Action: protocol.DecisionDeny, Layer: LayerHardDeny, Reason: reason}
			}
		}
	}
	if req.Path != "" {
		if deny, ruleID, reason := matchesHardDenyPath(req.Path); deny {
			return Decision{Action: protocol.DecisionDeny, Layer: LayerHardDeny, Reason: reason, RuleID: ruleID}
		}
	}

	// Layer 2: learned_deny, across session -> workspace -> global.
	allRules := append(append(
		withScope(rules.SessionRules(ctx.SessionID), protocol.ScopeSession),
		withScope(rules.WorkspaceRules(ctx.WorkspaceID), protocol.ScopeWorkspace)...),
		withScope(rules.GlobalRules(), protocol.ScopeGlobal)...)

	if d, ok := bestMatch(allRules, req, protocol.DecisionDeny); ok {
		return Decision{
			Action: protocol.DecisionDeny, Layer: LayerLearnedDeny,
			Reason: denyReason(d), RuleID: d.ID,
		}
	}

	// Layers 3-5: session_rule, workspace_rule, global_rule (allow/ask).
	sessionOnly := withScope(rules.SessionRules(ctx.SessionID), protocol.ScopeSession)
	if d, ok := bestMatch(sessionOnly, req, protocol.DecisionAllow, protocol.DecisionAsk); ok {
		return ruleDecision(d, LayerSession)
	}
	workspaceScope := append(
		withScope(rules.WorkspaceRules(ctx.WorkspaceID), protocol.ScopeWorkspace),
		withScope(rules.GlobalRules(), protocol.ScopeGlobal)...)
	if d, ok := bestMatch(workspaceScope, req, protocol.DecisionAllow, protocol.DecisionAsk); ok {
		return ruleDecision(d, LayerWorkspace)
	}
	globalOnly := withScope(rules.GlobalRules(), protocol.ScopeGlobal)
	if d, ok := bestMatch(globalOnly, req, protocol.DecisionAllow, protocol.DecisionAsk); ok {
		return ruleDecision(d, LayerGlobal)
	}

	// Layer 6: compiled rule list, positional (first match wins).
	for _, p := range e.permissions {
		if matchPermission(p.Match, req) {
			return Decision{
				Action: protocol.Decision(p.Decision), Layer: LayerCompiled,
				Reason: p.Reason, RuleID: p.ID, RuleLabel: p.Label,
			}
		}
	}
	for _, g := range e.guardrails {
		if matchPermission(g.Match, req) {
			return Decision{
				Action: protocol.Decision(g.Decision), Layer: LayerCompiled,
				Reason: g.Reason, RuleID: g.ID, RuleLabel: g.Label,
			}
		}
	}

	// Layer 7: heuristics.
	outcomes := runHeuristics(req.Tool, req.Command, req.Path, e.heuristics)
	worst := ""
	var worstName string
	for _, o := range outcomes {
		if o.decision == "" {
			continue
		}
		if mostRestrictive(worst, o.decision) != worst {
			worst = o.decision
			worstName = o.name
		}
	}
	if worst != "" {
		return Decision{
			Action: protocol.Decision(worst), Layer: LayerHeuristic,
			Reason: fmt.Sprintf("heuristic %s matched", worstName), RuleID: worstName,
		}
	}

	// Layer 8: default.
	return Decision{Action: e.fallback, Layer: LayerDefault, Reason: "no rule matched; default fallback"}
}

func withScope(rules []protocol.Rule, scope protocol.Scope) []protocol.Rule {
	out := make([]protocol.Rule, len(rules))
	for i, r := range rules {
		r.Scope = scope
		out[i] = r
	}
	return out
}

func ruleDecision(r protocol.Rule, layer string) Decision {
	return Decision{Action: r.Decision, Layer: layer, RuleID: r.ID, Reason: denyReason(r)}
}

func denyReason(r protocol.Rule) string {
	if r.Tool != "" && r.Executable != "" {
		return fmt.Sprintf("matched learned rule for %s %s", r.Tool, r.Executable)
	}
	return "matched learned rule"
}

// bestMatch filters rules to those matching req and whose decision is one
// of wanted, then resolves ties per §4.2 "Tie-break for matching rules":
// scope priority (session > workspace > global) first, then matcher
// specificity (pattern+executable > pattern > executable > tool-only),
// then longer literal pattern prefix wins.
func bestMatch(rules []protocol.Rule, req Request, wanted ...protocol.Decision) (protocol.Rule, bool) {
	want := map[protocol.Decision]bool{}
	for _, w := range wanted {
		want[w] = true
	}
	var candidates []protocol.Rule
	for _, r := range rules {
		if !want[r.Decision] {
			continue
		}
		if ruleExpired(r) {
			continue
		}
		if matchRule(r, req) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return protocol.Rule{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return ruleRank(candidates[i]) > ruleRank(candidates[j])
	})
	return candidates[0], true
}

func scopePriority(s protocol.Scope) int {
	switch s {
	case protocol.ScopeSession:
		return 3
	case protocol.ScopeWorkspace:
		return 2
	case protocol.ScopeGlobal:
		return 1
	default:
		return 0
	}
}

func specificity(r protocol.Rule) int {
	switch {
	case r.Pattern != "" && r.Executable != "":
		return 4
	case r.Pattern != "":
		return 3
	case r.Executable != "":
		return 2
	default:
		return 1
	}
}

// ruleRank packs (scopePriority, specificity, literalPrefixLen) into a
// single comparable integer for stable sorting; literal prefix length is
// capped well under the shift width used for the higher-order fields.
func ruleRank(r protocol.Rule) int {
	prefixLen := len(literalPrefix(r.Pattern))
	if prefixLen > 0xFFFF {
		prefixLen = 0xFFFF
	}
	return scopePriority(r.Scope)<<24 | specificity(r)<<20 | prefixLen
}

func ruleExpired(r protocol.Rule) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(time.Now())
}

// MatchesRule exposes the §4.1 RuleStore match semantics for callers (the
// RuleStore's findMatching) that need the same logic PolicyEngine uses
// internally, without duplicating it.
func MatchesRule(r protocol.Rule, req Request) bool {
	return matchRule(r, req)
}

// matchRule implements the RuleStore match semantics of §4.1, distinct
// from the general-purpose glob language compiled Permissions use:
//   - tool: "*" matches any tool, otherwise exact
//   - executable: when set, must equal the parsed executable
//   - pattern, for bash: simple glob where "*" means ".*", anchored to the
//     full command
//   - pattern, otherwise: a "/**" suffix means the request path must have
//     the prefix before it; no suffix means exact path equality; a rule
//     with no path-bearing request never matches
func matchRule(r protocol.Rule, req Request) bool {
	if r.Tool != "*" && r.Tool != req.Tool {
		return false
	}
	if r.Executable != "" && r.Executable != req.Executable {
		return false
	}
	if r.Pattern == "" {
		return true
	}
	if req.Tool == "bash" {
		if req.Command == "" {
			return false
		}
		return matchSimpleGlob(req.Command, r.Pattern)
	}
	if req.Path == "" {
		return false
	}
	if prefix, ok := strings.CutSuffix(r.Pattern, "/**"); ok {
		return req.Path == prefix || strings.HasPrefix(req.Path, prefix+"/")
	}
	return req.Path == r.Pattern
}

// matchSimpleGlob implements the bash-pattern language of §4.1: "*"
// stands for ".*", and the whole pattern is anchored to the full target.
func matchSimpleGlob(target, pattern string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return target == pattern
	}
	if !strings.HasPrefix(target, parts[0]) {
		return false
	}
	target = target[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(target, parts[i])
		if idx < 0 {
			return false
		}
		target = target[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(target, last)
}

// matchPermission evaluates a declarative Permission's Match block
// against req. All set fields must match (conjunction).
func matchPermission(m policyconfig.Match, req Request) bool {
	if m.Tool != "" && m.Tool != req.Tool {
		return false
	}
	if m.Executable != "" && m.Executable != req.Executable {
		return false
	}
	if m.CommandMatches != "" {
		if req.Command == "" || !globMatch(req.Command, m.CommandMatches, false) {
			return false
		}
	}
	if m.PathMatches != "" {
		if req.Path == "" || !globMatch(req.Path, m.PathMatches, true) {
			return false
		}
	}
	if m.PathWithin != "" {
		if req.Path == "" || !strings.HasPrefix(req.Path, m.PathWithin) {
			return false
		}
	}
	if m.Domain != "" {
		if req.Domain == "" || !globMatch(req.Domain, m.Domain, false) {
			return false
		}
	}
	return true
}
