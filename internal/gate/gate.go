// Package gate implements the Gate of spec §4.3: the per-session
// boundary between agent and server for tool-call authorization, in
// both TCP (out-of-process agent) and virtual (in-process agent) modes.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duh17/hostguard/internal/audit"
	"github.com/duh17/hostguard/internal/policy"
	"github.com/duh17/hostguard/internal/rules"
	"github.com/duh17/hostguard/pkg/protocol"
)

const (
	heartbeatInterval = 15 * time.Second
	heartbeatLoss     = 45 * time.Second
	defaultApprovalTO = 120 * time.Second
	maxExpiresIn      = 365 * 24 * time.Hour
)

// GuardTransport abstracts the agent<->gate channel so the same Gate
// logic drives both a TCP-connected shim and an in-process ("virtual")
// agent. Adapted from the teacher's sandbox-vs-host exec fallback
// (executeInSandbox / executeOnHost): one interface, two concrete
// implementations chosen by how the agent process is hosted.
type GuardTransport interface {
	// Send delivers one server->agent protocol message (GuardAck,
	// GateResult, or a heartbeat ack).
	Send(msg any) error
	// Close tears down the transport. Idempotent.
	Close() error
}

// EventSink receives gate lifecycle notifications for translation into
// client-facing messages and audit entries (spec §4.3's emitted event
// names: tool_allowed, tool_denied, approval_needed, approval_resolved,
// approval_timeout).
type EventSink interface {
	ToolAllowed(sessionID string, d policy.Decision)
	ToolDenied(sessionID string, d policy.Decision)
	ApprovalNeeded(sessionID string, pending protocol.PendingDecision)
	ApprovalResolved(sessionID string, pending protocol.PendingDecision, resolved protocol.Decision, learnedRuleID string)
	ApprovalTimeout(sessionID string, pending protocol.PendingDecision)
	GuardLost(sessionID string)
}

type pendingEntry struct {
	decision protocol.PendingDecision
	req      policy.Request
	timer    *time.Timer
	done     chan resolution
}

type resolution struct {
	action protocol.Decision
	reason string
}

// Gate owns one session's tool-call authorization boundary.
type Gate struct {
	log         *slog.Logger
	sessionID   string
	workspaceID string
	engine      *policy.Engine
	rules       *rules.Store
	auditLog    *audit.Log
	sink        EventSink
	approvalTO  time.Duration

	mu        sync.Mutex
	state     protocol.GuardState
	transport GuardTransport
	lastBeat  time.Time
	pending   map[string]*pendingEntry
	destroyed bool

	stopHeartbeatWatch context.CancelFunc
}

// New constructs a Gate in the "unguarded" state; call Attach once the
// agent connects (TCP accept or virtual handshake) to move to "guarded".
func New(sessionID, workspaceID string, engine *policy.Engine, ruleStore *rules.Store, auditLog *audit.Log, sink EventSink, approvalTimeout time.Duration, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	if approvalTimeout == 0 {
		approvalTimeout = defaultApprovalTO
	}
	return &Gate{
		log: log, sessionID: sessionID, workspaceID: workspaceID,
		engine: engine, rules: ruleStore, auditLog: auditLog, sink: sink,
		approvalTO: approvalTimeout,
		state:      protocol.GuardUnguarded,
		pending:    make(map[string]*pendingEntry),
	}
}

// Attach binds a transport and moves the gate to "guarded" on receipt of
// guard_ready, starting heartbeat-loss monitoring.
func (g *Gate) Attach(ctx context.Context, transport GuardTransport) {
	g.mu.Lock()
	g.transport = transport
	g.state = protocol.GuardGuarded
	g.lastBeat = time.Now()
	g.mu.Unlock()

	watchCtx, cancel := context.WithCancel(ctx)
	g.stopHeartbeatWatch = cancel
	go g.watchHeartbeat(watchCtx)

	_ = g.send(protocol.NewGuardAck())
}

func (g *Gate) watchHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			lost := time.Since(g.lastBeat) > heartbeatLoss
			g.mu.Unlock()
			if lost {
				g.enterFailSafe()
				return
			}
		}
	}
}

// Heartbeat records an inbound heartbeat from the agent.
func (g *Gate) Heartbeat() {
	g.mu.Lock()
	g.lastBeat = time.Now()
	g.mu.Unlock()
	_ = g.send(protocol.NewHeartbeatAck())
}

func (g *Gate) enterFailSafe() {
	g.mu.Lock()
	if g.state == protocol.GuardFailSafe {
		g.mu.Unlock()
		return
	}
	g.state = protocol.GuardFailSafe
	pending := make([]*pendingEntry, 0, len(g.pending))
	for _, p := range g.pending {
		pending = append(pending, p)
	}
	g.pending = make(map[string]*pendingEntry)
	g.mu.Unlock()

	for _, p := range pending {
		p.timer.Stop()
		select {
		case p.done <- resolution{action: protocol.DecisionDeny, reason: "Extension connection lost"}:
		default:
		}
	}
	if g.sink != nil {
		g.sink.GuardLost(g.sessionID)
	}
}

// CheckToolCall runs the §4.3 checkToolCall algorithm and blocks on "ask"
// until the decision resolves (approval, timeout, or guard loss).
func (g *Gate) CheckToolCall(ctx context.Context, req policy.Request, toolCallID string, displaySummary string) (protocol.Decision, string) {
	g.mu.Lock()
	if g.state != protocol.GuardGuarded {
		g.mu.Unlock()
		return protocol.DecisionDeny, "Guard not active"
	}
	g.mu.Unlock()

	evalCtx := policy.EvalContext{SessionID: g.sessionID, WorkspaceID: g.workspaceID}
	d := g.engine.Evaluate(req, evalCtx, g.rules)

	switch d.Action {
	case protocol.DecisionAllow:
		g.auditDecision(d, protocol.ResolvedByPolicy, toolCallID, displaySummary, req.Tool, nil)
		if g.sink != nil {
			g.sink.ToolAllowed(g.sessionID, d)
		}
		return protocol.DecisionAllow, d.Reason
	case protocol.DecisionDeny:
		g.auditDecision(d, protocol.ResolvedByPolicy, toolCallID, displaySummary, req.Tool, nil)
		if g.sink != nil {
			g.sink.ToolDenied(g.sessionID, d)
		}
		return protocol.DecisionDeny, d.Reason
	}

	return g.awaitApproval(ctx, req, d, toolCallID, displaySummary)
}

func (g *Gate) awaitApproval(ctx context.Context, req policy.Request, d policy.Decision, toolCallID, displaySummary string) (protocol.Decision, string) {
	inputCopy := map[string]any{"command": req.Command, "path": req.Path, "domain": req.Domain}
	pending := protocol.PendingDecision{
		ID: uuid.NewString(), SessionID: g.sessionID, WorkspaceID: g.workspaceID,
		Tool: req.Tool, Input: inputCopy, ToolCallID: toolCallID,
		DisplaySummary: displaySummary, Reason: d.Reason, CreatedAt: time.Now(),
	}
	if g.approvalTO > 0 {
		t := pending.CreatedAt.Add(g.approvalTO)
		pending.TimeoutAt = &t
		pending.Expires = true
	}

	entry := &pendingEntry{decision: pending, req: req, done: make(chan resolution, 1)}
	if g.approvalTO > 0 {
		entry.timer = time.AfterFunc(g.approvalTO, func() { g.resolveTimeout(pending.ID) })
	} else {
		entry.timer = time.NewTimer(maxExpiresIn) // effectively disabled
		entry.timer.Stop()
	}

	g.mu.Lock()
	if g.destroyed || g.state != protocol.GuardGuarded {
		g.mu.Unlock()
		return protocol.DecisionDeny, "Guard not active"
	}
	g.pending[pending.ID] = entry
	g.mu.Unlock()

	if g.sink != nil {
		g.sink.ApprovalNeeded(g.sessionID, pending)
	}

	select {
	case res := <-entry.done:
		return res.action, res.reason
	case <-ctx.Done():
		return protocol.DecisionDeny, "Session ended"
	}
}

// ResolveDecision implements §4.3 resolveDecision: normalizes scope,
// optionally learns a rule, clamps expiry, and resolves the awaiting
// checkToolCall.
func (g *Gate) ResolveDecision(id string, action protocol.Decision, scope protocol.Scope, expiresInMs *int64) error {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("gate: no pending decision %s", id)
	}
	entry.timer.Stop()

	scope = normalizeScope(action, scope)
	var learnedRuleID string
	if scope != protocol.ScopeOnce {
		if ruleInput, ok := ruleInputFromRequest(entry.req, action, scope, g.sessionID, g.workspaceID, clampExpiry(expiresInMs)); ok {
			rule, err := g.rules.Add(ruleInput)
			if err == nil {
				learnedRuleID = rule.ID
			}
			// A conflict leaves the decision valid but no rule is learned.
		}
	}

	d := policy.Decision{Action: action, Layer: "user_response", Reason: "Resolved by owner"}
	g.auditDecision(d, protocol.ResolvedByUser, entry.decision.ToolCallID, entry.decision.DisplaySummary, entry.decision.Tool, &protocol.UserChoice{
		Action: string(action), Scope: scope, LearnedRuleID: learnedRuleID,
	})
	if g.sink != nil {
		g.sink.ApprovalResolved(g.sessionID, entry.decision, action, learnedRuleID)
	}
	entry.done <- resolution{action: action, reason: "Resolved by owner"}
	return nil
}

func (g *Gate) resolveTimeout(id string) {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	d := policy.Decision{Action: protocol.DecisionDeny, Layer: "timeout", Reason: "Approval timeout"}
	g.auditDecision(d, protocol.ResolvedByTimeout, entry.decision.ToolCallID, entry.decision.DisplaySummary, entry.decision.Tool, nil)
	if g.sink != nil {
		g.sink.ApprovalTimeout(g.sessionID, entry.decision)
	}
	entry.done <- resolution{action: protocol.DecisionDeny, reason: "Approval timeout"}
}

// normalizeScope downgrades disallowed (action, scope) combinations to
// "once" per §4.3 ("ask scope is never accepted as a learned rule
// scope; disallowed combinations downgrade to once with a warning").
func normalizeScope(action protocol.Decision, scope protocol.Scope) protocol.Scope {
	if action != protocol.DecisionAllow && action != protocol.DecisionDeny {
		return protocol.ScopeOnce
	}
	switch scope {
	case protocol.ScopeSession, protocol.ScopeWorkspace, protocol.ScopeGlobal, protocol.ScopeOnce:
		return scope
	default:
		return protocol.ScopeOnce
	}
}

func clampExpiry(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	v := *ms
	if v < 0 {
		v = 0
	}
	max := maxExpiresIn.Milliseconds()
	if v > max {
		v = max
	}
	if v == 0 {
		return nil
	}
	t := time.Now().Add(time.Duration(v) * time.Millisecond)
	return &t
}

// ruleInputFromRequest synthesizes a RuleInput from the pending request:
// bash requests learn a command pattern + executable, file ops learn a
// path pattern (§4.3 resolveDecision step 2).
func ruleInputFromRequest(req policy.Request, action protocol.Decision, scope protocol.Scope, sessionID, workspaceID string, expires *time.Time) (protocol.RuleInput, bool) {
	in := protocol.RuleInput{
		Tool: req.Tool, Decision: action, Scope: scope,
		SessionID: sessionID, WorkspaceID: workspaceID,
		ExpiresAt: expires, Provenance: protocol.ProvenanceLearned,
	}
	switch {
	case req.Tool == "bash" && req.Command != "":
		in.Pattern = req.Command
		in.Executable = req.Executable
		return in, true
	case req.Path != "":
		in.Pattern = req.Path
		return in, true
	default:
		return protocol.RuleInput{}, false
	}
}

func (g *Gate) auditDecision(d policy.Decision, resolvedBy protocol.ResolvedBy, toolCallID, displaySummary, tool string, choice *protocol.UserChoice) {
	if g.auditLog == nil {
		return
	}
	entry := protocol.AuditEntry{
		SessionID: g.sessionID, WorkspaceID: g.workspaceID, Tool: tool,
		DisplaySummary: displaySummary, Decision: d.Action, ResolvedBy: resolvedBy,
		Layer: d.Layer, RuleID: d.RuleID, RuleSummary: d.RuleLabel, UserChoice: choice,
	}
	if err := g.auditLog.Append(entry); err != nil {
		g.log.Error("gate: audit append failed", "session", g.sessionID, "error", err)
	}
}

func (g *Gate) send(msg any) error {
	g.mu.Lock()
	t := g.transport
	destroyed := g.destroyed
	g.mu.Unlock()
	if destroyed || t == nil {
		return nil // silent no-op, per §4.3 "Failure model"
	}
	return t.Send(msg)
}

// Teardown implements §4.3 "Session teardown": cancels timers, denies
// all outstanding pending decisions with "Session ended", and closes the
// transport. Clearing session-scoped rules is the caller's
// responsibility (it owns the RuleStore lifecycle across gates).
func (g *Gate) Teardown() {
	g.mu.Lock()
	if g.destroyed {
		g.mu.Unlock()
		return
	}
	g.destroyed = true
	pending := make([]*pendingEntry, 0, len(g.pending))
	for _, p := range g.pending {
		pending = append(pending, p)
	}
	g.pending = make(map[string]*pendingEntry)
	transport := g.transport
	g.mu.Unlock()

	if g.stopHeartbeatWatch != nil {
		g.stopHeartbeatWatch()
	}
	for _, p := range pending {
		p.timer.Stop()
		select {
		case p.done <- resolution{action: protocol.DecisionDeny, reason: "Session ended"}:
		default:
		}
	}
	if transport != nil {
		_ = transport.Close()
	}
}

// State returns the current guard state.
func (g *Gate) State() protocol.GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns a snapshot of every currently outstanding PendingDecision,
// used by StreamMux to forward them as synthetic permission_request frames
// to a newly subscribing connection (§4.5 subscribe step 6).
func (g *Gate) Pending() []protocol.PendingDecision {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]protocol.PendingDecision, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.decision)
	}
	return out
}
