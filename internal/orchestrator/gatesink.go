package orchestrator

import (
	"context"

	"github.com/duh17/hostguard/internal/liveactivity"
	"github.com/duh17/hostguard/internal/policy"
	"github.com/duh17/hostguard/pkg/protocol"
)

// orchestratorGateSink implements gate.EventSink, turning per-tool-call
// gate lifecycle callbacks into durable broadcast frames and (for
// approvals) a permission push to the owner's device when no live
// WebSocket subscriber is attached.
type orchestratorGateSink struct {
	o *Orchestrator
}

func (g orchestratorGateSink) sessionOf(sessionID string) (*Session, bool) {
	g.o.mu.Lock()
	defer g.o.mu.Unlock()
	s, ok := g.o.sessions[sessionID]
	return s, ok
}

func (g orchestratorGateSink) ToolAllowed(sessionID string, d policy.Decision) {
	// Audited by the gate itself; nothing else to do on allow.
}

func (g orchestratorGateSink) ToolDenied(sessionID string, d policy.Decision) {
	// Audited by the gate itself; nothing else to do on deny.
}

func (g orchestratorGateSink) ApprovalNeeded(sessionID string, pending protocol.PendingDecision) {
	s, ok := g.sessionOf(sessionID)
	if !ok {
		return
	}
	s.broadcast.Publish(protocol.ServerMessage{
		Type:      protocol.TypePermissionRequest,
		SessionID: sessionID,
		Payload: map[string]any{
			"id": pending.ID, "tool": pending.Tool, "input": pending.Input,
			"toolCallId": pending.ToolCallID, "displaySummary": pending.DisplaySummary,
			"reason": pending.Reason, "timeoutAt": pending.TimeoutAt,
		},
	})
	if g.o.push != nil && g.o.store != nil {
		go func() {
			ctx := context.Background()
			token, err := g.o.store.GetPushDeviceToken(ctx)
			if err != nil {
				return
			}
			payload := map[string]any{
				"sessionId": sessionID, "tool": pending.Tool,
				"displaySummary": pending.DisplaySummary, "pendingId": pending.ID,
			}
			_, _ = g.o.push.SendPermissionPush(ctx, token.Token, payload)
		}()
	}
	g.publishLiveActivity(sessionID, liveactivity.Update{
		Status:             strPtr(string(protocol.SessionBusy)),
		ActiveTool:         strPtr(pending.Tool),
		PendingPermissions: intPtr(1),
		LastEvent:          strPtr("awaiting approval: " + pending.DisplaySummary),
		Priority:           intPtr(10),
	})
}

func (g orchestratorGateSink) ApprovalResolved(sessionID string, pending protocol.PendingDecision, resolved protocol.Decision, learnedRuleID string) {
	s, ok := g.sessionOf(sessionID)
	if !ok {
		return
	}
	s.broadcast.Publish(protocol.ServerMessage{
		Type:      protocol.TypePermissionCancel,
		SessionID: sessionID,
		Payload:   map[string]any{"id": pending.ID, "action": string(resolved), "learnedRuleId": learnedRuleID},
	})
	g.publishLiveActivity(sessionID, liveactivity.Update{
		PendingPermissions: intPtr(0),
		LastEvent:          strPtr("approval " + string(resolved) + ": " + pending.Tool),
	})
}

func (g orchestratorGateSink) ApprovalTimeout(sessionID string, pending protocol.PendingDecision) {
	s, ok := g.sessionOf(sessionID)
	if !ok {
		return
	}
	s.broadcast.Publish(protocol.ServerMessage{
		Type:      protocol.TypePermissionExpired,
		SessionID: sessionID,
		Payload:   map[string]any{"id": pending.ID},
	})
}

func (g orchestratorGateSink) GuardLost(sessionID string) {
	s, ok := g.sessionOf(sessionID)
	if !ok {
		return
	}
	s.mu.Lock()
	s.status = protocol.SessionError
	s.doc.Status = string(protocol.SessionError)
	g.o.markDirty(s)
	s.mu.Unlock()
	s.broadcast.Publish(protocol.ServerMessage{Type: protocol.TypeError, SessionID: sessionID, Payload: map[string]any{"error": "Extension connection lost"}})
	s.broadcast.Publish(protocol.ServerMessage{Type: protocol.TypeSessionEnded, SessionID: sessionID})
	g.publishLiveActivity(sessionID, liveactivity.Update{
		Status:    strPtr(string(protocol.SessionError)),
		LastEvent: strPtr("guard connection lost"),
		End:       true,
	})
}

// publishLiveActivity forwards u to the attached LiveActivityBridge,
// keyed by the owner's registered push device token (spec §4.7 reuses
// the same token the permission push uses — one owner, one device).
func (g orchestratorGateSink) publishLiveActivity(sessionID string, u liveactivity.Update) {
	if g.o.liveActivity == nil || g.o.store == nil {
		return
	}
	go func() {
		token, err := g.o.store.GetPushDeviceToken(context.Background())
		if err != nil || token.Token == "" {
			return
		}
		g.o.liveActivity.Publish(token.Token, u)
	}()
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
