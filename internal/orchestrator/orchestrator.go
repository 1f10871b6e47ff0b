// Package orchestrator implements the SessionOrchestrator of spec §4.4:
// activation locking, idle eviction, the stop state machine, and event
// translation/durable fan-out for one session's active lifetime.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/duh17/hostguard/internal/audit"
	"github.com/duh17/hostguard/internal/broadcast"
	"github.com/duh17/hostguard/internal/docstore"
	"github.com/duh17/hostguard/internal/gate"
	"github.com/duh17/hostguard/internal/liveactivity"
	"github.com/duh17/hostguard/internal/policy"
	"github.com/duh17/hostguard/internal/push"
	"github.com/duh17/hostguard/internal/rules"
	"github.com/duh17/hostguard/internal/translate"
	"github.com/duh17/hostguard/pkg/protocol"
)

const (
	defaultIdleTimeout = 10 * time.Minute
	defaultDebounce    = 1 * time.Second
)

// stopState is the session's position in the §4.4 stop state machine.
type stopState int

const (
	stopNone stopState = iota
	stopRequested
	stopConfirmed
)

// session is the orchestrator's runtime record for one active session,
// wrapping the cached document plus everything needed to drive it.
type Session struct {
	id          string
	workspaceID string

	mu          sync.Mutex
	doc         docstore.Session
	dirty       bool
	status      protocol.SessionStatus
	stop        stopState

	gate      *gate.Gate
	backend   Backend
	broadcast *broadcast.Session
	turnCtx   *translate.TurnContext
	translate *translate.Translator

	idleTimer     *time.Timer
	debounceTimer *time.Timer
	cancelTurn    context.CancelFunc
}

// Orchestrator owns the set of currently active sessions.
type Orchestrator struct {
	log    *slog.Logger
	store  docstore.Store
	rules  *rules.Store
	engine *policy.Engine
	audit  *audit.Log
	push   push.Sink

	liveActivity *liveactivity.Bridge

	newBackend      BackendFactory
	idleTimeout     time.Duration
	debounce        time.Duration
	approvalTimeout time.Duration

	mu         sync.Mutex
	sessions   map[string]*Session
	activating map[string]chan struct{} // sessionId -> closed when activation completes
}

// New constructs an Orchestrator. Zero-value durations fall back to the
// spec defaults (10 minute idle timeout, 1 second persistence debounce).
func New(store docstore.Store, ruleStore *rules.Store, engine *policy.Engine, auditLog *audit.Log, sink push.Sink, newBackend BackendFactory, idleTimeout, debounce, approvalTimeout time.Duration, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if idleTimeout == 0 {
		idleTimeout = defaultIdleTimeout
	}
	if debounce == 0 {
		debounce = defaultDebounce
	}
	return &Orchestrator{
		log: log, store: store, rules: ruleStore, engine: engine, audit: auditLog, push: sink,
		newBackend: newBackend, idleTimeout: idleTimeout, debounce: debounce, approvalTimeout: approvalTimeout,
		sessions:   make(map[string]*Session),
		activating: make(map[string]chan struct{}),
	}
}

// SetLiveActivity attaches the §4.7 LiveActivityBridge that gate events
// feed. Left nil, no live-activity updates are published (the default
// until a deployment enables LiveActivity.Enabled in config).
func (o *Orchestrator) SetLiveActivity(b *liveactivity.Bridge) {
	o.liveActivity = b
}

// StartSession implements §4.4 "startSession": returns the existing
// active entry if present, otherwise serializes creation via a
// per-session lock so concurrent callers await the same activation.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID, workspaceID string) (*Session, error) {
	for {
		o.mu.Lock()
		if s, ok := o.sessions[sessionID]; ok {
			o.mu.Unlock()
			return s, nil
		}
		if wait, ok := o.activating[sessionID]; ok {
			o.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		o.activating[sessionID] = done
		o.mu.Unlock()

		s, err := o.activate(ctx, sessionID, workspaceID)

		o.mu.Lock()
		if err == nil {
			o.sessions[sessionID] = s
		}
		delete(o.activating, sessionID)
		o.mu.Unlock()
		close(done)
		return s, err
	}
}

func (o *Orchestrator) activate(ctx context.Context, sessionID, workspaceID string) (*Session, error) {
	doc, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		if err != docstore.ErrNotFound {
			return nil, fmt.Errorf("orchestrator: load session %s: %w", sessionID, err)
		}
		doc = docstore.Session{ID: sessionID, WorkspaceID: workspaceID, CreatedAt: time.Now().Unix()}
	}
	if workspaceID == "" {
		workspaceID = doc.WorkspaceID
	}
	doc.Status = string(protocol.SessionStarting)
	doc.LastActivityAt = time.Now().Unix()

	g := gate.New(sessionID, workspaceID, o.engine, o.rules, o.audit, o.gateSink(), o.approvalTimeout, o.log)

	s := &Session{
		id: sessionID, workspaceID: workspaceID, doc: doc,
		status: protocol.SessionStarting, gate: g,
		broadcast: broadcast.NewSession(sessionID, 0),
		turnCtx:   translate.NewTurnContext(),
		translate: translate.New(sessionID),
	}
	if o.newBackend != nil {
		s.backend = o.newBackend(sessionID, workspaceID)
	}
	s.status = protocol.SessionReady
	s.doc.Status = string(protocol.SessionReady)
	o.resetIdleLocked(s)
	o.markDirty(s)
	return s, nil
}

// Get returns the active runtime session, if any.
func (o *Orchestrator) Get(sessionID string) (*Session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	return s, ok
}

// HandleCommand dispatches one client command to its session, resetting
// the idle timer on every receipt (§4.4 "Idle timer").
func (o *Orchestrator) HandleCommand(ctx context.Context, s *Session, cmd protocol.ClientCommand) error {
	s.mu.Lock()
	o.resetIdleLocked(s)
	s.mu.Unlock()

	switch cmd.Method {
	case protocol.MethodPrompt:
		return o.runTurn(ctx, s, cmd)
	case protocol.MethodSteer, protocol.MethodFollowUp:
		if s.backend == nil {
			return fmt.Errorf("orchestrator: no backend attached")
		}
		return s.backend.Send(cmd)
	case protocol.MethodAbort, protocol.MethodStop:
		return o.abort(s)
	case protocol.MethodStopSession:
		return o.requestStop(s, protocol.StopSourceUser)
	default:
		if s.backend == nil {
			return fmt.Errorf("orchestrator: no backend attached")
		}
		return s.backend.Send(cmd)
	}
}

func (o *Orchestrator) runTurn(ctx context.Context, s *Session, cmd protocol.ClientCommand) error {
	if s.backend == nil {
		return fmt.Errorf("orchestrator: no backend attached")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelTurn = cancel
	s.status = protocol.SessionBusy
	s.doc.Status = string(protocol.SessionBusy)
	o.markDirty(s)
	s.mu.Unlock()

	events, err := s.backend.Start(turnCtx, cmd)
	if err != nil {
		cancel()
		return fmt.Errorf("orchestrator: start turn: %w", err)
	}
	go o.pump(s, events)
	return nil
}

// pump drains one turn's agent events, translating and broadcasting
// each, until the channel closes (turn end or backend exit).
func (o *Orchestrator) pump(s *Session, events <-chan protocol.AgentEvent) {
	for ev := range events {
		s.mu.Lock()
		stopping := s.stop != stopNone
		msgs := s.translate.Translate(s.turnCtx, ev)
		s.mu.Unlock()
		if stopping {
			// Spurious events during stop are logged, not forwarded.
			o.log.Debug("orchestrator: dropping event during stop", "session", s.id, "type", ev.Type)
			continue
		}
		for _, m := range msgs {
			s.broadcast.Publish(m)
		}
	}
	s.mu.Lock()
	if s.status == protocol.SessionBusy {
		s.status = protocol.SessionReady
		s.doc.Status = string(protocol.SessionReady)
		o.markDirty(s)
	}
	s.mu.Unlock()
}

func (o *Orchestrator) abort(s *Session) error {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.backend != nil {
		return s.backend.Abort()
	}
	return nil
}

// requestStop implements the §4.4 stop state machine for stop_session and
// idle eviction, both of which terminate the backend unconditionally. A
// plain stop/abort only cancels the current turn and never reaches this
// state machine — see HandleCommand's MethodStop/MethodAbort case.
func (o *Orchestrator) requestStop(s *Session, source protocol.StopSource) error {
	s.mu.Lock()
	switch s.stop {
	case stopRequested:
		s.mu.Unlock()
		s.broadcast.Publish(protocol.ServerMessage{Type: protocol.TypeStopFailed, SessionID: s.id, Payload: map[string]any{"reason": "already stopping"}})
		return nil
	case stopConfirmed:
		s.mu.Unlock()
		return nil // stop while stopped is a no-op
	}
	s.stop = stopRequested
	s.status = protocol.SessionStopping
	s.doc.Status = string(protocol.SessionStopping)
	o.markDirty(s)
	s.mu.Unlock()

	s.broadcast.Publish(protocol.ServerMessage{Type: protocol.TypeStopRequested, SessionID: s.id, Payload: map[string]any{"source": string(source)}})

	var err error
	if s.backend != nil {
		err = s.backend.Stop()
	}

	s.mu.Lock()
	s.stop = stopConfirmed
	s.status = protocol.SessionStopped
	s.doc.Status = string(protocol.SessionStopped)
	o.markDirty(s)
	s.mu.Unlock()

	s.broadcast.Publish(protocol.ServerMessage{Type: protocol.TypeStopConfirmed, SessionID: s.id})
	s.broadcast.Publish(protocol.ServerMessage{Type: protocol.TypeSessionEnded, SessionID: s.id})
	return err
}

// resetIdleLocked reschedules the idle timer. Caller must hold s.mu.
func (o *Orchestrator) resetIdleLocked(s *Session) {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(o.idleTimeout, func() {
		o.requestStop(s, protocol.StopSourceTimeout)
	})
}

// markDirty marks s dirty and (re)schedules the debounced persistence
// write. Caller must hold s.mu.
func (o *Orchestrator) markDirty(s *Session) {
	s.dirty = true
	if s.debounceTimer != nil {
		return
	}
	s.debounceTimer = time.AfterFunc(o.debounce, func() { o.flush(s) })
}

// flush persists a dirty session to the document store, per §4.4
// "Persistence". Safe to call from the debounce timer or Teardown.
func (o *Orchestrator) flush(s *Session) {
	s.mu.Lock()
	if !s.dirty {
		s.debounceTimer = nil
		s.mu.Unlock()
		return
	}
	doc := s.doc
	s.dirty = false
	s.debounceTimer = nil
	s.mu.Unlock()

	if err := o.store.SaveSession(context.Background(), doc); err != nil {
		o.log.Error("orchestrator: session persist failed", "session", s.id, "error", err)
	}
}

// Teardown tears down an active session: cancels timers, flushes
// pending persistence immediately, tears down the gate, and removes it
// from the active set.
func (o *Orchestrator) Teardown(s *Session) {
	o.mu.Lock()
	delete(o.sessions, s.id)
	o.mu.Unlock()

	s.mu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.debounceTimer != nil {
		s.debounceTimer.Stop()
	}
	s.mu.Unlock()

	o.flush(s)
	s.gate.Teardown()
	o.rules.ClearSessionRules(s.id)
}

// gateSink adapts Gate lifecycle callbacks into broadcast events and push
// notifications, implementing gate.EventSink.
func (o *Orchestrator) gateSink() gate.EventSink { return orchestratorGateSink{o: o} }

// Snapshot is the synthetic "state" message payload StreamMux emits on
// every new subscription (§4.5 subscribe step 4).
type Snapshot struct {
	SessionID   string               `json:"sessionId"`
	WorkspaceID string               `json:"workspaceId,omitempty"`
	Status      protocol.SessionStatus `json:"status"`
}

// Snapshot returns the current status snapshot for an active session.
func (o *Orchestrator) Snapshot(s *Session) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{SessionID: s.id, WorkspaceID: s.workspaceID, Status: s.status}
}

// Subscribe registers a new broadcast listener on s, returning the channel
// and an unsubscribe function (§4.5 subscribe step 3).
func (o *Orchestrator) Subscribe(s *Session, buffer int) (<-chan protocol.ServerMessage, func()) {
	return s.broadcast.Subscribe(buffer)
}

// CatchUp returns retained durable events after sinceSeq (§4.5 subscribe
// step 5 / §4.4 getCatchUp).
func (o *Orchestrator) CatchUp(s *Session, sinceSeq int64) (events []protocol.ServerMessage, currentSeq int64, complete bool) {
	return s.broadcast.CatchUp(sinceSeq)
}

// PendingDecisions returns every outstanding PendingDecision for s, for
// forwarding as synthetic permission_request frames (§4.5 subscribe step 6).
func (o *Orchestrator) PendingDecisions(s *Session) []protocol.PendingDecision {
	return s.gate.Pending()
}

// ID returns the session's id.
func (s *Session) ID() string { return s.id }

// ResolveDecision forwards an owner's permission_response to s's gate
// (§4.3 resolveDecision).
func (o *Orchestrator) ResolveDecision(s *Session, id string, action protocol.Decision, scope protocol.Scope, expiresInMs *int64) error {
	return s.gate.ResolveDecision(id, action, scope, expiresInMs)
}
