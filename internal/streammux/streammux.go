// Package streammux implements the StreamMux of spec §4.5: the owner's
// multiplexed WebSocket, per-session subscriptions, and the two
// independent sequence spaces (user-wide streamSeq, per-session seq).
package streammux

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/duh17/hostguard/internal/orchestrator"
	"github.com/duh17/hostguard/pkg/protocol"
)

const (
	backpressureThreshold = 64 * 1024
	userRingCapacity      = 2000
	outboundQueueSize     = 4096
	inboundQueueSize      = 256
)

// Mux owns the upgrader and the set of connected owner sockets.
type Mux struct {
	log          *slog.Logger
	orchestrator *orchestrator.Orchestrator
	upgrader     websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

// New constructs a Mux bound to an Orchestrator. Grounded on the
// teacher's gateway.Server upgrader/registerClient shape.
func New(orc *orchestrator.Orchestrator, log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	return &Mux{
		log: log, orchestrator: orc,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[string]*conn),
	}
}

// userStreamEntry is one retained frame in a connection's bounded replay
// ring (§4.5 "User-wide sequence").
type userStreamEntry struct {
	seq int64
	msg protocol.ServerMessage
}

// subscription is one sessionId this connection is listening to.
type subscription struct {
	level       protocol.SubscriptionLevel
	unsubscribe func()
}

// conn is one owner WebSocket connection.
type conn struct {
	id  string
	ws  *websocket.Conn
	log *slog.Logger
	mux *Mux

	out           chan []byte
	bufferedBytes int64 // approximate outbound byte backlog, for backpressure

	mu            sync.Mutex
	subs          map[string]*subscription // sessionId -> subscription
	fullSessionID string
	nextStreamSeq int64
	ring          []userStreamEntry
}

// ServeHTTP upgrades the request and drives the connection until it closes.
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Error("streammux: upgrade failed", "error", err)
		return
	}
	c := &conn{
		id: fmt.Sprintf("%p", ws), ws: ws, log: m.log, mux: m,
		out:  make(chan []byte, outboundQueueSize),
		subs: make(map[string]*subscription),
	}
	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	go c.writeLoop()
	c.send(protocol.ServerMessage{Type: protocol.TypeConnected, Payload: map[string]any{"protocolVersion": protocol.ProtocolVersion}})

	c.readLoop(r.Context())

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	c.teardown()
}

// readLoop serializes inbound command handling through a bounded queue so
// one slow handler cannot interleave with the next frame's parsing side
// effects (§4.5 "Input handling").
func (c *conn) readLoop(ctx context.Context) {
	queue := make(chan protocol.ClientCommand, inboundQueueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for cmd := range queue {
			c.handleCommand(ctx, cmd)
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var cmd protocol.ClientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.send(protocol.ServerMessage{Type: protocol.TypeError, Payload: map[string]any{"error": "invalid command"}})
			continue
		}
		select {
		case queue <- cmd:
		case <-ctx.Done():
			close(queue)
			<-done
			return
		}
	}
	close(queue)
	<-done
}

func (c *conn) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.unsubscribe()
	}
	close(c.out)
}

func (c *conn) writeLoop() {
	for data := range c.out {
		atomic.AddInt64(&c.bufferedBytes, -int64(len(data)))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// send assigns the next streamSeq, retains durable-for-replay frames in
// the user ring, and enqueues the encoded frame, applying the §4.5
// backpressure rule.
func (c *conn) send(msg protocol.ServerMessage) {
	c.mu.Lock()
	c.nextStreamSeq++
	seq := c.nextStreamSeq
	msg.StreamSeq = &seq
	c.ring = append(c.ring, userStreamEntry{seq: seq, msg: msg})
	if len(c.ring) > userRingCapacity {
		c.ring = c.ring[len(c.ring)-userRingCapacity:]
	}
	c.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("streammux: marshal failed", "error", err)
		return
	}

	buffered := atomic.LoadInt64(&c.bufferedBytes)
	if buffered > backpressureThreshold && protocol.IsDroppable(msg.Type) {
		c.log.Warn("streammux: dropping frame under backpressure", "type", msg.Type, "buffered", buffered)
		return
	}
	atomic.AddInt64(&c.bufferedBytes, int64(len(data)))
	c.out <- data // blocks the send path until drained, per §4.5
}

// catchUpSince replays the connection's own user-wide ring from sinceSeq.
func (c *conn) catchUpSince(sinceSeq int64) (events []protocol.ServerMessage, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ring) == 0 {
		return nil, true
	}
	oldest := c.ring[0].seq
	if sinceSeq < oldest-1 {
		return nil, false
	}
	for _, e := range c.ring {
		if e.seq > sinceSeq {
			events = append(events, e.msg)
		}
	}
	return events, true
}

func (c *conn) handleCommand(ctx context.Context, cmd protocol.ClientCommand) {
	switch cmd.Method {
	case protocol.MethodSubscribe:
		c.subscribe(ctx, cmd)
	case protocol.MethodUnsubscribe:
		c.unsubscribe(cmd)
	case protocol.MethodPermissionResp:
		c.permissionResponse(cmd)
	case protocol.MethodGetState:
		c.getState(cmd)
	default:
		c.dispatchToSession(ctx, cmd)
	}
}

// subscribe implements §4.5's numbered subscribe algorithm.
func (c *conn) subscribe(ctx context.Context, cmd protocol.ClientCommand) {
	level := protocol.SubscriptionLevel(cmd.Level)
	if level != protocol.LevelNotifications {
		level = protocol.LevelFull
	}

	var (
		s   *orchestrator.Session
		err error
	)
	if level == protocol.LevelFull {
		s, err = c.mux.orchestrator.StartSession(ctx, cmd.SessionID, "")
	} else {
		var ok bool
		s, ok = c.mux.orchestrator.Get(cmd.SessionID)
		if !ok {
			s, err = c.mux.orchestrator.StartSession(ctx, cmd.SessionID, "")
		}
	}
	if err != nil || s == nil {
		c.rpcResult(cmd.RequestID, false, map[string]any{"error": "unknown session"})
		return
	}

	if level == protocol.LevelFull {
		c.demoteFull()
	}

	ch, unsub := c.mux.orchestrator.Subscribe(s, 256)
	c.mu.Lock()
	c.subs[cmd.SessionID] = &subscription{level: level, unsubscribe: unsub}
	if level == protocol.LevelFull {
		c.fullSessionID = cmd.SessionID
	}
	c.mu.Unlock()

	go c.forward(cmd.SessionID, level, ch)

	snap := c.mux.orchestrator.Snapshot(s)
	c.send(protocol.ServerMessage{Type: protocol.TypeState, SessionID: cmd.SessionID, Payload: map[string]any{"status": snap.Status, "workspaceId": snap.WorkspaceID}})

	catchUpComplete := true
	if cmd.SinceSeq != nil {
		events, _, complete := c.mux.orchestrator.CatchUp(s, *cmd.SinceSeq)
		catchUpComplete = complete
		for _, e := range events {
			if level == protocol.LevelFull || protocol.PassesNotificationFilter(e.Type) {
				c.send(e)
			}
		}
	}

	for _, p := range c.mux.orchestrator.PendingDecisions(s) {
		c.send(protocol.ServerMessage{
			Type: protocol.TypePermissionRequest, SessionID: cmd.SessionID,
			Payload: map[string]any{"id": p.ID, "tool": p.Tool, "input": p.Input, "toolCallId": p.ToolCallID, "displaySummary": p.DisplaySummary, "reason": p.Reason},
		})
	}

	c.rpcResult(cmd.RequestID, true, map[string]any{"sessionId": cmd.SessionID, "level": string(level), "catchUpComplete": catchUpComplete})
}

// demoteFull demotes any existing full subscription on this connection to
// notifications level (§4.5 "A new full subscription demotes the
// previous full subscription").
func (c *conn) demoteFull() {
	c.mu.Lock()
	prev := c.fullSessionID
	c.fullSessionID = ""
	if prev != "" {
		if sub, ok := c.subs[prev]; ok {
			sub.level = protocol.LevelNotifications
		}
	}
	c.mu.Unlock()
}

// forward filters the session broadcaster's messages by this
// subscription's level and sends each through the connection.
func (c *conn) forward(sessionID string, level protocol.SubscriptionLevel, ch <-chan protocol.ServerMessage) {
	for msg := range ch {
		c.mu.Lock()
		sub, ok := c.subs[sessionID]
		c.mu.Unlock()
		if !ok {
			return
		}
		if sub.level == protocol.LevelFull || protocol.PassesNotificationFilter(msg.Type) {
			c.send(msg)
		}
	}
}

func (c *conn) unsubscribe(cmd protocol.ClientCommand) {
	c.mu.Lock()
	sub, ok := c.subs[cmd.SessionID]
	if ok {
		delete(c.subs, cmd.SessionID)
		if c.fullSessionID == cmd.SessionID {
			c.fullSessionID = ""
		}
	}
	c.mu.Unlock()
	if ok {
		sub.unsubscribe()
	}
	c.rpcResult(cmd.RequestID, true, nil)
}

func (c *conn) permissionResponse(cmd protocol.ClientCommand) {
	if cmd.Permission == nil {
		c.rpcResult(cmd.RequestID, false, map[string]any{"error": "missing permission"})
		return
	}
	s, ok := c.mux.orchestrator.Get(cmd.SessionID)
	if !ok {
		c.rpcResult(cmd.RequestID, false, map[string]any{"error": "unknown session"})
		return
	}
	err := c.mux.orchestrator.ResolveDecision(s, cmd.Permission.ID, protocol.Decision(cmd.Permission.Action), protocol.Scope(cmd.Permission.Scope), cmd.Permission.ExpiresInMs)
	if err != nil {
		c.rpcResult(cmd.RequestID, false, map[string]any{"error": err.Error()})
		return
	}
	c.rpcResult(cmd.RequestID, true, nil)
}

func (c *conn) getState(cmd protocol.ClientCommand) {
	s, ok := c.mux.orchestrator.Get(cmd.SessionID)
	if !ok {
		c.rpcResult(cmd.RequestID, false, map[string]any{"error": "unknown session"})
		return
	}
	snap := c.mux.orchestrator.Snapshot(s)
	c.rpcResult(cmd.RequestID, true, map[string]any{"status": snap.Status, "workspaceId": snap.WorkspaceID})
}

// dispatchToSession forwards prompt/steer/follow_up/abort/stop and
// passthrough commands to the orchestrator. Commands with an unknown
// sessionId return an error frame (§4.5 "Input handling").
func (c *conn) dispatchToSession(ctx context.Context, cmd protocol.ClientCommand) {
	s, ok := c.mux.orchestrator.Get(cmd.SessionID)
	if !ok {
		c.send(protocol.ServerMessage{Type: protocol.TypeError, SessionID: cmd.SessionID, RequestID: cmd.RequestID, Payload: map[string]any{"error": "unknown session"}})
		return
	}
	if err := c.mux.orchestrator.HandleCommand(ctx, s, cmd); err != nil {
		c.rpcResult(cmd.RequestID, false, map[string]any{"error": err.Error()})
		return
	}
	if cmd.RequestID != "" {
		c.rpcResult(cmd.RequestID, true, nil)
	}
}

func (c *conn) rpcResult(requestID string, ok bool, payload map[string]any) {
	if requestID == "" {
		return
	}
	p := map[string]any{"requestId": requestID, "ok": ok}
	for k, v := range payload {
		p[k] = v
	}
	c.send(protocol.ServerMessage{Type: protocol.TypeRPCResult, RequestID: requestID, Payload: p})
}

var _ = time.Second // reserved for future ping/pong keepalive tuning
