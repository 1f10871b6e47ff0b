package streammux

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/duh17/hostguard/pkg/protocol"
)

func newTestConn(t *testing.T) *conn {
	t.Helper()
	return &conn{
		log:  slog.New(slog.NewTextHandler(noopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		out:  make(chan []byte, outboundQueueSize),
		subs: make(map[string]*subscription),
	}
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSendAssignsIncrementingStreamSeq(t *testing.T) {
	c := newTestConn(t)
	c.send(protocol.ServerMessage{Type: protocol.TypeTextDelta})
	c.send(protocol.ServerMessage{Type: protocol.TypeTextDelta})

	var got []int64
	for i := 0; i < 2; i++ {
		data := <-c.out
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		got = append(got, int64(msg["streamSeq"].(float64)))
	}
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("streamSeq sequence = %v, want [1 2]", got)
	}
}

func TestSendRingBoundedToCapacity(t *testing.T) {
	c := newTestConn(t)
	for i := 0; i < userRingCapacity+5; i++ {
		c.send(protocol.ServerMessage{Type: protocol.TypeAgentStart})
		<-c.out
	}
	c.mu.Lock()
	n := len(c.ring)
	oldest := c.ring[0].seq
	c.mu.Unlock()
	if n != userRingCapacity {
		t.Errorf("ring length = %d, want %d", n, userRingCapacity)
	}
	if oldest != 6 {
		t.Errorf("oldest retained seq = %d, want 6 (5 evicted from the front)", oldest)
	}
}

func TestSendDropsDroppableUnderBackpressure(t *testing.T) {
	c := newTestConn(t)
	atomic.StoreInt64(&c.bufferedBytes, backpressureThreshold+1)

	c.send(protocol.ServerMessage{Type: protocol.TypeTextDelta})
	select {
	case <-c.out:
		t.Fatal("droppable message should not have been enqueued under backpressure")
	default:
	}
}

func TestSendNeverDropsDurableUnderBackpressure(t *testing.T) {
	c := newTestConn(t)
	atomic.StoreInt64(&c.bufferedBytes, backpressureThreshold+1)

	c.send(protocol.ServerMessage{Type: protocol.TypeToolStart})
	select {
	case <-c.out:
	default:
		t.Fatal("durable message should still be enqueued even under backpressure")
	}
}

func TestCatchUpSinceEmptyRingIsComplete(t *testing.T) {
	c := newTestConn(t)
	events, complete := c.catchUpSince(0)
	if events != nil || !complete {
		t.Errorf("catchUpSince on empty ring = (%v, %v), want (nil, true)", events, complete)
	}
}

func TestCatchUpSinceReturnsEventsAfterSeq(t *testing.T) {
	c := newTestConn(t)
	for i := 0; i < 3; i++ {
		c.send(protocol.ServerMessage{Type: protocol.TypeAgentStart})
		<-c.out
	}
	events, complete := c.catchUpSince(1)
	if !complete {
		t.Fatal("expected complete=true when sinceSeq is within the retained window")
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (seq 2 and 3)", len(events))
	}
}

func TestCatchUpSinceBelowOldestIsIncomplete(t *testing.T) {
	c := newTestConn(t)
	for i := 0; i < userRingCapacity+10; i++ {
		c.send(protocol.ServerMessage{Type: protocol.TypeAgentStart})
		<-c.out
	}
	_, complete := c.catchUpSince(0)
	if complete {
		t.Error("catchUpSince before the ring's retained window should report complete=false")
	}
}

func TestDemoteFullDemotesPreviousSubscription(t *testing.T) {
	c := newTestConn(t)
	c.subs["sess-a"] = &subscription{level: protocol.LevelFull, unsubscribe: func() {}}
	c.fullSessionID = "sess-a"

	c.demoteFull()

	if c.fullSessionID != "" {
		t.Errorf("fullSessionID = %q, want empty after demote", c.fullSessionID)
	}
	if c.subs["sess-a"].level != protocol.LevelNotifications {
		t.Errorf("demoted subscription level = %q, want notifications", c.subs["sess-a"].level)
	}
}

func TestDemoteFullNoopWhenNoFullSubscription(t *testing.T) {
	c := newTestConn(t)
	c.demoteFull() // must not panic with no prior full subscription
	if c.fullSessionID != "" {
		t.Errorf("fullSessionID = %q, want empty", c.fullSessionID)
	}
}

func TestUnsubscribeCallsUnsubscribeAndClearsFull(t *testing.T) {
	c := newTestConn(t)
	called := false
	c.subs["sess-a"] = &subscription{level: protocol.LevelFull, unsubscribe: func() { called = true }}
	c.fullSessionID = "sess-a"

	c.unsubscribe(protocol.ClientCommand{SessionID: "sess-a"})

	if !called {
		t.Error("unsubscribe callback was not invoked")
	}
	if _, ok := c.subs["sess-a"]; ok {
		t.Error("subscription should be removed from subs map")
	}
	if c.fullSessionID != "" {
		t.Errorf("fullSessionID = %q, want empty after unsubscribing the full session", c.fullSessionID)
	}
	// cmd.RequestID was empty, so rpcResult was a no-op; nothing to drain.
}

func TestRPCResultNoopWithoutRequestID(t *testing.T) {
	c := newTestConn(t)
	c.rpcResult("", true, nil)
	select {
	case <-c.out:
		t.Fatal("rpcResult with empty requestId should not send anything")
	default:
	}
}

func TestRPCResultSendsEnvelopeWithPayload(t *testing.T) {
	c := newTestConn(t)
	c.rpcResult("req-1", true, map[string]any{"sessionId": "sess-1"})

	data := <-c.out
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg["type"] != protocol.TypeRPCResult {
		t.Errorf("type = %v, want %v", msg["type"], protocol.TypeRPCResult)
	}
	if msg["requestId"] != "req-1" {
		t.Errorf("requestId = %v, want req-1", msg["requestId"])
	}
	if msg["ok"] != true {
		t.Errorf("ok = %v, want true", msg["ok"])
	}
	if msg["sessionId"] != "sess-1" {
		t.Errorf("sessionId = %v, want sess-1", msg["sessionId"])
	}
}
