package broadcast

import (
	"testing"
	"time"

	"github.com/duh17/hostguard/pkg/protocol"
)

func TestPublishAssignsSeqOnlyToDurableTypes(t *testing.T) {
	s := NewSession("sess-1", 0)

	delta := s.Publish(protocol.ServerMessage{Type: protocol.TypeTextDelta})
	if delta.Seq != nil {
		t.Errorf("text_delta got a seq %v, want nil (ephemeral type)", *delta.Seq)
	}

	end := s.Publish(protocol.ServerMessage{Type: protocol.TypeSessionEnded})
	if end.Seq == nil || *end.Seq != 1 {
		t.Errorf("session_ended Seq = %v, want 1", end.Seq)
	}
}

func TestCatchUpReturnsRetainedDurableEvents(t *testing.T) {
	s := NewSession("sess-1", 0)
	s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentStart})
	s.Publish(protocol.ServerMessage{Type: protocol.TypeTextDelta})
	s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentEnd})

	events, currentSeq, complete := s.CatchUp(0)
	if !complete {
		t.Fatal("CatchUp(0) should be complete with everything still in the ring")
	}
	if currentSeq != 2 {
		t.Errorf("currentSeq = %d, want 2 (only the two durable publishes assign a seq)", currentSeq)
	}
	if len(events) != 2 {
		t.Fatalf("CatchUp(0) events = %+v, want the 2 durable events (text_delta is not retained)", events)
	}
}

func TestCatchUpBelowRingRetentionIsIncomplete(t *testing.T) {
	s := NewSession("sess-1", 2)
	s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentStart})
	s.Publish(protocol.ServerMessage{Type: protocol.TypeToolStart})
	s.Publish(protocol.ServerMessage{Type: protocol.TypeToolEnd})

	_, _, complete := s.CatchUp(0)
	if complete {
		t.Error("CatchUp(0) should be incomplete once seq 1 has been evicted from a capacity-2 ring")
	}
}

func TestPublishDropsDroppableTypeUnderBackpressure(t *testing.T) {
	s := NewSession("sess-1", 0)
	ch, unsub := s.Subscribe(1)
	defer unsub()

	// Fill the one-slot buffer so the next send would block.
	s.Publish(protocol.ServerMessage{Type: protocol.TypeTextDelta})

	done := make(chan struct{})
	go func() {
		s.Publish(protocol.ServerMessage{Type: protocol.TypeTextDelta})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish of a droppable type blocked on a full subscriber channel")
	}
	<-ch // drain the one message that did make it through
}

func TestPublishBlocksOnNonDroppableTypeUntilDrained(t *testing.T) {
	s := NewSession("sess-1", 0)
	ch, unsub := s.Subscribe(1)
	defer unsub()

	s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentStart}) // fills the buffer

	done := make(chan struct{})
	go func() {
		s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentEnd})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Publish of a non-droppable type returned before the subscriber drained its channel")
	case <-time.After(50 * time.Millisecond):
	}

	<-ch // drain agent_start, unblocking the pending agent_end send
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after the subscriber drained its channel")
	}
	<-ch // drain agent_end
}

func TestUnsubscribeDuringBlockedPublishDoesNotPanic(t *testing.T) {
	s := NewSession("sess-1", 0)
	ch, unsub := s.Subscribe(1)

	s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentStart}) // fills the buffer

	publishReturned := make(chan struct{})
	go func() {
		// Blocks until either drained or the subscriber goes away.
		s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentEnd})
		close(publishReturned)
	}()

	// Give the goroutine above a moment to actually block on the send,
	// then unsubscribe concurrently. A send racing this close must not
	// panic: subscriber.mu serializes them.
	time.Sleep(20 * time.Millisecond)
	unsub()

	select {
	case <-ch:
		// forward's range loop would see this as the channel closing.
	case <-time.After(time.Second):
		t.Fatal("channel was never closed after unsubscribe")
	}
}

func TestSubscribeReturnsIndependentChannelsPerSubscriber(t *testing.T) {
	s := NewSession("sess-1", 0)
	chA, unsubA := s.Subscribe(4)
	defer unsubA()
	chB, unsubB := s.Subscribe(4)
	defer unsubB()

	s.Publish(protocol.ServerMessage{Type: protocol.TypeAgentStart})

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("subscriber A never received the published message")
	}
	select {
	case <-chB:
	case <-time.After(time.Second):
		t.Fatal("subscriber B never received the published message")
	}
}
