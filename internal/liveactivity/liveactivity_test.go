package liveactivity

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeSink records SendLiveActivityUpdate/EndLiveActivity calls for
// assertions; safe for concurrent use since flush runs off a timer
// goroutine.
type fakeSink struct {
	mu      sync.Mutex
	updates []map[string]any
	ends    []map[string]any
}

func (f *fakeSink) SendPermissionPush(context.Context, string, map[string]any) (bool, error) {
	return true, nil
}

func (f *fakeSink) SendSessionEventPush(context.Context, string, map[string]any) (bool, error) {
	return true, nil
}

func (f *fakeSink) SendLiveActivityUpdate(_ context.Context, _ string, state map[string]any, _ *int64, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, state)
	return true, nil
}

func (f *fakeSink) EndLiveActivity(_ context.Context, _ string, state map[string]any, _ *int64, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, state)
	return true, nil
}

func (f *fakeSink) Shutdown(context.Context) error { return nil }

func (f *fakeSink) snapshot() (updates, ends int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates), len(f.ends)
}

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestPublishMergesLatestNonNullWins(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, nil)

	b.Publish("tok", Update{Status: strPtr("busy"), ActiveTool: strPtr("bash")})
	b.Publish("tok", Update{ActiveTool: strPtr("read")})

	b.mu.Lock()
	p := b.pending["tok"]
	b.mu.Unlock()
	if p.status != "busy" {
		t.Errorf("status = %q, want busy (should survive merge since not overwritten)", p.status)
	}
	if p.activeTool != "read" {
		t.Errorf("activeTool = %q, want read (latest non-null wins)", p.activeTool)
	}
}

func TestPublishPriorityTakesMax(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, nil)

	b.Publish("tok", Update{Priority: intPtr(5)})
	b.Publish("tok", Update{Priority: intPtr(2)})
	b.Publish("tok", Update{Priority: intPtr(9)})

	b.mu.Lock()
	p := b.pending["tok"]
	b.mu.Unlock()
	if p.priority != 9 {
		t.Errorf("priority = %d, want 9 (max across merges)", p.priority)
	}
}

func TestPublishEndIsSticky(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, nil)

	b.Publish("tok", Update{End: true})
	b.Publish("tok", Update{Status: strPtr("busy")}) // later merge must not clear end

	b.mu.Lock()
	p := b.pending["tok"]
	b.mu.Unlock()
	if !p.end {
		t.Error("end should remain true once set, even after a later non-end merge")
	}
}

func TestFlushDeliversUpdateThenEnd(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, nil)

	b.Publish("tok", Update{Status: strPtr("busy"), ActiveTool: strPtr("bash")})
	b.flush("tok") // force flush synchronously instead of waiting on the debounce timer

	updates, ends := sink.snapshot()
	if updates != 1 || ends != 0 {
		t.Fatalf("after non-end flush: updates=%d ends=%d, want 1,0", updates, ends)
	}

	b.Publish("tok", Update{End: true})
	b.flush("tok")

	updates, ends = sink.snapshot()
	if updates != 1 || ends != 1 {
		t.Fatalf("after end flush: updates=%d ends=%d, want 1,1", updates, ends)
	}

	b.mu.Lock()
	_, stillPending := b.pending["tok"]
	b.mu.Unlock()
	if stillPending {
		t.Error("token should be forgotten after an end=true flush")
	}
}

func TestFlushOnUnknownTokenIsNoop(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, nil)
	b.flush("never-published") // must not panic or deliver anything

	updates, ends := sink.snapshot()
	if updates != 0 || ends != 0 {
		t.Fatalf("flush on unknown token delivered updates=%d ends=%d, want 0,0", updates, ends)
	}
}

func TestDebounceCoalescesRapidPublishes(t *testing.T) {
	sink := &fakeSink{}
	b := New(sink, nil)

	b.Publish("tok", Update{Status: strPtr("busy")})
	b.Publish("tok", Update{ActiveTool: strPtr("bash")})
	b.Publish("tok", Update{LastEvent: strPtr("tool started")})

	time.Sleep(debounce + 250*time.Millisecond)

	updates, _ := sink.snapshot()
	if updates != 1 {
		t.Errorf("updates = %d, want exactly 1 (three rapid publishes should coalesce into one flush)", updates)
	}
}

func TestContentStateIncludesElapsedSeconds(t *testing.T) {
	p := &pending{status: "busy", activeTool: "bash", pendingPermissions: 2, lastEvent: "x", startedAt: time.Now().Add(-5 * time.Second)}
	state := contentState(p)
	if state["status"] != "busy" || state["activeTool"] != "bash" || state["pendingPermissions"] != 2 {
		t.Errorf("contentState = %+v, missing expected fields", state)
	}
	elapsed, ok := state["elapsedSeconds"].(int)
	if !ok || elapsed < 4 {
		t.Errorf("elapsedSeconds = %v, want >= 4", state["elapsedSeconds"])
	}
}
