// Package liveactivity implements the LiveActivityBridge of spec §4.7: it
// collapses a stream of session events into a single debounced "latest
// snapshot" push payload for a per-owner live-status surface.
package liveactivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/duh17/hostguard/internal/push"
)

// debounce is the coalescing window of §4.7 "schedules a 750 ms timer".
const debounce = 750 * time.Millisecond

// Update is one incoming field-level change to merge into the pending
// snapshot. Nil/zero fields are left untouched by merge (§4.7 "latest
// non-null wins").
type Update struct {
	Status             *string
	ActiveTool         *string
	PendingPermissions *int
	LastEvent          *string
	Priority           *int
	End                bool
}

// pending accumulates merged fields for one owner between flushes.
type pending struct {
	status             string
	activeTool         string
	pendingPermissions int
	lastEvent          string
	priority           int
	end                bool
	startedAt          time.Time
	timer              *time.Timer
}

// Bridge coalesces updates per push token and hands the merged content
// state to the push sink on flush.
type Bridge struct {
	log  *slog.Logger
	sink push.Sink

	mu      sync.Mutex
	pending map[string]*pending // pushToken -> pending snapshot
}

// New returns a Bridge delivering through sink.
func New(sink push.Sink, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{log: log, sink: sink, pending: make(map[string]*pending)}
}

// Publish merges u into pushToken's pending snapshot and schedules a
// flush timer if none is already active (§4.7 "Debounce").
func (b *Bridge) Publish(pushToken string, u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[pushToken]
	if !ok {
		p = &pending{startedAt: time.Now()}
		b.pending[pushToken] = p
	}
	mergeLocked(p, u)

	if p.timer == nil {
		p.timer = time.AfterFunc(debounce, func() { b.flush(pushToken) })
	}
}

func mergeLocked(p *pending, u Update) {
	if u.Status != nil {
		p.status = *u.Status
	}
	if u.ActiveTool != nil {
		p.activeTool = *u.ActiveTool
	}
	if u.PendingPermissions != nil {
		p.pendingPermissions = *u.PendingPermissions
	}
	if u.LastEvent != nil {
		p.lastEvent = *u.LastEvent
	}
	if u.Priority != nil && *u.Priority > p.priority {
		p.priority = *u.Priority
	}
	if u.End {
		p.end = true // sticky: once set, never cleared by a later merge
	}
}

// flush computes the content-state snapshot and hands it to the push
// sink; on end=true it also ends the live activity and forgets the
// token (§4.7 "On end=true, also call push-sink end and clear the
// stored token").
func (b *Bridge) flush(pushToken string) {
	b.mu.Lock()
	p, ok := b.pending[pushToken]
	if !ok {
		b.mu.Unlock()
		return
	}
	if p.end {
		delete(b.pending, pushToken)
	} else {
		p.timer = nil
	}
	state := contentState(p)
	priority := p.priority
	end := p.end
	b.mu.Unlock()

	ctx := context.Background()
	if end {
		if _, err := b.sink.EndLiveActivity(ctx, pushToken, state, nil, priority); err != nil {
			b.log.Error("liveactivity: end failed", "error", err)
		}
		return
	}
	if _, err := b.sink.SendLiveActivityUpdate(ctx, pushToken, state, nil, priority); err != nil {
		b.log.Error("liveactivity: update failed", "error", err)
	}
}

func contentState(p *pending) map[string]any {
	return map[string]any{
		"status":             p.status,
		"activeTool":         p.activeTool,
		"pendingPermissions": p.pendingPermissions,
		"lastEvent":          p.lastEvent,
		"elapsedSeconds":     int(time.Since(p.startedAt).Seconds()),
	}
}
