package orchestrator

import (
	"context"

	"github.com/duh17/hostguard/pkg/protocol"
)

// Backend is the black-box agent child process (or in-process agent),
// treated as an opaque event source/command sink per spec — this
// package never spawns or parses it, only drives it through this
// narrow contract.
type Backend interface {
	// Start launches (or resumes) the backend for one turn and returns
	// the stream of raw agent events it produces until the turn (or the
	// backend itself) ends, at which point the channel is closed.
	Start(ctx context.Context, cmd protocol.ClientCommand) (<-chan protocol.AgentEvent, error)
	// Send delivers a mid-turn command (steer, follow_up, or a command
	// passthrough such as model/thinking-level changes).
	Send(cmd protocol.ClientCommand) error
	// Abort cancels the current turn without terminating the backend.
	Abort() error
	// Stop terminates the backend unconditionally.
	Stop() error
}

// BackendFactory constructs a Backend for one session activation.
type BackendFactory func(sessionID, workspaceID string) Backend
