// Package protocol defines the wire formats crossing the three network
// boundaries owned by this module: the gate's newline-JSON TCP protocol
// between server and agent child process, the owner's WebSocket stream
// protocol, and the on-disk audit JSONL record.
package protocol

// ProtocolVersion is advertised in the WebSocket "connected" frame and in
// the gate's health response so mismatched client/agent builds fail loud
// instead of silently misbehaving.
const ProtocolVersion = 1

// Decision is the three-way outcome of a policy evaluation.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
)

// Scope is the breadth at which a rule or a learned decision applies.
type Scope string

const (
	ScopeOnce      Scope = "once"
	ScopeSession   Scope = "session"
	ScopeWorkspace Scope = "workspace"
	ScopeGlobal    Scope = "global"
)

// Provenance records how a rule came to exist.
type Provenance string

const (
	ProvenancePreset  Provenance = "preset"
	ProvenanceLearned Provenance = "learned"
	ProvenanceManual  Provenance = "manual"
)

// ResolvedBy records who/what settled a pending decision.
type ResolvedBy string

const (
	ResolvedByPolicy         ResolvedBy = "policy"
	ResolvedByUser           ResolvedBy = "user"
	ResolvedByTimeout        ResolvedBy = "timeout"
	ResolvedByExtensionLost  ResolvedBy = "extension_lost"
)

// SessionStatus is the lifecycle state of a Session (data model §3).
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionReady    SessionStatus = "ready"
	SessionBusy     SessionStatus = "busy"
	SessionStopping SessionStatus = "stopping"
	SessionStopped  SessionStatus = "stopped"
	SessionError    SessionStatus = "error"
)

// GuardState is the gate's per-session state machine (§4.3).
type GuardState string

const (
	GuardUnguarded GuardState = "unguarded"
	GuardGuarded   GuardState = "guarded"
	GuardFailSafe  GuardState = "fail_safe"
)

// StopSource identifies what triggered a stop request (§4.4).
type StopSource string

const (
	StopSourceUser    StopSource = "user"
	StopSourceTimeout StopSource = "timeout"
	StopSourceServer  StopSource = "server"
)

// SubscriptionLevel is the fidelity of a StreamMux subscription (§4.5).
type SubscriptionLevel string

const (
	LevelFull          SubscriptionLevel = "full"
	LevelNotifications SubscriptionLevel = "notifications"
)
