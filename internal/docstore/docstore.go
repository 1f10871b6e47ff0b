// Package docstore defines the document store contract of spec §6.3: an
// opaque external collaborator for ServerConfig, Session, Workspace,
// SessionMessage, and device-token persistence. A mandatory file-backed
// implementation lives in docstore/file; an optional Postgres-backed
// implementation for managed deployments lives in docstore/pg.
package docstore

import "context"

// Session is the persisted shape of spec §3 "Session".
type Session struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Status          string         `json:"status"`
	WorkspaceID     string         `json:"workspaceId,omitempty"`
	Model           string         `json:"model,omitempty"`
	CreatedAt       int64          `json:"createdAt"`
	LastActivityAt  int64          `json:"lastActivityAt"`
	MessageCount    int64          `json:"messageCount"`
	InputTokens     int64          `json:"inputTokens"`
	OutputTokens    int64          `json:"outputTokens"`
	CacheReadTokens int64          `json:"cacheReadTokens"`
	CacheWriteTokens int64         `json:"cacheWriteTokens"`
	CostUSD         float64        `json:"costUsd"`
	ContextTokens   int64          `json:"contextTokens"`
	LinesAdded      int64          `json:"linesAdded"`
	LinesRemoved    int64          `json:"linesRemoved"`
	EventLogPath    string         `json:"eventLogPath,omitempty"`
	AgentSessionID  string         `json:"agentSessionId,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Workspace is the persisted shape of spec §3 "Workspace".
type Workspace struct {
	ID                 string       `json:"id"`
	Name               string       `json:"name"`
	HostDirectory      string       `json:"hostDirectory,omitempty"`
	AllowedPaths       []PathAccess `json:"allowedPaths,omitempty"`
	AllowedExecutables []string     `json:"allowedExecutables,omitempty"`
	SkillNames         []string     `json:"skillNames,omitempty"`
	PermissionOverlay  string       `json:"permissionOverlay,omitempty"` // raw JSON5 of a policyconfig.PolicyConfig
	SystemPrompt       string       `json:"systemPrompt,omitempty"`
	MemoryNamespace    string       `json:"memoryNamespace,omitempty"`
	DefaultModel       string       `json:"defaultModel,omitempty"`
}

// PathAccess mirrors policyconfig.PathAccess for storage purposes, kept
// independent so docstore has no compile-time dependency on policy.
type PathAccess struct {
	Path      string `json:"path"`
	ReadWrite bool   `json:"readWrite"`
}

// SessionMessage is one appended transcript entry.
type SessionMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt int64          `json:"createdAt"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// ServerConfig is the singleton server-wide configuration document.
type ServerConfig struct {
	OwnerName       string         `json:"ownerName,omitempty"`
	DefaultWorkspace string        `json:"defaultWorkspace,omitempty"`
	IdleTimeoutSec  int            `json:"idleTimeoutSec,omitempty"`
	ApprovalTimeoutSec int         `json:"approvalTimeoutSec,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// PushDeviceToken registers a device for push notifications.
type PushDeviceToken struct {
	Token     string `json:"token"`
	Platform  string `json:"platform,omitempty"` // "apns"
	CreatedAt int64  `json:"createdAt"`
}

// AuthDeviceToken registers a device for pairing/authorization.
type AuthDeviceToken struct {
	Token     string `json:"token"`
	DeviceID  string `json:"deviceId"`
	CreatedAt int64  `json:"createdAt"`
}

// Store is the full document store contract of §6.3.
type Store interface {
	GetConfig(ctx context.Context) (ServerConfig, error)
	UpdateConfig(ctx context.Context, patch ServerConfig) (ServerConfig, error)

	GetSession(ctx context.Context, id string) (Session, error)
	SaveSession(ctx context.Context, s Session) error
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error

	GetWorkspace(ctx context.Context, id string) (Workspace, error)
	SaveWorkspace(ctx context.Context, w Workspace) error
	ListWorkspaces(ctx context.Context) ([]Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error

	AddSessionMessage(ctx context.Context, sessionID string, msg SessionMessage) (SessionMessage, error)
	GetSessionMessages(ctx context.Context, sessionID string) ([]SessionMessage, error)

	GetPushDeviceToken(ctx context.Context) (PushDeviceToken, error)
	AddPushDeviceToken(ctx context.Context, t PushDeviceToken) error
	GetAuthDeviceToken(ctx context.Context) (AuthDeviceToken, error)
	AddAuthDeviceToken(ctx context.Context, t AuthDeviceToken) error
}

// ErrNotFound is returned by Get* lookups that find nothing.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "docstore: not found" }
