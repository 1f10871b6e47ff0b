// Package config is the root configuration for hostguardd: gate, policy,
// orchestrator, stream multiplexer, auth proxy, live-activity bridge,
// document store, push sink, and credential store all read from one
// JSON5 file plus environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, matching
// hand-edited config files where a list sometimes comes through as a
// mixed array.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for hostguardd.
type Config struct {
	Gate         GateConfig         `json:"gate"`
	Policy       PolicyConfig       `json:"policy"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	StreamMux    StreamMuxConfig    `json:"streamMux"`
	AuthProxy    AuthProxyConfig    `json:"authProxy"`
	LiveActivity LiveActivityConfig `json:"liveActivity,omitempty"`
	Docstore     DocstoreConfig     `json:"docstore"`
	Push         PushConfig         `json:"push,omitempty"`
	Credentials  CredentialsConfig  `json:"credentials"`
	Database     DatabaseConfig     `json:"database,omitempty"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
	Tailscale    TailscaleConfig    `json:"tailscale,omitempty"`
	mu           sync.RWMutex
}

// TailscaleConfig configures the optional Tailscale tsnet listener.
// Requires building with -tags tsnet. Auth key from env only (never persisted).
type TailscaleConfig struct {
	Hostname  string `json:"hostname"`             // Tailscale machine name (e.g. "hostguard")
	StateDir  string `json:"state_dir,omitempty"`  // persistent state directory (default: os.UserConfigDir/tsnet-hostguard)
	AuthKey   string `json:"-"`                    // from env HOSTGUARD_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`  // remove node on exit (default false)
	EnableTLS bool   `json:"enable_tls,omitempty"` // use ListenTLS for auto HTTPS certs
}

// DatabaseConfig configures Postgres for the optional pg-backed docstore.
// PostgresDSN is NEVER read from config.json (secret) — only from env HOSTGUARD_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`              // from env HOSTGUARD_POSTGRES_DSN only
	Mode        string `json:"mode,omitempty"` // "file" (default) or "pg"
}

// IsPostgresMode returns true when the docstore should use the Postgres
// backend instead of the file backend.
func (c *Config) IsPostgresMode() bool {
	return c.Database.Mode == "pg" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for traces.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"` // default "hostguardd"
	Headers     map[string]string `json:"headers,omitempty"`
}

// GateConfig configures the per-session tool-call gate (spec §4.3).
type GateConfig struct {
	HeartbeatTimeoutSec int    `json:"heartbeat_timeout_sec,omitempty"` // default 45
	ApprovalTimeoutSec  int    `json:"approval_timeout_sec,omitempty"`  // default 120, 0 = disabled
	ListenAddr          string `json:"listen_addr,omitempty"`           // TCP guard transport, default "127.0.0.1:0"
}

// PolicyConfig configures the PolicyEngine and RuleStore (spec §4.1, §4.2).
type PolicyConfig struct {
	ConfigPath       string `json:"config_path,omitempty"`       // declarative policy file, default "~/.hostguard/policy.json"
	GlobalRulesPath  string `json:"global_rules_path,omitempty"` // default "~/.hostguard/rules/global.json"
	WorkspaceRuleDir string `json:"workspace_rule_dir,omitempty"` // default "~/.hostguard/rules/workspaces"
}

// OrchestratorConfig configures the SessionOrchestrator (spec §4.4).
type OrchestratorConfig struct {
	IdleTimeoutMin  int `json:"idle_timeout_min,omitempty"`  // default 10
	DebounceMs      int `json:"debounce_ms,omitempty"`       // persistence debounce, default 1000
	ApprovalTimeout int `json:"approval_timeout_sec,omitempty"`
}

// StreamMuxConfig configures the owner WebSocket endpoint (spec §4.5).
type StreamMuxConfig struct {
	ListenAddr     string              `json:"listen_addr,omitempty"` // default "0.0.0.0:18790"
	AllowedOrigins FlexibleStringSlice `json:"allowed_origins,omitempty"`
	Token          string              `json:"-"` // bearer token, from env only
}

// AuthProxyConfig configures the credential-substitution proxy (spec §4.6).
type AuthProxyConfig struct {
	ListenAddr        string `json:"listen_addr,omitempty"` // loopback only, default "127.0.0.1:18791"
	RateLimitPerMin   int    `json:"rate_limit_per_min,omitempty"`
}

// LiveActivityConfig configures the live-status push coalescer (spec §4.7).
type LiveActivityConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// DocstoreConfig configures the document store (spec §6.3).
type DocstoreConfig struct {
	Dir string `json:"dir,omitempty"` // file backend root, default "~/.hostguard/store"
}

// PushConfig configures the push-notification sink (spec §6.2). Real APNs
// delivery is out of scope; Noop is the only built-in sink.
type PushConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// CredentialsConfig configures the provider credential store (spec §3/§4.6).
type CredentialsConfig struct {
	Path string `json:"path,omitempty"` // default "~/.hostguard/credentials.json"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gate = src.Gate
	c.Policy = src.Policy
	c.Orchestrator = src.Orchestrator
	c.StreamMux = src.StreamMux
	c.AuthProxy = src.AuthProxy
	c.LiveActivity = src.LiveActivity
	c.Docstore = src.Docstore
	c.Push = src.Push
	c.Credentials = src.Credentials
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
