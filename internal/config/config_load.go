package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gate: GateConfig{
			HeartbeatTimeoutSec: 45,
			ApprovalTimeoutSec:  120,
			ListenAddr:          "127.0.0.1:0",
		},
		Policy: PolicyConfig{
			ConfigPath:       "~/.hostguard/policy.json",
			GlobalRulesPath:  "~/.hostguard/rules/global.json",
			WorkspaceRuleDir: "~/.hostguard/rules/workspaces",
		},
		Orchestrator: OrchestratorConfig{
			IdleTimeoutMin:  10,
			DebounceMs:      1000,
			ApprovalTimeout: 120,
		},
		StreamMux: StreamMuxConfig{
			ListenAddr: "0.0.0.0:18790",
		},
		AuthProxy: AuthProxyConfig{
			ListenAddr:      "127.0.0.1:18791",
			RateLimitPerMin: 20,
		},
		Docstore: DocstoreConfig{
			Dir: "~/.hostguard/store",
		},
		Credentials: CredentialsConfig{
			Path: "~/.hostguard/credentials.json",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.expandPaths()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.expandPaths()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and secrets (tokens, DSNs, auth keys) are
// NEVER read from the file at all.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("HOSTGUARD_STREAMMUX_LISTEN", &c.StreamMux.ListenAddr)
	envStr("HOSTGUARD_STREAMMUX_TOKEN", &c.StreamMux.Token)
	if v := os.Getenv("HOSTGUARD_STREAMMUX_ALLOWED_ORIGINS"); v != "" {
		c.StreamMux.AllowedOrigins = strings.Split(v, ",")
	}

	envStr("HOSTGUARD_AUTHPROXY_LISTEN", &c.AuthProxy.ListenAddr)
	envInt("HOSTGUARD_AUTHPROXY_RATE_LIMIT_PER_MIN", &c.AuthProxy.RateLimitPerMin)

	envStr("HOSTGUARD_GATE_LISTEN", &c.Gate.ListenAddr)
	envInt("HOSTGUARD_GATE_HEARTBEAT_TIMEOUT_SEC", &c.Gate.HeartbeatTimeoutSec)
	envInt("HOSTGUARD_GATE_APPROVAL_TIMEOUT_SEC", &c.Gate.ApprovalTimeoutSec)

	envStr("HOSTGUARD_POLICY_CONFIG_PATH", &c.Policy.ConfigPath)
	envStr("HOSTGUARD_POLICY_GLOBAL_RULES_PATH", &c.Policy.GlobalRulesPath)
	envStr("HOSTGUARD_POLICY_WORKSPACE_RULE_DIR", &c.Policy.WorkspaceRuleDir)

	envInt("HOSTGUARD_ORCHESTRATOR_IDLE_TIMEOUT_MIN", &c.Orchestrator.IdleTimeoutMin)
	envInt("HOSTGUARD_ORCHESTRATOR_DEBOUNCE_MS", &c.Orchestrator.DebounceMs)

	envStr("HOSTGUARD_DOCSTORE_DIR", &c.Docstore.Dir)
	envStr("HOSTGUARD_CREDENTIALS_PATH", &c.Credentials.Path)

	envStr("HOSTGUARD_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("HOSTGUARD_DB_MODE", &c.Database.Mode)

	envStr("HOSTGUARD_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("HOSTGUARD_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("HOSTGUARD_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("HOSTGUARD_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HOSTGUARD_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	envStr("HOSTGUARD_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("HOSTGUARD_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("HOSTGUARD_TSNET_DIR", &c.Tailscale.StateDir)
}

// expandPaths resolves leading "~" in the on-disk path fields once at
// load time, so downstream packages never have to call ExpandHome
// themselves.
func (c *Config) expandPaths() {
	c.Policy.ConfigPath = ExpandHome(c.Policy.ConfigPath)
	c.Policy.GlobalRulesPath = ExpandHome(c.Policy.GlobalRulesPath)
	c.Policy.WorkspaceRuleDir = ExpandHome(c.Policy.WorkspaceRuleDir)
	c.Docstore.Dir = ExpandHome(c.Docstore.Dir)
	c.Credentials.Path = ExpandHome(c.Credentials.Path)
	c.Tailscale.StateDir = ExpandHome(c.Tailscale.StateDir)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call this after modifying config to restore runtime secrets
// from env vars.
func (c *Config) ApplyEnvOverrides() {
	c.applyEnvOverrides()
	c.expandPaths()
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
