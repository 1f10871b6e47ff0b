package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFlexibleStringSliceAcceptsStrings(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["a","b"]`), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(f) != 2 || f[0] != "a" || f[1] != "b" {
		t.Errorf("f = %v, want [a b]", f)
	}
}

func TestFlexibleStringSliceAcceptsMixedNumbers(t *testing.T) {
	var f FlexibleStringSlice
	if err := json.Unmarshal([]byte(`["a", 123, true]`), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(f) != 3 || f[0] != "a" || f[1] != "123" || f[2] != "true" {
		t.Errorf("f = %v, want [a 123 true]", f)
	}
}

func TestDefaultPopulatesExpectedDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gate.HeartbeatTimeoutSec != 45 {
		t.Errorf("Gate.HeartbeatTimeoutSec = %d, want 45", cfg.Gate.HeartbeatTimeoutSec)
	}
	if cfg.Gate.ApprovalTimeoutSec != 120 {
		t.Errorf("Gate.ApprovalTimeoutSec = %d, want 120", cfg.Gate.ApprovalTimeoutSec)
	}
	if cfg.Orchestrator.IdleTimeoutMin != 10 {
		t.Errorf("Orchestrator.IdleTimeoutMin = %d, want 10", cfg.Orchestrator.IdleTimeoutMin)
	}
	if cfg.StreamMux.ListenAddr != "0.0.0.0:18790" {
		t.Errorf("StreamMux.ListenAddr = %q, want 0.0.0.0:18790", cfg.StreamMux.ListenAddr)
	}
	if cfg.AuthProxy.ListenAddr != "127.0.0.1:18791" {
		t.Errorf("AuthProxy.ListenAddr = %q, want 127.0.0.1:18791", cfg.AuthProxy.ListenAddr)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Orchestrator.DebounceMs != 1000 {
		t.Errorf("DebounceMs = %d, want 1000 (default)", cfg.Orchestrator.DebounceMs)
	}
}

func TestLoadParsesJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	// JSON5 permits trailing commas and unquoted keys; this also
	// exercises the teacher's tolerant-parsing idiom.
	content := `{
		gate: { heartbeat_timeout_sec: 99, },
		streamMux: { listen_addr: "0.0.0.0:9999" },
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gate.HeartbeatTimeoutSec != 99 {
		t.Errorf("Gate.HeartbeatTimeoutSec = %d, want 99", cfg.Gate.HeartbeatTimeoutSec)
	}
	if cfg.StreamMux.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("StreamMux.ListenAddr = %q, want 0.0.0.0:9999", cfg.StreamMux.ListenAddr)
	}
	// Fields untouched by the file should still carry the defaults.
	if cfg.Orchestrator.IdleTimeoutMin != 10 {
		t.Errorf("Orchestrator.IdleTimeoutMin = %d, want 10 (unset field keeps default)", cfg.Orchestrator.IdleTimeoutMin)
	}
}

func TestApplyEnvOverridesTakesPrecedenceOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"streamMux":{"listen_addr":"0.0.0.0:1"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOSTGUARD_STREAMMUX_LISTEN", "0.0.0.0:2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamMux.ListenAddr != "0.0.0.0:2" {
		t.Errorf("StreamMux.ListenAddr = %q, want 0.0.0.0:2 (env overrides file)", cfg.StreamMux.ListenAddr)
	}
}

func TestSecretsAreNeverPersistedByLoad(t *testing.T) {
	t.Setenv("HOSTGUARD_STREAMMUX_TOKEN", "super-secret-token")
	t.Setenv("HOSTGUARD_POSTGRES_DSN", "postgres://user:pw@host/db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StreamMux.Token != "super-secret-token" {
		t.Fatalf("Token not populated from env, got %q", cfg.StreamMux.Token)
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty marshal")
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	streamMux, _ := raw["streamMux"].(map[string]any)
	if _, ok := streamMux["Token"]; ok {
		t.Error("Token must never appear in the marshaled config (json:\"-\")")
	}
	database, _ := raw["database"].(map[string]any)
	if _, ok := database["PostgresDSN"]; ok {
		t.Error("PostgresDSN must never appear in the marshaled config (json:\"-\")")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")
	cfg := Default()
	cfg.Gate.HeartbeatTimeoutSec = 7

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reloaded.Gate.HeartbeatTimeoutSec != 7 {
		t.Errorf("HeartbeatTimeoutSec = %d, want 7", reloaded.Gate.HeartbeatTimeoutSec)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := Default()
	b := Default()
	if a.Hash() != b.Hash() {
		t.Error("two defaults should hash identically")
	}
	b.Gate.HeartbeatTimeoutSec = 999
	if a.Hash() == b.Hash() {
		t.Error("changing a field should change the hash")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"/abs/path", "/abs/path"},
		{"~", home},
		{"~/foo/bar", home + "/foo/bar"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsPostgresModeRequiresModeAndDSN(t *testing.T) {
	cfg := Default()
	if cfg.IsPostgresMode() {
		t.Error("default config should not be in postgres mode")
	}
	cfg.Database.Mode = "pg"
	if cfg.IsPostgresMode() {
		t.Error("postgres mode requires a DSN too")
	}
	cfg.Database.PostgresDSN = "postgres://x"
	if !cfg.IsPostgresMode() {
		t.Error("mode=pg with a DSN should report postgres mode")
	}
}
