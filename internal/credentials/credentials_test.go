package credentials

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, entries map[string]Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.json")
	data, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestGetMissingFileReturnsNotFound(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))
	_, err := s.Get("anthropic")
	if err != ErrNotFound {
		t.Errorf("Get on missing file = %v, want ErrNotFound", err)
	}
}

func TestGetUnknownProviderReturnsNotFound(t *testing.T) {
	path := writeFile(t, map[string]Entry{"anthropic": {Type: "api_key", Key: "k"}})
	s := New(path)
	_, err := s.Get("openai-codex")
	if err != ErrNotFound {
		t.Errorf("Get unknown provider = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsEntry(t *testing.T) {
	path := writeFile(t, map[string]Entry{"anthropic": {Type: "api_key", Key: "secret-key"}})
	s := New(path)
	entry, err := s.Get("anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Key != "secret-key" {
		t.Errorf("entry.Key = %q, want secret-key", entry.Key)
	}
}

func TestExpiredReportsOAuthOnly(t *testing.T) {
	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"oauth expired", Entry{Type: "oauth", Expires: &past}, true},
		{"oauth not expired", Entry{Type: "oauth", Expires: &future}, false},
		{"oauth no expiry set", Entry{Type: "oauth"}, false},
		{"api_key never expires", Entry{Type: "api_key", Expires: &past}, false},
	}
	for _, tt := range tests {
		if got := tt.entry.Expired(time.Now()); got != tt.want {
			t.Errorf("%s: Expired() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestGetExpiredOAuthTriggersSingleReload(t *testing.T) {
	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	path := writeFile(t, map[string]Entry{"anthropic": {Type: "oauth", Access: "old", Expires: &past}})
	s := New(path)

	// First Get triggers a reload-on-expiry attempt; the file on disk is
	// still expired, so it should come back expired (not an error).
	entry, err := s.Get("anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !entry.Expired(time.Now()) {
		t.Fatal("expected still-expired entry on first Get (no fresh file yet)")
	}

	// Update the file to a fresh credential and force a reload so the
	// next Get picks it up.
	if err := os.WriteFile(path, mustMarshal(t, map[string]Entry{
		"anthropic": {Type: "oauth", Access: "new", Expires: &future},
	}), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	entry, err = s.Get("anthropic")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if entry.Access != "new" {
		t.Errorf("entry.Access = %q, want new", entry.Access)
	}
}

func TestReloadBypassesTTL(t *testing.T) {
	path := writeFile(t, map[string]Entry{"anthropic": {Type: "api_key", Key: "v1"}})
	s := New(path)
	if _, err := s.Get("anthropic"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := os.WriteFile(path, mustMarshal(t, map[string]Entry{"anthropic": {Type: "api_key", Key: "v2"}}), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	// Within the ttl window, Get alone would still serve the cached v1
	// value; Reload must bypass that and pick up v2 immediately.
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	entry, err := s.Get("anthropic")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Key != "v2" {
		t.Errorf("entry.Key = %q, want v2 (Reload must bypass ttl cache)", entry.Key)
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
