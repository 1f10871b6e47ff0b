// Package credentials implements the credential store of spec §3/§4.6: a
// file-backed mapping from provider key to an OAuth or API-key entry,
// memoized with a 5-second freshness window and a single-refresh-attempt
// rule on OAuth expiry.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ttl is the cache freshness window of §4.6 "5-second freshness window".
const ttl = 5 * time.Second

// Entry is one credential store value (§3 "Credential store").
type Entry struct {
	Type    string `json:"type"` // "oauth" | "api_key"
	Access  string `json:"access,omitempty"`
	Expires *int64 `json:"expires,omitempty"` // unix seconds, oauth only
	Key     string `json:"key,omitempty"`     // api_key only
}

// Expired reports whether an oauth entry's expires timestamp has passed.
func (e Entry) Expired(now time.Time) bool {
	return e.Type == "oauth" && e.Expires != nil && *e.Expires < now.Unix()
}

var ErrNotFound = errors.New("credentials: provider not found")

// Store reads a JSON object of provider -> Entry from a file, re-reading
// it at most once per ttl unless an explicit Reload or expiry-triggered
// refresh is requested.
type Store struct {
	path string

	mu       sync.Mutex
	entries  map[string]Entry
	loadedAt time.Time
}

// New returns a Store backed by path. The file need not exist yet; Get
// returns ErrNotFound until it does.
func New(path string) *Store {
	return &Store{path: path}
}

// Get returns the credential for provider, reloading from disk if the
// cache is stale. If the entry is an expired oauth credential, it
// reloads exactly once more before giving up (§4.6 "OAuth expiry
// triggers exactly one refresh attempt per credential read").
func (s *Store) Get(provider string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadIfStaleLocked(false); err != nil {
		return Entry{}, err
	}
	entry, ok := s.entries[provider]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if entry.Expired(time.Now()) {
		if err := s.reloadIfStaleLocked(true); err != nil {
			return Entry{}, err
		}
		entry, ok = s.entries[provider]
		if !ok {
			return Entry{}, ErrNotFound
		}
	}
	return entry, nil
}

// Reload forces an immediate re-read of the credential file, bypassing
// the ttl (§4.6 "explicit reloadAuth call must bypass it").
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadIfStaleLocked(true)
}

func (s *Store) reloadIfStaleLocked(force bool) error {
	if !force && time.Since(s.loadedAt) < ttl && s.entries != nil {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.entries = map[string]Entry{}
			s.loadedAt = time.Now()
			return nil
		}
		return fmt.Errorf("credentials: read %s: %w", s.path, err)
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("credentials: parse %s: %w", s.path, err)
	}
	s.entries = entries
	s.loadedAt = time.Now()
	return nil
}
