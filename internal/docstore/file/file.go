// Package file implements docstore.Store over the filesystem layout of
// spec §6.3: config.json, sessions/<id>.json, workspaces/<id>.json, all
// files 0600 and directories 0700.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duh17/hostguard/internal/docstore"
)

// Store is a single-writer, mutex-serialized file-backed document store.
type Store struct {
	root string
	mu   sync.Mutex
}

// New returns a Store rooted at dir, creating dir and its subdirectories
// if they do not exist.
func New(dir string) (*Store, error) {
	s := &Store{root: dir}
	for _, sub := range []string{"", "sessions", "workspaces"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("docstore/file: mkdir %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Store) configPath() string              { return filepath.Join(s.root, "config.json") }
func (s *Store) sessionPath(id string) string     { return filepath.Join(s.root, "sessions", id+".json") }
func (s *Store) workspacePath(id string) string   { return filepath.Join(s.root, "workspaces", id+".json") }
func (s *Store) pushTokenPath() string            { return filepath.Join(s.root, "push-token.json") }
func (s *Store) authTokenPath() string            { return filepath.Join(s.root, "auth-token.json") }
func (s *Store) messagesPath(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID+".messages.json")
}

func (s *Store) GetConfig(_ context.Context) (docstore.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg docstore.ServerConfig
	if err := readJSON(s.configPath(), &cfg); err != nil && !os.IsNotExist(err) {
		return cfg, err
	}
	return cfg, nil
}

func (s *Store) UpdateConfig(_ context.Context, patch docstore.ServerConfig) (docstore.ServerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg docstore.ServerConfig
	_ = readJSON(s.configPath(), &cfg)
	if patch.OwnerName != "" {
		cfg.OwnerName = patch.OwnerName
	}
	if patch.DefaultWorkspace != "" {
		cfg.DefaultWorkspace = patch.DefaultWorkspace
	}
	if patch.IdleTimeoutSec != 0 {
		cfg.IdleTimeoutSec = patch.IdleTimeoutSec
	}
	if patch.ApprovalTimeoutSec != 0 {
		cfg.ApprovalTimeoutSec = patch.ApprovalTimeoutSec
	}
	for k, v := range patch.Extra {
		if cfg.Extra == nil {
			cfg.Extra = map[string]any{}
		}
		cfg.Extra[k] = v
	}
	if err := writeJSONAtomic(s.configPath(), cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Store) GetSession(_ context.Context, id string) (docstore.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sess docstore.Session
	if err := readJSON(s.sessionPath(id), &sess); err != nil {
		if os.IsNotExist(err) {
			return sess, docstore.ErrNotFound
		}
		return sess, err
	}
	return sess, nil
}

func (s *Store) SaveSession(_ context.Context, sess docstore.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.sessionPath(sess.ID), sess)
}

func (s *Store) ListSessions(_ context.Context) ([]docstore.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		return nil, err
	}
	var out []docstore.Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" || strings.HasSuffix(name, ".messages.json") {
			continue
		}
		var sess docstore.Session
		if err := readJSON(filepath.Join(s.root, "sessions", name), &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.sessionPath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	_ = os.Remove(s.messagesPath(id))
	return nil
}

func (s *Store) GetWorkspace(_ context.Context, id string) (docstore.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ws docstore.Workspace
	if err := readJSON(s.workspacePath(id), &ws); err != nil {
		if os.IsNotExist(err) {
			return ws, docstore.ErrNotFound
		}
		return ws, err
	}
	return ws, nil
}

func (s *Store) SaveWorkspace(_ context.Context, ws docstore.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.workspacePath(ws.ID), ws)
}

func (s *Store) ListWorkspaces(_ context.Context) ([]docstore.Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.root, "workspaces"))
	if err != nil {
		return nil, err
	}
	var out []docstore.Workspace
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var ws docstore.Workspace
		if err := readJSON(filepath.Join(s.root, "workspaces", e.Name()), &ws); err != nil {
			continue
		}
		out = append(out, ws)
	}
	return out, nil
}

// DeleteWorkspace removes only the workspace document; sessions that
// reference it are never touched (§3 "deletion must not cascade-delete
// sessions").
func (s *Store) DeleteWorkspace(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.workspacePath(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) AddSessionMessage(_ context.Context, sessionID string, msg docstore.SessionMessage) (docstore.SessionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	msg.SessionID = sessionID

	var msgs []docstore.SessionMessage
	_ = readJSON(s.messagesPath(sessionID), &msgs)
	msgs = append(msgs, msg)
	if err := writeJSONAtomic(s.messagesPath(sessionID), msgs); err != nil {
		return msg, err
	}
	return msg, nil
}

func (s *Store) GetSessionMessages(_ context.Context, sessionID string) ([]docstore.SessionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []docstore.SessionMessage
	if err := readJSON(s.messagesPath(sessionID), &msgs); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) GetPushDeviceToken(_ context.Context) (docstore.PushDeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t docstore.PushDeviceToken
	if err := readJSON(s.pushTokenPath(), &t); err != nil {
		if os.IsNotExist(err) {
			return t, docstore.ErrNotFound
		}
		return t, err
	}
	return t, nil
}

func (s *Store) AddPushDeviceToken(_ context.Context, t docstore.PushDeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	return writeJSONAtomic(s.pushTokenPath(), t)
}

func (s *Store) GetAuthDeviceToken(_ context.Context) (docstore.AuthDeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t docstore.AuthDeviceToken
	if err := readJSON(s.authTokenPath(), &t); err != nil {
		if os.IsNotExist(err) {
			return t, docstore.ErrNotFound
		}
		return t, err
	}
	return t, nil
}

func (s *Store) AddAuthDeviceToken(_ context.Context, t docstore.AuthDeviceToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	return writeJSONAtomic(s.authTokenPath(), t)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeJSONAtomic writes v as indented JSON via temp-file-then-rename,
// mode 0600, matching the teacher's internal/sessions/manager.go Save.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "doc-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
