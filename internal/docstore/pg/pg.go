// Package pg implements docstore.Store over Postgres for deployments
// that opt out of the mandatory file-backed store (spec §6.3 treats the
// document store as an opaque external collaborator; this is one
// concrete backend for it, grounded on the teacher's managed-mode
// Postgres stores).
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/google/uuid"

	"github.com/duh17/hostguard/internal/docstore"
)

// Store is a docstore.Store backed by a Postgres database, opened via
// database/sql with the pgx stdlib driver exactly as the teacher's
// managed-mode stores do.
type Store struct {
	db *sql.DB
}

// Open opens dsn (read from environment by the caller, never from a
// config file, matching the teacher's DSN-from-env-only convention) and
// returns a ready Store. Schema migrations are applied separately via
// golang-migrate (see cmd/hostguardd's "migrate" subcommand).
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("docstore/pg: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("docstore/pg: ping: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetConfig(ctx context.Context) (docstore.ServerConfig, error) {
	var cfg docstore.ServerConfig
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM server_config WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("docstore/pg: get config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("docstore/pg: decode config: %w", err)
	}
	return cfg, nil
}

func (s *Store) UpdateConfig(ctx context.Context, patch docstore.ServerConfig) (docstore.ServerConfig, error) {
	cfg, err := s.GetConfig(ctx)
	if err != nil {
		return cfg, err
	}
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
	data, err := json.Marshal(cfg)
	if err != nil {
		return cfg, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO server_config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data)
	if err != nil {
		return cfg, fmt.Errorf("docstore/pg: update config: %w", err)
	}
	return cfg, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (docstore.Session, error) {
	var sess docstore.Session
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return sess, docstore.ErrNotFound
	}
	if err != nil {
		return sess, fmt.Errorf("docstore/pg: get session: %w", err)
	}
	if err := json.Unmarshal(data, &sess); err != nil {
		return sess, err
	}
	return sess, nil
}

func (s *Store) SaveSession(ctx context.Context, sess docstore.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, data, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET workspace_id = EXCLUDED.workspace_id, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		sess.ID, nullIfEmpty(sess.WorkspaceID), data, time.Now())
	if err != nil {
		return fmt.Errorf("docstore/pg: save session: %w", err)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]docstore.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("docstore/pg: list sessions: %w", err)
	}
	defer rows.Close()
	var out []docstore.Session
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess docstore.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("docstore/pg: delete session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = $1`, id)
	return err
}

func (s *Store) GetWorkspace(ctx context.Context, id string) (docstore.Workspace, error) {
	var ws docstore.Workspace
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM workspaces WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return ws, docstore.ErrNotFound
	}
	if err != nil {
		return ws, fmt.Errorf("docstore/pg: get workspace: %w", err)
	}
	if err := json.Unmarshal(data, &ws); err != nil {
		return ws, err
	}
	return ws, nil
}

func (s *Store) SaveWorkspace(ctx context.Context, ws docstore.Workspace) error {
	data, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, data) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, ws.ID, data)
	if err != nil {
		return fmt.Errorf("docstore/pg: save workspace: %w", err)
	}
	return nil
}

func (s *Store) ListWorkspaces(ctx context.Context) ([]docstore.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM workspaces`)
	if err != nil {
		return nil, fmt.Errorf("docstore/pg: list workspaces: %w", err)
	}
	defer rows.Close()
	var out []docstore.Workspace
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ws docstore.Workspace
		if err := json.Unmarshal(data, &ws); err != nil {
			continue
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes only the workspace row; sessions referencing
// it via workspace_id are left untouched (no FK cascade), per §3.
func (s *Store) DeleteWorkspace(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("docstore/pg: delete workspace: %w", err)
	}
	return nil
}

func (s *Store) AddSessionMessage(ctx context.Context, sessionID string, msg docstore.SessionMessage) (docstore.SessionMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	msg.SessionID = sessionID
	data, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_messages (id, session_id, created_at, data) VALUES ($1, $2, $3, $4)`,
		msg.ID, sessionID, time.UnixMilli(msg.CreatedAt), data)
	if err != nil {
		return msg, fmt.Errorf("docstore/pg: add session message: %w", err)
	}
	return msg, nil
}

func (s *Store) GetSessionMessages(ctx context.Context, sessionID string) ([]docstore.SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM session_messages WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("docstore/pg: get session messages: %w", err)
	}
	defer rows.Close()
	var out []docstore.SessionMessage
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var msg docstore.SessionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *Store) GetPushDeviceToken(ctx context.Context) (docstore.PushDeviceToken, error) {
	var t docstore.PushDeviceToken
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT token, platform, created_at FROM push_device_tokens ORDER BY created_at DESC LIMIT 1`).
		Scan(&t.Token, &t.Platform, &createdAt)
	if err == sql.ErrNoRows {
		return t, docstore.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("docstore/pg: get push token: %w", err)
	}
	t.CreatedAt = createdAt.UnixMilli()
	return t, nil
}

func (s *Store) AddPushDeviceToken(ctx context.Context, t docstore.PushDeviceToken) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_device_tokens (token, platform, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING`, t.Token, t.Platform, time.UnixMilli(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("docstore/pg: add push token: %w", err)
	}
	return nil
}

func (s *Store) GetAuthDeviceToken(ctx context.Context) (docstore.AuthDeviceToken, error) {
	var t docstore.AuthDeviceToken
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT token, device_id, created_at FROM auth_device_tokens ORDER BY created_at DESC LIMIT 1`).
		Scan(&t.Token, &t.DeviceID, &createdAt)
	if err == sql.ErrNoRows {
		return t, docstore.ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("docstore/pg: get auth token: %w", err)
	}
	t.CreatedAt = createdAt.UnixMilli()
	return t, nil
}

func (s *Store) AddAuthDeviceToken(ctx context.Context, t docstore.AuthDeviceToken) error {
	if t.CreatedAt == 0 {
		t.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_device_tokens (token, device_id, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (token) DO NOTHING`, t.Token, t.DeviceID, time.UnixMilli(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("docstore/pg: add auth token: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
