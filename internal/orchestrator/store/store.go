// Package store persists the orchestrator's agent configuration records
// outside the agent core itself; the agent id it returns is what
// downstream code uses to attach.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, no cgo

	"github.com/agentfleet/agentfleet/internal/common/apierr"
	"github.com/agentfleet/agentfleet/internal/common/logger"
	commonsqlite "github.com/agentfleet/agentfleet/internal/common/sqlite"
)

// AgentConfig is one orchestrator-managed agent's configuration record.
type AgentConfig struct {
	ID             string            `db:"id" json:"id"`
	Project        string            `db:"project" json:"project"`
	Name           string            `db:"name" json:"name"`
	Cwd            string            `db:"cwd" json:"cwd"`
	Model          string            `db:"model" json:"model"`
	SystemBasePath string            `db:"system_base_path" json:"system_base_path"`
	KBSeeds        []string          `db:"-" json:"kb_seeds,omitempty"`
	Metadata       map[string]string `db:"-" json:"metadata,omitempty"`
	SpawnMode      string            `db:"spawn_mode" json:"spawn_mode"` // "local", "docker", "remote"
	RunningPID     int               `db:"running_pid" json:"running_pid,omitempty"`
	ContainerID    string            `db:"container_id" json:"container_id,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// agentRow mirrors AgentConfig's DB-facing shape; sqlx scans into this
// directly since AgentConfig itself carries non-db fields alongside their
// JSON-serialized counterparts.
type agentRow struct {
	ID             string    `db:"id"`
	Project        string    `db:"project"`
	Name           string    `db:"name"`
	Cwd            string    `db:"cwd"`
	Model          string    `db:"model"`
	SystemBasePath string    `db:"system_base_path"`
	KBSeeds        string    `db:"kb_seeds"`
	Metadata       string    `db:"metadata"`
	SpawnMode      string    `db:"spawn_mode"`
	RunningPID     int       `db:"running_pid"`
	ContainerID    string    `db:"container_id"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r agentRow) toConfig() AgentConfig {
	cfg := AgentConfig{
		ID: r.ID, Project: r.Project, Name: r.Name, Cwd: r.Cwd, Model: r.Model,
		SystemBasePath: r.SystemBasePath, SpawnMode: r.SpawnMode,
		RunningPID: r.RunningPID, ContainerID: r.ContainerID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	_ = json.Unmarshal([]byte(r.KBSeeds), &cfg.KBSeeds)
	_ = json.Unmarshal([]byte(r.Metadata), &cfg.Metadata)
	return cfg
}

// Store is the sqlite-backed orchestrator configuration store.
type Store struct {
	db  *sqlx.DB
	log *logger.Logger
}

// Open opens (creating if absent) the orchestrator's sqlite database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, apierr.Newf(apierr.CodeOrchestratorStoreError, "open orchestrator store: %v", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &Store{db: db, log: log}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS agent_configs (
		id                TEXT PRIMARY KEY,
		project           TEXT NOT NULL,
		name              TEXT NOT NULL,
		cwd               TEXT NOT NULL DEFAULT '',
		model             TEXT NOT NULL DEFAULT '',
		system_base_path  TEXT NOT NULL DEFAULT '',
		kb_seeds          TEXT NOT NULL DEFAULT '[]',
		metadata          TEXT NOT NULL DEFAULT '{}',
		spawn_mode        TEXT NOT NULL DEFAULT 'local',
		running_pid       INTEGER NOT NULL DEFAULT 0,
		container_id      TEXT NOT NULL DEFAULT '',
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_configs_project_name ON agent_configs(project, name);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return apierr.Newf(apierr.CodeOrchestratorStoreError, "init orchestrator schema: %v", err)
	}

	// Stores created before the docker spawn mode lack these columns;
	// bring them up to date in place.
	migrations := []struct{ column, definition string }{
		{"spawn_mode", "TEXT NOT NULL DEFAULT 'local'"},
		{"running_pid", "INTEGER NOT NULL DEFAULT 0"},
		{"container_id", "TEXT NOT NULL DEFAULT ''"},
	}
	for _, m := range migrations {
		if err := commonsqlite.EnsureColumn(s.db.DB, "agent_configs", m.column, m.definition); err != nil {
			return apierr.Newf(apierr.CodeOrchestratorStoreError, "migrate orchestrator schema (%s): %v", m.column, err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a new agent configuration record, returning
// orchestrator.already_exists if (project, name) is already taken.
func (s *Store) Create(ctx context.Context, cfg AgentConfig) (AgentConfig, error) {
	if cfg.Project == "" || cfg.Name == "" {
		return AgentConfig{}, apierr.New(apierr.CodeOrchestratorInvalidConfig, "project and name are required")
	}
	if cfg.ID == "" {
		cfg.ID = cfg.Project + "/" + cfg.Name
	}
	if cfg.SpawnMode == "" {
		cfg.SpawnMode = "local"
	}
	now := time.Now().UTC()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	kbSeeds, err := json.Marshal(cfg.KBSeeds)
	if err != nil {
		kbSeeds = []byte("[]")
	}
	metadata, err := json.Marshal(cfg.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_configs (id, project, name, cwd, model, system_base_path, kb_seeds, metadata, spawn_mode, running_pid, container_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Project, cfg.Name, cfg.Cwd, cfg.Model, cfg.SystemBasePath,
		string(kbSeeds), string(metadata), cfg.SpawnMode, cfg.RunningPID, cfg.ContainerID,
		cfg.CreatedAt, cfg.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return AgentConfig{}, apierr.Newf(apierr.CodeOrchestratorAlreadyExists, "agent %s/%s already configured", cfg.Project, cfg.Name)
		}
		return AgentConfig{}, apierr.Newf(apierr.CodeOrchestratorStoreError, "insert agent config: %v", err)
	}
	return cfg, nil
}

// Get fetches one agent configuration by id.
func (s *Store) Get(ctx context.Context, id string) (AgentConfig, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agent_configs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return AgentConfig{}, apierr.Newf(apierr.CodeOrchestratorNotFound, "agent %s not found", id)
	}
	if err != nil {
		return AgentConfig{}, apierr.Newf(apierr.CodeOrchestratorStoreError, "get agent config: %v", err)
	}
	return row.toConfig(), nil
}

// List returns every configured agent, ordered by creation time.
func (s *Store) List(ctx context.Context) ([]AgentConfig, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agent_configs ORDER BY created_at ASC`); err != nil {
		return nil, apierr.Newf(apierr.CodeOrchestratorStoreError, "list agent configs: %v", err)
	}
	out := make([]AgentConfig, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConfig())
	}
	return out, nil
}

// UpdateRunState records the local PID or docker container id an agent
// was last spawned under, so a later sweep can detect it died.
func (s *Store) UpdateRunState(ctx context.Context, id string, pid int, containerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_configs SET running_pid = ?, container_id = ?, updated_at = ? WHERE id = ?`,
		pid, containerID, time.Now().UTC(), id)
	if err != nil {
		return apierr.Newf(apierr.CodeOrchestratorStoreError, "update agent run state: %v", err)
	}
	return checkRowsAffected(res, id)
}

// Delete removes an agent configuration by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_configs WHERE id = ?`, id)
	if err != nil {
		return apierr.Newf(apierr.CodeOrchestratorStoreError, "delete agent config: %v", err)
	}
	return checkRowsAffected(res, id)
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apierr.Newf(apierr.CodeOrchestratorStoreError, "rows affected: %v", err)
	}
	if n == 0 {
		return apierr.Newf(apierr.CodeOrchestratorNotFound, "agent %s not found", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
