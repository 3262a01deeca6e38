package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"idekick/internal/domain"
)

// SQLiteStore implements domain.Persistence using SQLite. It keeps the
// primary session's continuation token and the sub-agent roster so both
// survive a restart of the assistant process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration. Parent directories are created as needed.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_state (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS agents (
			id           TEXT PRIMARY KEY,
			config       TEXT NOT NULL,
			continuation TEXT NOT NULL DEFAULT '',
			updated_at   TEXT NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const primaryTokenKey = "primary_continuation"

func (s *SQLiteStore) LoadPrimaryToken(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT value FROM session_state WHERE key = ?", primaryTokenKey)
	var token string
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("load primary token: %w", err)
	}
	return token, nil
}

func (s *SQLiteStore) SavePrimaryToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		primaryTokenKey, token, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save primary token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadAgents(ctx context.Context) ([]domain.PersistedAgent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, config, continuation FROM agents ORDER BY updated_at")
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	var agents []domain.PersistedAgent
	for rows.Next() {
		var (
			agent   domain.PersistedAgent
			cfgJSON string
		)
		if err := rows.Scan(&agent.ID, &cfgJSON, &agent.Continuation); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(cfgJSON), &agent.Config); err != nil {
			return nil, fmt.Errorf("decode agent %s config: %w", agent.ID, err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) SaveAgent(ctx context.Context, agent domain.PersistedAgent) error {
	cfgJSON, err := json.Marshal(agent.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, config, continuation, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			config = excluded.config,
			continuation = excluded.continuation,
			updated_at = excluded.updated_at`,
		agent.ID, string(cfgJSON), agent.Continuation,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}
