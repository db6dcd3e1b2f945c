package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/npcagent/pkg/memory"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultImportance is stored for memory rows that carry no explicit score.
const DefaultImportance = 5

// SQLite is the row store for agent memory and player state.
type SQLite struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ memory.RowStore = (*SQLite)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" gives a private in-memory database.
func Open(path string, logger ...zerolog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	l := log.Logger
	if len(logger) > 0 {
		l = logger[0]
	}

	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + path + "?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLite{db: db, logger: l.With().Str("component", "store").Logger()}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("Store opened")
	return s, nil
}

func (s *SQLite) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agent_memory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			importance INTEGER NOT NULL DEFAULT 5,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_agent_memory_agent ON agent_memory(agent_id, created_at);

		CREATE TABLE IF NOT EXISTS player_state (
			player_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			map_id TEXT NOT NULL,
			position_x REAL NOT NULL,
			position_y REAL NOT NULL,
			direction INTEGER NOT NULL DEFAULT 0,
			state_data TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertMemories writes rows in one transaction.
func (s *SQLite) InsertMemories(ctx context.Context, rows []memory.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO agent_memory (agent_id, role, content, metadata, importance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		meta, err := encodeJSON(row.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		importance := row.Importance
		if importance == 0 {
			importance = DefaultImportance
		}
		created := row.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, row.AgentID, string(row.Role), row.Content, meta, importance, created.UnixNano()); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecentMemories returns up to limit of the newest rows for agentID, oldest
// first.
func (s *SQLite) RecentMemories(ctx context.Context, agentID string, limit int) ([]memory.Row, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, metadata, importance, created_at
		FROM agent_memory
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []memory.Row
	for rows.Next() {
		var (
			role, content, meta string
			importance          int
			created             int64
		)
		if err := rows.Scan(&role, &content, &meta, &importance, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		row := memory.Row{
			AgentID:    agentID,
			Role:       memory.Role(role),
			Content:    content,
			Importance: importance,
			CreatedAt:  time.Unix(0, created),
		}
		if err := decodeJSON(meta, &row.Metadata); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("Dropping unreadable memory metadata")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMemories returns the number of stored rows for agentID.
func (s *SQLite) CountMemories(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_memory WHERE agent_id = ?`, agentID).Scan(&n)
	return n, err
}

func encodeJSON(v map[string]interface{}) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(s string, out *map[string]interface{}) error {
	if s == "" || s == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(s), out)
}
