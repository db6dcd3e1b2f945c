package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PlayerState is a player's persisted position and free-form state.
type PlayerState struct {
	PlayerID  string                 `json:"player_id"`
	Name      string                 `json:"name"`
	MapID     string                 `json:"map_id"`
	X         float64                `json:"x"`
	Y         float64                `json:"y"`
	Direction int                    `json:"direction"`
	Data      map[string]interface{} `json:"data,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// PlayerStateStore saves player state across sessions. Built without a
// database it accepts every call and persists nothing.
type PlayerStateStore struct {
	db *SQLite
}

// NewPlayerStateStore wraps db, which may be nil.
func NewPlayerStateStore(db *SQLite) *PlayerStateStore {
	return &PlayerStateStore{db: db}
}

// Enabled reports whether state is actually persisted.
func (p *PlayerStateStore) Enabled() bool {
	return p != nil && p.db != nil
}

// Save upserts state by player id.
func (p *PlayerStateStore) Save(ctx context.Context, state PlayerState) error {
	if !p.Enabled() {
		return nil
	}
	if state.PlayerID == "" {
		return errors.New("player id is required")
	}
	data, err := encodeJSON(state.Data)
	if err != nil {
		return fmt.Errorf("encode state data: %w", err)
	}
	now := time.Now().UnixNano()

	_, err = p.db.db.ExecContext(ctx, `
		INSERT INTO player_state (player_id, name, map_id, position_x, position_y, direction, state_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			name = excluded.name,
			map_id = excluded.map_id,
			position_x = excluded.position_x,
			position_y = excluded.position_y,
			direction = excluded.direction,
			state_data = excluded.state_data,
			updated_at = excluded.updated_at`,
		state.PlayerID, state.Name, state.MapID, state.X, state.Y, state.Direction, data, now, now)
	if err != nil {
		return fmt.Errorf("save player %s: %w", state.PlayerID, err)
	}

	p.db.logger.Debug().
		Str("player_id", state.PlayerID).
		Str("map", state.MapID).
		Float64("x", state.X).
		Float64("y", state.Y).
		Msg("Player state saved")
	return nil
}

// Load returns the saved state, or nil when none exists.
func (p *PlayerStateStore) Load(ctx context.Context, playerID string) (*PlayerState, error) {
	if !p.Enabled() {
		return nil, nil
	}
	var (
		state   = PlayerState{PlayerID: playerID}
		data    string
		updated int64
	)
	err := p.db.db.QueryRowContext(ctx, `
		SELECT name, map_id, position_x, position_y, direction, state_data, updated_at
		FROM player_state WHERE player_id = ?`, playerID).
		Scan(&state.Name, &state.MapID, &state.X, &state.Y, &state.Direction, &data, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", playerID, err)
	}
	if err := decodeJSON(data, &state.Data); err != nil {
		return nil, fmt.Errorf("decode state data for %s: %w", playerID, err)
	}
	state.UpdatedAt = time.Unix(0, updated)
	return &state, nil
}

// Delete removes any saved state for playerID.
func (p *PlayerStateStore) Delete(ctx context.Context, playerID string) error {
	if !p.Enabled() {
		return nil
	}
	if _, err := p.db.db.ExecContext(ctx, `DELETE FROM player_state WHERE player_id = ?`, playerID); err != nil {
		return fmt.Errorf("delete player %s: %w", playerID, err)
	}
	return nil
}
