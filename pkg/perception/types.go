package perception

import "time"

const (
	// TokenBudget is the upper bound on Snapshot.TokenEstimate.
	TokenBudget = 300
	// MaxNearbyEntities caps the entities kept in a snapshot.
	MaxNearbyEntities = 5
	// DefaultTileSize is the host map tile size in pixels.
	DefaultTileSize = 32
	// CharsPerToken is the rough characters-per-token ratio used for estimates.
	CharsPerToken = 4
)

// Position is a pixel position on a map. Y grows downward.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type EntityType string

const (
	EntityPlayer EntityType = "player"
	EntityNPC    EntityType = "npc"
	EntityObject EntityType = "object"
)

// RawEntity is an entity as reported by the host, before enrichment.
type RawEntity struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     EntityType `json:"type"`
	Position Position   `json:"position"`
}

// NearbyEntity is a RawEntity with distance in tiles and a compass direction
// relative to the perceiving agent.
type NearbyEntity struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      EntityType `json:"type"`
	Position  Position   `json:"position"`
	Distance  int        `json:"distance"`
	Direction string     `json:"direction"`
}

type MapInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName falls back to the map id when no name is set.
func (m MapInfo) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

type Location struct {
	Map      MapInfo  `json:"map"`
	Position Position `json:"position"`
}

// Context is the raw input for one snapshot. It is rebuilt from live host
// state on every run.
type Context struct {
	AgentID  string
	Position Position
	Map      MapInfo
	Entities []RawEntity
}

// Snapshot is the bounded description of an agent's surroundings.
type Snapshot struct {
	Summary       string         `json:"summary"`
	Entities      []NearbyEntity `json:"entities"`
	Location      Location       `json:"location"`
	Timestamp     time.Time      `json:"timestamp"`
	TokenEstimate int            `json:"tokenEstimate"`
}
