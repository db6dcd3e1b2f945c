package perception

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

// maxMapLabel bounds map ids and names copied into the location block so the
// location alone can never exhaust the budget.
const maxMapLabel = 64

// Engine turns raw host state into snapshots. It holds no per-call state and
// is safe for concurrent use.
type Engine struct {
	tileSize float64
	now      func() time.Time
}

type Option func(*Engine)

// WithTileSize overrides the pixel size of one tile.
func WithTileSize(px float64) Option {
	return func(e *Engine) {
		if px > 0 {
			e.tileSize = px
		}
	}
}

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{tileSize: DefaultTileSize, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot builds a snapshot whose TokenEstimate never exceeds TokenBudget.
// Entities are ordered closest first; when trimming is needed the farthest
// go first, and with none left the summary itself is truncated.
func (e *Engine) Snapshot(pc Context) Snapshot {
	entities := e.enrich(pc)

	mapInfo := MapInfo{
		ID:   clip(pc.Map.ID, maxMapLabel),
		Name: clip(pc.Map.Name, maxMapLabel),
	}
	location := Location{Map: mapInfo, Position: finite(pc.Position)}
	mapName := pc.Map.DisplayName()

	snap := Snapshot{
		Summary:   Summarize(entities, mapName),
		Entities:  entities,
		Location:  location,
		Timestamp: e.now(),
	}
	snap.TokenEstimate = EstimateTokens(snap.Summary, snap.Entities, snap.Location)
	if snap.TokenEstimate <= TokenBudget {
		return snap
	}

	closest := snap.Summary
	for len(entities) > 0 {
		entities = entities[:len(entities)-1]
		summary := closest
		if len(entities) > 0 {
			summary = Summarize(entities, mapName)
		}
		if tokens := EstimateTokens(summary, entities, location); tokens <= TokenBudget {
			snap.Summary = summary
			snap.Entities = entities
			snap.TokenEstimate = tokens
			return snap
		}
	}

	// Nothing left to drop; keep the closest-entity sentence, cut to fit.
	room := TokenBudget*CharsPerToken - len("[]") - len(mustJSON(location))
	snap.Summary = truncate(closest, room)
	snap.Entities = []NearbyEntity{}
	snap.TokenEstimate = EstimateTokens(snap.Summary, snap.Entities, location)
	return snap
}

func (e *Engine) enrich(pc Context) []NearbyEntity {
	self := finite(pc.Position)
	out := make([]NearbyEntity, 0, len(pc.Entities))
	for _, raw := range pc.Entities {
		pos := finite(raw.Position)
		out = append(out, NearbyEntity{
			ID:        raw.ID,
			Name:      raw.Name,
			Type:      raw.Type,
			Position:  pos,
			Distance:  DistanceInTiles(self, pos, e.tileSize),
			Direction: Direction(self, pos),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > MaxNearbyEntities {
		out = out[:MaxNearbyEntities]
	}
	return out
}

// DistanceInTiles is the Euclidean pixel distance divided by tileSize,
// rounded to the nearest tile.
func DistanceInTiles(from, to Position, tileSize float64) int {
	if tileSize <= 0 {
		tileSize = DefaultTileSize
	}
	d := math.Round(math.Hypot(to.X-from.X, to.Y-from.Y) / tileSize)
	if math.IsNaN(d) || d > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(d)
}

// Direction maps the bearing from one position to another onto eight
// compass points. Angles exactly on an octant boundary may land on either
// neighbour.
func Direction(from, to Position) string {
	angle := math.Atan2(to.Y-from.Y, to.X-from.X) * 180 / math.Pi
	if angle < 0 {
		angle += 360
	}

	switch {
	case angle >= 337.5 || angle < 22.5:
		return "east"
	case angle < 67.5:
		return "southeast"
	case angle < 112.5:
		return "south"
	case angle < 157.5:
		return "southwest"
	case angle < 202.5:
		return "west"
	case angle < 247.5:
		return "northwest"
	case angle < 292.5:
		return "north"
	default:
		return "northeast"
	}
}

// Summarize renders the second-person narrative for entities, which must be
// sorted closest first.
func Summarize(entities []NearbyEntity, mapName string) string {
	if len(entities) == 0 {
		return fmt.Sprintf("You are in %s. It is quiet.", mapName)
	}

	first := entities[0]
	desc := fmt.Sprintf("A %s named %s is %s of you", first.Type, first.Name, first.Direction)
	switch rest := len(entities) - 1; {
	case rest == 1:
		desc += ". 1 other entity is nearby"
	case rest > 1:
		desc += fmt.Sprintf(". %d other entities are nearby", rest)
	}
	return fmt.Sprintf("You are in %s. %s.", mapName, desc)
}

// EstimateTokens approximates the token cost of a snapshot's content as its
// serialized length divided by CharsPerToken, rounded up.
func EstimateTokens(summary string, entities []NearbyEntity, location Location) int {
	if entities == nil {
		entities = []NearbyEntity{}
	}
	chars := len(summary) + len(mustJSON(entities)) + len(mustJSON(location))
	return (chars + CharsPerToken - 1) / CharsPerToken
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with non-finite floats, which finite() rules out.
		return nil
	}
	return data
}

// finite replaces NaN and infinities so distances and JSON stay well defined.
func finite(p Position) Position {
	fix := func(v float64) float64 {
		switch {
		case math.IsNaN(v):
			return 0
		case math.IsInf(v, 1):
			return math.MaxFloat32
		case math.IsInf(v, -1):
			return -math.MaxFloat32
		}
		return v
	}
	return Position{X: fix(p.X), Y: fix(p.Y)}
}

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// truncate fits s into max bytes, marking the cut with "...".
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return clip("...", max)
	}
	return clip(s, max-3) + "..."
}
