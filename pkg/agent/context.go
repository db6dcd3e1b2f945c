package agent

import (
	"sort"

	"github.com/harun/npcagent/pkg/perception"
	"github.com/harun/npcagent/pkg/skills"
)

// BuildRunContext assembles a RunContext from an observation of the host.
// The agent's own entity is excluded from the entity list.
func BuildRunContext(agentID string, ev Event, observed perception.Context, host skills.Host) RunContext {
	pc := perception.Context{
		AgentID:  agentID,
		Position: observed.Position,
		Map:      observed.Map,
	}
	for _, e := range observed.Entities {
		if e.ID == agentID {
			continue
		}
		pc.Entities = append(pc.Entities, e)
	}

	var players []skills.NearbyPlayer
	for _, e := range pc.Entities {
		if e.Type != perception.EntityPlayer {
			continue
		}
		players = append(players, skills.NearbyPlayer{
			ID:       e.ID,
			Name:     e.Name,
			Distance: perception.DistanceInTiles(pc.Position, e.Position, perception.DefaultTileSize),
		})
	}
	sort.SliceStable(players, func(i, j int) bool { return players[i].Distance < players[j].Distance })

	mode := skills.SpeechBubble
	if ev.Kind == EventPlayerAction {
		mode = skills.SpeechModal
	}

	return RunContext{
		Perception: pc,
		Game: skills.GameContext{
			AgentID:           agentID,
			Host:              host,
			Position:          pc.Position,
			Map:               pc.Map,
			NearbyPlayers:     players,
			DefaultSpeechMode: mode,
			Perception:        pc,
		},
	}
}
