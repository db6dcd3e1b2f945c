package memory

import (
	"context"
	"time"
)

const (
	// DefaultMaxMessages is the buffer cap when none is configured.
	DefaultMaxMessages = 50
	// DefaultFlushInterval is the write-behind period for Durable.
	DefaultFlushInterval = 5 * time.Second
	// CharsPerToken is the rough characters-per-token ratio for budgets.
	CharsPerToken = 4

	// MetaPlayerID tags entries that originate from a player.
	MetaPlayerID = "playerId"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Entry is one remembered message.
type Entry struct {
	Role      Role                   `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PlayerID returns the originating player id, if tagged.
func (e Entry) PlayerID() string {
	id, _ := e.Metadata[MetaPlayerID].(string)
	return id
}

// Memory is an agent's conversation history. The read and write methods are
// synchronous; Save and Load talk to durable storage, if any.
type Memory interface {
	Add(entry Entry)
	// RecentContext returns entries from the oldest retained one forward,
	// stopping before the first entry that would exceed maxTokens.
	RecentContext(maxTokens int) []Entry
	All() []Entry
	Count() int
	// Clear empties local state only. Durable copies are never deleted.
	Clear()
	Save(ctx context.Context) error
	Load(ctx context.Context) error
	Close() error
}

// EstimateTokens approximates the token cost of content.
func EstimateTokens(content string) int {
	return (len(content) + CharsPerToken - 1) / CharsPerToken
}

func recentContext(entries []Entry, maxTokens int) []Entry {
	total := 0
	var out []Entry
	for _, e := range entries {
		tokens := EstimateTokens(e.Content)
		if total+tokens > maxTokens {
			break
		}
		total += tokens
		out = append(out, e)
	}
	return out
}
