package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/npcagent/pkg/bridge"
	"github.com/harun/npcagent/pkg/perception"
)

// FrameType identifies inbound host frames.
type FrameType string

const (
	FrameSpawn     FrameType = "spawn"
	FrameDespawn   FrameType = "despawn"
	FrameAction    FrameType = "action"
	FrameProximity FrameType = "proximity"
	FrameLeave     FrameType = "leave"
	FrameState     FrameType = "state"
	FrameMap       FrameType = "map"
	FrameAck       FrameType = "ack"
)

// Frame is one message from the host simulation.
type Frame struct {
	Type    FrameType      `json:"type"`
	Entity  string         `json:"entity"`
	AgentID string         `json:"agent_id,omitempty"`
	Player  *bridge.Player `json:"player,omitempty"`
	State   *EntityState   `json:"state,omitempty"`

	// Ack fields.
	ID    string `json:"id,omitempty"`
	OK    *bool  `json:"ok,omitempty"`
	Error string `json:"error,omitempty"`
}

// EntityState is the host's latest view around one agent entity.
type EntityState struct {
	Map      perception.MapInfo     `json:"map"`
	Position perception.Position    `json:"position"`
	Entities []perception.RawEntity `json:"entities"`
}

// CommandFrame carries a skill effect or spawn request to the host.
type CommandFrame struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type"`
	Entity string                 `json:"entity"`
	Skill  string                 `json:"skill"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// EventMessage is a server-initiated notification, such as a finished run.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	AgentID   string      `json:"agent_id,omitempty"`
	Entity    string      `json:"entity,omitempty"`
}

// ErrorFrame reports a rejected inbound frame.
type ErrorFrame struct {
	Type    string    `json:"type"`
	Frame   FrameType `json:"frame,omitempty"`
	Entity  string    `json:"entity,omitempty"`
	Message string    `json:"message"`
}

// ClientInfo describes a connected host.
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client is a connected host simulation.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}
