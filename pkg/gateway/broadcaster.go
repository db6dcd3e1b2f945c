package gateway

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNoHost is returned when a command has no connected host to go to.
var ErrNoHost = errors.New("no host connected")

// Broadcaster writes frames to every connected host.
type Broadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewBroadcaster creates a broadcaster over clients.
func NewBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients: clients,
		logger:  logger,
	}
}

// Broadcast sends an event to all hosts.
func (b *Broadcaster) Broadcast(event string, data interface{}) {
	b.BroadcastTyped(EventMessage{Event: event, Data: data})
}

// BroadcastTyped fills in type, sequence and timestamp and sends msg.
func (b *Broadcaster) BroadcastTyped(msg EventMessage) {
	msg.Type = "event"
	if msg.Seq == 0 {
		msg.Seq = b.nextSeq()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	_ = b.send(msg, "event", msg.Event)
}

// SendCommand sends cmd to all hosts. It fails only when no host accepted it.
func (b *Broadcaster) SendCommand(cmd CommandFrame) error {
	cmd.Type = "command"
	return b.send(cmd, "command", cmd.Skill)
}

func (b *Broadcaster) send(v interface{}, kind, name string) error {
	clients := b.clients.GetAll()
	if len(clients) == 0 {
		b.logger.Debug().Str("kind", kind).Str("name", name).Msg("No hosts to send to")
		return ErrNoHost
	}

	successCount := 0
	failureCount := 0
	for _, client := range clients {
		if err := client.WriteJSON(v); err != nil {
			b.logger.Warn().
				Err(err).
				Str("clientId", client.ID).
				Str("kind", kind).
				Str("name", name).
				Msg("Failed to send to host")
			failureCount++
		} else {
			successCount++
		}
	}

	b.logger.Debug().
		Str("kind", kind).
		Str("name", name).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Frame sent")

	if successCount == 0 {
		return ErrNoHost
	}
	return nil
}

func (b *Broadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
