package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/npcagent/internal/observability"
	"github.com/harun/npcagent/internal/tracing"
	"github.com/harun/npcagent/pkg/agent"
	"github.com/harun/npcagent/pkg/bridge"
	"github.com/harun/npcagent/pkg/manager"
	"github.com/harun/npcagent/pkg/skills"
	"github.com/harun/npcagent/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Agents binds host entities to agents.
type Agents interface {
	Attach(entityID, agentID string, host skills.Host) error
	DetachEntity(entityID string) bool
	SpawnAgentsOnMap(ctx context.Context, mapID string, spawner manager.Spawner) ([]string, error)
}

var _ manager.Spawner = (*Server)(nil)

// Server is the WebSocket link between the host simulation and the agents.
type Server struct {
	addr           string
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	authHandler    *AuthHandler
	broadcaster    *Broadcaster
	hub            *commandHub
	agents         Agents
	bridge         *bridge.Bridge
	players        *store.PlayerStateStore
	frameRate      int
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	connWG         sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Addr         string
	SharedSecret string
	Agents       Agents
	Bridge       *bridge.Bridge

	// Optional.
	Players    *store.PlayerStateStore
	AckTimeout time.Duration
	FrameRate  int
	Logger     zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent manager is required")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	broadcaster := NewBroadcaster(clients, logger)

	s := &Server{
		addr:        cfg.Addr,
		clients:     clients,
		authHandler: NewAuthHandler(cfg.SharedSecret),
		broadcaster: broadcaster,
		hub:         newCommandHub(broadcaster, cfg.AckTimeout),
		agents:      cfg.Agents,
		bridge:      cfg.Bridge,
		players:     cfg.Players,
		frameRate:   cfg.FrameRate,
		logger:      logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	if s.players == nil {
		s.players = store.NewPlayerStateStore(nil)
	}
	return s, nil
}

// Handler returns the HTTP routes: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ok",
			"hosts":  s.clients.Count(),
			"agents": s.bridge.Len(),
		})
	})
	return mux
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes every host connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")
	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}
	s.connWG.Wait()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.connWG.Add(1)
	s.shutdownMu.RUnlock()

	if !s.authHandler.Authorize(r) {
		s.connWG.Done()
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Host rejected: bad secret")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connWG.Done()
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiterWithLimit(s.frameRate),
	}
	s.clients.Add(client)
	observability.AddHostConnections(1)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Host connected")

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		if s.clients.Remove(client.ID) {
			observability.AddHostConnections(-1)
		}
		s.logger.Info().Str("clientId", client.ID).Msg("Host disconnected")
		s.connWG.Done()
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(client.ID)

		if !client.RateLimiter.Allow() {
			s.sendError(client, ErrorFrame{Message: "rate limit exceeded"})
			continue
		}
		s.handleMessage(client, message)
	}
}

func (s *Server) handleMessage(client *Client, message []byte) {
	var frame Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.sendError(client, ErrorFrame{Message: "invalid frame: " + err.Error()})
		return
	}

	ctx := tracing.WithTraceID(context.Background(), tracing.NewTraceID())
	ctx = tracing.WithEntityID(ctx, frame.Entity)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if err := s.dispatch(ctx, frame); err != nil {
		logger.Warn().Err(err).Str("frame", string(frame.Type)).Msg("Frame rejected")
		s.sendError(client, ErrorFrame{Frame: frame.Type, Entity: frame.Entity, Message: err.Error()})
		return
	}
	logger.Debug().Str("frame", string(frame.Type)).Msg("Frame handled")
}

func (s *Server) dispatch(ctx context.Context, frame Frame) error {
	if frame.Type == FrameAck {
		ok := frame.OK != nil && *frame.OK
		if !s.hub.ack(frame.ID, ok, frame.Error) {
			return fmt.Errorf("ack for unknown command %q", frame.ID)
		}
		return nil
	}
	if frame.Type == FrameMap {
		if frame.State == nil || frame.State.Map.ID == "" {
			return errors.New("map id is required")
		}
		_, err := s.agents.SpawnAgentsOnMap(ctx, frame.State.Map.ID, s)
		return err
	}
	if frame.Entity == "" {
		return errors.New("entity is required")
	}

	switch frame.Type {
	case FrameSpawn:
		if frame.AgentID == "" {
			return errors.New("agent_id is required")
		}
		if frame.State != nil {
			s.hub.setState(frame.Entity, *frame.State)
		}
		return s.agents.Attach(frame.Entity, frame.AgentID, s.HostFor(frame.Entity))

	case FrameDespawn:
		s.hub.dropState(frame.Entity)
		s.agents.DetachEntity(frame.Entity)
		return nil

	case FrameState:
		if frame.State == nil {
			return errors.New("state is required")
		}
		s.hub.setState(frame.Entity, *frame.State)
		return nil

	case FrameAction, FrameProximity, FrameLeave:
		if frame.Player == nil || frame.Player.ID == "" {
			return errors.New("player is required")
		}
		s.routePlayerEvent(ctx, frame)
		return nil

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

func (s *Server) routePlayerEvent(ctx context.Context, frame Frame) {
	p := *frame.Player
	switch frame.Type {
	case FrameAction:
		s.bridge.HandlePlayerAction(frame.Entity, p)
	case FrameProximity:
		s.bridge.HandlePlayerProximity(frame.Entity, p)
	case FrameLeave:
		s.bridge.HandlePlayerLeave(frame.Entity, p)
		s.savePlayer(ctx, frame)
	}
}

// savePlayer records where a player was last seen.
func (s *Server) savePlayer(ctx context.Context, frame Frame) {
	if !s.players.Enabled() {
		return
	}
	state := store.PlayerState{
		PlayerID: frame.Player.ID,
		Name:     frame.Player.Name,
		X:        frame.Player.Position.X,
		Y:        frame.Player.Position.Y,
	}
	if st, ok := s.hub.state(frame.Entity); ok {
		state.MapID = st.Map.ID
	}
	if err := s.players.Save(ctx, state); err != nil {
		s.logger.Warn().Err(err).Str("player_id", state.PlayerID).Msg("Failed to save player state")
	}
}

func (s *Server) sendError(client *Client, frame ErrorFrame) {
	frame.Type = "error"
	if err := client.WriteJSON(frame); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error frame")
	}
}

// PublishResult notifies hosts that an agent run finished.
func (s *Server) PublishResult(agentID string, ev agent.Event, res agent.RunResult) {
	entityID, _ := s.bridge.EntityFor(agentID)
	skillsUsed := make([]string, 0, len(res.Skills))
	for _, inv := range res.Skills {
		skillsUsed = append(skillsUsed, inv.Name)
	}
	s.broadcaster.BroadcastTyped(EventMessage{
		Event:   "run.result",
		AgentID: agentID,
		Entity:  entityID,
		Data: map[string]interface{}{
			"event":    ev.Kind.String(),
			"success":  res.Success,
			"text":     res.Text,
			"skills":   skillsUsed,
			"error":    res.Error,
			"duration": res.Duration.Milliseconds(),
		},
	})
}

// Broadcast sends an event to all hosts.
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// GetConnectedClients returns information about all connected hosts.
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
