package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/typeracer/go/internal/docstore"
	"github.com/mcdev12/typeracer/go/internal/race"
)

// SessionFactory starts the race session backing one connection.
type SessionFactory func(ctx context.Context, id race.Identity) (*race.Session, error)

// BackendSessions opens a fresh store client per connection, so each
// connection's disconnect hooks are its own.
func BackendSessions(backend docstore.Backend, tmpl race.Config) SessionFactory {
	return func(ctx context.Context, id race.Identity) (*race.Session, error) {
		client, err := backend.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open store client: %w", err)
		}
		cfg := tmpl
		cfg.Store = client
		cfg.Identity = id
		return race.NewSession(ctx, cfg), nil
	}
}

// ConnectionManager owns the WebSocket connections. Each connection drives
// exactly one race session.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	sessions SessionFactory
}

// Connection is one browser tab.
type Connection struct {
	ID       string
	PlayerID string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager
	Session  *race.Session

	ConnectedAt time.Time

	mu     sync.Mutex
	closed bool
	roomID string
	cancel context.CancelFunc
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	CloseTimeout    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		CloseTimeout:    5 * time.Second,
		MaxMessageSize:  4096, // typed text for a long sentence
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, sessions SessionFactory) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:   config,
		sessions: sessions,
	}
}

// UpgradeConnection upgrades the request and starts a session for id.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, id race.Identity) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	session, err := cm.sessions(ctx, id)
	if err != nil {
		cancel()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable"))
		conn.Close()
		return fmt.Errorf("start session: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		PlayerID:    id.ID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		Session:     session,
		ConnectedAt: time.Now(),
		cancel:      cancel,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.forwardUpdates()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("player_id", id.ID).
		Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// unregisterConnection removes the connection and closes its session. Safe to
// call more than once.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	_, exists := cm.connections[conn]
	delete(cm.connections, conn)
	cm.mu.Unlock()
	if !exists {
		return
	}

	conn.mu.Lock()
	conn.closed = true
	close(conn.Send)
	conn.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.CloseTimeout)
	defer cancel()
	if err := conn.Session.Close(ctx); err != nil {
		log.Error().Err(err).Str("connection_id", conn.ID).Msg("failed to close race session")
	}
	conn.cancel()

	log.Info().
		Str("connection_id", conn.ID).
		Str("player_id", conn.PlayerID).
		Msg("connection unregistered")
}

// Shutdown closes every connection.
func (cm *ConnectionManager) Shutdown() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		cm.unregisterConnection(c)
		c.Conn.Close()
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	roomCounts := make(map[string]int)
	for conn := range cm.connections {
		if room := conn.RoomID(); room != "" {
			roomCounts[room]++
		}
	}

	return map[string]interface{}{
		"total_connections": len(cm.connections),
		"active_rooms":      len(roomCounts),
		"room_connections":  roomCounts,
	}
}

// RoomID returns the room the connection's session last reported.
func (c *Connection) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// send queues msg for the writer. A full buffer means the client stopped
// reading, so the connection is dropped.
func (c *Connection) send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to marshal server message")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.Send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		log.Warn().
			Str("connection_id", c.ID).
			Str("player_id", c.PlayerID).
			Msg("connection send buffer full, closing connection")
		c.Conn.Close()
	}
}

// forwardUpdates pushes every room view the session produces.
func (c *Connection) forwardUpdates() {
	for {
		select {
		case <-c.Session.Done():
			return
		case view := <-c.Session.Updates():
			c.mu.Lock()
			c.roomID = view.ID
			c.mu.Unlock()
			c.send(ServerMessage{Type: MsgRoomSnapshot, Data: view})
		}
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads commands until the socket closes, then tears the session down.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected WebSocket close error")
			}
			return
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage runs one command against the session.
func (c *Connection) handleClientMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.send(errorMessage("", fmt.Errorf("%w: %v", errBadMessage, err)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Manager.config.WriteTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case MsgCreateRoom:
		var roomID string
		roomID, err = c.Session.CreateRoom(ctx)
		if err == nil {
			c.send(ServerMessage{Type: MsgRoomCreated, Data: RoomCreatedPayload{RoomID: roomID, PlayerID: c.PlayerID}})
		}
	case MsgJoinRoom:
		err = c.Session.JoinRoom(ctx, msg.RoomID)
	case MsgSubmitText:
		err = c.Session.SubmitTypedText(ctx, msg.Text)
	case MsgMarkReady:
		err = c.Session.MarkReady(ctx)
	case MsgRestartInput:
		err = c.Session.RestartLocalInput(ctx)
	default:
		err = fmt.Errorf("%w: %q", errUnknownCommand, msg.Type)
	}

	if err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Str("player_id", c.PlayerID).
			Str("command", msg.Type).
			Msg("command failed")
		c.send(errorMessage(msg.Type, err))
	}
}
