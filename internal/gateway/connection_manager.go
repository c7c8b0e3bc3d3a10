// Package gateway fans auction events out to connected websocket
// clients and serves every new connection a consistent snapshot before
// any incremental event, so a client joining mid-round never misses
// state. Connection routing here is ephemeral; the ledger stays
// authoritative for round status.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/stagebid/stagebid/internal/events"
	"github.com/stagebid/stagebid/internal/ledger"
	"github.com/stagebid/stagebid/internal/round"
)

// SnapshotSource produces the current-state view pushed to connecting
// clients. The round service implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*round.Snapshot, error)
}

// ConnectionConfig holds websocket tunables.
type ConnectionConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`

	CheckOrigin func(r *http.Request) bool `yaml:"-"`
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// Connection is one client's websocket session.
type Connection struct {
	ID      string
	UserID  uuid.UUID
	Role    string
	Conn    *websocket.Conn
	Send    chan []byte
	manager *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionManager is the subscription registry mapping connected
// parties to delivery channels. A single dispatch loop serializes all
// fan-out, preserving the relative order events were committed in.
type ConnectionManager struct {
	connections map[*Connection]bool
	mu          sync.RWMutex

	upgrader  websocket.Upgrader
	config    ConnectionConfig
	snapshots SnapshotSource
	clock     clockwork.Clock

	dispatchCh chan events.Event
}

func NewConnectionManager(config ConnectionConfig, snapshots SnapshotSource, clock clockwork.Clock) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:     config,
		snapshots:  snapshots,
		clock:      clock,
		dispatchCh: make(chan events.Event, 1000),
	}
}

// Start runs the dispatch loop until the context is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("gateway connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gateway connection manager shutting down")
			return
		case ev := <-cm.dispatchCh:
			cm.fanOut(ev)
		}
	}
}

// Dispatch queues an event for fan-out. Events carrying a bidder id go
// only to that bidder's connections.
func (cm *ConnectionManager) Dispatch(event events.Event) {
	select {
	case cm.dispatchCh <- event:
	default:
		log.Warn().
			Str("event_type", string(event.Type)).
			Msg("dispatch channel full, dropping event")
	}
}

// Upgrade turns an HTTP request into a managed websocket session. The
// snapshot is queued on the connection's send channel before the
// connection joins the registry, so no broadcast can overtake it.
func (cm *ConnectionManager) Upgrade(w http.ResponseWriter, r *http.Request, userID uuid.UUID, role string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Role:        role,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		manager:     cm,
		ConnectedAt: cm.clock.Now(),
		LastPing:    cm.clock.Now(),
	}

	cm.sendSnapshot(r.Context(), c)
	cm.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID.String()).
		Str("role", role).
		Msg("websocket connection established")
	return nil
}

// sendSnapshot queues the full current state (or the explicit
// no-active-round signal) for the connection.
func (cm *ConnectionManager) sendSnapshot(ctx context.Context, c *Connection) {
	msg, err := cm.snapshotMessage(ctx)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to build snapshot")
		return
	}
	select {
	case c.Send <- msg:
	default:
		log.Warn().Str("connection_id", c.ID).Msg("send buffer full for snapshot")
	}
}

func (cm *ConnectionManager) snapshotMessage(ctx context.Context) ([]byte, error) {
	snap, err := cm.snapshots.Snapshot(ctx)
	if err != nil {
		if !errors.Is(err, ledger.ErrNoActiveRound) {
			return nil, err
		}
		ev := events.Event{
			ID:        uuid.New(),
			Type:      events.TypeNoActiveRound,
			Timestamp: cm.clock.Now(),
			Data:      json.RawMessage(`{}`),
		}
		return json.Marshal(ev)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	ev := events.Event{
		ID:        uuid.New(),
		RoundID:   snap.Round.ID,
		Type:      events.TypeCurrentState,
		Timestamp: snap.ServerTime,
		Data:      data,
	}
	return json.Marshal(ev)
}

func (cm *ConnectionManager) register(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.connections[c] = true
	log.Debug().
		Str("connection_id", c.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregister(c *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, ok := cm.connections[c]; ok {
		delete(cm.connections, c)
		close(c.Send)
		log.Info().
			Str("connection_id", c.ID).
			Str("user_id", c.UserID.String()).
			Msg("connection unregistered")
	}
}

// fanOut delivers one event to its audience. Slow consumers are dropped
// rather than allowed to stall everyone else; they reconnect and
// resynchronize through the snapshot path.
func (cm *ConnectionManager) fanOut(event events.Event) {
	cm.mu.RLock()
	targets := make([]*Connection, 0, len(cm.connections))
	for c := range cm.connections {
		if event.BidderID != uuid.Nil && c.UserID != event.BidderID {
			continue
		}
		targets = append(targets, c)
	}
	cm.mu.RUnlock()

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, c := range targets {
		select {
		case c.Send <- data:
		default:
			log.Warn().
				Str("connection_id", c.ID).
				Str("user_id", c.UserID.String()).
				Msg("send buffer full, closing connection")
			cm.unregister(c)
			c.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(event.Type)).
		Int("connections", len(targets)).
		Msg("event dispatched")
}

// ConnectionCount reports active sessions, for the stats endpoint.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

func (c *Connection) writePump() {
	clock := c.manager.clock
	ticker := clock.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(clock.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write websocket message")
				return
			}
		case <-ticker.Chan():
			c.Conn.SetWriteDeadline(clock.Now().Add(c.manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = clock.Now()
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Conn.Close()
	}()

	clock := c.manager.clock
	c.Conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(clock.Now().Add(c.manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(clock.Now().Add(c.manager.config.ReadTimeout))
		c.LastPing = clock.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close")
			}
			break
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(clock.Now().Add(c.manager.config.ReadTimeout))
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

// handleClientMessage services client commands. The only supported
// command is an explicit state re-sync.
func (c *Connection) handleClientMessage(message []byte) {
	var msg clientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().
			Str("connection_id", c.ID).
			Msg("ignoring malformed client message")
		return
	}
	switch msg.Type {
	case "get_state":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.manager.sendSnapshot(ctx, c)
	default:
		log.Debug().
			Str("connection_id", c.ID).
			Str("type", msg.Type).
			Msg("ignoring unknown client message")
	}
}
