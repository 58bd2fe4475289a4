package agent

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

	"github.com/mcdev12/quizslot/go/internal/join"
	"github.com/mcdev12/quizslot/go/internal/session"
)

const (
	MessageSnapshot     = "snapshot"
	MessagePhaseChanged = "phase_changed"
	MessageJoinResult   = "join_result"
)

// Message is what websocket subscribers of a round receive.
type Message struct {
	Type    string          `json:"type"`
	RoundID string          `json:"round_id"`
	Change  *session.Change `json:"change,omitempty"`
	View    *session.View   `json:"view,omitempty"`
	Join    *JoinResult     `json:"join,omitempty"`
}

// JoinResult is the wire form of a join outcome.
type JoinResult struct {
	Outcome     join.Kind  `json:"outcome"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func newJoinResult(o join.Outcome) *JoinResult {
	r := &JoinResult{Outcome: o.Kind, ScheduledAt: o.ScheduledAt}
	if o.Err != nil {
		r.Error = o.Err.Error()
	}
	return r
}

type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Hub fans session updates out to websocket connections, grouped by round.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]map[*conn]bool

	broadcastCh chan broadcast
}

type conn struct {
	id      string
	roundID string
	ws      *websocket.Conn
	send    chan []byte
	hub     *Hub
}

type broadcast struct {
	roundID string
	message Message
}

func NewHub(config HubConfig) *Hub {
	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		conns:       make(map[string]map[*conn]bool),
		broadcastCh: make(chan broadcast, 256),
	}
}

// Start delivers broadcasts until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case b := <-h.broadcastCh:
			h.deliver(b)
		}
	}
}

// Broadcast queues a message for the round's subscribers. It never blocks.
func (h *Hub) Broadcast(roundID string, msg Message) {
	select {
	case h.broadcastCh <- broadcast{roundID: roundID, message: msg}:
	default:
		log.Warn().Str("round_id", roundID).Str("type", msg.Type).Msg("broadcast channel full, dropping message")
	}
}

// Upgrade turns the request into a subscription for roundID. The connection
// is registered before snapshot is called, and the snapshot is queued ahead
// of any broadcast sent after it was taken.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, roundID string, snapshot func() Message) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	c := &conn{
		id:      uuid.NewString(),
		roundID: roundID,
		ws:      ws,
		send:    make(chan []byte, 64),
		hub:     h,
	}
	h.register(c, snapshot)

	go c.writePump()
	go c.readPump()

	log.Debug().Str("connection_id", c.id).Str("round_id", roundID).Msg("websocket connected")
	return nil
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.conns {
		n += len(set)
	}
	return n
}

// register adds c to its round and queues the first message. Broadcasts
// send under the read lock, so none can slip in between.
func (h *Hub) register(c *conn, first func() Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.roundID] == nil {
		h.conns[c.roundID] = make(map[*conn]bool)
	}
	h.conns[c.roundID][c] = true
	if first == nil {
		return
	}
	if data, err := json.Marshal(first()); err == nil {
		c.send <- data
	}
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.roundID]
	if !ok || !set[c] {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.conns, c.roundID)
	}
	log.Debug().Str("connection_id", c.id).Str("round_id", c.roundID).Msg("websocket disconnected")
}

func (h *Hub) deliver(b broadcast) {
	data, err := json.Marshal(b.message)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal message for broadcast")
		return
	}

	// Sends happen under the read lock so unregister cannot close a send
	// channel mid-broadcast.
	var slow []*conn
	h.mu.RLock()
	for c := range h.conns[b.roundID] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Str("connection_id", c.id).Msg("connection send buffer full, closing connection")
		h.unregister(c)
		c.ws.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*conn
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to write websocket message")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only keeps the connection alive; subscribers do not send
// commands over the socket.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("unexpected websocket close")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}
