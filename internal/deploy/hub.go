package deploy

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Hub.Push for an unknown terminal.
var ErrNotConnected = errors.New("deploy: terminal not connected")

// ErrSendBufferFull is returned by Hub.Push when a terminal is not draining
// its messages.
var ErrSendBufferFull = errors.New("deploy: terminal send buffer full")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 16
)

// AgentMessage is what an agent sends back over its socket.
type AgentMessage struct {
	Type         string `json:"type"`
	DeploymentID string `json:"deployment_id"`
}

// Handlers are the hub's callbacks into the broadcaster.
type Handlers struct {
	OnConnect func(ctx context.Context, terminalID string)
	OnAck     func(ctx context.Context, deploymentID, terminalID string) error
}

type agentConn struct {
	terminalID string
	ws         *websocket.Conn
	send       chan Notice
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *agentConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Hub tracks connected terminal agents.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.RWMutex
	conns    map[string]*agentConn
	handlers Handlers
}

// NewHub creates an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]*agentConn),
	}
}

// SetHandlers installs the callbacks. Call before serving.
func (h *Hub) SetHandlers(hs Handlers) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = hs
}

// Connected returns the ids of connected terminals, sorted.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Push queues n for terminalID without blocking.
func (h *Hub) Push(terminalID string, n Notice) error {
	h.mu.RLock()
	c, ok := h.conns[terminalID]
	h.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	select {
	case c.send <- n:
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// ServeHTTP upgrades an agent connection. The terminal identifies itself
// with the terminal_id query parameter; a reconnect replaces the previous
// socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	terminalID := r.URL.Query().Get("terminal_id")
	if terminalID == "" {
		http.Error(w, "terminal_id is required", http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("terminal_id", terminalID).Msg("websocket upgrade failed")
		return
	}

	c := &agentConn{
		terminalID: terminalID,
		ws:         ws,
		send:       make(chan Notice, sendBuffer),
		done:       make(chan struct{}),
	}
	h.mu.Lock()
	if old, ok := h.conns[terminalID]; ok {
		old.close()
	}
	h.conns[terminalID] = c
	handlers := h.handlers
	h.mu.Unlock()

	h.logger.Info().Str("terminal_id", terminalID).Msg("agent connected")
	go h.writePump(c)

	ctx := context.WithoutCancel(r.Context())
	if handlers.OnConnect != nil {
		handlers.OnConnect(ctx, terminalID)
	}
	h.readPump(ctx, c, handlers)
}

func (h *Hub) readPump(ctx context.Context, c *agentConn, handlers Handlers) {
	defer h.remove(c)

	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg AgentMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn().Err(err).Str("terminal_id", c.terminalID).Msg("agent read failed")
			}
			return
		}
		switch msg.Type {
		case "ack":
			if handlers.OnAck == nil || msg.DeploymentID == "" {
				continue
			}
			if err := handlers.OnAck(ctx, msg.DeploymentID, c.terminalID); err != nil {
				h.logger.Warn().Err(err).
					Str("terminal_id", c.terminalID).
					Str("deployment_id", msg.DeploymentID).
					Msg("ack rejected")
			}
		default:
			h.logger.Debug().Str("terminal_id", c.terminalID).Str("type", msg.Type).Msg("ignored agent message")
		}
	}
}

func (h *Hub) writePump(c *agentConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.done:
			return
		case n := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(n); err != nil {
				h.logger.Warn().Err(err).Str("terminal_id", c.terminalID).Msg("agent write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *agentConn) {
	c.close()
	h.mu.Lock()
	if h.conns[c.terminalID] == c {
		delete(h.conns, c.terminalID)
	}
	h.mu.Unlock()
	h.logger.Info().Str("terminal_id", c.terminalID).Msg("agent disconnected")
}

// Close disconnects every agent.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*agentConn)
	h.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
