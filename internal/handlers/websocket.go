package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"dicegame-backend/internal/models"
	"dicegame-backend/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 16
)

const (
	MessageWindowUpdate = "WINDOW_UPDATE"
	MessageBoardUpdate  = "BOARD_UPDATE"
	MessagePing         = "PING"
	MessagePong         = "PONG"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Message struct {
	Type   string `json:"type"`
	Player string `json:"player,omitempty"`
	Data   any    `json:"data"`
}

type Client struct {
	Address string
	Conn    *websocket.Conn
	send    chan *Message
	pong    chan struct{}
}

// WebSocketHub fans window updates out to one player's connections and board
// updates to everyone. Only Run touches the client set.
type WebSocketHub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	done       chan struct{}
	count      atomic.Int64

	decimals int32
	now      func() time.Time
}

var _ services.Broadcaster = (*WebSocketHub)(nil)

func NewWebSocketHub(decimals int32) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 256),
		done:       make(chan struct{}),
		decimals:   decimals,
		now:        time.Now,
	}
}

func (hub *WebSocketHub) Run(ctx context.Context) {
	defer close(hub.done)

	for {
		select {
		case <-ctx.Done():
			for _, set := range hub.clients {
				for client := range set {
					close(client.send)
				}
			}
			hub.clients = nil
			hub.count.Store(0)
			return

		case client := <-hub.register:
			set, ok := hub.clients[client.Address]
			if !ok {
				set = make(map[*Client]struct{})
				hub.clients[client.Address] = set
			}
			set[client] = struct{}{}
			hub.count.Add(1)
			slog.Debug("websocket client registered", "player", client.Address)

		case client := <-hub.unregister:
			hub.remove(client)

		case message := <-hub.broadcast:
			hub.deliver(message)
		}
	}
}

func (hub *WebSocketHub) remove(client *Client) {
	set, ok := hub.clients[client.Address]
	if !ok {
		return
	}
	if _, ok := set[client]; !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(hub.clients, client.Address)
	}
	close(client.send)
	hub.count.Add(-1)
	slog.Debug("websocket client unregistered", "player", client.Address)
}

func (hub *WebSocketHub) deliver(message *Message) {
	var targets []*Client
	if message.Player != "" {
		for client := range hub.clients[message.Player] {
			targets = append(targets, client)
		}
	} else {
		for _, set := range hub.clients {
			for client := range set {
				targets = append(targets, client)
			}
		}
	}

	for _, client := range targets {
		select {
		case client.send <- message:
		default:
			slog.Warn("websocket client too slow, dropping", "player", client.Address)
			hub.remove(client)
		}
	}
}

// ClientCount is safe to call from any goroutine.
func (hub *WebSocketHub) ClientCount() int {
	return int(hub.count.Load())
}

func (hub *WebSocketHub) BroadcastWindow(player string, window models.DecisionWindow, state models.WindowState) {
	remaining := int64(window.Remaining(hub.now()) / time.Second)
	hub.publish(&Message{
		Type:   MessageWindowUpdate,
		Player: player,
		Data:   windowView(window, state, remaining, hub.decimals),
	})
}

func (hub *WebSocketHub) BroadcastBoard(board *models.Board) {
	hub.publish(&Message{
		Type: MessageBoardUpdate,
		Data: boardView(board),
	})
}

func (hub *WebSocketHub) publish(message *Message) {
	select {
	case hub.broadcast <- message:
	case <-hub.done:
	default:
		slog.Warn("websocket broadcast queue full, dropping", "type", message.Type)
	}
}

type WebSocketHandler struct {
	hub      *WebSocketHub
	gameplay *services.GameplayService
}

func NewWebSocketHandler(hub *WebSocketHub, gameplay *services.GameplayService) *WebSocketHandler {
	return &WebSocketHandler{
		hub:      hub,
		gameplay: gameplay,
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	address := c.GetString("address")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "player", address, "error", err)
		return
	}

	client := &Client{
		Address: address,
		Conn:    conn,
		send:    make(chan *Message, sendBuffer),
		pong:    make(chan struct{}, 1),
	}

	// Initial state is queued before the hub can see the client.
	ctx := c.Request.Context()
	if snap, err := h.gameplay.Window(ctx, address); err == nil {
		client.send <- &Message{Type: MessageWindowUpdate, Player: address, Data: snapshotView(snap, h.hub.decimals)}
	} else {
		slog.Warn("initial window read failed", "player", address, "error", err)
	}
	if board, err := h.gameplay.Board(ctx); err == nil {
		client.send <- &Message{Type: MessageBoardUpdate, Data: boardView(board)}
	} else {
		slog.Warn("initial board read failed", "player", address, "error", err)
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	client.readPump(h.hub)
}

func (c *Client) readPump(hub *WebSocketHub) {
	defer func() {
		select {
		case hub.unregister <- c:
		case <-hub.done:
		}
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read failed", "player", c.Address, "error", err)
			}
			return
		}

		if msg.Type == MessagePing {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(msg); err != nil {
				return
			}

		case <-c.pong:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.Conn.WriteJSON(&Message{
				Type: MessagePong,
				Data: gin.H{"timestamp": time.Now().Unix()},
			})
			if err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
