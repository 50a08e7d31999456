package ws

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// PriceEvent is broadcast to chart clients whenever a bucket's recorded
// best-ask price changes.
type PriceEvent struct {
	BucketID uint      `json:"bucket_id"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}

// Hub fans PriceEvents out to connected websocket clients. Slow clients are
// dropped rather than allowed to block the broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan PriceEvent
}

func NewHub() *Hub {
	return &Hub{clients: map[*websocket.Conn]chan PriceEvent{}}
}

// Broadcast queues an event to every connected client.
func (h *Hub) Broadcast(event PriceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Serve upgrades the request and streams price events until the client
// disconnects.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	ch := make(chan PriceEvent, 16)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	go h.readLoop(conn)

	for event := range ch {
		if err := conn.WriteJSON(event); err != nil {
			h.drop(conn)
			return
		}
	}
}

// readLoop drains client frames so pings are answered and closes get seen.
func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(conn)
			return
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, found := h.clients[conn]; found {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
	conn.Close()
}
