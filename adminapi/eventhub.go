package adminapi

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"linebus/peer"
)

// EventHub fans out peer.Event values to every connected WebSocket
// dashboard, following the teacher's register/unregister/broadcast
// channel triad (internal/api/websocket.go).
type EventHub struct {
	upgrader   websocket.Upgrader
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan peer.Event

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewEventHub builds a hub. allowedOrigins, if non-empty, restricts which
// Origin header values may upgrade; an empty list allows any origin
// (acceptable for a local admin tool, not for public exposure).
func NewEventHub(allowedOrigins []string) *EventHub {
	h := &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, o := range allowedOrigins {
					if o == origin {
						return true
					}
				}
				return false
			},
		},
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan peer.Event, 64),
		clients:    make(map[*wsClient]struct{}),
	}
	return h
}

// Run drives the hub's register/unregister/broadcast loop until ctx-like
// stop is closed. Call as a goroutine.
func (h *EventHub) Run(stop <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()
			wsConnectionsActive.Inc()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			wsConnectionsActive.Dec()
		case ev := <-h.broadcast:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
					// Slow consumer: drop rather than block the hub.
				}
			}
			h.mu.Unlock()
			wsMessagesTotal.Inc()
		case <-stop:
			return
		}
	}
}

// Publish is the peer.Event callback to hand to controller.New; it must
// never block, matching the Controller's non-blocking observer contract.
func (h *EventHub) Publish(ev peer.Event) {
	select {
	case h.broadcast <- ev:
	default:
		// Hub backlog full; drop rather than stall the Controller's step.
	}
}

// ServeWS upgrades r into a WebSocket connection registered with the hub.
func (h *EventHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("adminapi: websocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, 16)}
	h.register <- c
	go h.writePump(c)
	go h.readPump(c)
}

func (h *EventHub) writePump(c *wsClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *EventHub) readPump(c *wsClient) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
