package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/dsmui/api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte
}

// Hub fans session updates out to the WebSocket clients watching them
type Hub struct {
	// Clients grouped by session ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	SessionID string
	Message   []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SessionID] == nil {
				h.clients[client.SessionID] = make(map[*Client]bool)
			}
			h.clients[client.SessionID][client] = true
			h.mu.Unlock()
			log.Printf("[ws] client registered for session %s", client.SessionID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			log.Printf("[ws] client unregistered from session %s", client.SessionID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.SessionID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow reader
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.SessionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.Send)
		if len(clients) == 0 {
			delete(h.clients, client.SessionID)
		}
	}
}

// Subscribers returns how many clients watch sessionID
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[sessionID])
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastProgress sends the session's progress and fragments so far
func (h *Hub) BroadcastProgress(session *model.Session) {
	h.send(session.ID, model.WSProgressMessage{
		Type:           model.WSMessageTypeProgress,
		SessionID:      session.ID,
		Status:         session.Status,
		Progress:       model.ClampProgress(session.Progress),
		CurrentSegment: session.CurrentSegment,
		TotalSegments:  session.TotalSegments,
		Transcriptions: session.Transcriptions,
	})
}

// BroadcastComplete sends the finished session
func (h *Hub) BroadcastComplete(session *model.Session) {
	h.send(session.ID, model.WSCompleteMessage{
		Type:      model.WSMessageTypeComplete,
		SessionID: session.ID,
		Result:    session,
	})
}

// BroadcastError sends an error message to all session subscribers
func (h *Hub) BroadcastError(sessionID string, code, message string) {
	h.send(sessionID, model.WSErrorMessage{
		Type:      model.WSMessageTypeError,
		SessionID: sessionID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

// BroadcastCancelled tells subscribers the session was cancelled
func (h *Hub) BroadcastCancelled(sessionID string) {
	h.send(sessionID, model.WSErrorMessage{
		Type:      model.WSMessageTypeCancelled,
		SessionID: sessionID,
		Error: model.WSError{
			Code:    "CANCELLED",
			Message: "Transcription cancelled",
		},
	})
}

func (h *Hub) send(sessionID string, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] failed to marshal message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{
		SessionID: sessionID,
		Message:   data,
	}
}

// sendTo queues data for one client unless the hub already dropped it
func (h *Hub) sendTo(client *Client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client.SessionID][client] {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// HandleConnection serves one WebSocket connection until it closes
func (h *Hub) HandleConnection(c *websocket.Conn, sessionID string) {
	client := &Client{
		SessionID: sessionID,
		Conn:      c,
		Send:      make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Writer
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[ws] connection error: %v", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			h.sendTo(client, data)
		}
	}
}
