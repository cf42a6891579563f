package ws

import (
	"encoding/json"
	"log"
	"sync"

	"codeclash/internal/model"
)

// Hub manages WebSocket connections for rooms
type Hub struct {
	// Room -> connections
	hostConns        map[string]*Connection
	participantConns map[string]map[string]*Connection // roomID -> participantID -> conn

	mu sync.RWMutex

	// Channels for coordination
	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *BroadcastMessage
}

// Connection represents a WebSocket connection
type Connection struct {
	RoomID        string
	ParticipantID string // Empty for host connections
	IsHost        bool
	Send          chan []byte
	Hub           *Hub
}

// BroadcastMessage is a message to fan out
type BroadcastMessage struct {
	RoomID        string
	ToParticipant string // Empty means the whole room, specific ID means one participant
	Event         model.Event
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	h := &Hub{
		hostConns:        make(map[string]*Connection),
		participantConns: make(map[string]map[string]*Connection),
		register:         make(chan *Connection),
		unregister:       make(chan *Connection),
		broadcast:        make(chan *BroadcastMessage, 256),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			if conn.IsHost {
				h.hostConns[conn.RoomID] = conn
				log.Printf("Host connected to room %s", conn.RoomID)
			} else {
				if h.participantConns[conn.RoomID] == nil {
					h.participantConns[conn.RoomID] = make(map[string]*Connection)
				}
				h.participantConns[conn.RoomID][conn.ParticipantID] = conn
				log.Printf("Participant %s connected to room %s", conn.ParticipantID, conn.RoomID)
			}
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if conn.IsHost {
				if existing, ok := h.hostConns[conn.RoomID]; ok && existing == conn {
					delete(h.hostConns, conn.RoomID)
					close(conn.Send)
					log.Printf("Host disconnected from room %s", conn.RoomID)
				}
			} else {
				if participants, ok := h.participantConns[conn.RoomID]; ok {
					if existing, ok := participants[conn.ParticipantID]; ok && existing == conn {
						delete(participants, conn.ParticipantID)
						close(conn.Send)
						log.Printf("Participant %s disconnected from room %s", conn.ParticipantID, conn.RoomID)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			data, err := json.Marshal(msg.Event)
			if err != nil {
				log.Printf("Failed to marshal event %s for room %s: %v", msg.Event.Type, msg.RoomID, err)
				h.mu.RUnlock()
				continue
			}

			if msg.ToParticipant != "" {
				if participants, ok := h.participantConns[msg.RoomID]; ok {
					if conn, ok := participants[msg.ToParticipant]; ok {
						select {
						case conn.Send <- data:
						default:
							// Drop message if buffer full
						}
					}
				}
			} else {
				if conn, ok := h.hostConns[msg.RoomID]; ok {
					select {
					case conn.Send <- data:
					default:
					}
				}
				if participants, ok := h.participantConns[msg.RoomID]; ok {
					for _, conn := range participants {
						select {
						case conn.Send <- data:
						default:
						}
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds a connection
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister removes a connection
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// BroadcastToRoom sends an event to everyone in a room (implements service.Broadcaster)
func (h *Hub) BroadcastToRoom(roomID string, event model.Event) {
	h.broadcast <- &BroadcastMessage{
		RoomID: roomID,
		Event:  event,
	}
}

// BroadcastToParticipant sends an event to one participant (implements service.Broadcaster)
func (h *Hub) BroadcastToParticipant(roomID, participantID string, event model.Event) {
	h.broadcast <- &BroadcastMessage{
		RoomID:        roomID,
		ToParticipant: participantID,
		Event:         event,
	}
}
