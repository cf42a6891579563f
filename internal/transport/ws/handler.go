package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"codeclash/internal/model"
	"codeclash/internal/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // commands carry submission source
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// Handler handles WebSocket connections
type Handler struct {
	hub       *Hub
	authSvc   *service.AuthService
	battleSvc *service.BattleService
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, authSvc *service.AuthService, battleSvc *service.BattleService) *Handler {
	return &Handler{
		hub:       hub,
		authSvc:   authSvc,
		battleSvc: battleSvc,
	}
}

// HostWS handles GET /v1/ws/rooms/{id}/host
func (h *Handler) HostWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")

	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.authSvc.ValidateHostToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	conn := &Connection{
		RoomID: roomID,
		IsHost: true,
		Send:   make(chan []byte, 256),
		Hub:    h.hub,
	}

	h.hub.Register(conn)

	log.Printf("Host %s connected to room %s via WebSocket", claims.HostID, roomID)

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn, claims.HostID)
}

// ParticipantWS handles GET /v1/ws/rooms/{id}/participant
func (h *Handler) ParticipantWS(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	token := r.URL.Query().Get("token")

	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.authSvc.ValidateParticipantToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if claims.RoomID != roomID {
		http.Error(w, "token not valid for this room", http.StatusForbidden)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	conn := &Connection{
		RoomID:        roomID,
		ParticipantID: claims.ParticipantID,
		IsHost:        false,
		Send:          make(chan []byte, 256),
		Hub:           h.hub,
	}

	h.hub.Register(conn)

	log.Printf("Participant %s connected to room %s via WebSocket", claims.ParticipantID, roomID)

	go h.writePump(wsConn, conn)
	go h.readPump(wsConn, conn, claims.ParticipantID)
}

// readPump decodes command envelopes off the socket and applies them to
// the lifecycle. The command's room and actor always come from the
// authenticated connection, never from the payload.
func (h *Handler) readPump(wsConn *websocket.Conn, conn *Connection, actorID string) {
	defer func() {
		h.hub.Unregister(conn)
		wsConn.Close()
		if !conn.IsHost {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := h.battleSvc.Leave(ctx, conn.RoomID, conn.ParticipantID); err != nil {
				log.Printf("Leave on disconnect failed for %s in room %s: %v", conn.ParticipantID, conn.RoomID, err)
			}
		}
	}()

	wsConn.SetReadLimit(maxMessageSize)
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		wsConn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var cmd model.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.sendError(conn, "malformed command")
			continue
		}
		cmd.RoomID = conn.RoomID
		cmd.ParticipantID = actorID

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err = h.battleSvc.Apply(ctx, cmd)
		cancel()
		if err != nil {
			h.sendError(conn, err.Error())
		}
	}
}

func (h *Handler) sendError(conn *Connection, message string) {
	data, err := json.Marshal(model.Event{
		Type:    model.EvtError,
		RoomID:  conn.RoomID,
		Payload: model.ErrorPayload{Message: message},
	})
	if err != nil {
		return
	}
	select {
	case conn.Send <- data:
	default:
	}
}

func (h *Handler) writePump(wsConn *websocket.Conn, conn *Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsConn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsConn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := wsConn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			wsConn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
