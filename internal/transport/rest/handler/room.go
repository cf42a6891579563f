package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"codeclash/internal/model"
	"codeclash/internal/service"
	"codeclash/internal/transport/rest/middleware"
)

// RoomHandler handles room lifecycle endpoints
type RoomHandler struct {
	battleSvc *service.BattleService
	authSvc   *service.AuthService
}

// NewRoomHandler creates a new room handler
func NewRoomHandler(battleSvc *service.BattleService, authSvc *service.AuthService) *RoomHandler {
	return &RoomHandler{battleSvc: battleSvc, authSvc: authSvc}
}

// Create handles POST /v1/rooms
func (h *RoomHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hostID := middleware.GetHostID(r.Context())
	room, err := h.battleSvc.CreateRoom(r.Context(), hostID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, room)
}

// Get handles GET /v1/rooms/{id}
func (h *RoomHandler) Get(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, err := h.battleSvc.GetRoom(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, room)
}

// Join handles POST /v1/rooms/{code}/join
func (h *RoomHandler) Join(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]

	var req struct {
		Role model.Role `json:"role"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // body is optional
	}
	role := req.Role
	if role == "" {
		role = model.RoleParticipant
	}

	room, err := h.battleSvc.GetRoomByCode(r.Context(), code)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	participantID, _, err := h.battleSvc.Join(r.Context(), room.ID, "", role)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	token, err := h.authSvc.GenerateParticipantToken(room.ID, participantID, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	lobby, err := h.battleSvc.GetLobby(r.Context(), room.ID)
	if err != nil {
		// Join already succeeded; serve the response without the view.
		lobby = nil
	}

	writeJSON(w, http.StatusOK, model.JoinResponse{
		ParticipantID: participantID,
		Token:         token,
		Lobby:         lobby,
	})
}

// Lobby handles GET /v1/rooms/{id}/lobby
func (h *RoomHandler) Lobby(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	lobby, err := h.battleSvc.GetLobby(r.Context(), roomID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, lobby)
}

// Leaderboard handles GET /v1/rooms/{id}/leaderboard
func (h *RoomHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := h.battleSvc.Leaderboard(r.Context(), roomID, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}
