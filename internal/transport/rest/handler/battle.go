package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"codeclash/internal/model"
	"codeclash/internal/service"
	"codeclash/internal/transport/rest/middleware"
)

// BattleHandler handles battle lifecycle endpoints
type BattleHandler struct {
	battleSvc *service.BattleService
}

// NewBattleHandler creates a new battle handler
func NewBattleHandler(battleSvc *service.BattleService) *BattleHandler {
	return &BattleHandler{battleSvc: battleSvc}
}

// Start handles POST /v1/rooms/{id}/start
func (h *BattleHandler) Start(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	hostID := middleware.GetHostID(r.Context())

	events, err := h.battleSvc.Start(r.Context(), roomID, hostID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// End handles POST /v1/rooms/{id}/end
func (h *BattleHandler) End(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	hostID := middleware.GetHostID(r.Context())

	events, err := h.battleSvc.End(r.Context(), roomID, hostID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// Submit handles POST /v1/rooms/{id}/submit
func (h *BattleHandler) Submit(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	participantID := middleware.GetParticipantID(r.Context())

	if middleware.GetRoomID(r.Context()) != roomID {
		writeError(w, http.StatusForbidden, "token not valid for this room")
		return
	}

	var req model.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	events, err := h.battleSvc.Submit(r.Context(), roomID, participantID, req.Code, req.Language)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}
