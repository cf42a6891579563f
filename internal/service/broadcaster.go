package service

import "codeclash/internal/model"

// Broadcaster is the outbound event fan-out capability (implemented by the
// WebSocket hub; kept as an interface to avoid an import cycle).
type Broadcaster interface {
	BroadcastToRoom(roomID string, event model.Event)
	BroadcastToParticipant(roomID, participantID string, event model.Event)
}
