package model

import "time"

// Role is a participant's role within a room
type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleSpectator   Role = "spectator"
)

// Participant is a member of a room
type Participant struct {
	ID       string    `json:"id" bson:"id"`
	Role     Role      `json:"role" bson:"role"`
	IsActive bool      `json:"isActive" bson:"isActive"`
	JoinedAt time.Time `json:"joinedAt" bson:"joinedAt"`
	LastSeen time.Time `json:"lastSeen" bson:"lastSeen"`
}

// Room is the durable room document
type Room struct {
	ID           string        `json:"id" bson:"_id,omitempty"`
	Code         string        `json:"code" bson:"code"`
	Mode         string        `json:"mode" bson:"mode"` // "battle"
	CreatedBy    string        `json:"createdBy" bson:"createdBy"`
	Language     string        `json:"language" bson:"language"`
	IsActive     bool          `json:"isActive" bson:"isActive"`
	CreatedAt    time.Time     `json:"createdAt" bson:"createdAt"`
	Participants []Participant `json:"participants" bson:"participants"`
}

// CreateRoomRequest is the request body for room creation.
type CreateRoomRequest struct {
	Language        string `json:"language"`
	Difficulty      string `json:"difficulty"`
	ProblemID       string `json:"problemId"`
	DurationMinutes int    `json:"durationMinutes"`
}

// ActiveParticipants returns the participants currently marked active.
func (r *Room) ActiveParticipants() []Participant {
	out := make([]Participant, 0, len(r.Participants))
	for _, p := range r.Participants {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}
