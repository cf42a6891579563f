package model

import "time"

// CommandType identifies an inbound battle command from the transport layer.
type CommandType string

const (
	CmdJoin     CommandType = "join"
	CmdSetReady CommandType = "set-ready"
	CmdStart    CommandType = "start"
	CmdSubmit   CommandType = "submit"
	CmdEnd      CommandType = "end"
	CmdGetState CommandType = "get-state"
)

// Command is the transport-neutral envelope the lifecycle consumes.
type Command struct {
	Type          CommandType `json:"type"`
	RoomID        string      `json:"roomId"`
	ParticipantID string      `json:"participantId"`
	Role          Role        `json:"role,omitempty"`
	Ready         bool        `json:"ready,omitempty"`
	Code          string      `json:"code,omitempty"`
	Language      string      `json:"language,omitempty"`
}

// EventType identifies an outbound event pushed for fan-out.
type EventType string

const (
	EvtBattleStarted      EventType = "battle-started"
	EvtBattleTick         EventType = "battle-tick"
	EvtBattleEnded        EventType = "battle-ended"
	EvtParticipantJoined  EventType = "participant-joined"
	EvtParticipantLeft    EventType = "participant-left"
	EvtSubmissionRecorded EventType = "submission-recorded"
	EvtReadyChanged       EventType = "ready-changed"
	EvtLobbyState         EventType = "lobby-state"
	EvtError              EventType = "error"
)

// ErrorPayload accompanies EvtError.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Event is one outbound notification produced by a lifecycle transition.
type Event struct {
	Type    EventType   `json:"type"`
	RoomID  string      `json:"roomId"`
	Payload interface{} `json:"payload,omitempty"`
}

// BattleStartedPayload accompanies EvtBattleStarted.
type BattleStartedPayload struct {
	RoomID          string    `json:"roomId"`
	ProblemID       string    `json:"problemId"`
	DurationMinutes int       `json:"duration"`
	StartedAt       time.Time `json:"startedAt"`
}

// BattleTickPayload accompanies EvtBattleTick.
type BattleTickPayload struct {
	RemainingSeconds int `json:"remaining"`
}

// BattleEndedPayload accompanies EvtBattleEnded.
type BattleEndedPayload struct {
	RoomID  string    `json:"roomId"`
	EndedAt time.Time `json:"endedAt"`
	Reason  string    `json:"reason"` // "all-solved", "timeout", "manual"
}

// ParticipantJoinedPayload accompanies EvtParticipantJoined.
type ParticipantJoinedPayload struct {
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
}

// ParticipantLeftPayload accompanies EvtParticipantLeft.
type ParticipantLeftPayload struct {
	ParticipantID string `json:"participantId"`
}

// ReadyChangedPayload accompanies EvtReadyChanged.
type ReadyChangedPayload struct {
	ParticipantID string `json:"participantId"`
	Ready         bool   `json:"ready"`
}

// SubmissionRecordedPayload accompanies EvtSubmissionRecorded.
type SubmissionRecordedPayload struct {
	ParticipantID  string `json:"participantId"`
	Passed         int    `json:"passed"`
	Total          int    `json:"total"`
	CompositeScore int    `json:"compositeScore"`
	Rank           int    `json:"rank,omitempty"`
}

// LobbyEntry is one participant row in a lobby view.
type LobbyEntry struct {
	ParticipantID string `json:"participantId"`
	Role          Role   `json:"role"`
	Ready         bool   `json:"ready"`
	Submitted     bool   `json:"submitted"`
}

// LobbyView is the read-only snapshot served to lobby/state queries. Read
// queries never hard-fail; an unrecoverable room degrades to an empty view.
type LobbyView struct {
	RoomID       string         `json:"roomId"`
	ProblemID    string         `json:"problemId,omitempty"`
	Started      bool           `json:"started"`
	Ended        bool           `json:"ended"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
	Participants []LobbyEntry   `json:"participants"`
	Scores       map[string]int `json:"scores"`
}
