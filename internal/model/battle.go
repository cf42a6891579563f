package model

import "time"

// ScoreSummary is the compact per-participant snapshot kept in live battle
// state so scoring comparisons (minimum code length, first-to-solve) never
// need the full Submission documents.
type ScoreSummary struct {
	Passed         int `json:"passed" bson:"passed"`
	Total          int `json:"total" bson:"total"`
	CodeLength     int `json:"codeLength" bson:"codeLength"`
	TotalTimeMs    int `json:"totalTimeMs" bson:"totalTimeMs"`
	CompositeScore int `json:"compositeScore" bson:"compositeScore"`
}

// Perfect reports whether every test passed.
func (s ScoreSummary) Perfect() bool {
	return s.Total > 0 && s.Passed == s.Total
}

// BattleState is the authoritative live state of one room's battle.
// Ended is terminal: once true it never reverts, and it can only become
// true after Started.
type BattleState struct {
	RoomID          string                  `json:"roomId"`
	ProblemID       string                  `json:"problemId"`
	Difficulty      string                  `json:"difficulty"`
	Host            string                  `json:"host"`
	DurationMinutes int                     `json:"durationMinutes"`
	Started         bool                    `json:"started"`
	StartedAt       *time.Time              `json:"startedAt,omitempty"`
	Ended           bool                    `json:"ended"`
	EndedAt         *time.Time              `json:"endedAt,omitempty"`
	Ready           map[string]bool         `json:"ready"`
	Users           map[string]bool         `json:"users"`
	Submissions     map[string]ScoreSummary `json:"submissions"`
	LastModified    time.Time               `json:"lastModified"`
}

// NewBattleState returns an empty lobby-phase state for a room.
func NewBattleState(roomID string) *BattleState {
	return &BattleState{
		RoomID:      roomID,
		Ready:       make(map[string]bool),
		Users:       make(map[string]bool),
		Submissions: make(map[string]ScoreSummary),
	}
}

// Clone returns a deep copy. The store hands copies to readers so callers
// can never mutate registry state outside the per-room lock.
func (b *BattleState) Clone() *BattleState {
	c := *b
	c.Ready = make(map[string]bool, len(b.Ready))
	for k, v := range b.Ready {
		c.Ready[k] = v
	}
	c.Users = make(map[string]bool, len(b.Users))
	for k, v := range b.Users {
		c.Users[k] = v
	}
	c.Submissions = make(map[string]ScoreSummary, len(b.Submissions))
	for k, v := range b.Submissions {
		c.Submissions[k] = v
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		c.StartedAt = &t
	}
	if b.EndedAt != nil {
		t := *b.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// MinCodeLength returns the minimum code length among recorded summaries,
// or 0 if there are none.
func (b *BattleState) MinCodeLength() int {
	min := 0
	for _, s := range b.Submissions {
		if s.CodeLength > 0 && (min == 0 || s.CodeLength < min) {
			min = s.CodeLength
		}
	}
	return min
}

// HasPerfectSubmission reports whether any participant has fully passed.
func (b *BattleState) HasPerfectSubmission() bool {
	for _, s := range b.Submissions {
		if s.Perfect() {
			return true
		}
	}
	return false
}
