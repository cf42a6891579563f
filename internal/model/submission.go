package model

import "time"

// TestResult is the outcome of running one test case. Input, Expected and
// Actual are serialized (and truncated) forms kept for echo back to clients.
type TestResult struct {
	Input    string `json:"input" bson:"input"`
	Expected string `json:"expected" bson:"expected"`
	Actual   string `json:"actual" bson:"actual"`
	Passed   bool   `json:"passed" bson:"passed"`
	TimeMs   int64  `json:"timeMs" bson:"timeMs"`
	Error    string `json:"error,omitempty" bson:"error,omitempty"`
}

// Submission is a durable record of one evaluated attempt. Immutable once
// recorded; a later attempt by the same participant inserts a new document
// and overwrites only the ScoreSummary held in live state.
type Submission struct {
	ID             string       `json:"id" bson:"_id,omitempty"`
	RoomID         string       `json:"roomId" bson:"roomId"`
	ParticipantID  string       `json:"participantId" bson:"participantId"`
	Code           string       `json:"code" bson:"code"`
	Language       string       `json:"language" bson:"language"`
	Results        []TestResult `json:"results" bson:"results"`
	Passed         int          `json:"passed" bson:"passed"`
	Total          int          `json:"total" bson:"total"`
	CodeLength     int          `json:"codeLength" bson:"codeLength"`
	TotalTimeMs    int          `json:"totalTimeMs" bson:"totalTimeMs"`
	CompositeScore int          `json:"compositeScore" bson:"compositeScore"`
	CreatedAt      time.Time    `json:"createdAt" bson:"createdAt"`
}

// SubmitRequest is the request body for a submission.
type SubmitRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Summary collapses the submission into the snapshot kept in BattleState.
func (s *Submission) Summary() ScoreSummary {
	return ScoreSummary{
		Passed:         s.Passed,
		Total:          s.Total,
		CodeLength:     s.CodeLength,
		TotalTimeMs:    s.TotalTimeMs,
		CompositeScore: s.CompositeScore,
	}
}
