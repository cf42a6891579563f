package service

import (
	"math"

	"codeclash/internal/model"
)

// ScoringService computes composite scores. Pure: a score is a function of
// the submission's results and the battle history at submission time, and is
// never retroactively adjusted.
type ScoringService struct{}

// NewScoringService creates a new scoring service
func NewScoringService() *ScoringService {
	return &ScoringService{}
}

// Compute returns the composite score in [0,100] for a submission with the
// given results, evaluated against the battle's recorded summaries. battle
// must not yet contain the current submission's summary.
func (s *ScoringService) Compute(passed, total, codeLength, totalTimeMs int, battle *model.BattleState) int {
	score := s.correctnessPct(passed, total) +
		s.speedBonus(totalTimeMs) +
		s.brevityBonus(codeLength, battle) +
		s.firstCorrectBonus(passed, total, battle)
	if score > 100 {
		score = 100
	}
	return score
}

func (s *ScoringService) correctnessPct(passed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(passed) / float64(total) * 100))
}

func (s *ScoringService) speedBonus(totalTimeMs int) int {
	bonus := 20 - totalTimeMs/100
	if bonus < 0 {
		return 0
	}
	return bonus
}

// brevityBonus compares the submission against the shortest code seen in the
// battle so far, the current submission included.
func (s *ScoringService) brevityBonus(codeLength int, battle *model.BattleState) int {
	if codeLength <= 0 {
		return 0
	}
	minLen := battle.MinCodeLength()
	if minLen == 0 || codeLength < minLen {
		minLen = codeLength
	}
	ratio := float64(codeLength) / float64(minLen)
	switch {
	case ratio <= 1.1:
		return 10
	case ratio <= 1.3:
		return 5
	}
	return 0
}

func (s *ScoringService) firstCorrectBonus(passed, total int, battle *model.BattleState) int {
	if total > 0 && passed == total && !battle.HasPerfectSubmission() {
		return 10
	}
	return 0
}
