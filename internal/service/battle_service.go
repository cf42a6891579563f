package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"

	"codeclash/internal/cache"
	"codeclash/internal/common"
	"codeclash/internal/model"
	"codeclash/internal/repository"
	"codeclash/internal/state"
)

const (
	roomCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	roomCodeLength  = 6
)

// BattleService drives the battle lifecycle: room creation, joins, the
// started/ended transitions, submissions, and auto-end. All state mutation
// goes through the store's per-room locking; every transition produces the
// events it broadcasts, and returns them so the transport can echo them to
// the caller.
type BattleService struct {
	store       *state.Store
	rec         *state.Reconciler
	roomRepo    repository.RoomRepo
	problemRepo repository.ProblemRepo
	scoring     *ScoringService
	evaluator   Evaluator
	leaderboard cache.LeaderboardCache // optional
	broadcaster Broadcaster

	maxParticipants int
	defaultMinutes  int
	stateTTL        time.Duration
}

// NewBattleService creates a new battle service
func NewBattleService(
	store *state.Store,
	rec *state.Reconciler,
	roomRepo repository.RoomRepo,
	problemRepo repository.ProblemRepo,
	scoring *ScoringService,
	evaluator Evaluator,
	leaderboard cache.LeaderboardCache,
	maxParticipants, defaultMinutes int,
	stateTTL time.Duration,
) *BattleService {
	return &BattleService{
		store:           store,
		rec:             rec,
		roomRepo:        roomRepo,
		problemRepo:     problemRepo,
		scoring:         scoring,
		evaluator:       evaluator,
		leaderboard:     leaderboard,
		maxParticipants: maxParticipants,
		defaultMinutes:  defaultMinutes,
		stateTTL:        stateTTL,
	}
}

// SetBroadcaster injects the event fan-out. Called once during startup.
func (s *BattleService) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// Apply dispatches one transport-neutral command to its lifecycle
// transition and returns the events it produced.
func (s *BattleService) Apply(ctx context.Context, cmd model.Command) ([]model.Event, error) {
	switch cmd.Type {
	case model.CmdJoin:
		_, events, err := s.Join(ctx, cmd.RoomID, cmd.ParticipantID, cmd.Role)
		return events, err
	case model.CmdSetReady:
		return s.SetReady(ctx, cmd.RoomID, cmd.ParticipantID, cmd.Ready)
	case model.CmdStart:
		return s.Start(ctx, cmd.RoomID, cmd.ParticipantID)
	case model.CmdSubmit:
		return s.Submit(ctx, cmd.RoomID, cmd.ParticipantID, cmd.Code, cmd.Language)
	case model.CmdEnd:
		return s.End(ctx, cmd.RoomID, cmd.ParticipantID)
	case model.CmdGetState:
		lobby, err := s.GetLobby(ctx, cmd.RoomID)
		if err != nil {
			return nil, err
		}
		evt := model.Event{Type: model.EvtLobbyState, RoomID: cmd.RoomID, Payload: lobby}
		if s.broadcaster != nil && cmd.ParticipantID != "" {
			s.broadcaster.BroadcastToParticipant(cmd.RoomID, cmd.ParticipantID, evt)
		}
		return []model.Event{evt}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command type %q", common.ErrValidation, cmd.Type)
	}
}

// CreateRoom creates the durable room document and installs fresh live
// state for it. The durable write is lifecycle-critical.
func (s *BattleService) CreateRoom(ctx context.Context, hostID string, req model.CreateRoomRequest) (*model.Room, error) {
	duration := req.DurationMinutes
	if duration <= 0 {
		duration = s.defaultMinutes
	}

	room := &model.Room{
		ID:           "r_" + uuid.New().String()[:8],
		Code:         generateRoomCode(),
		Mode:         "battle",
		CreatedBy:    hostID,
		Language:     req.Language,
		IsActive:     true,
		CreatedAt:    time.Now(),
		Participants: []model.Participant{},
	}
	if err := s.roomRepo.Create(ctx, room); err != nil {
		return nil, fmt.Errorf("%w: create room: %v", common.ErrPersistence, err)
	}

	st := model.NewBattleState(room.ID)
	st.Host = hostID
	st.ProblemID = req.ProblemID
	st.Difficulty = req.Difficulty
	st.DurationMinutes = duration
	if _, err := s.store.Create(ctx, room.ID, st); err != nil {
		return nil, err
	}
	s.store.ScheduleExpiry(room.ID, s.stateTTL)

	return room, nil
}

// GetRoomByCode resolves a join code to its room document.
func (s *BattleService) GetRoomByCode(ctx context.Context, code string) (*model.Room, error) {
	room, err := s.roomRepo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if room == nil || !room.IsActive {
		return nil, common.ErrNotFound
	}
	return room, nil
}

// GetRoom resolves a room by ID.
func (s *BattleService) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, common.ErrNotFound
	}
	return room, nil
}

// Join adds a participant to a room's live state and returns the
// participant ID, generating one when the caller has none. Rejoining is a
// no-op success. Spectators are not scored and do not count toward
// capacity.
func (s *BattleService) Join(ctx context.Context, roomID, participantID string, role model.Role) (string, []model.Event, error) {
	if participantID == "" {
		participantID = "p_" + uuid.New().String()[:8]
	}
	if role == "" {
		role = model.RoleParticipant
	}

	var joinErr error
	already := false
	_, err := s.store.Update(ctx, roomID, func(st *model.BattleState) {
		if role == model.RoleSpectator {
			return
		}
		if st.Users[participantID] {
			already = true
			return
		}
		if len(st.Users) >= s.maxParticipants {
			joinErr = fmt.Errorf("%w: room %s is full", common.ErrCapacity, roomID)
			return
		}
		st.Users[participantID] = true
	})
	if err != nil {
		return "", nil, err
	}
	if joinErr != nil {
		return "", nil, joinErr
	}

	// Durable membership is written best-effort here; the reconciler's next
	// flush covers a miss.
	if role != model.RoleSpectator {
		now := time.Now()
		p := model.Participant{ID: participantID, Role: role, IsActive: true, JoinedAt: now, LastSeen: now}
		if err := s.roomRepo.UpsertParticipant(ctx, roomID, p); err != nil {
			log.Printf("join: durable participant write failed for room %s: %v", roomID, err)
		}
	}

	if already || role == model.RoleSpectator {
		return participantID, nil, nil
	}
	evt := model.Event{
		Type:    model.EvtParticipantJoined,
		RoomID:  roomID,
		Payload: model.ParticipantJoinedPayload{ParticipantID: participantID, Role: role},
	}
	s.emit(evt)
	return participantID, []model.Event{evt}, nil
}

// Leave removes a participant from the live roster and flags them inactive
// durably.
func (s *BattleService) Leave(ctx context.Context, roomID, participantID string) ([]model.Event, error) {
	wasMember := false
	_, err := s.store.Update(ctx, roomID, func(st *model.BattleState) {
		if st.Users[participantID] {
			wasMember = true
		}
		delete(st.Users, participantID)
		delete(st.Ready, participantID)
	})
	if err != nil {
		return nil, err
	}
	if !wasMember {
		return nil, nil
	}

	if err := s.roomRepo.SetParticipantActive(ctx, roomID, participantID, false); err != nil {
		log.Printf("leave: durable participant write failed for room %s: %v", roomID, err)
	}

	evt := model.Event{
		Type:    model.EvtParticipantLeft,
		RoomID:  roomID,
		Payload: model.ParticipantLeftPayload{ParticipantID: participantID},
	}
	s.emit(evt)
	return []model.Event{evt}, nil
}

// SetReady flips a participant's lobby ready flag.
func (s *BattleService) SetReady(ctx context.Context, roomID, participantID string, ready bool) ([]model.Event, error) {
	var applyErr error
	_, err := s.store.Update(ctx, roomID, func(st *model.BattleState) {
		if st.Started {
			applyErr = fmt.Errorf("%w: battle already started", common.ErrValidation)
			return
		}
		if !st.Users[participantID] {
			applyErr = fmt.Errorf("%w: not a member of room %s", common.ErrPermission, roomID)
			return
		}
		st.Ready[participantID] = ready
	})
	if err != nil {
		return nil, err
	}
	if applyErr != nil {
		return nil, applyErr
	}

	evt := model.Event{
		Type:    model.EvtReadyChanged,
		RoomID:  roomID,
		Payload: model.ReadyChangedPayload{ParticipantID: participantID, Ready: ready},
	}
	s.emit(evt)
	return []model.Event{evt}, nil
}

// Start flips the battle to its running phase. Host-only. Starting an
// already-started battle is a no-op success that reports the original start
// time and arms nothing twice. The durable flush is lifecycle-critical.
func (s *BattleService) Start(ctx context.Context, roomID, participantID string) ([]model.Event, error) {
	var startErr error
	already := false
	st, err := s.store.Update(ctx, roomID, func(st *model.BattleState) {
		if participantID != st.Host {
			startErr = fmt.Errorf("%w: only the host can start the battle", common.ErrPermission)
			return
		}
		if st.Ended {
			startErr = fmt.Errorf("%w: battle already ended", common.ErrValidation)
			return
		}
		if st.Started {
			already = true
			return
		}
		if st.DurationMinutes <= 0 {
			st.DurationMinutes = s.defaultMinutes
		}
		now := time.Now()
		st.Started = true
		st.StartedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if startErr != nil {
		return nil, startErr
	}

	evt := model.Event{
		Type:   model.EvtBattleStarted,
		RoomID: roomID,
		Payload: model.BattleStartedPayload{
			RoomID:          roomID,
			ProblemID:       st.ProblemID,
			DurationMinutes: st.DurationMinutes,
			StartedAt:       *st.StartedAt,
		},
	}
	if already {
		return []model.Event{evt}, nil
	}

	d := time.Duration(st.DurationMinutes) * time.Minute
	s.store.ArmEndTimer(roomID, d, func() {
		s.autoEndCheck(context.Background(), roomID)
	})
	stop := make(chan struct{})
	s.store.SetTicker(roomID, stop)
	go s.runTicker(roomID, st.StartedAt.Add(d), stop)

	s.emit(evt)
	if err := s.rec.FlushNow(ctx, roomID); err != nil {
		return []model.Event{evt}, err
	}
	return []model.Event{evt}, nil
}

// Submit evaluates a participant's code, scores it against the battle
// state, records the attempt durably, and runs the auto-end check. The
// submission insert is lifecycle-critical; a persistence failure is
// returned alongside the events that were still broadcast.
func (s *BattleService) Submit(ctx context.Context, roomID, participantID, code, language string) ([]model.Event, error) {
	st, err := s.store.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !st.Started {
		return nil, fmt.Errorf("%w: battle not started", common.ErrValidation)
	}
	if st.Ended {
		return nil, fmt.Errorf("%w: battle already ended", common.ErrValidation)
	}
	if !st.Users[participantID] {
		return nil, fmt.Errorf("%w: not a member of room %s", common.ErrPermission, roomID)
	}

	problem := s.resolveProblem(ctx, st)
	outcome, err := s.evaluator.Evaluate(ctx, problem, code, language)
	if err != nil {
		return nil, err
	}

	var summary model.ScoreSummary
	var submitErr error
	_, err = s.store.Update(ctx, roomID, func(st *model.BattleState) {
		if !st.Started || st.Ended {
			submitErr = fmt.Errorf("%w: battle is not running", common.ErrValidation)
			return
		}
		score := s.scoring.Compute(outcome.Passed, outcome.Total, len(code), outcome.TotalTimeMs, st)
		summary = model.ScoreSummary{
			Passed:         outcome.Passed,
			Total:          outcome.Total,
			CodeLength:     len(code),
			TotalTimeMs:    outcome.TotalTimeMs,
			CompositeScore: score,
		}
		st.Submissions[participantID] = summary
	})
	if err != nil {
		return nil, err
	}
	if submitErr != nil {
		return nil, submitErr
	}

	sub := &model.Submission{
		RoomID:         roomID,
		ParticipantID:  participantID,
		Code:           code,
		Language:       language,
		Results:        outcome.Results,
		Passed:         outcome.Passed,
		Total:          outcome.Total,
		CodeLength:     len(code),
		TotalTimeMs:    outcome.TotalTimeMs,
		CompositeScore: summary.CompositeScore,
		CreatedAt:      time.Now(),
	}
	recErr := s.rec.RecordSubmission(ctx, sub)

	var rank int
	if s.leaderboard != nil {
		if err := s.leaderboard.UpdateScore(ctx, roomID, participantID, summary.CompositeScore); err != nil {
			log.Printf("leaderboard update failed for room %s: %v", roomID, err)
		} else if r, err := s.leaderboard.GetRank(ctx, roomID, participantID); err != nil {
			log.Printf("leaderboard rank read failed for room %s: %v", roomID, err)
		} else if r > 0 {
			rank = int(r)
		}
	}

	evt := model.Event{
		Type:   model.EvtSubmissionRecorded,
		RoomID: roomID,
		Payload: model.SubmissionRecordedPayload{
			ParticipantID:  participantID,
			Passed:         outcome.Passed,
			Total:          outcome.Total,
			CompositeScore: summary.CompositeScore,
			Rank:           rank,
		},
	}
	s.emit(evt)
	events := []model.Event{evt}
	events = append(events, s.autoEndCheck(ctx, roomID)...)

	return events, recErr
}

// End is the host's manual end. Ending an already-ended battle is a no-op
// success.
func (s *BattleService) End(ctx context.Context, roomID, participantID string) ([]model.Event, error) {
	return s.finish(ctx, roomID, "manual", participantID)
}

// GetLobby builds the read-only lobby view. The only hard failure is a
// room that does not exist at all; anything else degrades to whatever
// state could be recovered.
func (s *BattleService) GetLobby(ctx context.Context, roomID string) (*model.LobbyView, error) {
	st, err := s.store.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}

	view := &model.LobbyView{
		RoomID:       roomID,
		ProblemID:    st.ProblemID,
		Started:      st.Started,
		Ended:        st.Ended,
		StartedAt:    st.StartedAt,
		EndedAt:      st.EndedAt,
		Participants: make([]model.LobbyEntry, 0, len(st.Users)),
		Scores:       make(map[string]int, len(st.Submissions)),
	}
	for id := range st.Users {
		role := model.RoleParticipant
		if id == st.Host {
			role = model.RoleHost
		}
		_, submitted := st.Submissions[id]
		view.Participants = append(view.Participants, model.LobbyEntry{
			ParticipantID: id,
			Role:          role,
			Ready:         st.Ready[id],
			Submitted:     submitted,
		})
	}
	sort.Slice(view.Participants, func(i, j int) bool {
		return view.Participants[i].ParticipantID < view.Participants[j].ParticipantID
	})
	for id, sum := range st.Submissions {
		view.Scores[id] = sum.CompositeScore
	}
	return view, nil
}

// Leaderboard returns the top scores for a room, preferring the sorted-set
// cache and falling back to live state when the cache is cold or down.
func (s *BattleService) Leaderboard(ctx context.Context, roomID string, limit int) ([]cache.LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.leaderboard != nil {
		entries, err := s.leaderboard.GetTop(ctx, roomID, limit)
		if err == nil && len(entries) > 0 {
			return entries, nil
		}
		if err != nil {
			log.Printf("leaderboard read failed for room %s: %v", roomID, err)
		}
	}

	st, err := s.store.Get(ctx, roomID)
	if err != nil {
		return nil, err
	}
	entries := make([]cache.LeaderboardEntry, 0, len(st.Submissions))
	for id, sum := range st.Submissions {
		entries = append(entries, cache.LeaderboardEntry{ParticipantID: id, Score: sum.CompositeScore})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// resolveProblem loads the battle's configured problem, falling back to the
// built-in problem when none is configured or the lookup fails. The
// fallback keeps submissions evaluable; the log line is the operator's cue
// that content is missing.
func (s *BattleService) resolveProblem(ctx context.Context, st *model.BattleState) *model.Problem {
	if st.ProblemID == "" {
		log.Printf("room %s has no problem configured, using fallback problem", st.RoomID)
		return model.FallbackProblem()
	}
	problem, err := s.problemRepo.GetByID(ctx, st.ProblemID)
	if err != nil {
		log.Printf("problem lookup failed for %s in room %s, using fallback problem: %v", st.ProblemID, st.RoomID, err)
		return model.FallbackProblem()
	}
	if problem == nil {
		log.Printf("problem %s not found for room %s, using fallback problem", st.ProblemID, st.RoomID)
		return model.FallbackProblem()
	}
	return problem
}

// autoEndCheck evaluates both auto-end triggers. The two triggers (timer
// expiry and every-participant-perfect) are mutually idempotent: whichever
// fires second finds Ended already set inside the finish transition and
// does nothing.
func (s *BattleService) autoEndCheck(ctx context.Context, roomID string) []model.Event {
	st, err := s.store.Get(ctx, roomID)
	if err != nil || !st.Started || st.Ended {
		return nil
	}

	// The active roster is the union of durable active participants and the
	// in-memory user set; the durable read is best-effort.
	active := make(map[string]bool)
	if room, err := s.roomRepo.GetByID(ctx, roomID); err != nil {
		log.Printf("auto-end: durable roster read failed for room %s: %v", roomID, err)
	} else if room != nil {
		for _, p := range room.ActiveParticipants() {
			if p.Role != model.RoleSpectator {
				active[p.ID] = true
			}
		}
	}
	for id := range st.Users {
		active[id] = true
	}

	allSolved := len(active) > 0
	for id := range active {
		if !st.Submissions[id].Perfect() {
			allSolved = false
			break
		}
	}

	timedOut := st.StartedAt != nil && st.DurationMinutes > 0 &&
		time.Since(*st.StartedAt) >= time.Duration(st.DurationMinutes)*time.Minute

	var reason string
	switch {
	case allSolved:
		reason = "all-solved"
	case timedOut:
		reason = "timeout"
	default:
		return nil
	}

	events, err := s.finish(ctx, roomID, reason, "")
	if err != nil {
		log.Printf("auto-end failed for room %s: %v", roomID, err)
	}
	return events
}

// finish flips Ended under the room lock, cancels the timers, flushes
// durably and emits the terminal event. requiredHost, when non-empty, is
// the caller that must match the battle's host. Ended is terminal: a
// second finish by any trigger is a no-op.
func (s *BattleService) finish(ctx context.Context, roomID, reason, requiredHost string) ([]model.Event, error) {
	var finishErr error
	already := false
	st, err := s.store.Update(ctx, roomID, func(st *model.BattleState) {
		if requiredHost != "" && requiredHost != st.Host {
			finishErr = fmt.Errorf("%w: only the host can end the battle", common.ErrPermission)
			return
		}
		if st.Ended {
			already = true
			return
		}
		if !st.Started {
			finishErr = fmt.Errorf("%w: battle not started", common.ErrValidation)
			return
		}
		now := time.Now()
		st.Ended = true
		st.EndedAt = &now
	})
	if err != nil {
		return nil, err
	}
	if finishErr != nil {
		return nil, finishErr
	}
	if already {
		return nil, nil
	}

	s.store.CancelTimers(roomID)

	evt := model.Event{
		Type:   model.EvtBattleEnded,
		RoomID: roomID,
		Payload: model.BattleEndedPayload{
			RoomID:  roomID,
			EndedAt: *st.EndedAt,
			Reason:  reason,
		},
	}
	s.emit(evt)

	if err := s.rec.FlushNow(ctx, roomID); err != nil {
		return []model.Event{evt}, err
	}
	return []model.Event{evt}, nil
}

// runTicker emits countdown ticks once a second until the deadline passes
// or the room's terminal transition closes the stop channel.
func (s *BattleService) runTicker(roomID string, deadline time.Time, stop chan struct{}) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			remaining := int(time.Until(deadline).Seconds())
			if remaining < 0 {
				remaining = 0
			}
			s.emit(model.Event{
				Type:    model.EvtBattleTick,
				RoomID:  roomID,
				Payload: model.BattleTickPayload{RemainingSeconds: remaining},
			})
			if remaining == 0 {
				return
			}
		}
	}
}

func (s *BattleService) emit(events ...model.Event) {
	if s.broadcaster == nil {
		return
	}
	for _, evt := range events {
		s.broadcaster.BroadcastToRoom(evt.RoomID, evt)
	}
}

// generateRoomCode returns a short join code avoiding easily confused
// characters.
func generateRoomCode() string {
	code := make([]byte, roomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(roomCodeCharset))))
		if err != nil {
			code[i] = roomCodeCharset[0]
			continue
		}
		code[i] = roomCodeCharset[n.Int64()]
	}
	return string(code)
}
