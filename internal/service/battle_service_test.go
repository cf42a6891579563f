package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeclash/internal/common"
	"codeclash/internal/model"
	"codeclash/internal/state"
)

type memRoomRepo struct {
	mu    sync.Mutex
	rooms map[string]*model.Room
}

func newMemRoomRepo() *memRoomRepo {
	return &memRoomRepo{rooms: make(map[string]*model.Room)}
}

func (m *memRoomRepo) Create(ctx context.Context, room *model.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = room
	return nil
}

func (m *memRoomRepo) GetByID(ctx context.Context, id string) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[id], nil
}

func (m *memRoomRepo) GetByCode(ctx context.Context, code string) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rooms {
		if r.Code == code {
			return r, nil
		}
	}
	return nil, nil
}

func (m *memRoomRepo) Update(ctx context.Context, room *model.Room) error {
	return m.Create(ctx, room)
}

func (m *memRoomRepo) UpsertParticipant(ctx context.Context, roomID string, p model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	for i := range room.Participants {
		if room.Participants[i].ID == p.ID {
			room.Participants[i] = p
			return nil
		}
	}
	room.Participants = append(room.Participants, p)
	return nil
}

func (m *memRoomRepo) SetParticipantActive(ctx context.Context, roomID, participantID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[roomID]; ok {
		for i := range room.Participants {
			if room.Participants[i].ID == participantID {
				room.Participants[i].IsActive = active
			}
		}
	}
	return nil
}

func (m *memRoomRepo) SetActive(ctx context.Context, roomID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[roomID]; ok {
		room.IsActive = active
	}
	return nil
}

type memSubRepo struct {
	mu      sync.Mutex
	subs    []*model.Submission
	failAll bool
}

func (m *memSubRepo) Create(ctx context.Context, sub *model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("insert failed")
	}
	m.subs = append(m.subs, sub)
	return nil
}

func (m *memSubRepo) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	return nil, nil
}

func (m *memSubRepo) GetByRoomID(ctx context.Context, roomID string) ([]*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Submission
	for _, s := range m.subs {
		if s.RoomID == roomID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSubRepo) GetByParticipant(ctx context.Context, roomID, participantID string) ([]*model.Submission, error) {
	return nil, nil
}

type memProblemRepo struct {
	problems map[string]*model.Problem
}

func (m *memProblemRepo) Create(ctx context.Context, p *model.Problem) error { return nil }

func (m *memProblemRepo) GetByID(ctx context.Context, id string) (*model.Problem, error) {
	return m.problems[id], nil
}

func (m *memProblemRepo) GetByDifficulty(ctx context.Context, difficulty string) ([]*model.Problem, error) {
	return nil, nil
}

// stubEvaluator returns canned outcomes keyed by submitted source.
type stubEvaluator struct {
	outcomes map[string]*EvalOutcome
}

func (s *stubEvaluator) Evaluate(ctx context.Context, problem *model.Problem, code, language string) (*EvalOutcome, error) {
	if out, ok := s.outcomes[code]; ok {
		return out, nil
	}
	return &EvalOutcome{
		Results: []model.TestResult{{Passed: true}, {Passed: true}, {Passed: true}},
		Passed:  3, Total: 3, TotalTimeMs: 100,
	}, nil
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *recordingBroadcaster) BroadcastToRoom(roomID string, event model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) BroadcastToParticipant(roomID, participantID string, event model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

type battleFixture struct {
	svc      *BattleService
	store    *state.Store
	roomRepo *memRoomRepo
	subRepo  *memSubRepo
	eval     *stubEvaluator
	bcast    *recordingBroadcaster
}

func newBattleFixture(t *testing.T, maxParticipants int) *battleFixture {
	t.Helper()
	roomRepo := newMemRoomRepo()
	subRepo := &memSubRepo{}
	store := state.NewStore(roomRepo, subRepo, nil, nil)
	rec := state.NewReconciler(store, roomRepo, subRepo, state.ReconcilerConfig{
		QuietPeriod:  time.Hour, // tests flush explicitly
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
	store.AttachReconciler(rec)

	eval := &stubEvaluator{outcomes: make(map[string]*EvalOutcome)}
	bcast := &recordingBroadcaster{}
	svc := NewBattleService(
		store, rec, roomRepo, &memProblemRepo{problems: make(map[string]*model.Problem)},
		NewScoringService(), eval, nil,
		maxParticipants, 15, time.Hour,
	)
	svc.SetBroadcaster(bcast)
	return &battleFixture{svc: svc, store: store, roomRepo: roomRepo, subRepo: subRepo, eval: eval, bcast: bcast}
}

func (f *battleFixture) createRoom(t *testing.T) *model.Room {
	t.Helper()
	room, err := f.svc.CreateRoom(context.Background(), "h1", model.CreateRoomRequest{Language: "javascript"})
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	return room
}

func hasEvent(events []model.Event, typ model.EventType) bool {
	for _, e := range events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestCreateRoomPersistsDurably(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)

	if len(room.Code) != 6 {
		t.Errorf("room code %q, want 6 characters", room.Code)
	}
	stored, _ := f.roomRepo.GetByID(context.Background(), room.ID)
	if stored == nil || !stored.IsActive {
		t.Fatalf("room not durably created: %+v", stored)
	}
	st, err := f.store.Get(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("state not installed: %v", err)
	}
	if st.Host != "h1" || st.Started {
		t.Errorf("fresh state unexpected: %+v", st)
	}
}

func TestJoinCapacityAndIdempotence(t *testing.T) {
	f := newBattleFixture(t, 2)
	room := f.createRoom(t)
	ctx := context.Background()

	if _, _, err := f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant); err != nil {
		t.Fatalf("Join p1: %v", err)
	}
	if _, _, err := f.svc.Join(ctx, room.ID, "p2", model.RoleParticipant); err != nil {
		t.Fatalf("Join p2: %v", err)
	}
	if _, _, err := f.svc.Join(ctx, room.ID, "p3", model.RoleParticipant); !errors.Is(err, common.ErrCapacity) {
		t.Errorf("Join p3 error = %v, want ErrCapacity", err)
	}

	// Rejoin is a no-op success, not a capacity violation.
	_, events, err := f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)
	if err != nil {
		t.Errorf("rejoin: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("rejoin produced %d events, want 0", len(events))
	}

	// Spectators bypass the cap and the roster.
	if _, _, err := f.svc.Join(ctx, room.ID, "s1", model.RoleSpectator); err != nil {
		t.Errorf("spectator join: %v", err)
	}
	st, _ := f.store.Get(ctx, room.ID)
	if st.Users["s1"] {
		t.Error("spectator should not enter the scored roster")
	}
}

func TestJoinGeneratesParticipantID(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)

	pid, _, err := f.svc.Join(context.Background(), room.ID, "", model.RoleParticipant)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if pid == "" {
		t.Fatal("expected a generated participant ID")
	}
	st, _ := f.store.Get(context.Background(), room.ID)
	if !st.Users[pid] {
		t.Errorf("generated participant %s not in roster", pid)
	}
}

func TestStartIsHostOnlyAndIdempotent(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)

	if _, err := f.svc.Start(ctx, room.ID, "p1"); !errors.Is(err, common.ErrPermission) {
		t.Errorf("non-host start error = %v, want ErrPermission", err)
	}

	events, err := f.svc.Start(ctx, room.ID, "h1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !hasEvent(events, model.EvtBattleStarted) {
		t.Error("missing battle-started event")
	}
	first, _ := f.store.Get(ctx, room.ID)

	// Second start reports the original transition.
	again, err := f.svc.Start(ctx, room.ID, "h1")
	if err != nil {
		t.Fatalf("idempotent Start: %v", err)
	}
	payload := again[0].Payload.(model.BattleStartedPayload)
	if !payload.StartedAt.Equal(*first.StartedAt) {
		t.Errorf("idempotent start reported %v, want original %v", payload.StartedAt, *first.StartedAt)
	}

	after, _ := f.store.Get(ctx, room.ID)
	if !after.StartedAt.Equal(*first.StartedAt) {
		t.Error("StartedAt changed on idempotent start")
	}
	f.store.CancelTimers(room.ID)
}

func TestSubmitRequiresRunningBattle(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)

	if _, err := f.svc.Submit(ctx, room.ID, "p1", "code", "javascript"); !errors.Is(err, common.ErrValidation) {
		t.Errorf("submit before start error = %v, want ErrValidation", err)
	}
}

func TestSubmitRecordsAndScores(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)
	f.svc.Join(ctx, room.ID, "p2", model.RoleParticipant)
	if _, err := f.svc.Start(ctx, room.ID, "h1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.store.CancelTimers(room.ID)

	f.eval.outcomes["fast"] = &EvalOutcome{
		Results: []model.TestResult{{Passed: true}, {Passed: true}, {Passed: true}},
		Passed:  3, Total: 3, TotalTimeMs: 150,
	}
	f.eval.outcomes["partial"] = &EvalOutcome{
		Results: []model.TestResult{{Passed: true}, {Passed: true}, {}},
		Passed:  2, Total: 3, TotalTimeMs: 2600,
	}

	events, err := f.svc.Submit(ctx, room.ID, "p1", "fast", "javascript")
	if err != nil {
		t.Fatalf("Submit p1: %v", err)
	}
	if !hasEvent(events, model.EvtSubmissionRecorded) {
		t.Error("missing submission-recorded event")
	}

	if _, err := f.svc.Submit(ctx, room.ID, "p2", "partial", "javascript"); err != nil {
		t.Fatalf("Submit p2: %v", err)
	}

	st, _ := f.store.Get(ctx, room.ID)
	p1 := st.Submissions["p1"].CompositeScore
	p2 := st.Submissions["p2"].CompositeScore
	if p1 != 100 {
		t.Errorf("p1 composite = %d, want 100", p1)
	}
	if p2 >= p1 {
		t.Errorf("partial slow submission (%d) should score below perfect fast one (%d)", p2, p1)
	}

	f.subRepo.mu.Lock()
	recorded := len(f.subRepo.subs)
	f.subRepo.mu.Unlock()
	if recorded != 2 {
		t.Errorf("recorded %d submissions durably, want 2", recorded)
	}

	entries, err := f.svc.Leaderboard(ctx, room.ID, 10)
	if err != nil {
		t.Fatalf("Leaderboard: %v", err)
	}
	if len(entries) != 2 || entries[0].ParticipantID != "p1" || entries[0].Rank != 1 {
		t.Errorf("leaderboard order unexpected: %+v", entries)
	}
}

func TestSubmitPersistenceFailureStillReturnsEvents(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)
	f.svc.Join(ctx, room.ID, "p2", model.RoleParticipant)
	if _, err := f.svc.Start(ctx, room.ID, "h1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.store.CancelTimers(room.ID)

	f.subRepo.mu.Lock()
	f.subRepo.failAll = true
	f.subRepo.mu.Unlock()

	events, err := f.svc.Submit(ctx, room.ID, "p1", "code", "javascript")
	if !errors.Is(err, common.ErrPersistence) {
		t.Errorf("Submit error = %v, want ErrPersistence", err)
	}
	if !hasEvent(events, model.EvtSubmissionRecorded) {
		t.Error("events should still carry the recorded submission")
	}
	st, _ := f.store.Get(ctx, room.ID)
	if _, ok := st.Submissions["p1"]; !ok {
		t.Error("live state should keep the summary despite the durable failure")
	}
}

func TestAutoEndWhenAllSolve(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)
	f.svc.Join(ctx, room.ID, "p2", model.RoleParticipant)
	if _, err := f.svc.Start(ctx, room.ID, "h1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := f.svc.Submit(ctx, room.ID, "p1", "perfect", "javascript"); err != nil {
		t.Fatalf("Submit p1: %v", err)
	}
	mid, _ := f.store.Get(ctx, room.ID)
	if mid.Ended {
		t.Fatal("battle ended with one of two participants solved")
	}

	events, err := f.svc.Submit(ctx, room.ID, "p2", "perfect", "javascript")
	if err != nil {
		t.Fatalf("Submit p2: %v", err)
	}
	if !hasEvent(events, model.EvtBattleEnded) {
		t.Fatal("missing battle-ended event after everyone solved")
	}
	for _, e := range events {
		if e.Type == model.EvtBattleEnded {
			if e.Payload.(model.BattleEndedPayload).Reason != "all-solved" {
				t.Errorf("reason = %q, want all-solved", e.Payload.(model.BattleEndedPayload).Reason)
			}
		}
	}
	st, _ := f.store.Get(ctx, room.ID)
	if !st.Ended {
		t.Error("Ended not set after all-solved")
	}
}

func TestAutoEndOnTimeout(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)
	if _, err := f.svc.Start(ctx, room.ID, "h1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Backdate the start past the battle duration.
	f.store.Update(ctx, room.ID, func(st *model.BattleState) {
		past := time.Now().Add(-time.Duration(st.DurationMinutes+1) * time.Minute)
		st.StartedAt = &past
	})

	events := f.svc.autoEndCheck(ctx, room.ID)
	if !hasEvent(events, model.EvtBattleEnded) {
		t.Fatal("missing battle-ended event after timeout")
	}
	for _, e := range events {
		if e.Type == model.EvtBattleEnded {
			if e.Payload.(model.BattleEndedPayload).Reason != "timeout" {
				t.Errorf("reason = %q, want timeout", e.Payload.(model.BattleEndedPayload).Reason)
			}
		}
	}

	// A second trigger finds the battle already ended and does nothing.
	if again := f.svc.autoEndCheck(ctx, room.ID); len(again) != 0 {
		t.Errorf("second auto-end produced %d events, want 0", len(again))
	}
}

func TestManualEndIdempotent(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)

	if _, err := f.svc.End(ctx, room.ID, "h1"); !errors.Is(err, common.ErrValidation) {
		t.Errorf("end before start error = %v, want ErrValidation", err)
	}

	if _, err := f.svc.Start(ctx, room.ID, "h1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.svc.End(ctx, room.ID, "p1"); !errors.Is(err, common.ErrPermission) {
		t.Errorf("non-host end error = %v, want ErrPermission", err)
	}

	events, err := f.svc.End(ctx, room.ID, "h1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if !hasEvent(events, model.EvtBattleEnded) {
		t.Error("missing battle-ended event")
	}

	again, err := f.svc.End(ctx, room.ID, "h1")
	if err != nil {
		t.Errorf("repeat End: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("repeat End produced %d events, want 0", len(again))
	}

	room2, _ := f.roomRepo.GetByID(ctx, room.ID)
	if room2.IsActive {
		t.Error("ended room should be flagged inactive durably")
	}
}

func TestGetLobbyView(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()
	f.svc.Join(ctx, room.ID, "h1", model.RoleHost)
	f.svc.Join(ctx, room.ID, "p1", model.RoleParticipant)
	f.svc.SetReady(ctx, room.ID, "p1", true)

	lobby, err := f.svc.GetLobby(ctx, room.ID)
	if err != nil {
		t.Fatalf("GetLobby: %v", err)
	}
	if len(lobby.Participants) != 2 {
		t.Fatalf("got %d lobby entries, want 2", len(lobby.Participants))
	}
	byID := make(map[string]model.LobbyEntry)
	for _, e := range lobby.Participants {
		byID[e.ParticipantID] = e
	}
	if byID["h1"].Role != model.RoleHost {
		t.Errorf("h1 role = %s, want host", byID["h1"].Role)
	}
	if !byID["p1"].Ready {
		t.Error("p1 ready flag lost")
	}

	if _, err := f.svc.GetLobby(ctx, "missing"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("missing room error = %v, want ErrNotFound", err)
	}
}

func TestApplyDispatch(t *testing.T) {
	f := newBattleFixture(t, 10)
	room := f.createRoom(t)
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, model.Command{Type: model.CmdJoin, RoomID: room.ID, ParticipantID: "p1"})
	if err != nil {
		t.Fatalf("Apply join: %v", err)
	}
	st, _ := f.store.Get(ctx, room.ID)
	if !st.Users["p1"] {
		t.Error("join command not applied")
	}

	if _, err := f.svc.Apply(ctx, model.Command{Type: "bogus", RoomID: room.ID}); !errors.Is(err, common.ErrValidation) {
		t.Errorf("unknown command error = %v, want ErrValidation", err)
	}
}
