package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"codeclash/internal/cache"
	"codeclash/internal/common"
	"codeclash/internal/model"
)

type fakeRoomRepo struct {
	mu             sync.Mutex
	rooms          map[string]*model.Room
	getCalls       int
	upserts        []model.Participant
	setActiveCalls int
	lastActive     bool
	failGet        bool
	failSetActive  bool
}

func newFakeRoomRepo() *fakeRoomRepo {
	return &fakeRoomRepo{rooms: make(map[string]*model.Room)}
}

func (f *fakeRoomRepo) Create(ctx context.Context, room *model.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ID] = room
	return nil
}

func (f *fakeRoomRepo) GetByID(ctx context.Context, id string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.failGet {
		return nil, errors.New("durable store down")
	}
	return f.rooms[id], nil
}

func (f *fakeRoomRepo) GetByCode(ctx context.Context, code string) (*model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rooms {
		if r.Code == code {
			return r, nil
		}
	}
	return nil, nil
}

func (f *fakeRoomRepo) Update(ctx context.Context, room *model.Room) error {
	return f.Create(ctx, room)
}

func (f *fakeRoomRepo) UpsertParticipant(ctx context.Context, roomID string, p model.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, p)
	return nil
}

func (f *fakeRoomRepo) SetParticipantActive(ctx context.Context, roomID, participantID string, active bool) error {
	return nil
}

func (f *fakeRoomRepo) SetActive(ctx context.Context, roomID string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetActive {
		return errors.New("durable store down")
	}
	f.setActiveCalls++
	f.lastActive = active
	return nil
}

type fakeSubRepo struct {
	mu          sync.Mutex
	subs        map[string][]*model.Submission
	createCalls int
	failures    int // fail the next N creates
	failList    bool
}

func newFakeSubRepo() *fakeSubRepo {
	return &fakeSubRepo{subs: make(map[string][]*model.Submission)}
}

func (f *fakeSubRepo) Create(ctx context.Context, sub *model.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.failures > 0 {
		f.failures--
		return errors.New("insert failed")
	}
	f.subs[sub.RoomID] = append(f.subs[sub.RoomID], sub)
	return nil
}

func (f *fakeSubRepo) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	return nil, nil
}

func (f *fakeSubRepo) GetByRoomID(ctx context.Context, roomID string) ([]*model.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failList {
		return nil, errors.New("durable store down")
	}
	return f.subs[roomID], nil
}

func (f *fakeSubRepo) GetByParticipant(ctx context.Context, roomID, participantID string) ([]*model.Submission, error) {
	return nil, nil
}

type fakeBattleCache struct {
	mu     sync.Mutex
	states map[string]*model.BattleState
	gets   int
	sets   int
}

func newFakeBattleCache() *fakeBattleCache {
	return &fakeBattleCache{states: make(map[string]*model.BattleState)}
}

func (f *fakeBattleCache) Set(ctx context.Context, roomID string, state *model.BattleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets++
	f.states[roomID] = state.Clone()
	return nil
}

func (f *fakeBattleCache) Get(ctx context.Context, roomID string) (*model.BattleState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if st, ok := f.states[roomID]; ok {
		return st.Clone(), nil
	}
	return nil, nil
}

func (f *fakeBattleCache) Delete(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, roomID)
	return nil
}

type fakeLeaderboardCache struct {
	mu      sync.Mutex
	deletes []string
}

func (f *fakeLeaderboardCache) UpdateScore(ctx context.Context, roomID, participantID string, score int) error {
	return nil
}

func (f *fakeLeaderboardCache) GetTop(ctx context.Context, roomID string, limit int) ([]cache.LeaderboardEntry, error) {
	return nil, nil
}

func (f *fakeLeaderboardCache) GetRank(ctx context.Context, roomID, participantID string) (int64, error) {
	return -1, nil
}

func (f *fakeLeaderboardCache) Delete(ctx context.Context, roomID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, roomID)
	return nil
}

func (f *fakeLeaderboardCache) deleted(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.deletes {
		if id == roomID {
			return true
		}
	}
	return false
}

func activeParticipant(id string, role model.Role) model.Participant {
	return model.Participant{ID: id, Role: role, IsActive: true, JoinedAt: time.Now()}
}

func TestGetMissingRoom(t *testing.T) {
	s := NewStore(newFakeRoomRepo(), newFakeSubRepo(), nil, nil)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestGetServedFromCacheTier(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	bc := newFakeBattleCache()
	cached := model.NewBattleState("r1")
	cached.Host = "h1"
	cached.Started = true
	bc.states["r1"] = cached

	s := NewStore(roomRepo, newFakeSubRepo(), bc, nil)
	st, err := s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !st.Started || st.Host != "h1" {
		t.Errorf("cached state not served: %+v", st)
	}
	if roomRepo.getCalls != 0 {
		t.Errorf("durable store touched %d times despite warm cache", roomRepo.getCalls)
	}
}

func TestReconstructionFromDurable(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	subRepo := newFakeSubRepo()
	roomRepo.rooms["r1"] = &model.Room{
		ID:        "r1",
		CreatedBy: "h1",
		Participants: []model.Participant{
			activeParticipant("p1", model.RoleParticipant),
			activeParticipant("p2", model.RoleParticipant),
			{ID: "p3", Role: model.RoleParticipant, IsActive: false},
		},
	}
	t0 := time.Now().Add(-10 * time.Minute)
	subRepo.subs["r1"] = []*model.Submission{
		{RoomID: "r1", ParticipantID: "p1", Passed: 1, Total: 3, CompositeScore: 40, CreatedAt: t0},
		{RoomID: "r1", ParticipantID: "p1", Passed: 3, Total: 3, CompositeScore: 95, CreatedAt: t0.Add(time.Minute)},
	}

	s := NewStore(roomRepo, subRepo, nil, nil)
	st, err := s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !st.Users["p1"] || !st.Users["p2"] || st.Users["p3"] {
		t.Errorf("Users = %v, want active participants only", st.Users)
	}
	if !st.Started {
		t.Error("Started should be inferred from recorded submissions")
	}
	if st.StartedAt == nil || !st.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", st.StartedAt, t0)
	}
	// Latest submission per participant wins.
	if got := st.Submissions["p1"].CompositeScore; got != 95 {
		t.Errorf("p1 score = %d, want 95", got)
	}
	if st.Ended {
		t.Error("Ended should stay false while p2 has not submitted")
	}
}

func TestReconstructionInfersEnded(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	subRepo := newFakeSubRepo()
	roomRepo.rooms["r1"] = &model.Room{
		ID:        "r1",
		CreatedBy: "h1",
		Participants: []model.Participant{
			activeParticipant("p1", model.RoleParticipant),
			activeParticipant("p2", model.RoleParticipant),
		},
	}
	t0 := time.Now().Add(-10 * time.Minute)
	last := t0.Add(2 * time.Minute)
	subRepo.subs["r1"] = []*model.Submission{
		{RoomID: "r1", ParticipantID: "p1", Passed: 3, Total: 3, CreatedAt: t0},
		{RoomID: "r1", ParticipantID: "p2", Passed: 2, Total: 3, CreatedAt: last},
	}

	s := NewStore(roomRepo, subRepo, nil, nil)
	st, err := s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !st.Ended {
		t.Fatal("Ended should be inferred when every active participant has submitted")
	}
	if st.EndedAt == nil || !st.EndedAt.Equal(last) {
		t.Errorf("EndedAt = %v, want %v", st.EndedAt, last)
	}
}

func TestReconstructionDegradesToPlaceholder(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	roomRepo.failGet = true

	s := NewStore(roomRepo, newFakeSubRepo(), nil, nil)
	st, err := s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get should degrade, got error: %v", err)
	}
	if st.RoomID != "r1" || st.Started || len(st.Users) != 0 {
		t.Errorf("placeholder state unexpected: %+v", st)
	}
}

func TestPlaceholderNotPinnedAfterRecovery(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	roomRepo.rooms["r1"] = &model.Room{
		ID:        "r1",
		CreatedBy: "h1",
		Participants: []model.Participant{
			activeParticipant("p1", model.RoleParticipant),
			activeParticipant("p2", model.RoleParticipant),
		},
	}
	roomRepo.failGet = true

	s := NewStore(roomRepo, newFakeSubRepo(), nil, nil)
	st, err := s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get during outage should degrade, got error: %v", err)
	}
	if len(st.Users) != 0 {
		t.Fatalf("degraded read Users = %v, want empty placeholder", st.Users)
	}

	// Once the durable store recovers, the next read must reconstruct the
	// real roster instead of serving the earlier placeholder.
	roomRepo.failGet = false
	st, err = s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if !st.Users["p1"] || !st.Users["p2"] {
		t.Errorf("Users after recovery = %v, want durable roster", st.Users)
	}
	if roomRepo.getCalls < 2 {
		t.Errorf("getCalls = %d, want a fresh reconstruction per cold read", roomRepo.getCalls)
	}
}

func TestUpdateRefusesDegradedState(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	roomRepo.rooms["r1"] = &model.Room{ID: "r1", CreatedBy: "h1"}
	roomRepo.failGet = true

	s := NewStore(roomRepo, newFakeSubRepo(), nil, nil)
	_, err := s.Update(context.Background(), "r1", func(st *model.BattleState) {
		st.Users["p1"] = true
	})
	if !errors.Is(err, common.ErrReconstruction) {
		t.Fatalf("Update during outage error = %v, want ErrReconstruction", err)
	}

	// The refused mutation must not survive into the recovered state.
	roomRepo.failGet = false
	st, err := s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Get after recovery: %v", err)
	}
	if st.Users["p1"] {
		t.Error("mutation applied against a placeholder leaked into the store")
	}
}

func TestUpdateReturnsIsolatedCopy(t *testing.T) {
	s := NewStore(newFakeRoomRepo(), newFakeSubRepo(), nil, nil)
	if _, err := s.Create(context.Background(), "r1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	before := time.Now()
	st, err := s.Update(context.Background(), "r1", func(st *model.BattleState) {
		st.Users["p1"] = true
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if st.LastModified.Before(before) {
		t.Error("LastModified not stamped by Update")
	}

	st.Users["intruder"] = true
	again, _ := s.Get(context.Background(), "r1")
	if again.Users["intruder"] {
		t.Error("mutating a returned copy must not leak into the store")
	}
}

func TestEvictDropsMemoryTier(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	roomRepo.rooms["r1"] = &model.Room{ID: "r1", CreatedBy: "h1"}

	s := NewStore(roomRepo, newFakeSubRepo(), nil, nil)
	if _, err := s.Create(context.Background(), "r1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Evict("r1")

	if snap := s.Snapshot("r1"); snap != nil {
		t.Error("Snapshot should be nil after eviction")
	}
	// A read after eviction reconstructs from the durable room document.
	if _, err := s.Get(context.Background(), "r1"); err != nil {
		t.Errorf("Get after evict: %v", err)
	}
	if roomRepo.getCalls == 0 {
		t.Error("expected reconstruction to consult the durable store")
	}
}

func TestEvictClearsRankings(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	roomRepo.rooms["r1"] = &model.Room{ID: "r1", CreatedBy: "h1"}
	boards := &fakeLeaderboardCache{}

	s := NewStore(roomRepo, newFakeSubRepo(), nil, boards)
	if _, err := s.Create(context.Background(), "r1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Evict("r1")

	deadline := time.Now().Add(time.Second)
	for !boards.deleted("r1") {
		if time.Now().After(deadline) {
			t.Fatal("eviction did not clear the room's rankings")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimerOpsAfterEvictStayNoOps(t *testing.T) {
	roomRepo := newFakeRoomRepo()
	roomRepo.rooms["r1"] = &model.Room{ID: "r1", CreatedBy: "h1"}

	s := NewStore(roomRepo, newFakeSubRepo(), nil, nil)
	if _, err := s.Create(context.Background(), "r1", nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Evict("r1")

	// Late timer bookkeeping for an evicted room must not put an empty
	// entry back into the registry.
	s.CancelTimers("r1")
	s.ArmEndTimer("r1", time.Hour, func() {})
	s.SetTicker("r1", make(chan struct{}))
	s.ScheduleExpiry("r1", time.Hour)

	s.mu.Lock()
	_, resident := s.rooms["r1"]
	s.mu.Unlock()
	if resident {
		t.Error("registry entry resurrected by post-eviction timer call")
	}
}
