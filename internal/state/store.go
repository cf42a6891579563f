package state

import (
	"context"
	"log"
	"sync"
	"time"

	"codeclash/internal/cache"
	"codeclash/internal/common"
	"codeclash/internal/model"
	"codeclash/internal/repository"
)

// roomEntry co-locates one room's authoritative state with its mutex and
// timer handles, so terminal transitions can cancel them in place.
type roomEntry struct {
	mu       sync.Mutex
	state    *model.BattleState
	endTimer *time.Timer
	tickStop chan struct{}
	expiry   *time.Timer
}

// Store is the tiered holder of live battle state: memory first, then the
// cache tier, then reconstruction from the durable store. Rooms are
// independent concurrency units; every mutation runs under that room's lock.
type Store struct {
	mu    sync.Mutex
	rooms map[string]*roomEntry

	roomRepo repository.RoomRepo
	subRepo  repository.SubmissionRepo
	battles  cache.BattleCache      // optional; nil degrades to memory+durable
	boards   cache.LeaderboardCache // optional; cleaned up alongside evictions

	rec *Reconciler
}

// NewStore creates a store over the given tiers. battles and boards may be
// nil.
func NewStore(roomRepo repository.RoomRepo, subRepo repository.SubmissionRepo, battles cache.BattleCache, boards cache.LeaderboardCache) *Store {
	return &Store{
		rooms:    make(map[string]*roomEntry),
		roomRepo: roomRepo,
		subRepo:  subRepo,
		battles:  battles,
		boards:   boards,
	}
}

// AttachReconciler wires the write-through hook. Called once during startup.
func (s *Store) AttachReconciler(rec *Reconciler) {
	s.rec = rec
}

func (s *Store) entry(roomID string) *roomEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok {
		e = &roomEntry{}
		s.rooms[roomID] = e
	}
	return e
}

// lookup returns the resident entry for a room, or nil. Unlike entry it
// never allocates, so timer bookkeeping after an eviction stays a no-op
// instead of resurrecting an empty registry slot.
func (s *Store) lookup(roomID string) *roomEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

func (s *Store) dropEntry(roomID string, e *roomEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rooms[roomID]; ok && cur == e {
		delete(s.rooms, roomID)
	}
}

// Get returns a copy of the room's state, loading or reconstructing it if
// the memory tier is cold. The only error it returns is ErrNotFound for a
// room that does not exist durably either.
func (s *Store) Get(ctx context.Context, roomID string) (*model.BattleState, error) {
	e := s.entry(roomID)
	e.mu.Lock()
	defer e.mu.Unlock()
	st, degraded, err := s.load(ctx, roomID, e)
	if err != nil {
		s.dropEntry(roomID, e)
		return nil, err
	}
	if degraded {
		// Served but never pinned; the next read retries reconstruction.
		s.dropEntry(roomID, e)
		return st, nil
	}
	return st.Clone(), nil
}

// Create installs a fresh state for a room and mirrors it to the cache.
func (s *Store) Create(ctx context.Context, roomID string, initial *model.BattleState) (*model.BattleState, error) {
	if initial == nil {
		initial = model.NewBattleState(roomID)
	}
	initial.RoomID = roomID
	initial.LastModified = time.Now()

	e := s.entry(roomID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = initial
	s.mirror(roomID, e.state)
	if s.rec != nil {
		s.rec.MarkDirty(roomID)
	}
	return e.state.Clone(), nil
}

// Update applies mutate to the room's state under its lock, stamps
// LastModified, mirrors the result to the cache tier (best-effort) and marks
// the room dirty for the reconciler. mutate sees the live state and may
// re-check flags that a concurrent trigger could have flipped.
func (s *Store) Update(ctx context.Context, roomID string, mutate func(*model.BattleState)) (*model.BattleState, error) {
	e := s.entry(roomID)
	e.mu.Lock()
	defer e.mu.Unlock()
	_, degraded, err := s.load(ctx, roomID, e)
	if err != nil {
		s.dropEntry(roomID, e)
		return nil, err
	}
	if degraded {
		// Mutating a placeholder would commit changes against the wrong
		// baseline once the durable store recovers.
		s.dropEntry(roomID, e)
		return nil, common.ErrReconstruction
	}
	mutate(e.state)
	e.state.LastModified = time.Now()
	s.mirror(roomID, e.state)
	if s.rec != nil {
		s.rec.MarkDirty(roomID)
	}
	return e.state.Clone(), nil
}

// load fills e.state if cold: cache tier first, then reconstruction.
// A degraded reconstruction is returned to the caller without being pinned
// or mirrored, so a transient durable failure never becomes authoritative.
// Caller holds e.mu.
func (s *Store) load(ctx context.Context, roomID string, e *roomEntry) (*model.BattleState, bool, error) {
	if e.state != nil {
		return e.state, false, nil
	}
	if s.battles != nil {
		cached, err := s.battles.Get(ctx, roomID)
		if err != nil {
			log.Printf("battle cache read failed for room %s: %v", roomID, err)
		} else if cached != nil {
			e.state = cached
			return e.state, false, nil
		}
	}
	st, degraded, err := s.reconstruct(ctx, roomID)
	if err != nil {
		return nil, false, err
	}
	if degraded {
		return st, true, nil
	}
	e.state = st
	s.mirror(roomID, st)
	return e.state, false, nil
}

// reconstruct rebuilds state from the durable store. It returns ErrNotFound
// only when the room document cleanly does not exist; any internal failure
// degrades to a minimal placeholder flagged as such, because lobby
// read-availability outranks correctness while state is unrecoverable.
func (s *Store) reconstruct(ctx context.Context, roomID string) (*model.BattleState, bool, error) {
	room, err := s.roomRepo.GetByID(ctx, roomID)
	if err != nil {
		log.Printf("reconstruction failed for room %s, serving placeholder: %v", roomID, err)
		return model.NewBattleState(roomID), true, nil
	}
	if room == nil {
		return nil, false, common.ErrNotFound
	}

	st := model.NewBattleState(roomID)
	st.Host = room.CreatedBy
	active := room.ActiveParticipants()
	for _, p := range active {
		st.Users[p.ID] = true
	}

	subs, err := s.subRepo.GetByRoomID(ctx, roomID)
	if err != nil {
		log.Printf("reconstruction failed for room %s, serving placeholder: %v", roomID, err)
		return model.NewBattleState(roomID), true, nil
	}
	// Oldest-first order makes the last write per participant the latest.
	for _, sub := range subs {
		st.Submissions[sub.ParticipantID] = sub.Summary()
	}
	if len(subs) > 0 {
		st.Started = true
		t := subs[0].CreatedAt
		st.StartedAt = &t
	}
	if len(active) > 0 {
		ended := true
		for _, p := range active {
			if _, ok := st.Submissions[p.ID]; !ok {
				ended = false
				break
			}
		}
		if ended && st.Started {
			st.Ended = true
			t := subs[len(subs)-1].CreatedAt
			st.EndedAt = &t
		}
	}
	st.LastModified = time.Now()
	return st, false, nil
}

// mirror writes the state to the cache tier without blocking the caller.
// Cache failure degrades silently to memory-only semantics.
func (s *Store) mirror(roomID string, st *model.BattleState) {
	if s.battles == nil {
		return
	}
	snapshot := st.Clone()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.battles.Set(ctx, roomID, snapshot); err != nil {
			log.Printf("battle cache write failed for room %s: %v", roomID, err)
		}
	}()
}

// ArmEndTimer installs the auto-end timer for a room, replacing any armed
// one. The handle lives with the room entry so the terminal transition can
// discard it.
func (s *Store) ArmEndTimer(roomID string, d time.Duration, fire func()) {
	e := s.lookup(roomID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.endTimer != nil {
		e.endTimer.Stop()
	}
	e.endTimer = time.AfterFunc(d, fire)
}

// SetTicker installs the per-second tick stop channel, closing any previous.
func (s *Store) SetTicker(roomID string, stop chan struct{}) {
	e := s.lookup(roomID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tickStop != nil {
		close(e.tickStop)
	}
	e.tickStop = stop
}

// CancelTimers stops the auto-end timer and tick loop for a room. Safe to
// call from either terminal trigger; the loser of the race finds them gone.
func (s *Store) CancelTimers(roomID string) {
	e := s.lookup(roomID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.endTimer != nil {
		e.endTimer.Stop()
		e.endTimer = nil
	}
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
}

// ScheduleExpiry arms a timer that evicts the room from memory and cache
// and flags it inactive durably.
func (s *Store) ScheduleExpiry(roomID string, ttl time.Duration) {
	e := s.lookup(roomID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.expiry != nil {
		e.expiry.Stop()
	}
	e.expiry = time.AfterFunc(ttl, func() {
		s.Evict(roomID)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.roomRepo.SetActive(ctx, roomID, false); err != nil {
			log.Printf("expiry: failed to flag room %s inactive: %v", roomID, err)
		}
	})
}

// Evict removes a room from the memory and cache tiers and stops its timers.
func (s *Store) Evict(roomID string) {
	s.mu.Lock()
	e, ok := s.rooms[roomID]
	if ok {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.endTimer != nil {
		e.endTimer.Stop()
	}
	if e.tickStop != nil {
		close(e.tickStop)
		e.tickStop = nil
	}
	if e.expiry != nil {
		e.expiry.Stop()
	}
	e.mu.Unlock()

	if s.battles != nil || s.boards != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if s.battles != nil {
				if err := s.battles.Delete(ctx, roomID); err != nil {
					log.Printf("battle cache delete failed for room %s: %v", roomID, err)
				}
			}
			if s.boards != nil {
				if err := s.boards.Delete(ctx, roomID); err != nil {
					log.Printf("leaderboard delete failed for room %s: %v", roomID, err)
				}
			}
		}()
	}
}

// idleInfo is what the reconciler sweep needs to know per resident room.
type idleInfo struct {
	RoomID       string
	LastModified time.Time
}

func (s *Store) residents() []idleInfo {
	s.mu.Lock()
	entries := make(map[string]*roomEntry, len(s.rooms))
	for id, e := range s.rooms {
		entries[id] = e
	}
	s.mu.Unlock()

	out := make([]idleInfo, 0, len(entries))
	for id, e := range entries {
		e.mu.Lock()
		if e.state != nil {
			out = append(out, idleInfo{RoomID: id, LastModified: e.state.LastModified})
		}
		e.mu.Unlock()
	}
	return out
}

// Snapshot returns the current in-memory state for a room without touching
// the lower tiers, or nil if the room is not resident. Used by the
// reconciler so a persistence pass never triggers reconstruction.
func (s *Store) Snapshot(roomID string) *model.BattleState {
	s.mu.Lock()
	e, ok := s.rooms[roomID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil
	}
	return e.state.Clone()
}
