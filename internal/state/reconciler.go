package state

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"codeclash/internal/common"
	"codeclash/internal/model"
	"codeclash/internal/repository"
)

// ReconcilerConfig tunes debouncing, retries and the idle sweep.
type ReconcilerConfig struct {
	QuietPeriod   time.Duration // debounce window for non-critical mutations
	MaxRetries    int
	RetryBackoff  time.Duration // linear: attempt n sleeps n * backoff
	SweepInterval time.Duration
	IdleThreshold time.Duration
}

// Reconciler mediates between live state and the durable store. Non-critical
// mutations coalesce into one write after a quiet period; lifecycle-critical
// events write synchronously with bounded retries.
type Reconciler struct {
	store    *Store
	roomRepo repository.RoomRepo
	subRepo  repository.SubmissionRepo
	cfg      ReconcilerConfig

	mu       sync.Mutex
	debounce map[string]*time.Timer
}

// NewReconciler creates a reconciler over the store and repos.
func NewReconciler(store *Store, roomRepo repository.RoomRepo, subRepo repository.SubmissionRepo, cfg ReconcilerConfig) *Reconciler {
	if cfg.QuietPeriod <= 0 {
		cfg.QuietPeriod = time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Reconciler{
		store:    store,
		roomRepo: roomRepo,
		subRepo:  subRepo,
		cfg:      cfg,
		debounce: make(map[string]*time.Timer),
	}
}

// MarkDirty schedules a coalesced durable write for the room. Each call
// within the quiet period resets the window, so a burst of cursor-level
// mutations lands as one write.
func (rc *Reconciler) MarkDirty(roomID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if t, ok := rc.debounce[roomID]; ok {
		t.Reset(rc.cfg.QuietPeriod)
		return
	}
	rc.debounce[roomID] = time.AfterFunc(rc.cfg.QuietPeriod, func() {
		rc.mu.Lock()
		delete(rc.debounce, roomID)
		rc.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rc.persistWithRetry(ctx, roomID); err != nil {
			// Dropped: the next debounce cycle supersedes this write.
			log.Printf("debounced write for room %s dropped after retries: %v", roomID, err)
		}
	})
}

// FlushNow performs a synchronous write-through for a lifecycle-critical
// event. On exhausted retries the caller gets ErrPersistence while memory
// still reflects the change.
func (rc *Reconciler) FlushNow(ctx context.Context, roomID string) error {
	rc.cancelDebounce(roomID)
	if err := rc.persistWithRetry(ctx, roomID); err != nil {
		return fmt.Errorf("%w: room %s: %v", common.ErrPersistence, roomID, err)
	}
	return nil
}

// RecordSubmission durably inserts a submission record. Lifecycle-critical:
// synchronous, retried, and surfaced on failure.
func (rc *Reconciler) RecordSubmission(ctx context.Context, sub *model.Submission) error {
	var lastErr error
	for attempt := 1; attempt <= rc.cfg.MaxRetries; attempt++ {
		if lastErr = rc.subRepo.Create(ctx, sub); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", common.ErrPersistence, ctx.Err())
		case <-time.After(time.Duration(attempt) * rc.cfg.RetryBackoff):
		}
	}
	return fmt.Errorf("%w: submission for room %s: %v", common.ErrPersistence, sub.RoomID, lastErr)
}

func (rc *Reconciler) cancelDebounce(roomID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if t, ok := rc.debounce[roomID]; ok {
		t.Stop()
		delete(rc.debounce, roomID)
	}
}

func (rc *Reconciler) persistWithRetry(ctx context.Context, roomID string) error {
	var lastErr error
	for attempt := 1; attempt <= rc.cfg.MaxRetries; attempt++ {
		if lastErr = rc.persist(ctx, roomID); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * rc.cfg.RetryBackoff):
		}
	}
	return lastErr
}

// persist writes the room's current live state through to the durable
// store: participant activity and the room's active flag. Submissions are
// written separately at record time and are not re-written here.
func (rc *Reconciler) persist(ctx context.Context, roomID string) error {
	st := rc.store.Snapshot(roomID)
	if st == nil {
		// Evicted between dirty-mark and flush; nothing to write.
		return nil
	}
	for userID := range st.Users {
		p := model.Participant{
			ID:       userID,
			Role:     model.RoleParticipant,
			IsActive: true,
			LastSeen: st.LastModified,
		}
		if userID == st.Host {
			p.Role = model.RoleHost
		}
		if err := rc.roomRepo.UpsertParticipant(ctx, roomID, p); err != nil {
			return err
		}
	}
	return rc.roomRepo.SetActive(ctx, roomID, !st.Ended)
}

// Run drives the periodic idle sweep until ctx is cancelled: rooms with no
// mutation past the idle threshold are evicted from memory and cache and
// flagged inactive durably.
func (rc *Reconciler) Run(ctx context.Context) {
	if rc.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(rc.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.sweep(ctx)
		}
	}
}

func (rc *Reconciler) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-rc.cfg.IdleThreshold)
	for _, info := range rc.store.residents() {
		if info.LastModified.After(cutoff) {
			continue
		}
		log.Printf("sweeping idle room %s (last modified %s)", info.RoomID, info.LastModified.Format(time.RFC3339))
		rc.store.Evict(info.RoomID)
		if err := rc.roomRepo.SetActive(ctx, info.RoomID, false); err != nil {
			log.Printf("sweep: failed to flag room %s inactive: %v", info.RoomID, err)
		}
	}
}
