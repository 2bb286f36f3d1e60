package dispatch

import (
	"context"
	"sync"
	"time"
)

const (
	engagementWindow        = 24 * time.Hour
	engagementDebounce      = 30 * time.Second
	engagementSweepInterval = time.Minute
)

// EngagementStore persists engagement rows. Upserts are idempotent per
// (tenant, account, user), so redundant debounced writes are harmless.
type EngagementStore interface {
	UpsertActivity(ctx context.Context, rec EngagementRecord) error
	LoadActive(ctx context.Context, since time.Time) ([]EngagementRecord, error)
}

// EngagementTracker maintains the rolling 24h set of engaged end users per
// (tenant, account) key. In-memory state is authoritative for the dynamic
// platform budget; durable writes are debounced to bound write amplification.
type EngagementTracker struct {
	mu      sync.Mutex
	users   map[string]map[string]time.Time
	timers  map[string]*time.Timer
	store   EngagementStore
	logger  Logger
	now     func() time.Time
	persist time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func NewEngagementTracker(store EngagementStore, logger Logger) *EngagementTracker {
	if logger == nil {
		logger = nopLogger{}
	}
	t := &EngagementTracker{
		users:   map[string]map[string]time.Time{},
		timers:  map[string]*time.Timer{},
		store:   store,
		logger:  logger,
		now:     time.Now,
		persist: engagementDebounce,
		closed:  make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Load primes the in-memory map from durable rows still inside the 24h
// window. Required at startup so the dynamic platform limit is correct
// immediately rather than starting at the single-user budget.
func (t *EngagementTracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	records, err := t.store.LoadActive(ctx, t.now().Add(-engagementWindow))
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		key := TenantAccountKey{TenantID: rec.TenantID, AccountID: rec.AccountID}
		byUser, ok := t.users[key.String()]
		if !ok {
			byUser = map[string]time.Time{}
			t.users[key.String()] = byUser
		}
		if rec.LastActivityAt.After(byUser[rec.UserID]) {
			byUser[rec.UserID] = rec.LastActivityAt
		}
	}
	return nil
}

// RecordActivity marks the user active now and schedules a debounced upsert.
// A pending timer for the same (key, user) is replaced, not stacked.
func (t *EngagementTracker) RecordActivity(key TenantAccountKey, userID string) {
	if userID == "" || key.TenantID == "" {
		return
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return
	default:
	}
	byUser, ok := t.users[key.String()]
	if !ok {
		byUser = map[string]time.Time{}
		t.users[key.String()] = byUser
	}
	byUser[userID] = now

	if t.store == nil {
		return
	}
	timerKey := key.String() + "|" + userID
	if pending, ok := t.timers[timerKey]; ok {
		pending.Stop()
	}
	t.timers[timerKey] = time.AfterFunc(t.persist, func() {
		t.flush(key, userID, timerKey)
	})
}

func (t *EngagementTracker) flush(key TenantAccountKey, userID, timerKey string) {
	t.mu.Lock()
	delete(t.timers, timerKey)
	last, ok := t.users[key.String()][userID]
	t.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := EngagementRecord{
		TenantID:       key.TenantID,
		AccountID:      key.AccountID,
		UserID:         userID,
		LastActivityAt: last,
	}
	if err := t.store.UpsertActivity(ctx, rec); err != nil {
		t.logger.Printf("engagement upsert failed tenant=%s account=%s user=%s: %v", key.TenantID, key.AccountID, userID, err)
	}
}

// ActiveUserCount counts users active within the trailing 24h. The floor of 1
// for the platform budget is applied by the limiter, not here.
func (t *EngagementTracker) ActiveUserCount(key TenantAccountKey) int {
	cutoff := t.now().Add(-engagementWindow)
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, last := range t.users[key.String()] {
		if last.After(cutoff) {
			count++
		}
	}
	return count
}

func (t *EngagementTracker) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		for timerKey, pending := range t.timers {
			pending.Stop()
			delete(t.timers, timerKey)
		}
		t.mu.Unlock()
	})
}

func (t *EngagementTracker) sweepLoop() {
	ticker := time.NewTicker(engagementSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *EngagementTracker) sweep() {
	cutoff := t.now().Add(-engagementWindow)
	t.mu.Lock()
	defer t.mu.Unlock()
	for keyStr, byUser := range t.users {
		for userID, last := range byUser {
			if !last.After(cutoff) {
				delete(byUser, userID)
			}
		}
		if len(byUser) == 0 {
			delete(t.users, keyStr)
		}
	}
}
