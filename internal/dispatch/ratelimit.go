package dispatch

import (
	"sync"
	"time"
)

// RateCategory names one independent outbound call budget.
type RateCategory string

const (
	RateConversations      RateCategory = "conversations"
	RateSendText           RateCategory = "send_text"
	RateSendMedia          RateCategory = "send_media"
	RatePrivateRepliesPost RateCategory = "private_replies_post"
	RatePrivateRepliesLive RateCategory = "private_replies_live"
	RatePlatform           RateCategory = "platform"
)

const (
	platformBudgetPerUser   = 200
	rateWindowSweepInterval = time.Minute
)

// CategoryLimit is one window/limit pair. A zero Limit on the platform
// category means "derive from engagement" (the default).
type CategoryLimit struct {
	Window time.Duration
	Limit  int
}

func defaultCategoryLimits() map[RateCategory]CategoryLimit {
	return map[RateCategory]CategoryLimit{
		RateConversations:      {Window: time.Second, Limit: 2},
		RateSendText:           {Window: time.Second, Limit: 300},
		RateSendMedia:          {Window: time.Second, Limit: 10},
		RatePrivateRepliesPost: {Window: time.Hour, Limit: 750},
		RatePrivateRepliesLive: {Window: time.Second, Limit: 100},
		RatePlatform:           {Window: time.Hour, Limit: 0},
	}
}

// ActiveUserCounter reports engaged users for a key; satisfied by
// *EngagementTracker.
type ActiveUserCounter interface {
	ActiveUserCount(key TenantAccountKey) int
}

// SlidingWindowLimiter answers "may one more call of category X happen now"
// per (tenant, account) key. Checking and recording are a single atomic step.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limits  map[RateCategory]CategoryLimit
	engaged ActiveUserCounter
	now     func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSlidingWindowLimiter builds a limiter with the standard category table.
// Overrides replace the window/limit pair for the named categories; an
// override with a nonzero platform Limit pins the platform budget instead of
// deriving it from engagement.
func NewSlidingWindowLimiter(engaged ActiveUserCounter, overrides map[RateCategory]CategoryLimit) *SlidingWindowLimiter {
	limits := defaultCategoryLimits()
	for category, limit := range overrides {
		if limit.Window <= 0 {
			continue
		}
		limits[category] = limit
	}
	l := &SlidingWindowLimiter{
		windows: map[string][]time.Time{},
		limits:  limits,
		engaged: engaged,
		now:     time.Now,
		closed:  make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// TryConsume records weight call timestamps for (key, category) when the
// category budget and the platform budget both allow it. A non-platform
// consumption that passes its own budget but fails the platform check is
// rolled back and reported as false. Never returns an error; false means
// "try later".
func (l *SlidingWindowLimiter) TryConsume(key TenantAccountKey, category RateCategory, weight int) bool {
	if weight <= 0 {
		weight = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.consumeLocked(key, category, weight, now) {
		return false
	}
	if category == RatePlatform {
		return true
	}
	if !l.consumeLocked(key, RatePlatform, weight, now) {
		l.rollbackLocked(key, category, weight)
		return false
	}
	return true
}

func (l *SlidingWindowLimiter) consumeLocked(key TenantAccountKey, category RateCategory, weight int, now time.Time) bool {
	spec, ok := l.limits[category]
	if !ok {
		return false
	}
	limit := spec.Limit
	if category == RatePlatform && limit == 0 {
		active := 0
		if l.engaged != nil {
			active = l.engaged.ActiveUserCount(key)
		}
		if active < 1 {
			active = 1
		}
		limit = platformBudgetPerUser * active
	}
	bucket := windowKey(key, category)
	stamps := pruneStamps(l.windows[bucket], now.Add(-spec.Window))
	if len(stamps)+weight > limit {
		l.windows[bucket] = stamps
		return false
	}
	for i := 0; i < weight; i++ {
		stamps = append(stamps, now)
	}
	l.windows[bucket] = stamps
	return true
}

func (l *SlidingWindowLimiter) rollbackLocked(key TenantAccountKey, category RateCategory, weight int) {
	bucket := windowKey(key, category)
	stamps := l.windows[bucket]
	if len(stamps) <= weight {
		delete(l.windows, bucket)
		return
	}
	l.windows[bucket] = stamps[:len(stamps)-weight]
}

// WindowCount reports the live timestamp count for a bucket; used by the
// ingress status surface and tests.
func (l *SlidingWindowLimiter) WindowCount(key TenantAccountKey, category RateCategory) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	spec, ok := l.limits[category]
	if !ok {
		return 0
	}
	bucket := windowKey(key, category)
	stamps := pruneStamps(l.windows[bucket], l.now().Add(-spec.Window))
	l.windows[bucket] = stamps
	return len(stamps)
}

func (l *SlidingWindowLimiter) Close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

func (l *SlidingWindowLimiter) sweepLoop() {
	ticker := time.NewTicker(rateWindowSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *SlidingWindowLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for bucket, stamps := range l.windows {
		category := categoryFromWindowKey(bucket)
		spec, ok := l.limits[category]
		if !ok {
			delete(l.windows, bucket)
			continue
		}
		kept := pruneStamps(stamps, now.Add(-spec.Window))
		if len(kept) == 0 {
			delete(l.windows, bucket)
			continue
		}
		l.windows[bucket] = kept
	}
}

func pruneStamps(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[idx:]...)
}

func windowKey(key TenantAccountKey, category RateCategory) string {
	return key.TenantID + "|" + key.AccountID + "|" + string(category)
}

func categoryFromWindowKey(bucket string) RateCategory {
	for i := len(bucket) - 1; i >= 0; i-- {
		if bucket[i] == '|' {
			return RateCategory(bucket[i+1:])
		}
	}
	return RateCategory(bucket)
}
