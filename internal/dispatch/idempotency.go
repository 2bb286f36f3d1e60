package dispatch

import (
	"sync"
	"time"
)

const (
	processingTimeout        = 70 * time.Second
	idempotencySweepInterval = 30 * time.Second
)

// IdempotencyGuard tracks in-flight and recently started upstream message IDs
// so redelivered webhooks are not processed twice. Markers older than the
// processing timeout are treated as abandoned and evicted, trading strict
// exactly-once for availability.
type IdempotencyGuard struct {
	mu      sync.Mutex
	markers map[string]time.Time
	timeout time.Duration
	now     func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func NewIdempotencyGuard() *IdempotencyGuard {
	g := &IdempotencyGuard{
		markers: map[string]time.Time{},
		timeout: processingTimeout,
		now:     time.Now,
		closed:  make(chan struct{}),
	}
	go g.sweepLoop()
	return g
}

// TryBegin claims the message ID for processing. Returns false while a fresh
// marker exists; a stale marker is replaced and processing is allowed again.
func (g *IdempotencyGuard) TryBegin(upstreamMessageID string) bool {
	if upstreamMessageID == "" {
		return true
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	if startedAt, ok := g.markers[upstreamMessageID]; ok {
		if now.Sub(startedAt) < g.timeout {
			return false
		}
	}
	g.markers[upstreamMessageID] = now
	return true
}

// Complete releases the marker after the handler finishes.
func (g *IdempotencyGuard) Complete(upstreamMessageID string) {
	if upstreamMessageID == "" {
		return
	}
	g.mu.Lock()
	delete(g.markers, upstreamMessageID)
	g.mu.Unlock()
}

func (g *IdempotencyGuard) Close() {
	g.closeOnce.Do(func() { close(g.closed) })
}

func (g *IdempotencyGuard) sweepLoop() {
	ticker := time.NewTicker(idempotencySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.closed:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

func (g *IdempotencyGuard) sweep() {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, startedAt := range g.markers {
		if now.Sub(startedAt) >= g.timeout {
			delete(g.markers, id)
		}
	}
}
