package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	interDispatchDelay = 100 * time.Millisecond
	retryDelayFloor    = 5 * time.Second
)

var ErrRateLimited = errors.New("rate limited")

// RateLimitedError reports an over-budget outcome from a handler, either from
// the local limiter or from the upstream platform. RetryAfter is the
// platform's suggested delay when it sent one; the queue applies a floor.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// HandlerFunc processes one classified event. Returning an error that Is
// ErrRateLimited pauses the tenant queue and retries the same event;
// any other error drops the event.
type HandlerFunc func(ctx context.Context, ev InboundEvent) error

// TenantDispatchQueue serializes event processing per tenant. Each tenant has
// a FIFO and an Idle/Draining flag; at most one drain goroutine runs per
// tenant at any instant. Rate-limited events are re-inserted at the head and
// the whole tenant queue pauses for the backoff, preserving per-user order at
// the cost of tenant throughput. Tenants drain independently.
type TenantDispatchQueue struct {
	mu       sync.Mutex
	tenants  map[string]*tenantQueue
	dispatch HandlerFunc
	logger   Logger
	floor    time.Duration
	pace     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type tenantQueue struct {
	events   []InboundEvent
	draining bool
	pacer    *rate.Limiter
}

func NewTenantDispatchQueue(dispatch HandlerFunc, logger Logger) *TenantDispatchQueue {
	if logger == nil {
		logger = nopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TenantDispatchQueue{
		tenants:  map[string]*tenantQueue{},
		dispatch: dispatch,
		logger:   logger,
		floor:    retryDelayFloor,
		pace:     interDispatchDelay,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue appends the event to its tenant's FIFO and starts a drain goroutine
// when the tenant is idle. When a drain is already running the event simply
// joins the queue; no second loop is started.
func (q *TenantDispatchQueue) Enqueue(ev InboundEvent) error {
	if ev.TenantID == "" {
		return ErrInvalidInput
	}
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}
	ev.QueuedAt = time.Now().UTC()

	q.mu.Lock()
	tq, ok := q.tenants[ev.TenantID]
	if !ok {
		tq = &tenantQueue{pacer: rate.NewLimiter(rate.Every(q.pace), 1)}
		q.tenants[ev.TenantID] = tq
	}
	tq.events = append(tq.events, ev)
	startDrain := !tq.draining
	if startDrain {
		tq.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if startDrain {
		go q.drain(ev.TenantID, tq)
	}
	return nil
}

func (q *TenantDispatchQueue) drain(tenantID string, tq *tenantQueue) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(tq.events) == 0 {
			tq.draining = false
			q.mu.Unlock()
			return
		}
		ev := tq.events[0]
		tq.events = append(tq.events[:0:0], tq.events[1:]...)
		q.mu.Unlock()

		if err := tq.pacer.Wait(q.ctx); err != nil {
			q.requeueHead(tq, ev)
			return
		}
		err := q.dispatch(q.ctx, ev)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrRateLimited) {
			q.requeueHead(tq, ev)
			if !q.sleep(retryDelay(err, q.floor)) {
				return
			}
			continue
		}
		// Poison events must never block the rest of the tenant's queue.
		q.logger.Printf("dropping event kind=%s tenant=%s sender=%s: %v", ev.Kind, ev.TenantID, ev.SenderID, err)
	}
}

func (q *TenantDispatchQueue) requeueHead(tq *tenantQueue, ev InboundEvent) {
	q.mu.Lock()
	tq.events = append([]InboundEvent{ev}, tq.events...)
	q.mu.Unlock()
}

func (q *TenantDispatchQueue) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		// Leave the queue marked draining; the process is shutting down.
		return false
	case <-timer.C:
		return true
	}
}

// Depth reports the number of queued events for a tenant.
func (q *TenantDispatchQueue) Depth(tenantID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	tq, ok := q.tenants[tenantID]
	if !ok {
		return 0
	}
	return len(tq.events)
}

// Draining reports whether a drain loop is active for the tenant.
func (q *TenantDispatchQueue) Draining(tenantID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	tq, ok := q.tenants[tenantID]
	return ok && tq.draining
}

// Close stops all drain loops and waits for them to exit. Queued events are
// abandoned; redelivery by the platform covers the loss.
func (q *TenantDispatchQueue) Close() {
	q.cancel()
	q.wg.Wait()
}

func retryDelay(err error, floor time.Duration) time.Duration {
	var rle *RateLimitedError
	if errors.As(err, &rle) && rle.RetryAfter > floor {
		return rle.RetryAfter
	}
	return floor
}
