package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Responder produces the reply text for an inbound message. External
// collaborator; failures are business errors, never retried by the queue.
type Responder interface {
	GenerateReply(ctx context.Context, text, tenantID, userID string) (string, error)
}

// Persistence records inbound events for the dashboard and reporting layers.
type Persistence interface {
	SaveInboundRecord(ctx context.Context, ev InboundEvent) error
}

// PlatformSender issues outbound calls to the messaging platform. An
// over-budget response from the platform must surface as an error that Is
// ErrRateLimited (see NewPlatformSender).
type PlatformSender interface {
	SendText(ctx context.Context, key TenantAccountKey, recipientID, text string) error
	SendMedia(ctx context.Context, key TenantAccountKey, recipientID, mediaType, url string) error
	SendPrivateReply(ctx context.Context, key TenantAccountKey, commentID, text string) error
}

// Broadcaster pushes realtime frames to connected dashboard clients.
// Implemented by realtime.Hub.
type Broadcaster interface {
	Broadcast(tenantID, kind string, payload map[string]any)
}

// IngressCounters tracks per-tenant webhook accounting for the ops surface.
type IngressCounters struct {
	Accepted   uint64 `json:"accepted"`
	Deduped    uint64 `json:"deduped"`
	Unroutable uint64 `json:"unroutable"`
	Dropped    uint64 `json:"dropped"`
}

// Options configures a Dispatcher. Zero values get sensible defaults.
type Options struct {
	Directory       TenantDirectory
	EngagementStore EngagementStore
	Responder       Responder
	Persistence     Persistence
	Sender          PlatformSender
	Hub             Broadcaster
	Logger          Logger
	LimitOverrides  map[RateCategory]CategoryLimit
}

// Dispatcher owns the whole flow-control core: classifier, idempotency guard,
// sliding-window limiter, engagement tracker, and the per-tenant dispatch
// queue. All mutable state lives here; there are no package-level maps.
type Dispatcher struct {
	classifier *EventClassifier
	guard      *IdempotencyGuard
	limiter    *SlidingWindowLimiter
	engagement *EngagementTracker
	queue      *TenantDispatchQueue
	handlers   map[EventKind]HandlerFunc

	responder   Responder
	persistence Persistence
	sender      PlatformSender
	hub         Broadcaster
	logger      Logger

	ingressMu sync.Mutex
	ingress   map[string]*IngressCounters

	closeOnce sync.Once
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Directory == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	d := &Dispatcher{
		classifier:  NewEventClassifier(opts.Directory, logger),
		guard:       NewIdempotencyGuard(),
		responder:   opts.Responder,
		persistence: opts.Persistence,
		sender:      opts.Sender,
		hub:         opts.Hub,
		logger:      logger,
		ingress:     map[string]*IngressCounters{},
	}
	d.engagement = NewEngagementTracker(opts.EngagementStore, logger)
	d.limiter = NewSlidingWindowLimiter(d.engagement, opts.LimitOverrides)
	d.queue = NewTenantDispatchQueue(d.route, logger)
	d.handlers = d.defaultHandlers()
	return d, nil
}

// Load primes engagement state from durable storage; call once at startup.
func (d *Dispatcher) Load(ctx context.Context) error {
	return d.engagement.Load(ctx)
}

// RegisterHandler installs or replaces the handler for an event kind.
func (d *Dispatcher) RegisterHandler(kind EventKind, fn HandlerFunc) {
	d.handlers[kind] = fn
}

// Limiter exposes the rate limiter to handlers and tests.
func (d *Dispatcher) Limiter() *SlidingWindowLimiter { return d.limiter }

// Engagement exposes the engagement tracker.
func (d *Dispatcher) Engagement() *EngagementTracker { return d.engagement }

// Queue exposes the per-tenant dispatch queue.
func (d *Dispatcher) Queue() *TenantDispatchQueue { return d.queue }

// ProcessDelivery classifies every event in a webhook delivery and feeds the
// routable ones through idempotency into the tenant queues. It never returns
// an error: the webhook response has already been acknowledged by the time
// this runs, and each event fails or proceeds independently.
func (d *Dispatcher) ProcessDelivery(delivery WebhookDelivery) {
	for _, entry := range delivery.Entry {
		for _, m := range entry.Messaging {
			ev, err := d.classifier.ClassifyMessaging(m)
			if err != nil {
				d.bumpIngress(entry.ID, err)
				continue
			}
			d.acceptEvent(ev)
		}
		for _, ch := range entry.Changes {
			ev, err := d.classifier.ClassifyChange(entry.ID, ch)
			if err != nil {
				d.bumpIngress(entry.ID, err)
				continue
			}
			d.acceptEvent(ev)
		}
	}
}

func (d *Dispatcher) acceptEvent(ev InboundEvent) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = uuid.NewString()
	}
	// Echoes are the tenant's own outbound messages redelivered by the
	// platform: record and broadcast locally, never enqueue for outbound
	// processing.
	if ev.Kind == EventEcho {
		if ev.UpstreamMessageID != "" && !d.guard.TryBegin(ev.UpstreamMessageID) {
			d.ingressMu.Lock()
			d.counterLocked(ev.TenantID).Deduped++
			d.ingressMu.Unlock()
			return
		}
		d.recordEcho(ev)
		d.guard.Complete(ev.UpstreamMessageID)
		return
	}
	if ev.UpstreamMessageID != "" && !d.guard.TryBegin(ev.UpstreamMessageID) {
		d.ingressMu.Lock()
		d.counterLocked(ev.TenantID).Deduped++
		d.ingressMu.Unlock()
		return
	}
	if err := d.queue.Enqueue(ev); err != nil {
		d.guard.Complete(ev.UpstreamMessageID)
		d.ingressMu.Lock()
		d.counterLocked(ev.TenantID).Dropped++
		d.ingressMu.Unlock()
		d.logger.Printf("enqueue failed kind=%s tenant=%s: %v", ev.Kind, ev.TenantID, err)
		return
	}
	d.ingressMu.Lock()
	d.counterLocked(ev.TenantID).Accepted++
	d.ingressMu.Unlock()
}

func (d *Dispatcher) recordEcho(ev InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d.engagement.RecordActivity(ev.Key(), ev.EndUserID())
	if d.persistence != nil {
		if err := d.persistence.SaveInboundRecord(ctx, ev); err != nil {
			d.logger.Printf("echo record failed tenant=%s mid=%s: %v", ev.TenantID, ev.UpstreamMessageID, err)
		}
	}
	if d.hub != nil {
		d.hub.Broadcast(ev.TenantID, "new_message", map[string]any{
			"senderId":    ev.SenderID,
			"recipientId": ev.RecipientID,
			"text":        ev.Text,
			"echo":        true,
		})
	}
}

// route is the queue's dispatch function: it looks up the handler for the
// event kind and settles the idempotency marker. A rate-limited outcome keeps
// the marker so redeliveries stay rejected while the event waits at the head
// of its queue.
func (d *Dispatcher) route(ctx context.Context, ev InboundEvent) error {
	handler, ok := d.handlers[ev.Kind]
	if !ok {
		d.guard.Complete(ev.UpstreamMessageID)
		return ErrInvalidInput
	}
	err := handler(ctx, ev)
	if err != nil && errors.Is(err, ErrRateLimited) {
		return err
	}
	d.guard.Complete(ev.UpstreamMessageID)
	return err
}

func (d *Dispatcher) bumpIngress(accountID string, err error) {
	d.ingressMu.Lock()
	defer d.ingressMu.Unlock()
	c := d.counterLocked(accountID)
	if errors.Is(err, ErrUnroutable) {
		c.Unroutable++
		return
	}
	c.Dropped++
}

func (d *Dispatcher) counterLocked(id string) *IngressCounters {
	c, ok := d.ingress[id]
	if !ok {
		c = &IngressCounters{}
		d.ingress[id] = c
	}
	return c
}

// IngressStatus snapshots per-tenant webhook accounting.
func (d *Dispatcher) IngressStatus() map[string]IngressCounters {
	d.ingressMu.Lock()
	defer d.ingressMu.Unlock()
	out := make(map[string]IngressCounters, len(d.ingress))
	for id, c := range d.ingress {
		out[id] = *c
	}
	return out
}

// Close stops the queue drains, sweeps, and pending debounce timers.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.queue.Close()
		d.limiter.Close()
		d.engagement.Close()
		d.guard.Close()
	})
}
