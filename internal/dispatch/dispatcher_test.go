package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeResponder struct {
	mu      sync.Mutex
	replies map[string]string
	err     error
	gate    chan struct{}
}

func (f *fakeResponder) GenerateReply(_ context.Context, text, _, _ string) (string, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if reply, ok := f.replies[text]; ok {
		return reply, nil
	}
	return "", nil
}

type fakePersistence struct {
	mu    sync.Mutex
	saved []InboundEvent
}

func (f *fakePersistence) SaveInboundRecord(_ context.Context, ev InboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, ev)
	return nil
}

func (f *fakePersistence) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type sentText struct {
	recipient string
	text      string
}

type fakeSender struct {
	mu      sync.Mutex
	texts   []sentText
	replies []string
	err     error
}

func (f *fakeSender) SendText(_ context.Context, _ TenantAccountKey, recipientID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.texts = append(f.texts, sentText{recipient: recipientID, text: text})
	return nil
}

func (f *fakeSender) SendMedia(context.Context, TenantAccountKey, string, string, string) error {
	return nil
}

func (f *fakeSender) SendPrivateReply(_ context.Context, _ TenantAccountKey, commentID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, commentID)
	return nil
}

func (f *fakeSender) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

type broadcastFrame struct {
	tenantID string
	kind     string
	payload  map[string]any
}

type fakeHub struct {
	mu     sync.Mutex
	frames []broadcastFrame
}

func (f *fakeHub) Broadcast(tenantID, kind string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, broadcastFrame{tenantID: tenantID, kind: kind, payload: payload})
}

func (f *fakeHub) byKind(kind string) []broadcastFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcastFrame
	for _, fr := range f.frames {
		if fr.kind == kind {
			out = append(out, fr)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeResponder, *fakePersistence, *fakeSender, *fakeHub) {
	t.Helper()
	responder := &fakeResponder{replies: map[string]string{"hello": "Hi"}}
	persistence := &fakePersistence{}
	sender := &fakeSender{}
	hub := &fakeHub{}
	d, err := NewDispatcher(Options{
		Directory:   testDirectory(),
		Responder:   responder,
		Persistence: persistence,
		Sender:      sender,
		Hub:         hub,
	})
	if err != nil {
		t.Fatalf("dispatcher construction failed: %v", err)
	}
	d.queue.pace = time.Millisecond
	d.queue.floor = 20 * time.Millisecond
	t.Cleanup(d.Close)
	return d, responder, persistence, sender, hub
}

func textDelivery(mid, text string) WebhookDelivery {
	return WebhookDelivery{
		Object: "instagram",
		Entry: []WebhookEntry{{
			ID: "acct_1",
			Messaging: []MessagingEvent{{
				Sender:    PlatformParty{ID: "user_1"},
				Recipient: PlatformParty{ID: "acct_1"},
				Message:   &MessagePayload{MID: mid, Text: text},
			}},
		}},
	}
}

func TestInboundMessageIsAnsweredAndBroadcast(t *testing.T) {
	d, _, persistence, sender, hub := newTestDispatcher(t)

	d.ProcessDelivery(textDelivery("m1", "hello"))

	waitFor(t, 2*time.Second, func() bool { return len(sender.sentTexts()) == 1 })
	sent := sender.sentTexts()[0]
	if sent.recipient != "user_1" || sent.text != "Hi" {
		t.Fatalf("expected reply Hi to user_1, got %+v", sent)
	}
	if persistence.count() != 1 {
		t.Fatalf("expected one persisted record, got %d", persistence.count())
	}
	frames := hub.byKind("new_message")
	if len(frames) != 1 || frames[0].tenantID != "tenant_1" {
		t.Fatalf("expected one new_message frame for tenant_1, got %+v", frames)
	}
	status := d.IngressStatus()
	if status["tenant_1"].Accepted != 1 {
		t.Fatalf("expected one accepted event, got %+v", status["tenant_1"])
	}
}

func TestRedeliveryOfInFlightMessageIsDeduped(t *testing.T) {
	d, responder, persistence, sender, _ := newTestDispatcher(t)
	gate := make(chan struct{})
	responder.mu.Lock()
	responder.gate = gate
	responder.mu.Unlock()

	// First delivery blocks inside the responder; the redelivery arrives
	// while the marker is still held.
	d.ProcessDelivery(textDelivery("m1", "hello"))
	waitFor(t, 2*time.Second, func() bool { return persistence.count() == 1 })
	d.ProcessDelivery(textDelivery("m1", "hello"))
	close(gate)

	waitFor(t, 2*time.Second, func() bool { return len(sender.sentTexts()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := len(sender.sentTexts()); got != 1 {
		t.Fatalf("expected duplicate to be dropped, sent %d replies", got)
	}
	if persistence.count() != 1 {
		t.Fatalf("expected one persisted record, got %d", persistence.count())
	}
	status := d.IngressStatus()
	if status["tenant_1"].Deduped != 1 {
		t.Fatalf("expected one deduped event, got %+v", status["tenant_1"])
	}
}

func TestEchoIsRecordedButNeverEnqueued(t *testing.T) {
	d, _, persistence, sender, hub := newTestDispatcher(t)

	d.ProcessDelivery(WebhookDelivery{
		Object: "instagram",
		Entry: []WebhookEntry{{
			ID: "acct_1",
			Messaging: []MessagingEvent{{
				Sender:    PlatformParty{ID: "acct_1"},
				Recipient: PlatformParty{ID: "user_1"},
				Message:   &MessagePayload{MID: "m_echo", Text: "agent reply", IsEcho: true},
			}},
		}},
	})

	waitFor(t, 2*time.Second, func() bool { return persistence.count() == 1 })
	if d.queue.Depth("tenant_1") != 0 || d.queue.Draining("tenant_1") {
		t.Fatalf("echo must not reach the dispatch queue")
	}
	if len(sender.sentTexts()) != 0 {
		t.Fatalf("echo must not trigger an outbound reply")
	}
	frames := hub.byKind("new_message")
	if len(frames) != 1 {
		t.Fatalf("expected one echo broadcast, got %d", len(frames))
	}
	if echo, _ := frames[0].payload["echo"].(bool); !echo {
		t.Fatalf("expected echo flag on broadcast payload")
	}
	key := TenantAccountKey{TenantID: "tenant_1", AccountID: "acct_1"}
	if got := d.engagement.ActiveUserCount(key); got != 1 {
		t.Fatalf("echo recipient should count as engaged, got %d", got)
	}
}

func TestUnroutableDeliveryIsCounted(t *testing.T) {
	d, _, persistence, _, _ := newTestDispatcher(t)

	d.ProcessDelivery(WebhookDelivery{
		Object: "instagram",
		Entry: []WebhookEntry{{
			ID: "acct_unknown",
			Messaging: []MessagingEvent{{
				Sender:    PlatformParty{ID: "user_1"},
				Recipient: PlatformParty{ID: "acct_unknown"},
				Message:   &MessagePayload{MID: "m1", Text: "hi"},
			}},
		}},
	})
	time.Sleep(20 * time.Millisecond)

	if persistence.count() != 0 {
		t.Fatalf("unroutable events must not be persisted")
	}
	status := d.IngressStatus()
	if status["acct_unknown"].Unroutable != 1 {
		t.Fatalf("expected one unroutable event, got %+v", status["acct_unknown"])
	}
}

func TestCommentGetsPrivateReply(t *testing.T) {
	d, responder, _, sender, _ := newTestDispatcher(t)
	responder.mu.Lock()
	responder.replies["love it"] = "Thanks! Check your DMs."
	responder.mu.Unlock()

	d.ProcessDelivery(WebhookDelivery{
		Object: "instagram",
		Entry: []WebhookEntry{{
			ID: "acct_1",
			Changes: []ChangeEvent{{
				Field: "comments",
				Value: ChangeValue{ID: "c1", Text: "love it", From: PlatformParty{ID: "user_2"}},
			}},
		}},
	})

	waitFor(t, 2*time.Second, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.replies) == 1
	})
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.replies[0] != "c1" {
		t.Fatalf("expected private reply to comment c1, got %s", sender.replies[0])
	}
}

func TestResponderFailureDropsEventWithoutBlockingQueue(t *testing.T) {
	d, responder, _, sender, _ := newTestDispatcher(t)
	responder.mu.Lock()
	responder.err = errors.New("upstream model unavailable")
	responder.mu.Unlock()

	d.ProcessDelivery(textDelivery("m1", "hello"))
	time.Sleep(50 * time.Millisecond)
	responder.mu.Lock()
	responder.err = nil
	responder.mu.Unlock()

	d.ProcessDelivery(textDelivery("m2", "hello"))
	waitFor(t, 2*time.Second, func() bool { return len(sender.sentTexts()) == 1 })
	if sender.sentTexts()[0].text != "Hi" {
		t.Fatalf("second event should still be answered after the first one failed")
	}
}

func TestPlatformRateLimitRetriesSameEvent(t *testing.T) {
	d, _, _, sender, _ := newTestDispatcher(t)
	sender.mu.Lock()
	sender.err = &RateLimitedError{}
	sender.mu.Unlock()

	d.ProcessDelivery(textDelivery("m1", "hello"))
	waitFor(t, 2*time.Second, func() bool { return d.queue.Draining("tenant_1") })

	// The marker must survive the rate-limited outcome so redeliveries are
	// still rejected while the event waits at the head of the queue.
	d.ProcessDelivery(textDelivery("m1", "hello"))
	status := d.IngressStatus()
	if status["tenant_1"].Deduped != 1 {
		t.Fatalf("expected redelivery of an in-flight event to be deduped, got %+v", status["tenant_1"])
	}

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	waitFor(t, 2*time.Second, func() bool { return len(sender.sentTexts()) == 1 })
}
