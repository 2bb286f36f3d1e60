package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/TechVaseegrahHub/instaxbot/internal/dispatch"
	"github.com/TechVaseegrahHub/instaxbot/internal/realtime"
)

type fakeDirectory map[string]dispatch.TenantAccountKey

func (f fakeDirectory) Resolve(accountID string) (dispatch.TenantAccountKey, bool) {
	key, ok := f[accountID]
	return key, ok
}

type recordingPersistence struct {
	mu    sync.Mutex
	saved []dispatch.InboundEvent
}

func (p *recordingPersistence) SaveInboundRecord(_ context.Context, ev dispatch.InboundEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, ev)
	return nil
}

func (p *recordingPersistence) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saved)
}

func newTestServer(t *testing.T, cfg ServerConfig) (*Server, *recordingPersistence) {
	t.Helper()
	persistence := &recordingPersistence{}
	d, err := dispatch.NewDispatcher(dispatch.Options{
		Directory: fakeDirectory{
			"acct_1": {TenantID: "tenant_1", AccountID: "acct_1"},
		},
		Persistence: persistence,
	})
	if err != nil {
		t.Fatalf("dispatcher construction failed: %v", err)
	}
	t.Cleanup(d.Close)
	hub := realtime.NewHub(nil)
	t.Cleanup(hub.Close)
	return NewServer(d, hub, cfg), persistence
}

func TestWebhookVerifyEchoesChallenge(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{VerifyToken: "expected-token"})

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=expected-token&hub.challenge=challenge-123", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "challenge-123" {
		t.Fatalf("expected the challenge echoed, got %q", rec.Body.String())
	}
}

func TestWebhookVerifyRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{VerifyToken: "expected-token"})

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=challenge-123", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rec.Code)
	}
}

func deliveryBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(dispatch.WebhookDelivery{
		Object: "instagram",
		Entry: []dispatch.WebhookEntry{{
			ID: "acct_1",
			Messaging: []dispatch.MessagingEvent{{
				Sender:    dispatch.PlatformParty{ID: "user_1"},
				Recipient: dispatch.PlatformParty{ID: "acct_1"},
				Message:   &dispatch.MessagePayload{MID: "m1", Text: "hello"},
			}},
		}},
	})
	if err != nil {
		t.Fatalf("marshal delivery: %v", err)
	}
	return body
}

func TestWebhookDeliveryAcknowledgesAndProcessesAsync(t *testing.T) {
	srv, persistence := newTestServer(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(deliveryBody(t))))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "EVENT_RECEIVED" {
		t.Fatalf("expected EVENT_RECEIVED, got %q", rec.Body.String())
	}
	deadline := time.Now().Add(2 * time.Second)
	for persistence.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("delivery was not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebhookDeliveryRejectsInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
}

func TestWebhookDeliveryVerifiesSignature(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{AppSecret: "app-secret"})
	body := deliveryBody(t)

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", signature)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected signed delivery accepted, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected forged delivery rejected, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected unsigned delivery rejected, got %d", rec.Code)
	}
}

func TestWebhookDeliveryRejectsOversizedBody(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{MaxBodyBytes: 64})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(strings.Repeat("x", 1024)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rec.Code)
	}
}

func TestIngressMetricsEndpoint(t *testing.T) {
	srv, persistence := newTestServer(t, ServerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(deliveryBody(t))))
	srv.ServeHTTP(httptest.NewRecorder(), req)
	deadline := time.Now().Add(2 * time.Second)
	for persistence.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("delivery was not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics/ingress", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var status map[string]dispatch.IngressCounters
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if status["tenant_1"].Accepted != 1 {
		t.Fatalf("expected one accepted event, got %+v", status["tenant_1"])
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %v", body)
	}
}
