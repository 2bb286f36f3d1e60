package httpapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func dialWS(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func readAuthResult(t *testing.T, ctx context.Context, conn *websocket.Conn) authResult {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read auth result: %v", err)
	}
	var result authResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	return result
}

func TestWebsocketAuthHandshakeDeliversBroadcasts(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{WSTokenSecret: "secret"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, "ws"+ts.URL[len("http"):]+"/ws")
	defer conn.Close(websocket.StatusNormalClosure, "")

	token := signToken(t, "secret", map[string]any{"alg": "HS256", "typ": "JWT"}, validClaims(time.Now()))
	frame, _ := json.Marshal(authFrame{Type: "auth", Token: token})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	result := readAuthResult(t, ctx, conn)
	if result.Status != "success" {
		t.Fatalf("expected auth success, got %+v", result)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ConnectionCount("tenant_1") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.hub.Broadcast("tenant_1", "new_message", map[string]any{"text": "hi"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	var pushed map[string]any
	if err := json.Unmarshal(data, &pushed); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if pushed["type"] != "new_message" || pushed["text"] != "hi" {
		t.Fatalf("unexpected push frame %v", pushed)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{WSTokenSecret: "secret"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, "ws"+ts.URL[len("http"):]+"/ws")
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame, _ := json.Marshal(authFrame{Type: "auth", Token: "not-a-token"})
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		t.Fatalf("write auth frame: %v", err)
	}
	result := readAuthResult(t, ctx, conn)
	if result.Status != "error" {
		t.Fatalf("expected auth error, got %+v", result)
	}
	if srv.hub.ConnectionCount("tenant_1") != 0 {
		t.Fatalf("rejected client must not be registered")
	}
}

func TestWebsocketRejectsNonAuthFirstFrame(t *testing.T) {
	srv, _ := newTestServer(t, ServerConfig{WSTokenSecret: "secret"})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, "ws"+ts.URL[len("http"):]+"/ws")
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe"}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	result := readAuthResult(t, ctx, conn)
	if result.Status != "error" {
		t.Fatalf("expected auth error, got %+v", result)
	}
}
