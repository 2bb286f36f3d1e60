package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/TechVaseegrahHub/instaxbot/internal/realtime"
)

const authHandshakeTimeout = 10 * time.Second

type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// handleWebsocket upgrades a dashboard connection and runs the auth
// handshake: the first client frame must be {type:"auth", token:...}. On
// success the connection is registered with the hub and held open until the
// client disconnects.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("websocket accept failed: %v", err)
		return
	}

	claims, ok := s.authenticateWS(r.Context(), conn)
	if !ok {
		_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
		return
	}

	s.hub.Register(claims.TenantID, claims.UserID, realtime.NewWebsocketConn(conn))
	defer s.hub.Unregister(claims.TenantID, claims.UserID)

	// The push channel carries no client-to-server traffic beyond the auth
	// frame; drain reads until the peer goes away so pings are serviced.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *Server) authenticateWS(ctx context.Context, conn *websocket.Conn) (dashboardClaims, bool) {
	ctx, cancel := context.WithTimeout(ctx, authHandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return dashboardClaims{}, false
	}
	var frame authFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != "auth" {
		s.writeWSJSON(ctx, conn, authResult{Type: "auth", Status: "error", Message: "expected auth frame"})
		return dashboardClaims{}, false
	}
	claims, err := parseDashboardToken(frame.Token, s.cfg.WSTokenSecret, time.Now().UTC())
	if err != nil {
		s.writeWSJSON(ctx, conn, authResult{Type: "auth", Status: "error", Message: err.Error()})
		return dashboardClaims{}, false
	}
	s.writeWSJSON(ctx, conn, authResult{Type: "auth", Status: "success"})
	return claims, true
}

func (s *Server) writeWSJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Printf("websocket write failed: %v", err)
	}
}
