package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/TechVaseegrahHub/instaxbot/internal/dispatch"
	"github.com/TechVaseegrahHub/instaxbot/internal/realtime"
)

type ServerConfig struct {
	// VerifyToken answers the platform's GET /webhook handshake.
	VerifyToken string
	// AppSecret verifies X-Hub-Signature-256 on deliveries; empty disables
	// the check (local development only).
	AppSecret string
	// WSTokenSecret signs the dashboard auth tokens presented on /ws.
	WSTokenSecret string
	MaxBodyBytes  int64
}

type Logger interface {
	Printf(format string, args ...any)
}

type Server struct {
	dispatcher *dispatch.Dispatcher
	hub        *realtime.Hub
	cfg        ServerConfig
	logger     Logger
}

func NewServer(dispatcher *dispatch.Dispatcher, hub *realtime.Hub, cfg ServerConfig) *Server {
	if cfg.VerifyToken == "" {
		cfg.VerifyToken = "dev-verify-token"
	}
	if cfg.WSTokenSecret == "" {
		cfg.WSTokenSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		dispatcher: dispatcher,
		hub:        hub,
		cfg:        cfg,
		logger:     log.Default(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/webhook" && r.Method == http.MethodGet:
		s.handleWebhookVerify(w, r)
	case r.URL.Path == "/webhook" && r.Method == http.MethodPost:
		s.handleWebhookDelivery(w, r)
	case r.URL.Path == "/metrics/ingress" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, s.dispatcher.IngressStatus())
	case r.URL.Path == "/ws" && r.Method == http.MethodGet:
		s.handleWebsocket(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// handleWebhookVerify implements the platform verification handshake: echo
// hub.challenge when hub.verify_token matches the configured secret.
func (s *Server) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != s.cfg.VerifyToken {
		writeError(w, http.StatusForbidden, "forbidden", "verification token mismatch")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, q.Get("hub.challenge"))
}

// handleWebhookDelivery acknowledges the delivery immediately and processes
// it asynchronously; the platform redelivers on anything but a fast 200.
func (s *Server) handleWebhookDelivery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}
	if s.cfg.AppSecret != "" {
		if !verifySignature(s.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256"), body) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "signature mismatch")
			return
		}
	}
	var delivery dispatch.WebhookDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "EVENT_RECEIVED")

	go s.dispatcher.ProcessDelivery(delivery)
}

func verifySignature(secret, header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	provided := strings.ToLower(strings.TrimPrefix(header, "sha256="))
	return hmac.Equal([]byte(provided), []byte(expected))
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
