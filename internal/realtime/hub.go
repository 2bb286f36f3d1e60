// Package realtime fans out dashboard updates over persistent connections.
// Delivery is best-effort: frames push already-persisted state, so a lost
// frame costs a refresh, never data.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const (
	UpdateNewMessage        = "new_message"
	UpdateNewContact        = "new_contact"
	UpdateChatMode          = "chat_mode_update"
	UpdateNotification      = "notification_update"
	modeUpdateDedupeTTL     = 5 * time.Second
	clientSendBuffer        = 32
	connectionWriteDeadline = 5 * time.Second
)

// Logger matches the dispatch logging seam.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Conn abstracts one dashboard transport handle.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

type client struct {
	tenantID string
	userID   string
	conn     Conn
	out      chan []byte
	done     chan struct{}
	once     sync.Once
}

func (c *client) stop() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub is the registry of live dashboard connections keyed by (tenant, user).
// Each client gets a buffered send channel and a writer goroutine, so one
// slow connection never blocks broadcasting to the others.
type Hub struct {
	mu       sync.Mutex
	byTenant map[string]map[string]*client
	dedupe   map[string]time.Time
	logger   Logger
	now      func() time.Time
}

func NewHub(logger Logger) *Hub {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Hub{
		byTenant: map[string]map[string]*client{},
		dedupe:   map[string]time.Time{},
		logger:   logger,
		now:      time.Now,
	}
}

// Register attaches a connection for (tenant, user). A new connection for the
// same key replaces the old one, which is closed.
func (h *Hub) Register(tenantID, userID string, conn Conn) {
	if tenantID == "" || userID == "" || conn == nil {
		return
	}
	c := &client{
		tenantID: tenantID,
		userID:   userID,
		conn:     conn,
		out:      make(chan []byte, clientSendBuffer),
		done:     make(chan struct{}),
	}
	h.mu.Lock()
	byUser, ok := h.byTenant[tenantID]
	if !ok {
		byUser = map[string]*client{}
		h.byTenant[tenantID] = byUser
	}
	old := byUser[userID]
	byUser[userID] = c
	h.mu.Unlock()
	if old != nil {
		old.stop()
	}
	go h.writer(c)
}

// Unregister drops the connection for (tenant, user) if it is still the
// registered one.
func (h *Hub) Unregister(tenantID, userID string) {
	h.mu.Lock()
	byUser := h.byTenant[tenantID]
	c := byUser[userID]
	if c != nil {
		delete(byUser, userID)
		if len(byUser) == 0 {
			delete(h.byTenant, tenantID)
		}
	}
	h.mu.Unlock()
	if c != nil {
		c.stop()
	}
}

// Broadcast sends one update frame to every connection of the tenant.
// chat_mode_update frames carrying an id are deduplicated within a short
// window. Fire and forget: failures prune the dead connection and nothing
// propagates to the caller.
func (h *Hub) Broadcast(tenantID, kind string, payload map[string]any) {
	frame := map[string]any{"type": kind}
	for k, v := range payload {
		if k == "type" {
			continue
		}
		frame[k] = v
	}
	if kind == UpdateChatMode {
		if id, _ := payload["id"].(string); id != "" && !h.admitModeUpdate(id) {
			return
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Printf("broadcast marshal failed tenant=%s kind=%s: %v", tenantID, kind, err)
		return
	}

	h.mu.Lock()
	targets := make([]*client, 0, len(h.byTenant[tenantID]))
	for _, c := range h.byTenant[tenantID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		select {
		case c.out <- data:
		case <-c.done:
		default:
			h.logger.Printf("dropping frame for slow client tenant=%s user=%s kind=%s", c.tenantID, c.userID, kind)
		}
	}
}

// ConnectionCount reports live connections for a tenant.
func (h *Hub) ConnectionCount(tenantID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byTenant[tenantID])
}

// Close stops every writer and closes every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0)
	for _, byUser := range h.byTenant {
		for _, c := range byUser {
			clients = append(clients, c)
		}
	}
	h.byTenant = map[string]map[string]*client{}
	h.mu.Unlock()
	for _, c := range clients {
		c.stop()
	}
}

func (h *Hub) writer(c *client) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(context.Background(), connectionWriteDeadline)
			err := c.conn.Write(ctx, data)
			cancel()
			if err != nil {
				h.logger.Printf("write failed tenant=%s user=%s: %v", c.tenantID, c.userID, err)
				h.dropIfCurrent(c)
				return
			}
		}
	}
}

func (h *Hub) dropIfCurrent(c *client) {
	h.mu.Lock()
	byUser := h.byTenant[c.tenantID]
	if byUser[c.userID] == c {
		delete(byUser, c.userID)
		if len(byUser) == 0 {
			delete(h.byTenant, c.tenantID)
		}
	}
	h.mu.Unlock()
	c.stop()
}

// admitModeUpdate records the update ID and reports whether this is the first
// sighting inside the dedupe window.
func (h *Hub) admitModeUpdate(id string) bool {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for seen, expires := range h.dedupe {
		if now.After(expires) {
			delete(h.dedupe, seen)
		}
	}
	if expires, ok := h.dedupe[id]; ok && now.Before(expires) {
		return false
	}
	h.dedupe[id] = now.Add(modeUpdateDedupeTTL)
	return true
}
