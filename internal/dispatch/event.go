package dispatch

import (
	"errors"
	"time"
)

var (
	ErrUnroutable   = errors.New("no tenant mapping for account")
	ErrDuplicate    = errors.New("duplicate delivery")
	ErrInvalidInput = errors.New("invalid input")
	ErrClosed       = errors.New("dispatcher closed")
)

// EventKind identifies how an inbound delivery is routed to a handler.
type EventKind string

const (
	EventMessage        EventKind = "message"
	EventEcho           EventKind = "echo"
	EventPostback       EventKind = "postback"
	EventQuickReply     EventKind = "quick_reply"
	EventAudio          EventKind = "audio"
	EventImage          EventKind = "image"
	EventVideo          EventKind = "video"
	EventReel           EventKind = "reel"
	EventStoryReply     EventKind = "story_reply"
	EventComment        EventKind = "comment"
	EventDeletedMessage EventKind = "deleted_message"
)

// TenantAccountKey scopes rate limits and engagement accounting. It is derived
// from the tenant directory, never stored as an entity.
type TenantAccountKey struct {
	TenantID  string
	AccountID string
}

func (k TenantAccountKey) String() string {
	return k.TenantID + "|" + k.AccountID
}

// InboundEvent is a classified webhook delivery. Immutable once built;
// consumed exactly once by the handler registered for its Kind.
type InboundEvent struct {
	Kind              EventKind      `json:"kind"`
	TenantID          string         `json:"tenantId"`
	AccountID         string         `json:"accountId"`
	SenderID          string         `json:"senderId"`
	RecipientID       string         `json:"recipientId"`
	UpstreamMessageID string         `json:"upstreamMessageId,omitempty"`
	Text              string         `json:"text,omitempty"`
	MediaURL          string         `json:"mediaUrl,omitempty"`
	Payload           map[string]any `json:"payload,omitempty"`
	CorrelationID     string         `json:"correlationId,omitempty"`
	ReceivedAt        time.Time      `json:"receivedAt"`
	QueuedAt          time.Time      `json:"queuedAt"`
}

// Key returns the rate-limit and engagement accounting key for the event.
func (ev InboundEvent) Key() TenantAccountKey {
	return TenantAccountKey{TenantID: ev.TenantID, AccountID: ev.AccountID}
}

// EndUserID is the platform user on the far side of the conversation: the
// sender for inbound events, the recipient for echoes of our own sends.
func (ev InboundEvent) EndUserID() string {
	if ev.Kind == EventEcho {
		return ev.RecipientID
	}
	return ev.SenderID
}

// EngagementRecord mirrors one durable engagement row.
type EngagementRecord struct {
	TenantID       string
	AccountID      string
	UserID         string
	LastActivityAt time.Time
}

// Logger is the minimal logging seam shared by the dispatch components.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
