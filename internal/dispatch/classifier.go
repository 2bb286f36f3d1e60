package dispatch

import (
	"strings"
	"time"
)

// TenantDirectory maps a messaging-platform account ID to the tenant that
// owns it. Implemented by the tenantdir package.
type TenantDirectory interface {
	Resolve(platformAccountID string) (TenantAccountKey, bool)
}

// WebhookDelivery is the raw inbound body of POST /webhook. Each entry
// carries either messaging events or comment-style change notifications.
type WebhookDelivery struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []MessagingEvent `json:"messaging,omitempty"`
	Changes   []ChangeEvent    `json:"changes,omitempty"`
}

type MessagingEvent struct {
	Sender    PlatformParty    `json:"sender"`
	Recipient PlatformParty    `json:"recipient"`
	Timestamp int64            `json:"timestamp"`
	Message   *MessagePayload  `json:"message,omitempty"`
	Postback  *PostbackPayload `json:"postback,omitempty"`
}

type PlatformParty struct {
	ID string `json:"id"`
}

type MessagePayload struct {
	MID         string       `json:"mid,omitempty"`
	Text        string       `json:"text,omitempty"`
	IsEcho      bool         `json:"is_echo,omitempty"`
	IsDeleted   bool         `json:"is_deleted,omitempty"`
	QuickReply  *QuickReply  `json:"quick_reply,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     *ReplyTo     `json:"reply_to,omitempty"`
}

type QuickReply struct {
	Payload string `json:"payload"`
}

type Attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url,omitempty"`
	} `json:"payload"`
}

type ReplyTo struct {
	Story *StoryRef `json:"story,omitempty"`
}

type StoryRef struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url,omitempty"`
}

type PostbackPayload struct {
	MID     string `json:"mid,omitempty"`
	Title   string `json:"title,omitempty"`
	Payload string `json:"payload,omitempty"`
}

type ChangeEvent struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	ID     string        `json:"id,omitempty"`
	Text   string        `json:"text,omitempty"`
	From   PlatformParty `json:"from"`
	Media  *MediaRef     `json:"media,omitempty"`
	IsLive bool          `json:"is_live,omitempty"`
}

type MediaRef struct {
	ID string `json:"id,omitempty"`
}

// EventClassifier turns raw deliveries into typed InboundEvents and resolves
// tenant context from the platform account ID referenced in the delivery.
type EventClassifier struct {
	directory TenantDirectory
	logger    Logger
	now       func() time.Time
}

func NewEventClassifier(directory TenantDirectory, logger Logger) *EventClassifier {
	if logger == nil {
		logger = nopLogger{}
	}
	return &EventClassifier{directory: directory, logger: logger, now: time.Now}
}

// ClassifyMessaging classifies one messaging event. The tenant is resolved
// from the sender for echoes (the tenant's own account redelivered) and from
// the recipient otherwise. An unmapped account is unroutable and never
// retried: the mapping can only appear through external configuration.
func (c *EventClassifier) ClassifyMessaging(m MessagingEvent) (InboundEvent, error) {
	accountID := m.Recipient.ID
	isEcho := m.Message != nil && m.Message.IsEcho
	if isEcho {
		accountID = m.Sender.ID
	}
	key, ok := c.directory.Resolve(accountID)
	if !ok {
		c.logger.Printf("unroutable messaging event account=%s sender=%s", accountID, m.Sender.ID)
		return InboundEvent{}, ErrUnroutable
	}

	ev := InboundEvent{
		TenantID:    key.TenantID,
		AccountID:   key.AccountID,
		SenderID:    m.Sender.ID,
		RecipientID: m.Recipient.ID,
		ReceivedAt:  c.now().UTC(),
	}
	if m.Timestamp > 0 {
		ev.ReceivedAt = time.UnixMilli(m.Timestamp).UTC()
	}

	switch {
	case m.Message != nil && m.Message.IsDeleted:
		// Synthetic re-derivation; the platform strips the original mid, so
		// this kind bypasses the idempotency guard.
		ev.Kind = EventDeletedMessage
	case isEcho:
		ev.Kind = EventEcho
		ev.UpstreamMessageID = m.Message.MID
		ev.Text = m.Message.Text
	case m.Message != nil:
		ev.Kind = classifyMessageKind(m.Message)
		ev.UpstreamMessageID = m.Message.MID
		ev.Text = m.Message.Text
		ev.MediaURL = firstAttachmentURL(m.Message.Attachments)
		if ev.Kind == EventQuickReply && m.Message.QuickReply != nil {
			ev.Payload = map[string]any{"payload": m.Message.QuickReply.Payload}
		}
		if ev.Kind == EventStoryReply && m.Message.ReplyTo != nil && m.Message.ReplyTo.Story != nil {
			ev.Payload = map[string]any{"storyId": m.Message.ReplyTo.Story.ID, "storyUrl": m.Message.ReplyTo.Story.URL}
		}
	case m.Postback != nil:
		ev.Kind = EventPostback
		ev.UpstreamMessageID = m.Postback.MID
		ev.Text = m.Postback.Title
		ev.Payload = map[string]any{"payload": m.Postback.Payload}
	default:
		return InboundEvent{}, ErrInvalidInput
	}
	return ev, nil
}

// ClassifyChange classifies a comment-style change notification. Comments are
// structurally distinct from messaging events and resolve the tenant from the
// entry's account ID.
func (c *EventClassifier) ClassifyChange(accountID string, ch ChangeEvent) (InboundEvent, error) {
	if ch.Field != "comments" && ch.Field != "live_comments" {
		return InboundEvent{}, ErrInvalidInput
	}
	key, ok := c.directory.Resolve(accountID)
	if !ok {
		c.logger.Printf("unroutable change event account=%s field=%s", accountID, ch.Field)
		return InboundEvent{}, ErrUnroutable
	}
	ev := InboundEvent{
		Kind:        EventComment,
		TenantID:    key.TenantID,
		AccountID:   key.AccountID,
		SenderID:    ch.Value.From.ID,
		RecipientID: accountID,
		Text:        ch.Value.Text,
		ReceivedAt:  c.now().UTC(),
		Payload: map[string]any{
			"commentId": ch.Value.ID,
			"live":      ch.Field == "live_comments" || ch.Value.IsLive,
		},
	}
	if ch.Value.Media != nil {
		ev.Payload["mediaId"] = ch.Value.Media.ID
	}
	return ev, nil
}

// classifyMessageKind applies the attachment precedence:
// audio > image > video > reel > story reply > plain text > quick reply.
func classifyMessageKind(m *MessagePayload) EventKind {
	byType := map[string]bool{}
	for _, att := range m.Attachments {
		byType[strings.ToLower(strings.TrimSpace(att.Type))] = true
	}
	switch {
	case byType["audio"]:
		return EventAudio
	case byType["image"]:
		return EventImage
	case byType["video"]:
		return EventVideo
	case byType["ig_reel"] || byType["reel"]:
		return EventReel
	case byType["story_mention"] || (m.ReplyTo != nil && m.ReplyTo.Story != nil):
		return EventStoryReply
	case m.Text != "" && m.QuickReply == nil:
		return EventMessage
	case m.QuickReply != nil:
		return EventQuickReply
	default:
		return EventMessage
	}
}

func firstAttachmentURL(attachments []Attachment) string {
	for _, att := range attachments {
		if att.Payload.URL != "" {
			return att.Payload.URL
		}
	}
	return ""
}
