package dispatch

import (
	"context"
	"fmt"
)

func (d *Dispatcher) defaultHandlers() map[EventKind]HandlerFunc {
	return map[EventKind]HandlerFunc{
		EventMessage:        d.handleTextLike,
		EventQuickReply:     d.handleTextLike,
		EventPostback:       d.handleTextLike,
		EventStoryReply:     d.handleTextLike,
		EventAudio:          d.handleMedia,
		EventImage:          d.handleMedia,
		EventVideo:          d.handleMedia,
		EventReel:           d.handleMedia,
		EventComment:        d.handleComment,
		EventDeletedMessage: d.handleDeletedMessage,
	}
}

// handleTextLike covers message, quick reply, postback, and story reply:
// gate a conversation slot, persist, generate a reply, and send it under the
// send_text budget.
func (d *Dispatcher) handleTextLike(ctx context.Context, ev InboundEvent) error {
	key := ev.Key()
	if !d.limiter.TryConsume(key, RateConversations, 1) {
		return &RateLimitedError{}
	}
	d.engagement.RecordActivity(key, ev.EndUserID())
	if err := d.saveRecord(ctx, ev); err != nil {
		return err
	}
	d.broadcastInbound(ev)

	if d.responder == nil || d.sender == nil {
		return nil
	}
	reply, err := d.responder.GenerateReply(ctx, ev.Text, ev.TenantID, ev.SenderID)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	if reply == "" {
		return nil
	}
	if !d.limiter.TryConsume(key, RateSendText, 1) {
		return &RateLimitedError{}
	}
	if err := d.sender.SendText(ctx, key, ev.SenderID, reply); err != nil {
		return err
	}
	d.engagement.RecordActivity(key, ev.SenderID)
	return nil
}

// handleMedia persists and broadcasts inbound media. No automatic reply is
// sent; the send_media budget gates only outbound media, which the Responder
// layer does not produce for these kinds.
func (d *Dispatcher) handleMedia(ctx context.Context, ev InboundEvent) error {
	d.engagement.RecordActivity(ev.Key(), ev.EndUserID())
	if err := d.saveRecord(ctx, ev); err != nil {
		return err
	}
	d.broadcastInbound(ev)
	return nil
}

// handleComment replies to a public comment with a private message, under the
// post or live private-reply budget.
func (d *Dispatcher) handleComment(ctx context.Context, ev InboundEvent) error {
	key := ev.Key()
	d.engagement.RecordActivity(key, ev.SenderID)
	if err := d.saveRecord(ctx, ev); err != nil {
		return err
	}
	d.broadcastInbound(ev)

	if d.responder == nil || d.sender == nil {
		return nil
	}
	reply, err := d.responder.GenerateReply(ctx, ev.Text, ev.TenantID, ev.SenderID)
	if err != nil {
		return fmt.Errorf("responder: %w", err)
	}
	if reply == "" {
		return nil
	}
	category := RatePrivateRepliesPost
	if live, _ := ev.Payload["live"].(bool); live {
		category = RatePrivateRepliesLive
	}
	if !d.limiter.TryConsume(key, category, 1) {
		return &RateLimitedError{}
	}
	commentID, _ := ev.Payload["commentId"].(string)
	if err := d.sender.SendPrivateReply(ctx, key, commentID, reply); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) handleDeletedMessage(ctx context.Context, ev InboundEvent) error {
	if err := d.saveRecord(ctx, ev); err != nil {
		return err
	}
	if d.hub != nil {
		d.hub.Broadcast(ev.TenantID, "notification_update", map[string]any{
			"senderId": ev.SenderID,
			"deleted":  true,
		})
	}
	return nil
}

func (d *Dispatcher) saveRecord(ctx context.Context, ev InboundEvent) error {
	if d.persistence == nil {
		return nil
	}
	if err := d.persistence.SaveInboundRecord(ctx, ev); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	return nil
}

func (d *Dispatcher) broadcastInbound(ev InboundEvent) {
	if d.hub == nil {
		return
	}
	d.hub.Broadcast(ev.TenantID, "new_message", map[string]any{
		"kind":        string(ev.Kind),
		"senderId":    ev.SenderID,
		"recipientId": ev.RecipientID,
		"text":        ev.Text,
		"mediaUrl":    ev.MediaURL,
	})
}
