package dispatch

import (
	"context"
	"errors"

	"github.com/TechVaseegrahHub/instaxbot/internal/platform"
)

// platformSenderAdapter bridges the platform client into the PlatformSender
// seam, translating its rate-limit errors into the queue's retry signal.
type platformSenderAdapter struct {
	client *platform.Client
}

// NewPlatformSender wraps the REST client so handlers see ErrRateLimited with
// the platform's suggested retry delay attached.
func NewPlatformSender(client *platform.Client) PlatformSender {
	return &platformSenderAdapter{client: client}
}

func (a *platformSenderAdapter) SendText(ctx context.Context, key TenantAccountKey, recipientID, text string) error {
	return translatePlatformErr(a.client.SendText(ctx, key.AccountID, recipientID, text))
}

func (a *platformSenderAdapter) SendMedia(ctx context.Context, key TenantAccountKey, recipientID, mediaType, url string) error {
	return translatePlatformErr(a.client.SendMedia(ctx, key.AccountID, recipientID, mediaType, url))
}

func (a *platformSenderAdapter) SendPrivateReply(ctx context.Context, key TenantAccountKey, commentID, text string) error {
	return translatePlatformErr(a.client.SendPrivateReply(ctx, key.AccountID, commentID, text))
}

func translatePlatformErr(err error) error {
	if err == nil {
		return nil
	}
	var rle *platform.RateLimitError
	if errors.As(err, &rle) {
		return &RateLimitedError{RetryAfter: rle.RetryAfter}
	}
	return err
}
