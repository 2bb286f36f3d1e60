// Package platform is the outbound REST client for the messaging platform's
// send APIs. It retries transient failures with bounded backoff and surfaces
// 429-class responses as RateLimitError so the dispatch queue can reschedule
// instead of retrying here.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrRateLimited = errors.New("platform rate limited")

type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("platform rate limited, retry after %s", e.RetryAfter)
	}
	return "platform rate limited"
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("platform http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("platform http %d: %s", e.StatusCode, e.Message)
}

// TokenSource resolves the page access token for a platform account.
type TokenSource interface {
	AccessToken(accountID string) (string, bool)
}

// StaticTokens is a TokenSource backed by a fixed map.
type StaticTokens map[string]string

func (s StaticTokens) AccessToken(accountID string) (string, bool) {
	token, ok := s[accountID]
	return token, ok
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "https://graph.facebook.com/v19.0"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SendText delivers a plain text message to a platform user.
func (c *Client) SendText(ctx context.Context, accountID, recipientID, text string) error {
	body := map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message":   map[string]string{"text": text},
	}
	return c.post(ctx, accountID, fmt.Sprintf("/%s/messages", url.PathEscape(accountID)), body)
}

// SendMedia delivers an attachment message (audio, image, or video) by URL.
func (c *Client) SendMedia(ctx context.Context, accountID, recipientID, mediaType, mediaURL string) error {
	body := map[string]any{
		"recipient": map[string]string{"id": recipientID},
		"message": map[string]any{
			"attachment": map[string]any{
				"type":    mediaType,
				"payload": map[string]any{"url": mediaURL},
			},
		},
	}
	return c.post(ctx, accountID, fmt.Sprintf("/%s/messages", url.PathEscape(accountID)), body)
}

// SendPrivateReply sends a direct message in response to a public comment.
func (c *Client) SendPrivateReply(ctx context.Context, accountID, commentID, text string) error {
	body := map[string]any{
		"recipient": map[string]string{"comment_id": commentID},
		"message":   map[string]string{"text": text},
	}
	return c.post(ctx, accountID, fmt.Sprintf("/%s/messages", url.PathEscape(accountID)), body)
}

// SubscribeApp subscribes the app to the account's webhook fields. Called at
// tenant onboarding; not gated by any rate category.
func (c *Client) SubscribeApp(ctx context.Context, accountID string, fields []string) error {
	body := map[string]any{
		"subscribed_fields": strings.Join(fields, ","),
	}
	return c.post(ctx, accountID, fmt.Sprintf("/%s/subscribed_apps", url.PathEscape(accountID)), body)
}

func (c *Client) post(ctx context.Context, accountID, requestPath string, body map[string]any) error {
	token, ok := c.tokens.AccessToken(accountID)
	if !ok {
		return &HTTPError{StatusCode: http.StatusUnauthorized, Code: "no_token", Message: "no access token for account " + accountID}
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return err
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+requestPath, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			// Surfaced to the dispatch queue, which owns the backoff.
			return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1)); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Error struct {
				Code    int    `json:"code"`
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		// The platform also reports throttling as error code 4 or 613 inside
		// a 400-class body.
		if errPayload.Error.Code == 4 || errPayload.Error.Code == 613 {
			return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error.Type,
			Message:    errPayload.Error.Message,
		}
	}
}

func (c *Client) retryDelay(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
