package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"CommunityPress/internal/config"
	"CommunityPress/internal/ports"
)

// Client implements ports.CampaignClient against a Mailchimp-flavored
// campaign API.
type Client struct {
	endpoint      string
	apiKey        string
	listID        string
	fromName      string
	replyTo       string
	retryAttempts int
	httpClient    *http.Client
}

var _ ports.CampaignClient = (*Client)(nil)

// NewClient builds a client from configuration.
func NewClient(cfg config.MailerConfig) *Client {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	return &Client{
		endpoint:      strings.TrimSuffix(cfg.Endpoint, "/"),
		apiKey:        cfg.APIKey,
		listID:        cfg.ListID,
		fromName:      cfg.FromName,
		replyTo:       cfg.ReplyTo,
		retryAttempts: attempts,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

// CreateCampaign registers a campaign, sets its content, and returns the
// provider campaign id used as the delivery idempotency key.
func (c *Client) CreateCampaign(ctx context.Context, subject, previewText, htmlBody, plainText string) (string, error) {
	campaignPayload := map[string]any{
		"type":       "regular",
		"recipients": map[string]string{"list_id": c.listID},
		"settings": map[string]string{
			"subject_line": subject,
			"preview_text": previewText,
			"from_name":    c.fromName,
			"reply_to":     c.replyTo,
		},
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/campaigns", campaignPayload, &created); err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create campaign: provider returned no id")
	}

	contentPayload := map[string]string{"html": htmlBody}
	if plainText != "" {
		contentPayload["plain_text"] = plainText
	}
	if err := c.call(ctx, http.MethodPut, "/campaigns/"+created.ID+"/content", contentPayload, nil); err != nil {
		return "", fmt.Errorf("set campaign content: %w", err)
	}

	return created.ID, nil
}

// SendTest dispatches a preview of the campaign to the given addresses.
func (c *Client) SendTest(ctx context.Context, campaignID string, recipients []string) error {
	payload := map[string]any{
		"test_emails": recipients,
		"send_type":   "html",
	}
	if err := c.call(ctx, http.MethodPost, "/campaigns/"+campaignID+"/actions/test", payload, nil); err != nil {
		return fmt.Errorf("send test: %w", err)
	}
	return nil
}

// SendCampaign submits the campaign to the full audience.
func (c *Client) SendCampaign(ctx context.Context, campaignID string) error {
	if err := c.call(ctx, http.MethodPost, "/campaigns/"+campaignID+"/actions/send", nil, nil); err != nil {
		return fmt.Errorf("send campaign: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	if c.apiKey == "" || c.endpoint == "" {
		return fmt.Errorf("campaign client misconfigured")
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retryable, err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}

		lastErr = err
		if !retryable {
			break
		}
	}

	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) (retryable bool, err error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return false, fmt.Errorf("new request: %w", err)
	}
	req.SetBasicAuth("anystring", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("provider error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
		return retryable, err
	}

	if out == nil {
		return false, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return false, nil
}
