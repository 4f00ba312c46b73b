package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Result is what gets delivered back to the originating conversation: either
// an artifact reference or a failure reason, never both.
type Result struct {
	Fingerprint   string `json:"fingerprint"`
	ArtifactURL   string `json:"artifact_url,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// Poster delivers a result to a conversation. Posting is not idempotent at
// this layer; exactly-once per logical job is enforced by the dispatcher's
// idempotency record, which is checked before every call.
type Poster interface {
	Post(ctx context.Context, channelRef string, res Result) error
}

// WebhookPoster posts results to the chat platform's response webhook.
type WebhookPoster struct {
	URL    string
	Client *http.Client
}

func NewWebhookPoster(url string, timeout time.Duration) *WebhookPoster {
	return &WebhookPoster{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type postBody struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	Image   string `json:"image_url,omitempty"`
}

func (p *WebhookPoster) Post(ctx context.Context, channelRef string, res Result) error {
	body := postBody{Channel: channelRef}
	if res.FailureReason != "" {
		body.Text = fmt.Sprintf("Sorry, your image could not be generated: %s", res.FailureReason)
	} else {
		body.Text = "Here is your image."
		body.Image = res.ArtifactURL
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post to %s: %w", channelRef, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post to %s: chat platform returned %d", channelRef, resp.StatusCode)
	}
	return nil
}
