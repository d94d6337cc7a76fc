package chatbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client pushes outbound messages to a bridge process's HTTP endpoint
// (spec.md §6: "outbound calls from core to bridge over HTTP").
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a Client posting to baseURL (the bridge's own listen
// address), e.g. "http://127.0.0.1:4100".
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Send posts text to recipientID via the bridge, assigning a fresh
// message id (google/uuid) so the bridge's own delivery-dedupe, if any,
// has something to key on.
func (c *Client) Send(ctx context.Context, recipientID, text string) error {
	msg := OutboundMessage{ID: uuid.NewString(), Text: text, RecipientID: recipientID}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("chatbridge: marshal outbound message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chatbridge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chatbridge: post to bridge: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("chatbridge: bridge returned status %d", resp.StatusCode)
	}
	return nil
}
