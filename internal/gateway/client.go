// Package gateway is the thin HTTP client for the messaging gateway used to
// send WhatsApp messages. Delivery/read callbacks from the same gateway come
// in through the webhook ingress, not through this client.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"noshow-workers/internal/common/logger"
)

// Sender is the outbound surface the dispatcher depends on.
type Sender interface {
	SendText(ctx context.Context, phone, text string) (*SendResult, error)
	SendTemplate(ctx context.Context, phone, template string, params map[string]string) (*SendResult, error)
}

// SendResult carries the gateway-assigned message ID for tracking.
type SendResult struct {
	MessageID string `json:"messageId"`
}

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     logger.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log logger.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.WithFields(map[string]interface{}{"component": "gateway"}),
	}
}

// SendText sends a free-form session message.
func (c *Client) SendText(ctx context.Context, phone, text string) (*SendResult, error) {
	return c.post(ctx, "/v1/messages", map[string]interface{}{
		"to":   phone,
		"type": "text",
		"text": map[string]string{"body": text},
	})
}

// SendTemplate sends a pre-approved (paid) template message. Callers must
// pass the cost gate before reaching for this.
func (c *Client) SendTemplate(ctx context.Context, phone, template string, params map[string]string) (*SendResult, error) {
	return c.post(ctx, "/v1/messages", map[string]interface{}{
		"to":       phone,
		"type":     "template",
		"template": template,
		"params":   params,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]interface{}) (*SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal send payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(data))
	}

	var result SendResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}

	c.logger.Debug("message sent", map[string]interface{}{
		"messageId": result.MessageID,
	})
	return &result, nil
}
