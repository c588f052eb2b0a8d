package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ActionTyping is the chat action shown while a reply is being generated.
const ActionTyping = "typing"

// Client calls the Telegram Bot API. Outbound payloads are expected to be
// pre-chunked by the relay to the transport's size limit; this client does
// no splitting of its own.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewClient builds a client against the production Bot API endpoint.
func NewClient(token string) *Client {
	return &Client{
		BaseURL: "https://api.telegram.org",
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiResponse is the Bot API envelope; Result is ignored here.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// call POSTs a JSON payload to one Bot API method and checks the envelope.
func (c *Client) call(ctx context.Context, method string, payload any) error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("telegram: bot token is required")
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(c.BaseURL, "/"), c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var decoded apiResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("telegram: %s: status %d", method, resp.StatusCode)
	}
	if !decoded.OK {
		desc := decoded.Description
		if desc == "" {
			desc = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return fmt.Errorf("telegram: %s: %s", method, desc)
	}
	return nil
}

// SendMessage delivers one outbound chunk to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
}

// SendChatAction shows a transient activity indicator ("typing") in the chat.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return c.call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  action,
	})
}

// SetWebhook registers the public webhook URL with the Bot API.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.call(ctx, "setWebhook", map[string]any{
		"url": url,
	})
}
