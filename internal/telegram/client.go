package telegram

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/smilior/alpaca-trading/internal/models"

	"github.com/go-resty/resty/v2"
)

const defaultAPI = "https://api.telegram.org"

// Client sends operator alerts to one Telegram chat. Without credentials it
// only logs.
type Client struct {
	http   *resty.Client
	token  string
	chatID string
}

func NewClient(token, chatID string, timeout time.Duration) *Client {
	return newClient(defaultAPI, token, chatID, timeout)
}

func newClient(baseURL, token, chatID string, timeout time.Duration) *Client {
	if token == "" || chatID == "" {
		log.Println("Warning: Telegram credentials missing, alerts will be logged only")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	client.SetRetryCount(1)
	client.SetHeader("Content-Type", "application/json")
	return &Client{http: client, token: token, chatID: chatID}
}

// Configured reports whether messages actually leave the process.
func (c *Client) Configured() bool { return c.token != "" && c.chatID != "" }

func label(sev models.Severity) string {
	switch sev {
	case models.SeverityCritical:
		return "[CRITICAL]"
	case models.SeverityError:
		return "[ERROR]"
	}
	return "[WARN]"
}

// Alert sends msg tagged with sev. Delivery failures are logged, never returned:
// an alert must not change the outcome of a cycle.
func (c *Client) Alert(ctx context.Context, sev models.Severity, msg string) {
	text := fmt.Sprintf("%s %s", label(sev), msg)
	log.Printf("📣 Alert %s", text)
	if !c.Configured() {
		return
	}
	if err := c.Send(ctx, text); err != nil {
		log.Printf("Telegram Alert Failed: %v", err)
	}
}

// Send posts text to the chat.
func (c *Client) Send(ctx context.Context, text string) error {
	if !c.Configured() {
		return fmt.Errorf("telegram not configured")
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": c.chatID,
			"text":    text,
		}).
		Post(fmt.Sprintf("/bot%s/sendMessage", c.token))
	if err != nil {
		return err
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("telegram API error: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
