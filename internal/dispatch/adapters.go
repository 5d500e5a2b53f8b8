package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"ticketwatch/internal/config"
	"ticketwatch/internal/models"
	"ticketwatch/pkg/utils"
)

// WebhookAdapter delivers notifications as JSON posts to a user-supplied
// endpoint. The recipient is the target URL.
type WebhookAdapter struct {
	fallbackURL string
	enabled     bool
	client      *http.Client
	retry       utils.RetryConfig
}

// NewWebhookAdapter creates a webhook channel adapter.
func NewWebhookAdapter(cfg config.WebhookConfig) *WebhookAdapter {
	return &WebhookAdapter{
		fallbackURL: cfg.URL,
		enabled:     cfg.Enabled,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		retry: utils.RetryConfig{
			MaxAttempts: 2,
			Backoff: utils.Backoff{
				Base:       250 * time.Millisecond,
				Cap:        time.Second,
				Multiplier: 2.0,
			},
		},
	}
}

// Name returns the channel this adapter serves.
func (w *WebhookAdapter) Name() models.ChannelType {
	return models.ChannelWebhook
}

// Enabled returns whether the adapter is enabled.
func (w *WebhookAdapter) Enabled() bool {
	return w.enabled
}

// Send posts the message to the recipient URL, retrying briefly on failure.
func (w *WebhookAdapter) Send(ctx context.Context, recipient string, msg Message) error {
	url := recipient
	if url == "" {
		url = w.fallbackURL
	}

	payload := map[string]interface{}{
		"title":     msg.Title,
		"message":   msg.Body,
		"data":      msg.Data,
		"timestamp": msg.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	return utils.Retry(ctx, w.retry, func() error {
		return w.post(ctx, url, body)
	})
}

func (w *WebhookAdapter) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "TicketWatch/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// EmailAdapter delivers notifications via SMTP. The recipient is the
// destination address.
type EmailAdapter struct {
	smtpHost string
	smtpPort int
	username string
	password string
	from     string
	enabled  bool
}

// NewEmailAdapter creates an SMTP channel adapter.
func NewEmailAdapter(cfg config.EmailConfig) *EmailAdapter {
	return &EmailAdapter{
		smtpHost: cfg.SMTPHost,
		smtpPort: cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		enabled:  cfg.Enabled && cfg.SMTPHost != "" && cfg.From != "",
	}
}

// Name returns the channel this adapter serves.
func (e *EmailAdapter) Name() models.ChannelType {
	return models.ChannelEmail
}

// Enabled returns whether the adapter is enabled.
func (e *EmailAdapter) Enabled() bool {
	return e.enabled
}

// Send delivers the message to the recipient address.
func (e *EmailAdapter) Send(ctx context.Context, recipient string, msg Message) error {
	body := msg.Body
	if len(msg.Data) > 0 {
		dataJSON, _ := json.MarshalIndent(msg.Data, "", "  ")
		body += "\n\n---\nDetails:\n" + string(dataJSON)
	}

	raw := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		e.from, recipient, msg.Title, body)

	addr := fmt.Sprintf("%s:%d", e.smtpHost, e.smtpPort)

	var auth smtp.Auth
	if e.username != "" && e.password != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.smtpHost)
	}

	return smtp.SendMail(addr, auth, e.from, []string{recipient}, []byte(raw))
}

// ChatAdapter delivers notifications to a chat-service incoming webhook.
// The recipient is the webhook URL of the user's channel.
type ChatAdapter struct {
	fallbackURL string
	enabled     bool
	client      *http.Client
}

// NewChatAdapter creates a chat channel adapter.
func NewChatAdapter(cfg config.ChatConfig) *ChatAdapter {
	return &ChatAdapter{
		fallbackURL: cfg.URL,
		enabled:     cfg.Enabled,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the channel this adapter serves.
func (c *ChatAdapter) Name() models.ChannelType {
	return models.ChannelChat
}

// Enabled returns whether the adapter is enabled.
func (c *ChatAdapter) Enabled() bool {
	return c.enabled
}

// Send posts the message as chat text.
func (c *ChatAdapter) Send(ctx context.Context, recipient string, msg Message) error {
	url := recipient
	if url == "" {
		url = c.fallbackURL
	}

	payload := map[string]interface{}{
		"text": fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending chat message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat API returned status %d", resp.StatusCode)
	}

	return nil
}

// GatewayAdapter delivers notifications through an HTTP gateway service,
// used for both push and SMS. The recipient is the device token or phone
// number the gateway expects.
type GatewayAdapter struct {
	channel models.ChannelType
	url     string
	apiKey  string
	enabled bool
	client  *http.Client
}

// NewGatewayAdapter creates a gateway-backed channel adapter.
func NewGatewayAdapter(channel models.ChannelType, cfg config.GatewayConfig) *GatewayAdapter {
	return &GatewayAdapter{
		channel: channel,
		url:     cfg.URL,
		apiKey:  cfg.APIKey,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the channel this adapter serves.
func (g *GatewayAdapter) Name() models.ChannelType {
	return g.channel
}

// Enabled returns whether the adapter is enabled.
func (g *GatewayAdapter) Enabled() bool {
	return g.enabled
}

// Send posts the message to the gateway addressed to the recipient.
func (g *GatewayAdapter) Send(ctx context.Context, recipient string, msg Message) error {
	payload := map[string]interface{}{
		"to":      recipient,
		"title":   msg.Title,
		"message": msg.Body,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling gateway payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating gateway request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending via %s gateway: %w", g.channel, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s gateway returned status %d", g.channel, resp.StatusCode)
	}

	return nil
}
