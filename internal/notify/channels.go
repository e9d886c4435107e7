package notify

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"factor-trader/internal/config"
)

const (
	channelTimeout = 10 * time.Second
	telegramAPI    = "https://api.telegram.org"
)

// LogNotifier writes every notification to the structured log. It is always
// present so events survive even when no external channel is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Name() string    { return "log" }
func (l *LogNotifier) IsEnabled() bool { return true }

// Send logs n at a level matching its type.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	var ev *zerolog.Event
	switch n.Type {
	case NotificationError:
		ev = l.logger.Error()
	case NotificationAlert:
		ev = l.logger.Warn()
	default:
		ev = l.logger.Info()
	}

	keys := make([]string, 0, len(n.Data))
	for k := range n.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ev = ev.Interface(k, n.Data[k])
	}

	ev.Str("type", string(n.Type)).Msg(n.Title)
	return nil
}

// newChannelClient builds the resty client shared by the HTTP channels.
func newChannelClient() *resty.Client {
	return resty.New().
		SetTimeout(channelTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(isRetryableResp).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "factor-trader/1.0")
}

// isRetryableResp retries transport errors, throttling and server faults.
func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	code := r.StatusCode()
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	http    *resty.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		http:    newChannelClient(),
	}
}

func (w *WebhookNotifier) Name() string    { return "webhook" }
func (w *WebhookNotifier) IsEnabled() bool { return w.enabled }

// Send posts n as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	resp, err := w.http.R().SetContext(ctx).SetBody(payload).Post(w.url)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}
	return nil
}

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	http     *resty.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		http:     newChannelClient().SetBaseURL(telegramAPI),
	}
}

// SetBaseURL points the notifier at a different Bot API host.
func (t *TelegramNotifier) SetBaseURL(url string) {
	t.http.SetBaseURL(url)
}

func (t *TelegramNotifier) Name() string    { return "telegram" }
func (t *TelegramNotifier) IsEnabled() bool { return t.enabled }

type telegramReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers n using HTML parse mode.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	var reply telegramReply
	resp, err := t.http.R().
		SetContext(ctx).
		SetPathParam("token", t.botToken).
		SetBody(map[string]interface{}{
			"chat_id":    t.chatID,
			"text":       fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message)),
			"parse_mode": "HTML",
		}).
		SetResult(&reply).
		SetError(&reply).
		Post("/bot{token}/sendMessage")
	if err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !reply.OK {
		if reply.Description != "" {
			return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode(), reply.Description)
		}
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode())
	}
	return nil
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

// EmailNotifier sends notifications via email using SMTP.
type EmailNotifier struct {
	cfg     config.EmailConfig
	enabled bool
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.EmailConfig) *EmailNotifier {
	return &EmailNotifier{
		cfg:     cfg,
		enabled: cfg.Enabled && cfg.SMTPHost != "" && cfg.From != "" && cfg.To != "",
	}
}

func (e *EmailNotifier) Name() string    { return "email" }
func (e *EmailNotifier) IsEnabled() bool { return e.enabled }

// Send mails n as plain text. Port 465 uses implicit TLS, anything else lets
// net/smtp negotiate STARTTLS.
func (e *EmailNotifier) Send(_ context.Context, n Notification) error {
	if !e.enabled {
		return nil
	}

	msg := composeEmail(e.cfg.From, e.cfg.To, n)
	addr := fmt.Sprintf("%s:%d", e.cfg.SMTPHost, e.cfg.SMTPPort)

	var auth smtp.Auth
	if e.cfg.Username != "" && e.cfg.Password != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.SMTPHost)
	}

	if e.cfg.SMTPPort == 465 {
		return e.sendWithTLS(addr, auth, msg)
	}
	return smtp.SendMail(addr, auth, e.cfg.From, []string{e.cfg.To}, msg)
}

func composeEmail(from, to string, n Notification) []byte {
	body := n.Message
	if len(n.Data) > 0 {
		if data, err := json.MarshalIndent(n.Data, "", "  "); err == nil {
			body += "\n\n---\n" + string(data)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\r\n", from)
	fmt.Fprintf(&sb, "To: %s\r\n", to)
	fmt.Fprintf(&sb, "Subject: [factor-trader] %s\r\n", n.Title)
	fmt.Fprintf(&sb, "Date: %s\r\n", n.Timestamp.Format(time.RFC1123Z))
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	sb.WriteString(body)
	return []byte(sb.String())
}

// sendWithTLS sends email using implicit TLS (port 465).
func (e *EmailNotifier) sendWithTLS(addr string, auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: e.cfg.SMTPHost})
	if err != nil {
		return fmt.Errorf("TLS dial failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, e.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP auth failed: %w", err)
		}
	}
	if err := client.Mail(e.cfg.From); err != nil {
		return fmt.Errorf("SMTP MAIL failed: %w", err)
	}
	if err := client.Rcpt(e.cfg.To); err != nil {
		return fmt.Errorf("SMTP RCPT failed: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing email body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing email body: %w", err)
	}
	return client.Quit()
}
