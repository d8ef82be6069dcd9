// Package notify sends Discord/Telegram webhook notifications when the
// backend announces a new block height.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cfsworks/mmpd/internal/config"
	"github.com/cfsworks/mmpd/internal/util"
)

// Retry configuration for outbound webhook requests.
const (
	maxRetries     = 3
	retryBaseDelay = 2 * time.Second
)

// Notifier sends block-found notifications to configured webhooks.
type Notifier struct {
	cfg    config.WebhookConfig
	client *http.Client
}

// New creates a Notifier from the webhook section of the process config.
func New(cfg config.WebhookConfig) *Notifier {
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// NotifyBlockFound reports a new block height to every configured webhook.
// It is meant to be wired to provider.Notifier.BroadcastBlock (or a thin
// wrapper around it), not called on ordinary work updates.
func (n *Notifier) NotifyBlockFound(height int) {
	if !n.cfg.Enabled {
		return
	}
	if n.cfg.DiscordURL != "" {
		go n.sendDiscord(height)
	}
	if n.cfg.TelegramBot != "" && n.cfg.TelegramChat != "" {
		go n.sendTelegram(height)
	}
}

// discordEmbed is a Discord embed object.
type discordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []discordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *discordFooter `json:"footer,omitempty"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordMessage struct {
	Embeds []discordEmbed `json:"embeds,omitempty"`
}

func (n *Notifier) sendDiscord(height int) {
	msg := discordMessage{
		Embeds: []discordEmbed{{
			Title:       "Block Found!",
			Description: fmt.Sprintf("**%s** found a new block.", n.cfg.PoolName),
			Color:       0x00FF00,
			Fields: []discordField{
				{Name: "Height", Value: fmt.Sprintf("%d", height), Inline: true},
			},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Footer:    &discordFooter{Text: n.cfg.PoolName},
		}},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: marshal discord message: %v", err)
		return
	}
	n.postWithRetry(n.cfg.DiscordURL, body)
}

// telegramMessage is a Telegram Bot API sendMessage payload.
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (n *Notifier) sendTelegram(height int) {
	text := fmt.Sprintf("*Block Found!*\n\nHeight: `%d`", height)
	msg := telegramMessage{ChatID: n.cfg.TelegramChat, Text: text, ParseMode: "Markdown"}

	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("notify: marshal telegram message: %v", err)
		return
	}
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", n.cfg.TelegramBot)
	n.postWithRetry(url, body)
}

// postWithRetry POSTs body to url with exponential backoff, honoring
// Telegram/Discord's 429 rate-limit convention with a fixed cooldown.
func (n *Notifier) postWithRetry(url string, body []byte) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return
		}
		if resp.StatusCode == 429 {
			time.Sleep(5 * time.Second)
			continue
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
	}

	if lastErr != nil {
		util.Warnf("notify: webhook delivery failed after %d attempts: %v", maxRetries, lastErr)
	}
}
