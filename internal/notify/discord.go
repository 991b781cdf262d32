package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/ctfledger/internal/domain"
)

// Embed colors per alert event.
const (
	colorResolved = 0x2ecc71
	colorPrepared = 0x3498db
	colorMarket   = 0xf1c40f
	colorOther    = 0x95a5a6
)

// DiscordSender delivers alerts to a Discord webhook as one embed each:
// alert fields become embed fields and the event type sets the color.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSender creates a DiscordSender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields,omitempty"`
	Footer      discordFooter  `json:"footer"`
	Timestamp   string         `json:"timestamp"`
}

type discordField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type discordFooter struct {
	Text string `json:"text"`
}

func eventColor(event string) int {
	switch event {
	case string(domain.EventConditionResolution):
		return colorResolved
	case string(domain.EventConditionPreparation):
		return colorPrepared
	case EventMarketCreated:
		return colorMarket
	}
	return colorOther
}

// Send posts a as a single embed.
func (d *DiscordSender) Send(ctx context.Context, a Alert) error {
	embed := discordEmbed{
		Title:       a.Title,
		Description: a.Body,
		Color:       eventColor(a.Event),
		Footer:      discordFooter{Text: a.Event},
		Timestamp:   d.now().UTC().Format(time.RFC3339),
	}
	for _, f := range a.Fields {
		embed.Fields = append(embed.Fields, discordField{Name: f.Name, Value: f.Value})
	}

	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("discord: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("discord: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
