package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quantdesk/internal/util"
)

// LogSink writes every message to a structured logger at its level.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a sink on log.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: util.Discard(log)}
}

// Send logs the batch.
func (s *LogSink) Send(ctx context.Context, b Batch) error {
	for _, m := range b.Messages {
		s.log.Log(ctx, slogLevel(m.Level), m.Text, "title", b.Title)
	}
	for _, line := range b.Summary {
		s.log.InfoContext(ctx, line, "title", b.Title, "summary", true)
	}
	return nil
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Embed colours by batch severity.
const (
	colorInfo  = 0x2ecc71
	colorWarn  = 0xf1c40f
	colorError = 0xe74c3c
)

// discordDescriptionLimit is the longest embed description Discord accepts.
const discordDescriptionLimit = 4096

// DiscordSink posts a batch to a Discord webhook as one or more embeds.
type DiscordSink struct {
	webhookURL string
	username   string
	client     *http.Client
	now        func() time.Time
}

// NewDiscordSink creates a sink posting to webhookURL. An empty URL yields
// a sink that sends nothing.
func NewDiscordSink(webhookURL, username string) *DiscordSink {
	return &DiscordSink{
		webhookURL: webhookURL,
		username:   username,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

type discordEmbed struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Color       int               `json:"color"`
	Footer      map[string]string `json:"footer,omitempty"`
	Timestamp   string            `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// Send posts the batch. Text longer than one embed allows is split over
// several posts.
func (d *DiscordSink) Send(ctx context.Context, b Batch) error {
	if d.webhookURL == "" || b.Empty() {
		return nil
	}

	color := colorInfo
	switch b.MaxLevel() {
	case LevelWarn:
		color = colorWarn
	case LevelError:
		color = colorError
	}

	chunks := split(Render(b), discordDescriptionLimit)
	for i, chunk := range chunks {
		title := b.Title
		if len(chunks) > 1 {
			title = fmt.Sprintf("%s (%d/%d)", b.Title, i+1, len(chunks))
		}
		payload := discordPayload{
			Username: d.username,
			Embeds: []discordEmbed{{
				Title:       title,
				Description: "```\n" + chunk + "```",
				Color:       color,
				Footer:      map[string]string{"text": "quantdesk"},
				Timestamp:   d.now().UTC().Format(time.RFC3339),
			}},
		}
		if err := d.post(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (d *DiscordSink) post(ctx context.Context, payload discordPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("discord returned status: %d", resp.StatusCode)
	}
	return nil
}

// split cuts text into pieces that fit in limit bytes once wrapped in a code
// fence, breaking at line ends where possible.
func split(text string, limit int) []string {
	limit -= len("```\n```")
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		} else {
			cut++
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
