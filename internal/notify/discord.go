package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	colorStarted   = 0x3498db
	colorCompleted = 0x2ecc71
	colorFailed    = 0xe74c3c
	colorInfo      = 0x95a5a6
	colorBatch     = 0x9b59b6

	maxErrorChars = 1000
)

type DiscordOptions struct {
	WebhookURL string

	NotifyOnStart    bool
	NotifyOnComplete bool
	NotifyOnError    bool
	NotifyOnBatch    bool

	HTTPClient *http.Client
	Logger     *slog.Logger
	Attempts   int
	Backoff    time.Duration
}

// Discord posts embeds to a webhook.
type Discord struct {
	url      string
	opts     DiscordOptions
	client   *http.Client
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

func NewDiscord(opts DiscordOptions) *Discord {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Discord{
		url:      strings.TrimSpace(opts.WebhookURL),
		opts:     opts,
		client:   client,
		logger:   logger.With("component", "discord"),
		attempts: attempts,
		backoff:  backoff,
	}
}

func (d *Discord) Enabled() bool {
	return d != nil && d.url != ""
}

func (d *Discord) NotifyJob(ctx context.Context, ev JobEvent) {
	if !d.Enabled() || !d.wants(ev.Phase) {
		return
	}
	d.send(ctx, "job "+ev.Phase, jobEmbed(ev))
}

func (d *Discord) NotifyBatch(ctx context.Context, ev BatchEvent) {
	if !d.Enabled() || !d.opts.NotifyOnBatch {
		return
	}
	d.send(ctx, "batch", batchEmbed(ev))
}

func (d *Discord) wants(phase string) bool {
	switch phase {
	case PhaseStarted:
		return d.opts.NotifyOnStart
	case PhaseCompleted:
		return d.opts.NotifyOnComplete
	case PhaseFailed:
		return d.opts.NotifyOnError
	default:
		return false
	}
}

func (d *Discord) send(ctx context.Context, name string, e embed) {
	body, err := json.Marshal(webhookPayload{Embeds: []embed{e}})
	if err != nil {
		d.logger.Error("encode webhook payload failed", "error", err)
		return
	}
	err = withRetry(ctx, d.logger, "discord "+name, d.attempts, d.backoff, func() error {
		return d.post(ctx, body)
	})
	if err != nil {
		d.logger.Warn("discord notification failed", "event", name, "error", err)
	}
}

func (d *Discord) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return permanentError{err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	statusErr := fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return statusErr
	}
	return permanentError{err: statusErr}
}

type webhookPayload struct {
	Content string  `json:"content,omitempty"`
	Embeds  []embed `json:"embeds"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

func jobEmbed(ev JobEvent) embed {
	op := titleCase(ev.JobType)
	e := embed{
		Description: fmt.Sprintf("**%s**\n`%s`", ev.SourceName, ev.ExternalID),
		Timestamp:   timestamp(ev.At),
	}
	switch ev.Phase {
	case PhaseStarted:
		e.Title, e.Color = "[START] "+op+" Started", colorStarted
	case PhaseCompleted:
		e.Title, e.Color = "[OK] "+op+" Completed", colorCompleted
	case PhaseFailed:
		e.Title, e.Color = "[FAILED] "+op+" Failed", colorFailed
	default:
		e.Title, e.Color = "[INFO] "+op, colorInfo
	}
	if ev.Phase == PhaseStarted {
		return e
	}
	if ev.Messages > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Messages", Value: strconv.Itoa(ev.Messages), Inline: true})
	}
	if ev.Media > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Media Files", Value: strconv.Itoa(ev.Media), Inline: true})
	}
	if ev.Files > 0 || ev.JobType == "download" {
		e.Fields = append(e.Fields, embedField{Name: "Files Downloaded", Value: strconv.Itoa(ev.Files), Inline: true})
	}
	if ev.Bytes > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Size", Value: FormatBytes(ev.Bytes), Inline: true})
	}
	if ev.Skipped > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Already Present", Value: strconv.Itoa(ev.Skipped), Inline: true})
	}
	if ev.Duration > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Duration", Value: ev.Duration.Round(time.Second).String(), Inline: true})
	}
	if ev.Error != "" {
		e.Fields = append(e.Fields, embedField{Name: "Error", Value: "```" + TruncateError(ev.Error, maxErrorChars) + "```"})
	}
	return e
}

func batchEmbed(ev BatchEvent) embed {
	color := colorBatch
	if ev.Failures > 0 {
		color = colorFailed
	}
	e := embed{
		Title:     "[BATCH] Scheduled Run Finished",
		Color:     color,
		Timestamp: timestamp(ev.At),
		Fields: []embedField{
			{Name: "Sources", Value: strconv.Itoa(ev.Sources), Inline: true},
			{Name: "Failures", Value: strconv.Itoa(ev.Failures), Inline: true},
			{Name: "New Files", Value: strconv.Itoa(ev.Files), Inline: true},
			{Name: "New Size", Value: FormatBytes(ev.Bytes), Inline: true},
			{Name: "Duration", Value: ev.Duration.Round(time.Second).String(), Inline: true},
		},
	}
	var failed []string
	for _, row := range ev.Rows {
		if row.Failed() {
			failed = append(failed, fmt.Sprintf("- %s (%s): %s", row.SourceName, row.JobType, TruncateError(row.Error, 200)))
		}
	}
	if len(failed) > 0 {
		e.Fields = append(e.Fields, embedField{Name: "Failed Jobs", Value: "```" + TruncateError(strings.Join(failed, "\n"), maxErrorChars) + "```"})
	}
	return e
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// FormatBytes renders n with binary units.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	return strconv.FormatFloat(value, 'f', 1, 64) + " " + string("KMGTPE"[exp]) + "iB"
}

var errDisabled = errors.New("notifier disabled")

// Ping posts a test message, used by the doctor command.
func (d *Discord) Ping(ctx context.Context) error {
	if !d.Enabled() {
		return errDisabled
	}
	body, err := json.Marshal(webhookPayload{Embeds: []embed{{
		Title:       "[INFO] tdl-archive-manager",
		Description: "Webhook check",
		Color:       colorInfo,
		Timestamp:   timestamp(time.Time{}),
	}}})
	if err != nil {
		return err
	}
	return withRetry(ctx, d.logger, "discord ping", 1, d.backoff, func() error {
		return d.post(ctx, body)
	})
}
