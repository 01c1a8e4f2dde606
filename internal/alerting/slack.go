package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"protocol-monitor/internal/storage"
)

// Notifier delivers a persisted alert to an external channel. Failures must
// be returned, never panicked; the caller treats them as non-fatal.
type Notifier interface {
	Notify(ctx context.Context, alert storage.Alert) error
}

// SlackNotifier posts alerts to a Slack incoming webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     zerolog.Logger
}

// NewSlackNotifier constructs a Slack webhook notifier.
func NewSlackNotifier(webhookURL string, timeout time.Duration, logger zerolog.Logger) *SlackNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "alert_slack").Logger(),
	}
}

type slackField struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string       `json:"type"`
	Text   *slackField  `json:"text,omitempty"`
	Fields []slackField `json:"fields,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Blocks []slackBlock `json:"blocks"`
}

type slackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

// Notify posts the alert payload to the webhook.
func (n *SlackNotifier) Notify(ctx context.Context, alert storage.Alert) error {
	return n.post(ctx, renderSlackAlert(alert))
}

// SendTest posts a plain connectivity-check message.
func (n *SlackNotifier) SendTest(ctx context.Context) error {
	msg := slackMessage{Text: "Protocol Monitor - Slack integration test"}
	if err := n.post(ctx, msg); err != nil {
		return err
	}
	n.logger.Info().Msg("slack test message sent")
	return nil
}

func (n *SlackNotifier) post(ctx context.Context, msg slackMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send slack request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func renderSlackAlert(alert storage.Alert) slackMessage {
	severity := strings.ToUpper(alert.Severity)
	color := "#808080"
	switch alert.Severity {
	case string(SeverityCritical):
		color = "#FF0000"
	case string(SeverityWarning):
		color = "#FFA500"
	case string(SeverityInfo):
		color = "#0000FF"
	}

	header := slackBlock{
		Type: "header",
		Text: &slackField{
			Type: "plain_text",
			Text: fmt.Sprintf("%s Alert: %s", severity, alert.ProtocolID),
		},
	}
	fields := slackBlock{
		Type: "section",
		Fields: []slackField{
			{Type: "mrkdwn", Text: fmt.Sprintf("*Protocol:*\n%s", alert.ProtocolID)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", severity)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Alert Type:*\n%s", alert.Kind)},
			{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", alert.TriggeredAt.UTC().Format("2006-01-02 15:04:05 UTC"))},
		},
	}
	details := slackBlock{
		Type: "section",
		Text: &slackField{Type: "mrkdwn", Text: fmt.Sprintf("*Details:*\n%s", alert.Message)},
	}

	return slackMessage{
		Attachments: []slackAttachment{
			{Color: color, Blocks: []slackBlock{header, fields, details}},
		},
	}
}

var _ Notifier = (*SlackNotifier)(nil)
