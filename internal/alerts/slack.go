package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SlackSender delivers issue alerts to a Slack incoming webhook.
type SlackSender struct {
	client *http.Client
	logger *zap.Logger
}

type slackPayload struct {
	Username string       `json:"username,omitempty"`
	Blocks   []slackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"`
}

type slackBlock struct {
	Type   string           `json:"type"`
	Text   *slackTextObject `json:"text,omitempty"`
	Fields []slackTextObject `json:"fields,omitempty"`
}

type slackTextObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackSender constructs the Slack channel.
func NewSlackSender(logger *zap.Logger) *SlackSender {
	return &SlackSender{
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Send posts one issue alert to the webhook URL in the alert config.
func (s *SlackSender) Send(ctx context.Context, webhookURL string, eventType string, issue EnrichedIssue) error {
	payload := slackPayload{
		Username: "RevBack Alerts",
		Blocks:   s.formatIssue(eventType, issue),
		Text:     fmt.Sprintf("%s: %s", eventType, issue.Title),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackSender) formatIssue(eventType string, issue EnrichedIssue) []slackBlock {
	header := map[string]string{
		"issue.created":      "🚨 New Billing Issue",
		"issue.resolved":     "✅ Issue Resolved",
		"issue.dismissed":    "🔕 Issue Dismissed",
		"issue.acknowledged": "👀 Issue Acknowledged",
	}[eventType]
	if header == "" {
		header = "📬 Issue Update"
	}

	fields := []slackTextObject{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", issue.Severity)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Type:*\n%s", issue.IssueType)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Category:*\n%s", issue.Category)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Confidence:*\n%.2f", issue.Confidence)},
	}
	if issue.EstimatedRevenueCents != 0 {
		fields = append(fields, slackTextObject{
			Type: "mrkdwn",
			Text: fmt.Sprintf("*Revenue at risk:*\n%.2f %s", float64(issue.EstimatedRevenueCents)/100, "USD"),
		})
	}

	return []slackBlock{
		{
			Type: "header",
			Text: &slackTextObject{Type: "plain_text", Text: header, Emoji: true},
		},
		{
			Type: "section",
			Text: &slackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*%s*\n%s", issue.Title, issue.Description)},
		},
		{
			Type:   "section",
			Fields: fields,
		},
		{
			Type: "section",
			Text: &slackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("_Recommended:_ %s", issue.RecommendedAction)},
		},
	}
}
