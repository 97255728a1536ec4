package alerts

import (
	"context"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sendgridmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// EmailSender delivers issue alerts over SendGrid.
type EmailSender struct {
	apiKey    string
	fromEmail string
	fromName  string
	logger    *zap.Logger
}

// NewEmailSender constructs the email channel. An empty apiKey disables it;
// sends then fail with a config error recorded on the delivery log.
func NewEmailSender(apiKey, fromEmail, fromName string, logger *zap.Logger) *EmailSender {
	return &EmailSender{
		apiKey:    apiKey,
		fromEmail: fromEmail,
		fromName:  fromName,
		logger:    logger,
	}
}

// Send delivers one issue alert to the configured recipient.
func (e *EmailSender) Send(ctx context.Context, to string, eventType string, issue EnrichedIssue) error {
	if e.apiKey == "" {
		return fmt.Errorf("email channel not configured: missing SendGrid API key")
	}

	subject := e.subject(eventType, issue)
	textBody := e.textBody(eventType, issue)
	htmlBody := e.htmlBody(eventType, issue)

	from := sendgridmail.NewEmail(e.fromName, e.fromEmail)
	toEmail := sendgridmail.NewEmail("", to)
	message := sendgridmail.NewSingleEmail(from, subject, toEmail, textBody, htmlBody)

	client := sendgrid.NewSendClient(e.apiKey)
	response, err := client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("sendgrid returned status %d: %s", response.StatusCode, response.Body)
	}

	e.logger.Info("alert email sent",
		zap.String("to", to),
		zap.String("issue_id", issue.ID),
		zap.String("event_type", eventType),
	)
	return nil
}

func (e *EmailSender) subject(eventType string, issue EnrichedIssue) string {
	prefix := map[string]string{
		"issue.created":      "New issue",
		"issue.resolved":     "Resolved",
		"issue.dismissed":    "Dismissed",
		"issue.acknowledged": "Acknowledged",
	}[eventType]
	if prefix == "" {
		prefix = "Issue update"
	}
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(issue.Severity), prefix, issue.Title)
}

func (e *EmailSender) textBody(eventType string, issue EnrichedIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", issue.Title)
	fmt.Fprintf(&b, "%s\n\n", issue.Description)
	fmt.Fprintf(&b, "Severity: %s\n", issue.Severity)
	fmt.Fprintf(&b, "Type: %s\n", issue.IssueType)
	fmt.Fprintf(&b, "Category: %s\n", issue.Category)
	fmt.Fprintf(&b, "Confidence: %.2f\n", issue.Confidence)
	if issue.EstimatedRevenueCents != 0 {
		fmt.Fprintf(&b, "Estimated revenue at risk: %.2f\n", float64(issue.EstimatedRevenueCents)/100)
	}
	fmt.Fprintf(&b, "\nRecommended action: %s\n", issue.RecommendedAction)
	fmt.Fprintf(&b, "\n--\nRevBack Alerts")
	return b.String()
}

func (e *EmailSender) htmlBody(eventType string, issue EnrichedIssue) string {
	revenue := ""
	if issue.EstimatedRevenueCents != 0 {
		revenue = fmt.Sprintf(`<p><strong>Estimated revenue at risk:</strong> %.2f</p>`, float64(issue.EstimatedRevenueCents)/100)
	}
	return fmt.Sprintf(`
		<!DOCTYPE html>
		<html>
		<body>
			<h2>%s</h2>
			<p>%s</p>
			<p><strong>Severity:</strong> %s</p>
			<p><strong>Type:</strong> %s</p>
			<p><strong>Category:</strong> %s</p>
			<p><strong>Confidence:</strong> %.2f</p>
			%s
			<p><strong>Recommended action:</strong> %s</p>
			<p>--<br>RevBack Alerts</p>
		</body>
		</html>
	`, issue.Title, issue.Description, issue.Severity, issue.IssueType, issue.Category, issue.Confidence, revenue, issue.RecommendedAction)
}
