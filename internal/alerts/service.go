// Package alerts fans detected issues out to an organization's configured
// channels: email and Slack are delivered inline, webhook deliveries go
// through the webhook-delivery queue with backoff retries, and every attempt
// lands in the alert delivery log.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/internal/queue"
	"github.com/revback/core/pkg/database"
	"github.com/revback/core/pkg/events"
	"github.com/revback/core/pkg/metrics"
)

// APIVersion is stamped on every outbound alert payload.
const APIVersion = "2026-02-01"

// EnrichedIssue is the issue shape carried in outbound alerts: the persisted
// row plus the static detector metadata.
type EnrichedIssue struct {
	ID                    string                 `json:"id"`
	OrgID                 string                 `json:"orgId"`
	UserID                *string                `json:"userId,omitempty"`
	IssueType             string                 `json:"issueType"`
	Severity              string                 `json:"severity"`
	Status                string                 `json:"status"`
	Title                 string                 `json:"title"`
	Description           string                 `json:"description"`
	EstimatedRevenueCents int64                  `json:"estimatedRevenueCents"`
	Confidence            float64                `json:"confidence"`
	DetectorID            string                 `json:"detectorId"`
	DetectionTier         string                 `json:"detectionTier,omitempty"`
	Evidence              map[string]interface{} `json:"evidence,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
	Category              string                 `json:"category"`
	RecommendedAction     string                 `json:"recommendedAction"`
}

// OutboundEvent is the JSON body posted to webhook alert endpoints.
type OutboundEvent struct {
	ID         string    `json:"id"`
	EventType  string    `json:"eventType"`
	APIVersion string    `json:"apiVersion"`
	Timestamp  time.Time `json:"timestamp"`
	Data       struct {
		Issue EnrichedIssue `json:"issue"`
	} `json:"data"`
}

// DeliveryJob is the payload on webhook-delivery queue jobs. The endpoint
// secret is re-read from the config row at delivery time rather than carried
// through Redis.
type DeliveryJob struct {
	ConfigID  uuid.UUID       `json:"config_id"`
	OrgID     uuid.UUID       `json:"org_id"`
	IssueID   uuid.UUID       `json:"issue_id"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Body      json.RawMessage `json:"body"`
}

// Dispatcher subscribes to issue lifecycle events and routes them to the
// org's alert configurations.
type Dispatcher struct {
	db       *database.Database
	webhooks *queue.Queue
	email    *EmailSender
	slack    *SlackSender
	sender   *WebhookSender
	logger   *zap.Logger
}

// NewDispatcher constructs the alert dispatcher.
func NewDispatcher(db *database.Database, webhooks *queue.Queue, email *EmailSender, slack *SlackSender, sender *WebhookSender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:       db,
		webhooks: webhooks,
		email:    email,
		slack:    slack,
		sender:   sender,
		logger:   logger,
	}
}

// Subscribe registers the dispatcher on the issue lifecycle events. The bus
// runs handlers in their own goroutines, so dispatch never blocks detection.
func (d *Dispatcher) Subscribe(bus *events.Bus) {
	for _, t := range []events.EventType{
		events.EventIssueCreated,
		events.EventIssueResolved,
		events.EventIssueDismissed,
		events.EventIssueAcknowledged,
	} {
		bus.Subscribe(t, d.handleIssueEvent)
	}
}

func (d *Dispatcher) handleIssueEvent(ctx context.Context, event events.Event) error {
	orgID, err := uuid.Parse(event.OrgID)
	if err != nil {
		return fmt.Errorf("invalid org id on issue event: %w", err)
	}
	issueIDStr, _ := event.Payload["issue_id"].(string)
	issueID, err := uuid.Parse(issueIDStr)
	if err != nil {
		return fmt.Errorf("invalid issue id on issue event: %w", err)
	}

	issue, err := d.loadIssue(ctx, issueID)
	if err != nil {
		return err
	}
	enriched := d.enrich(*issue)

	configs, err := loadConfigs(ctx, d.db, orgID)
	if err != nil {
		return err
	}

	for _, cfg := range configs {
		if !cfg.Matches(issue.Severity) {
			continue
		}
		d.dispatch(ctx, cfg, string(event.Type), enriched)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, cfg AlertConfig, eventType string, issue EnrichedIssue) {
	issueID, _ := uuid.Parse(issue.ID)

	switch cfg.Channel {
	case ChannelEmail:
		err := d.email.Send(ctx, cfg.Destination, eventType, issue)
		d.recordDelivery(ctx, cfg, issueID, err)

	case ChannelSlack:
		err := d.slack.Send(ctx, cfg.Destination, eventType, issue)
		d.recordDelivery(ctx, cfg, issueID, err)

	case ChannelWebhook:
		if err := d.enqueueWebhook(ctx, cfg, eventType, issue); err != nil {
			d.logger.Error("failed to enqueue alert webhook delivery",
				zap.String("config_id", cfg.ID.String()),
				zap.String("issue_id", issue.ID),
				zap.Error(err),
			)
		}

	default:
		d.logger.Warn("unknown alert channel", zap.String("channel", string(cfg.Channel)))
	}
}

func (d *Dispatcher) enqueueWebhook(ctx context.Context, cfg AlertConfig, eventType string, issue EnrichedIssue) error {
	out := OutboundEvent{
		ID:         "evt_" + uuid.New().String(),
		EventType:  eventType,
		APIVersion: APIVersion,
		Timestamp:  time.Now().UTC(),
	}
	out.Data.Issue = issue

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound event: %w", err)
	}

	issueID, _ := uuid.Parse(issue.ID)
	payload, err := json.Marshal(DeliveryJob{
		ConfigID:  cfg.ID,
		OrgID:     cfg.OrgID,
		IssueID:   issueID,
		EventID:   out.ID,
		EventType: eventType,
		Body:      body,
	})
	if err != nil {
		return err
	}

	jobID := fmt.Sprintf("alert-%s-%s-%s", issue.ID, cfg.ID, eventType)
	return d.webhooks.Enqueue(ctx, jobID, payload)
}

// DeliverWebhook is the webhook-delivery queue handler: sign, post, record
// the attempt, and let the queue's exponential backoff drive retries.
func (d *Dispatcher) DeliverWebhook(ctx context.Context, jobID string, payload []byte) error {
	var job DeliveryJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("malformed delivery job payload: %w", err)
	}

	cfg, err := loadConfig(ctx, d.db, job.ConfigID)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		d.logger.Info("alert config disabled, dropping delivery",
			zap.String("config_id", cfg.ID.String()),
		)
		return nil
	}

	err = d.sender.Send(ctx, cfg.Destination, cfg.Secret, job.Body, job.EventType, job.EventID)
	d.recordDelivery(ctx, *cfg, job.IssueID, err)
	return err
}

// recordDelivery writes one AlertDeliveryLog row. Log failures are swallowed:
// delivery bookkeeping must never fail a delivery.
func (d *Dispatcher) recordDelivery(ctx context.Context, cfg AlertConfig, issueID uuid.UUID, deliveryErr error) {
	outcome := "delivered"
	errMsg := ""
	if deliveryErr != nil {
		outcome = "failed"
		errMsg = deliveryErr.Error()
	}
	metrics.AlertDeliveries.WithLabelValues(string(cfg.Channel), outcome).Inc()

	_, err := d.db.Pool.Exec(ctx, `
		INSERT INTO alert_delivery_logs (org_id, issue_id, channel, outcome, error)
		VALUES ($1, $2, $3, $4, $5)
	`, cfg.OrgID, issueID, cfg.Channel, outcome, errMsg)
	if err != nil {
		d.logger.Warn("failed to record alert delivery",
			zap.String("issue_id", issueID.String()),
			zap.Error(err),
		)
	}

	if deliveryErr != nil {
		d.logger.Warn("alert delivery failed",
			zap.String("channel", string(cfg.Channel)),
			zap.String("issue_id", issueID.String()),
			zap.Error(deliveryErr),
		)
	}
}

func (d *Dispatcher) loadIssue(ctx context.Context, issueID uuid.UUID) (*models.Issue, error) {
	var issue models.Issue
	err := d.db.Pool.QueryRow(ctx, `
		SELECT id, org_id, user_id, issue_type, severity, status, title, description,
			estimated_revenue_cents, confidence, detector_id, detection_tier, evidence, created_at
		FROM issues WHERE id = $1
	`, issueID).Scan(
		&issue.ID, &issue.OrgID, &issue.UserID, &issue.IssueType, &issue.Severity,
		&issue.Status, &issue.Title, &issue.Description, &issue.EstimatedRevenueCents,
		&issue.Confidence, &issue.DetectorID, &issue.DetectionTier, &issue.Evidence, &issue.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %s: %w", issueID, err)
	}
	return &issue, nil
}

func (d *Dispatcher) enrich(issue models.Issue) EnrichedIssue {
	meta := MetaFor(issue.DetectorID)

	enriched := EnrichedIssue{
		ID:                    issue.ID.String(),
		OrgID:                 issue.OrgID.String(),
		IssueType:             issue.IssueType,
		Severity:              string(issue.Severity),
		Status:                string(issue.Status),
		Title:                 issue.Title,
		Description:           issue.Description,
		EstimatedRevenueCents: issue.EstimatedRevenueCents,
		Confidence:            issue.Confidence,
		DetectorID:            issue.DetectorID,
		DetectionTier:         string(issue.DetectionTier),
		Evidence:              issue.Evidence,
		CreatedAt:             issue.CreatedAt,
		Category:              meta.Category,
		RecommendedAction:     meta.RecommendedAction,
	}
	if issue.UserID != nil {
		s := issue.UserID.String()
		enriched.UserID = &s
	}
	return enriched
}
