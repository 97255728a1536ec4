package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// providerGapThresholds holds the per-source (warn, critical) hour
// thresholds for how long a connection may go without a webhook before it
// is considered suspicious.
var providerGapThresholds = map[models.Source][2]float64{
	models.SourceStripe:  {4, 12},
	models.SourceApple:   {12, 48},
	models.SourceGoogle:  {8, 24},
	models.SourceRecurly: {6, 24},
}

const defaultGapWarnHours = 6
const defaultGapCriticalHours = 24

// WebhookDeliveryGap flags billing connections that have gone quiet longer
// than expected for their provider.
type WebhookDeliveryGap struct {
	db     *database.Database
	logger *zap.Logger
	now    func() time.Time
}

func NewWebhookDeliveryGap(db *database.Database, logger *zap.Logger) *WebhookDeliveryGap {
	return &WebhookDeliveryGap{db: db, logger: logger, now: time.Now}
}

func (d *WebhookDeliveryGap) ID() string          { return "webhook_delivery_gap" }
func (d *WebhookDeliveryGap) Name() string         { return "Webhook delivery gap" }
func (d *WebhookDeliveryGap) Description() string {
	return "A billing connection has gone longer than expected without a webhook."
}

func (d *WebhookDeliveryGap) ScheduledScan(ctx context.Context, orgID uuid.UUID) ([]DetectedIssue, error) {
	rows, err := d.db.Pool.Query(ctx, `
		SELECT id, source, last_webhook_at, created_at
		FROM billing_connections
		WHERE org_id = $1 AND is_active = true
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to scan billing connections: %w", err)
	}
	defer rows.Close()

	now := d.now()
	var issues []DetectedIssue
	for rows.Next() {
		var connID uuid.UUID
		var source models.Source
		var lastWebhookAt *time.Time
		var createdAt time.Time
		if err := rows.Scan(&connID, &source, &lastWebhookAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		warnHours, criticalHours := float64(defaultGapWarnHours), float64(defaultGapCriticalHours)
		if t, ok := providerGapThresholds[source]; ok {
			warnHours, criticalHours = t[0], t[1]
		}

		var gapHours float64
		var neverDelivered bool
		if lastWebhookAt == nil {
			gapHours = now.Sub(createdAt).Hours()
			neverDelivered = true
		} else {
			gapHours = now.Sub(*lastWebhookAt).Hours()
		}

		if gapHours < warnHours {
			continue
		}

		severity := models.SeverityWarning
		confidence := 0.6
		if gapHours >= criticalHours || (neverDelivered && gapHours > 24) {
			severity = models.SeverityCritical
			confidence = 0.9
		}

		issues = append(issues, DetectedIssue{
			IssueType:   d.ID(),
			Severity:    severity,
			Title:       fmt.Sprintf("%s connection has gone quiet", source),
			Description: fmt.Sprintf("Connection %s has had no webhook for %.1f hours.", connID, gapHours),
			Confidence:  confidence,
			Evidence: map[string]interface{}{
				"connection_id":   connID.String(),
				"source":          string(source),
				"gap_hours":       gapHours,
				"never_delivered": neverDelivered,
			},
			DetectionTier: models.TierBillingOnly,
		})
	}
	return issues, rows.Err()
}
