package alerts

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// Channel names a delivery mechanism for one AlertConfig.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// AlertConfig is one org-configured alert destination. Destination is
// channel-dependent: a recipient address for email, an incoming-webhook URL
// for slack, an HTTPS endpoint for webhook. Secret signs webhook deliveries.
type AlertConfig struct {
	ID          uuid.UUID
	OrgID       uuid.UUID
	Channel     Channel
	Destination string
	Secret      string
	MinSeverity models.IssueSeverity
	Enabled     bool
}

// severityRank orders severities for MinSeverity filtering.
func severityRank(s models.IssueSeverity) int {
	switch s {
	case models.SeverityCritical:
		return 2
	case models.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Matches reports whether an issue of the given severity should be sent to
// this destination.
func (c AlertConfig) Matches(severity models.IssueSeverity) bool {
	return c.Enabled && severityRank(severity) >= severityRank(c.MinSeverity)
}

func loadConfigs(ctx context.Context, db *database.Database, orgID uuid.UUID) ([]AlertConfig, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, org_id, channel, destination, secret, min_severity, enabled
		FROM alert_configs
		WHERE org_id = $1 AND enabled = true
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert configs: %w", err)
	}
	defer rows.Close()

	var configs []AlertConfig
	for rows.Next() {
		var c AlertConfig
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Channel, &c.Destination, &c.Secret, &c.MinSeverity, &c.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan alert config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func loadConfig(ctx context.Context, db *database.Database, configID uuid.UUID) (*AlertConfig, error) {
	var c AlertConfig
	err := db.Pool.QueryRow(ctx, `
		SELECT id, org_id, channel, destination, secret, min_severity, enabled
		FROM alert_configs
		WHERE id = $1
	`, configID).Scan(&c.ID, &c.OrgID, &c.Channel, &c.Destination, &c.Secret, &c.MinSeverity, &c.Enabled)
	if err != nil {
		return nil, fmt.Errorf("failed to load alert config %s: %w", configID, err)
	}
	return &c, nil
}
