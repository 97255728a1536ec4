package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
)

// Service manages encrypted BillingConnection credentials.
type Service struct {
	db         *database.Database
	encryption *EncryptionService
	logger     *zap.Logger
}

// NewService creates a new credential service.
func NewService(db *database.Database, currentKey, previousKey string, logger *zap.Logger) (*Service, error) {
	encryption, err := NewEncryptionService(currentKey, previousKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption service: %w", err)
	}

	return &Service{
		db:         db,
		encryption: encryption,
		logger:     logger,
	}, nil
}

// CreateConnection validates, encrypts, and stores credentials for a new
// BillingConnection.
func (s *Service) CreateConnection(ctx context.Context, orgID uuid.UUID, source models.Source, creds interface{}) (*models.BillingConnection, error) {
	if !IsValidSource(string(source)) {
		return nil, fmt.Errorf("unsupported source: %s", source)
	}

	if err := ValidateCredentialsStructure(string(source), creds); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	encrypted, err := s.encryption.Encrypt(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	var conn models.BillingConnection
	query := `
		INSERT INTO billing_connections (org_id, source, credentials_encrypted, is_active)
		VALUES ($1, $2, $3, true)
		RETURNING id, org_id, source, credentials_encrypted, is_active, last_webhook_at, created_at, updated_at
	`

	err = s.db.Pool.QueryRow(ctx, query, orgID, source, encrypted).Scan(
		&conn.ID,
		&conn.OrgID,
		&conn.Source,
		&conn.CredentialsEncrypted,
		&conn.IsActive,
		&conn.LastWebhookAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create billing connection: %w", err)
	}

	s.logger.Info("created billing connection",
		zap.String("connection_id", conn.ID.String()),
		zap.String("org_id", orgID.String()),
		zap.String("source", string(source)),
	)

	return &conn, nil
}

// GetConnection retrieves a BillingConnection without decrypting it.
func (s *Service) GetConnection(ctx context.Context, orgID uuid.UUID, source models.Source) (*models.BillingConnection, error) {
	var conn models.BillingConnection
	query := `
		SELECT id, org_id, source, credentials_encrypted, is_active, last_webhook_at, created_at, updated_at
		FROM billing_connections
		WHERE org_id = $1 AND source = $2 AND is_active = true
	`

	err := s.db.Pool.QueryRow(ctx, query, orgID, source).Scan(
		&conn.ID,
		&conn.OrgID,
		&conn.Source,
		&conn.CredentialsEncrypted,
		&conn.IsActive,
		&conn.LastWebhookAt,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("no active billing connection for source %s", source)
		}
		return nil, fmt.Errorf("failed to get billing connection: %w", err)
	}

	return &conn, nil
}

// GetDecryptedCredentials retrieves a connection's credentials and decrypts
// them into output (a pointer to one of the provider-specific structs).
func (s *Service) GetDecryptedCredentials(ctx context.Context, orgID uuid.UUID, source models.Source, output interface{}) error {
	conn, err := s.GetConnection(ctx, orgID, source)
	if err != nil {
		return err
	}
	return s.encryption.Decrypt(conn.CredentialsEncrypted, output)
}

// WebhookSecret decrypts a connection's credentials and returns the value
// passed to its normalizer's VerifySignature: the signing secret for Stripe
// and Recurly, the shared secret for Apple, and the package name for Google.
// The Apple and Google normalizers ignore this value: Apple payloads are
// verified by their x5c-signed JWS, Google pushes by the issuer of their
// bearer OIDC token.
func (s *Service) WebhookSecret(conn *models.BillingConnection) (string, error) {
	switch conn.Source {
	case models.SourceStripe:
		var c StripeCredentials
		if err := s.encryption.Decrypt(conn.CredentialsEncrypted, &c); err != nil {
			return "", err
		}
		return c.WebhookSecret, nil
	case models.SourceApple:
		var c AppleCredentials
		if err := s.encryption.Decrypt(conn.CredentialsEncrypted, &c); err != nil {
			return "", err
		}
		return c.SharedSecret, nil
	case models.SourceGoogle:
		var c GoogleCredentials
		if err := s.encryption.Decrypt(conn.CredentialsEncrypted, &c); err != nil {
			return "", err
		}
		return c.PackageName, nil
	case models.SourceRecurly:
		var c RecurlyCredentials
		if err := s.encryption.Decrypt(conn.CredentialsEncrypted, &c); err != nil {
			return "", err
		}
		return c.SharedSecret, nil
	default:
		return "", fmt.Errorf("unsupported source: %s", conn.Source)
	}
}

// RotateCredentials re-encrypts a connection's stored credentials under the
// current key. Call this opportunistically (e.g. from a scheduled job) after
// CREDENTIAL_ENCRYPTION_KEY_PREVIOUS has been set, to retire the old key.
func (s *Service) RotateCredentials(ctx context.Context, connectionID uuid.UUID) error {
	var encrypted string
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT credentials_encrypted FROM billing_connections WHERE id = $1`, connectionID,
	).Scan(&encrypted); err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("billing connection not found")
		}
		return fmt.Errorf("failed to load billing connection: %w", err)
	}

	var data map[string]interface{}
	if err := s.encryption.Decrypt(encrypted, &data); err != nil {
		return fmt.Errorf("failed to decrypt with current or previous key: %w", err)
	}

	reencrypted, err := s.encryption.Encrypt(data)
	if err != nil {
		return fmt.Errorf("failed to re-encrypt: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`UPDATE billing_connections SET credentials_encrypted = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		reencrypted, connectionID,
	)
	if err != nil {
		return fmt.Errorf("failed to persist rotated credentials: %w", err)
	}

	s.logger.Info("rotated billing connection credentials", zap.String("connection_id", connectionID.String()))
	return nil
}

// ListConnections lists every active BillingConnection for an org.
func (s *Service) ListConnections(ctx context.Context, orgID uuid.UUID) ([]models.BillingConnection, error) {
	query := `
		SELECT id, org_id, source, credentials_encrypted, is_active, last_webhook_at, created_at, updated_at
		FROM billing_connections
		WHERE org_id = $1 AND is_active = true
		ORDER BY source
	`

	rows, err := s.db.Pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing connections: %w", err)
	}
	defer rows.Close()

	var connections []models.BillingConnection
	for rows.Next() {
		var conn models.BillingConnection
		if err := rows.Scan(
			&conn.ID,
			&conn.OrgID,
			&conn.Source,
			&conn.CredentialsEncrypted,
			&conn.IsActive,
			&conn.LastWebhookAt,
			&conn.CreatedAt,
			&conn.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan billing connection: %w", err)
		}
		connections = append(connections, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating billing connections: %w", err)
	}

	return connections, nil
}

// DeactivateConnection soft-deactivates a connection; ingestion for its
// source is then rejected at the gateway.
func (s *Service) DeactivateConnection(ctx context.Context, connectionID uuid.UUID) error {
	result, err := s.db.Pool.Exec(ctx,
		`UPDATE billing_connections SET is_active = false, updated_at = CURRENT_TIMESTAMP WHERE id = $1`,
		connectionID,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate billing connection: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("billing connection not found")
	}

	s.logger.Info("deactivated billing connection", zap.String("connection_id", connectionID.String()))
	return nil
}

// TouchLastWebhook records that a webhook was just received for this
// connection, used by the webhook_delivery_gap detector to flag silent
// providers.
func (s *Service) TouchLastWebhook(ctx context.Context, connectionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.Pool.Exec(ctx,
		`UPDATE billing_connections SET last_webhook_at = CURRENT_TIMESTAMP WHERE id = $1`,
		connectionID,
	)
	if err != nil {
		s.logger.Warn("failed to touch last_webhook_at",
			zap.Error(err),
			zap.String("connection_id", connectionID.String()),
		)
	}
}
