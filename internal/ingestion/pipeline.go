// Package ingestion is the webhook path from HTTP ingress to detector
// invocation: verify the provider signature, persist the raw payload as the
// idempotency record, enqueue async processing, then (worker-side) normalize,
// resolve identity, reduce entitlement state and run event detectors.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/revback/core/internal/credentials"
	"github.com/revback/core/internal/models"
	"github.com/revback/core/internal/normalizer"
	"github.com/revback/core/internal/queue"
	"github.com/revback/core/pkg/database"
	"github.com/revback/core/pkg/events"
	"github.com/revback/core/pkg/metrics"
)

var (
	// ErrOrganizationNotFound means the org slug in the webhook URL is unknown.
	ErrOrganizationNotFound = errors.New("organization not found")
	// ErrConnectionNotFound means the org has no active connection for the source.
	ErrConnectionNotFound = errors.New("no active billing connection for source")
	// ErrSignatureInvalid means verification failed; nothing was persisted.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")
)

// Job is the payload enqueued per accepted webhook.
type Job struct {
	LogID  uuid.UUID     `json:"log_id"`
	OrgID  uuid.UUID     `json:"org_id"`
	Source models.Source `json:"source"`
}

// JobID returns the stable queue job id for a raw log, so a retried HTTP
// request that somehow produced the same log row cannot double-enqueue.
func JobID(logID uuid.UUID) string {
	return "webhook-" + logID.String()
}

// Pipeline is the ingress half: everything that happens while the provider
// is still waiting for its 200.
type Pipeline struct {
	db          *database.Database
	normalizers *normalizer.Registry
	credentials *credentials.Service
	webhookJobs *queue.Queue
	bus         *events.Bus
	logger      *zap.Logger
}

// NewPipeline constructs the ingress pipeline.
func NewPipeline(db *database.Database, normalizers *normalizer.Registry, creds *credentials.Service, webhookJobs *queue.Queue, bus *events.Bus, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:          db,
		normalizers: normalizers,
		credentials: creds,
		webhookJobs: webhookJobs,
		bus:         bus,
		logger:      logger,
	}
}

// Ingest accepts one inbound webhook: verify, persist, enqueue. The raw body
// bytes are preserved exactly as received, since providers sign over them.
// Nothing is persisted when signature verification fails.
func (p *Pipeline) Ingest(ctx context.Context, orgSlug string, source models.Source, body []byte, headers http.Header) (uuid.UUID, error) {
	orgID, err := p.orgIDBySlug(ctx, orgSlug)
	if err != nil {
		return uuid.Nil, err
	}

	conn, err := p.credentials.GetConnection(ctx, orgID, source)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(string(source), "unknown_connection").Inc()
		return uuid.Nil, ErrConnectionNotFound
	}

	n, err := p.normalizers.Get(source)
	if err != nil {
		return uuid.Nil, ErrConnectionNotFound
	}

	secret, err := p.credentials.WebhookSecret(conn)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to decrypt connection credentials: %w", err)
	}

	if !n.VerifySignature(body, headers, secret) {
		metrics.WebhooksReceived.WithLabelValues(string(source), "signature_failed").Inc()
		return uuid.Nil, ErrSignatureInvalid
	}

	logID, err := p.insertRawLog(ctx, orgID, source, body, headers)
	if err != nil {
		return uuid.Nil, err
	}

	payload, err := json.Marshal(Job{LogID: logID, OrgID: orgID, Source: source})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal webhook job: %w", err)
	}
	if err := p.webhookJobs.Enqueue(ctx, JobID(logID), payload); err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue webhook job: %w", err)
	}

	// Fire-and-forget on a detached context: the provider's 200 must not
	// wait on this bump, and the request context dies with the response.
	go p.credentials.TouchLastWebhook(context.Background(), conn.ID)
	metrics.WebhooksReceived.WithLabelValues(string(source), "accepted").Inc()

	if err := p.bus.Publish(ctx, events.NewEvent(events.EventWebhookReceived, orgID.String(), map[string]interface{}{
		"log_id": logID.String(),
		"source": string(source),
	})); err != nil {
		p.logger.Warn("failed to publish webhook received event", zap.Error(err))
	}

	return logID, nil
}

func (p *Pipeline) orgIDBySlug(ctx context.Context, slug string) (uuid.UUID, error) {
	var id uuid.UUID
	err := p.db.Pool.QueryRow(ctx, `SELECT id FROM organizations WHERE slug = $1`, slug).Scan(&id)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, pgx.ErrNoRows):
		return uuid.Nil, ErrOrganizationNotFound
	default:
		return uuid.Nil, fmt.Errorf("failed to look up organization: %w", err)
	}
}

func (p *Pipeline) insertRawLog(ctx context.Context, orgID uuid.UUID, source models.Source, body []byte, headers http.Header) (uuid.UUID, error) {
	filtered := FilterHeaders(headers)
	headerJSON, err := json.Marshal(filtered)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal headers: %w", err)
	}

	var id uuid.UUID
	err = p.db.Pool.QueryRow(ctx, `
		INSERT INTO raw_webhook_logs (org_id, source, headers, body, processing_status)
		VALUES ($1, $2, $3, $4, 'received')
		RETURNING id
	`, orgID, source, headerJSON, body).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to persist raw webhook log: %w", err)
	}
	return id, nil
}

// FilterHeaders keeps the headers worth retaining on a raw log (content
// negotiation and provider signature material) and drops credentials the
// caller should never see again.
func FilterHeaders(headers http.Header) map[string]string {
	filtered := make(map[string]string)
	for name, values := range headers {
		if len(values) == 0 {
			continue
		}
		lower := strings.ToLower(name)
		switch lower {
		case "authorization", "cookie", "x-api-key", "proxy-authorization":
			continue
		}
		filtered[lower] = values[0]
	}
	return filtered
}
