package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/revback/core/internal/detection"
	"github.com/revback/core/internal/entitlement"
	"github.com/revback/core/internal/identity"
	"github.com/revback/core/internal/models"
	"github.com/revback/core/internal/normalizer"
	"github.com/revback/core/pkg/database"
	"github.com/revback/core/pkg/events"
	"github.com/revback/core/pkg/metrics"
)

// Processor is the worker half of the pipeline: it consumes webhook jobs and
// walks each raw payload through normalize → resolve → persist → reduce →
// detect.
type Processor struct {
	db          *database.Database
	normalizers *normalizer.Registry
	resolver    *identity.Resolver
	reducer     *entitlement.Reducer
	engine      *detection.Engine
	bus         *events.Bus
	logger      *zap.Logger
}

// NewProcessor constructs the worker-side processor.
func NewProcessor(db *database.Database, normalizers *normalizer.Registry, resolver *identity.Resolver, reducer *entitlement.Reducer, engine *detection.Engine, bus *events.Bus, logger *zap.Logger) *Processor {
	return &Processor{
		db:          db,
		normalizers: normalizers,
		resolver:    resolver,
		reducer:     reducer,
		engine:      engine,
		bus:         bus,
		logger:      logger,
	}
}

// Process handles one webhook job. A returned error marks the raw log failed
// and lets the queue retry; after attempts are exhausted HandleDeadLetter
// flips the log to dlq.
func (p *Processor) Process(ctx context.Context, jobID string, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("malformed webhook job payload: %w", err)
	}

	body, err := p.loadRawBody(ctx, job.LogID)
	if err != nil {
		return err
	}

	p.setLogStatus(ctx, job.LogID, models.ProcessingInProgress, "")

	n, err := p.normalizers.Get(job.Source)
	if err != nil {
		p.setLogStatus(ctx, job.LogID, models.ProcessingFailed, err.Error())
		return err
	}

	normalized, err := n.Normalize(body)
	if err != nil {
		p.setLogStatus(ctx, job.LogID, models.ProcessingFailed, err.Error())
		return fmt.Errorf("normalization failed: %w", err)
	}

	if len(normalized) == 0 {
		p.setLogStatus(ctx, job.LogID, models.ProcessingSucceeded, "skipped: no recognized events")
		return nil
	}

	for _, ev := range normalized {
		if err := p.processEvent(ctx, job, n, body, ev); err != nil {
			p.setLogStatus(ctx, job.LogID, models.ProcessingFailed, err.Error())
			return err
		}
	}

	p.setLogStatus(ctx, job.LogID, models.ProcessingSucceeded, "")

	if err := p.bus.Publish(ctx, events.NewEvent(events.EventWebhookProcessed, job.OrgID.String(), map[string]interface{}{
		"log_id": job.LogID.String(),
		"source": string(job.Source),
		"events": len(normalized),
	})); err != nil {
		p.logger.Warn("failed to publish webhook processed event", zap.Error(err))
	}

	return nil
}

func (p *Processor) processEvent(ctx context.Context, job Job, n normalizer.Normalizer, body []byte, ev normalizer.NormalizedEvent) error {
	hints := ev.IdentityHints
	if len(hints) == 0 {
		extracted, err := n.ExtractIdentityHints(body)
		if err != nil {
			return fmt.Errorf("failed to extract identity hints: %w", err)
		}
		hints = extracted
	}

	userID, err := p.resolver.Resolve(ctx, job.OrgID, hints)
	if err != nil {
		return fmt.Errorf("identity resolution failed: %w", err)
	}

	event := models.CanonicalEvent{
		OrgID:           job.OrgID,
		Source:          job.Source,
		ExternalEventID: ev.ExternalEventID,
		EventType:       ev.EventType,
		Status:          ev.Status,
		UserID:          userID,
		ProductID:       ev.ProductID,
		AmountCents:     ev.AmountCents,
		Currency:        ev.Currency,
		EventTime:       ev.EventTime,
	}

	inserted, eventID, err := p.insertCanonicalEvent(ctx, event)
	if err != nil {
		return err
	}
	if !inserted {
		// Replayed delivery: the event row already exists, so the reducer
		// and detectors have already seen it.
		p.logger.Debug("canonical event replay, skipping",
			zap.String("org_id", job.OrgID.String()),
			zap.String("external_event_id", ev.ExternalEventID),
		)
		return nil
	}
	event.ID = eventID
	metrics.EventsNormalized.WithLabelValues(string(job.Source), string(ev.EventType)).Inc()

	if err := p.reducer.Apply(ctx, event); err != nil {
		return fmt.Errorf("entitlement reduction failed: %w", err)
	}

	p.engine.CheckForIssues(ctx, job.OrgID, userID, event)
	return nil
}

// insertCanonicalEvent upserts by (orgId, source, externalEventId); a
// conflict means a replay and reports inserted=false.
func (p *Processor) insertCanonicalEvent(ctx context.Context, event models.CanonicalEvent) (bool, uuid.UUID, error) {
	var id uuid.UUID
	err := p.db.Pool.QueryRow(ctx, `
		INSERT INTO canonical_events (org_id, source, external_event_id, event_type, status,
			user_id, product_id, amount_cents, currency, event_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (org_id, source, external_event_id) DO NOTHING
		RETURNING id
	`, event.OrgID, event.Source, event.ExternalEventID, event.EventType, event.Status,
		event.UserID, event.ProductID, event.AmountCents, event.Currency, event.EventTime,
	).Scan(&id)

	switch {
	case err == nil:
		return true, id, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, uuid.Nil, nil
	default:
		return false, uuid.Nil, fmt.Errorf("failed to insert canonical event: %w", err)
	}
}

func (p *Processor) loadRawBody(ctx context.Context, logID uuid.UUID) ([]byte, error) {
	var body []byte
	err := p.db.Pool.QueryRow(ctx, `SELECT body FROM raw_webhook_logs WHERE id = $1`, logID).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("raw webhook log %s not found", logID)
		}
		return nil, fmt.Errorf("failed to load raw webhook log: %w", err)
	}
	return body, nil
}

func (p *Processor) setLogStatus(ctx context.Context, logID uuid.UUID, status models.ProcessingStatus, errMsg string) {
	_, err := p.db.Pool.Exec(ctx, `
		UPDATE raw_webhook_logs SET processing_status = $1, error_message = $2 WHERE id = $3
	`, status, errMsg, logID)
	if err != nil {
		p.logger.Error("failed to update raw log status",
			zap.String("log_id", logID.String()),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// HandleDeadLetter marks the raw log dlq once the queue gives up on a job.
func (p *Processor) HandleDeadLetter(ctx context.Context, jobID string, payload []byte, lastErr string) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		p.logger.Error("malformed dead-letter payload", zap.String("job_id", jobID), zap.Error(err))
		return
	}

	p.setLogStatus(ctx, job.LogID, models.ProcessingDLQ, lastErr)

	if err := p.bus.Publish(ctx, events.NewEvent(events.EventWebhookDLQ, job.OrgID.String(), map[string]interface{}{
		"log_id": job.LogID.String(),
		"source": string(job.Source),
		"error":  lastErr,
	})); err != nil {
		p.logger.Warn("failed to publish webhook dlq event", zap.Error(err))
	}
}

// PurgeOldLogs is the data-retention sweep: raw webhook logs older than the
// retention window are deleted once fully processed. Logs whose processing
// never succeeded are kept for inspection regardless of age.
func (p *Processor) PurgeOldLogs(ctx context.Context, jobID string, payload []byte) error {
	const retention = 30 * 24 * time.Hour
	cutoff := time.Now().Add(-retention)

	tag, err := p.db.Pool.Exec(ctx, `
		DELETE FROM raw_webhook_logs
		WHERE received_at < $1 AND processing_status = 'succeeded'
	`, cutoff)
	if err != nil {
		return fmt.Errorf("data retention sweep failed: %w", err)
	}

	p.logger.Info("data retention sweep completed",
		zap.Int64("deleted", tag.RowsAffected()),
		zap.Time("cutoff", cutoff),
	)
	return nil
}
