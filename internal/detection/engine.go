// Package detection runs the detector registry against live events and
// scheduled scans, persisting new Issue rows and firing alert events.
package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/revback/core/internal/detector"
	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/database"
	"github.com/revback/core/pkg/events"
	"github.com/revback/core/pkg/metrics"
)

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ScanResult reports one detector's contribution to a scheduled scan.
type ScanResult struct {
	DetectorID string
	Total      int
	New        int
}

// Engine runs detectors and turns their findings into persisted Issues.
type Engine struct {
	registry *detector.Registry
	db       *database.Database
	bus      *events.Bus
	logger   *zap.Logger
}

// NewEngine constructs a detection engine.
func NewEngine(registry *detector.Registry, db *database.Database, bus *events.Bus, logger *zap.Logger) *Engine {
	return &Engine{registry: registry, db: db, bus: bus, logger: logger}
}

// CheckForIssues runs every event-triggered detector against a freshly
// reduced canonical event. A detector that errors or panics is logged and
// skipped; the rest still run.
func (e *Engine) CheckForIssues(ctx context.Context, orgID, userID uuid.UUID, event models.CanonicalEvent) {
	for _, d := range e.registry.All() {
		checker, ok := d.(detector.EventChecker)
		if !ok {
			continue
		}
		e.runEventChecker(ctx, d, checker, orgID, userID, event)
	}
}

func (e *Engine) runEventChecker(ctx context.Context, d detector.Detector, checker detector.EventChecker, orgID, userID uuid.UUID, event models.CanonicalEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("detector panicked",
				zap.String("detector_id", d.ID()),
				zap.Any("panic", r),
			)
		}
	}()

	found, err := checker.CheckEvent(ctx, orgID, userID, event)
	if err != nil {
		e.logger.Error("detector check failed",
			zap.String("detector_id", d.ID()),
			zap.Error(err),
		)
		return
	}

	for _, di := range found {
		if _, err := e.createIssue(ctx, orgID, d.ID(), di); err != nil {
			e.logger.Error("failed to create issue",
				zap.String("detector_id", d.ID()),
				zap.Error(err),
			)
		}
	}
}

// RunScheduledScans runs every detector's scheduled scan for an org and
// returns per-detector totals.
func (e *Engine) RunScheduledScans(ctx context.Context, orgID uuid.UUID) []ScanResult {
	var results []ScanResult
	for _, d := range e.registry.WithScheduledScan() {
		results = append(results, e.runScan(ctx, d, orgID))
	}
	return results
}

// RunSingleDetectorScan runs one detector's scheduled scan on demand,
// bypassing the cron schedule.
func (e *Engine) RunSingleDetectorScan(ctx context.Context, orgID uuid.UUID, detectorID string) (ScanResult, error) {
	d, err := e.registry.Get(detectorID)
	if err != nil {
		return ScanResult{}, err
	}
	return e.runScan(ctx, d, orgID), nil
}

func (e *Engine) runScan(ctx context.Context, d detector.Detector, orgID uuid.UUID) ScanResult {
	result := ScanResult{DetectorID: d.ID()}

	scanner, ok := d.(detector.ScheduledScanner)
	if !ok {
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scheduled detector panicked",
				zap.String("detector_id", d.ID()),
				zap.Any("panic", r),
			)
		}
	}()

	found, err := scanner.ScheduledScan(ctx, orgID)
	if err != nil {
		e.logger.Error("scheduled scan failed",
			zap.String("detector_id", d.ID()),
			zap.Error(err),
		)
		return result
	}

	result.Total = len(found)
	for _, di := range found {
		created, err := e.createIssue(ctx, orgID, d.ID(), di)
		if err != nil {
			e.logger.Error("failed to create issue from scheduled scan",
				zap.String("detector_id", d.ID()),
				zap.Error(err),
			)
			continue
		}
		if created {
			result.New++
		}
	}
	return result
}

// createIssue dedups, persists, and fires an alert event for one detected
// issue. Aggregate issues (nil UserID) skip dedup and rely on detector-side
// throttling. Returns whether a new row was actually created.
func (e *Engine) createIssue(ctx context.Context, orgID uuid.UUID, detectorID string, di detector.DetectedIssue) (bool, error) {
	if di.UserID != nil {
		open, err := e.hasOpenIssue(ctx, orgID, *di.UserID, di.IssueType)
		if err != nil {
			return false, err
		}
		if open {
			return false, nil
		}
	}

	var issueID uuid.UUID
	err := e.db.Pool.QueryRow(ctx, `
		INSERT INTO issues (org_id, user_id, issue_type, severity, status, title, description,
			estimated_revenue_cents, confidence, detector_id, detection_tier, evidence)
		VALUES ($1, $2, $3, $4, 'open', $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, orgID, di.UserID, di.IssueType, di.Severity, di.Title, di.Description,
		di.EstimatedRevenueCents, di.Confidence, detectorID, di.DetectionTier, di.Evidence,
	).Scan(&issueID)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert issue: %w", err)
	}

	metrics.IssuesCreated.WithLabelValues(di.IssueType, string(di.Severity)).Inc()
	e.logger.Info("issue created",
		zap.String("org_id", orgID.String()),
		zap.String("issue_id", issueID.String()),
		zap.String("issue_type", di.IssueType),
		zap.String("severity", string(di.Severity)),
	)

	e.publishIssueCreated(ctx, orgID, issueID, di)
	return true, nil
}

func (e *Engine) hasOpenIssue(ctx context.Context, orgID, userID uuid.UUID, issueType string) (bool, error) {
	var id uuid.UUID
	err := e.db.Pool.QueryRow(ctx, `
		SELECT id FROM issues
		WHERE org_id = $1 AND user_id = $2 AND issue_type = $3 AND status = 'open'
		LIMIT 1
	`, orgID, userID, issueType).Scan(&id)
	switch {
	case err == nil:
		return true, nil
	case err == pgx.ErrNoRows:
		return false, nil
	default:
		return false, fmt.Errorf("failed to check for open issue: %w", err)
	}
}

// publishIssueCreated fires the alert-dispatch event. This is
// fire-and-forget: the bus's Publish runs handlers asynchronously, and any
// error there is only ever logged, never returned to the caller, so a
// failing alert channel never aborts detection.
func (e *Engine) publishIssueCreated(ctx context.Context, orgID uuid.UUID, issueID uuid.UUID, di detector.DetectedIssue) {
	payload := map[string]interface{}{
		"issue_id":   issueID.String(),
		"issue_type": di.IssueType,
		"severity":   string(di.Severity),
		"title":      di.Title,
	}
	if di.UserID != nil {
		payload["user_id"] = di.UserID.String()
	}

	if err := e.bus.Publish(ctx, events.NewEvent(events.EventIssueCreated, orgID.String(), payload)); err != nil {
		e.logger.Warn("failed to publish issue created event",
			zap.String("issue_id", issueID.String()),
			zap.Error(err),
		)
	}
}
