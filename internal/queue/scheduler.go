package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/revback/core/pkg/cache"
	"github.com/revback/core/pkg/database"
)

// ScheduleEntry is one repeatable job: a cron pattern driving either a
// detector scan (DetectorID set) or the data-retention sweep. OrgID "all"
// fans out to every organization with an active billing connection at fire
// time.
type ScheduleEntry struct {
	Name       string
	Pattern    string
	DetectorID string
	OrgID      string
}

// ScanJob is the payload carried by scheduled-scans queue jobs.
type ScanJob struct {
	DetectorID string `json:"detector_id"`
	OrgID      string `json:"org_id"`
}

// repeatablesKey tracks which schedule entries the current boot owns, so a
// reconcile can delete repeatables left behind by an older configuration.
const repeatablesKey = "scheduler:repeatables"

// scanCadences maps detector ids to cron patterns. Aggregate detectors that
// look back over hours or days run hourly, webhook_delivery_gap every 30
// minutes; everything else runs every 15 minutes. Entries not listed fall
// back to the 15-minute default.
var scanCadences = map[string]string{
	"webhook_delivery_gap":       "*/30 * * * *",
	"data_freshness":             "7 * * * *",
	"stale_subscription":         "22 * * * *",
	"trial_no_conversion":        "37 * * * *",
	"verified_paid_no_access":    "52 * * * *",
	"verified_access_no_payment": "52 * * * *",
}

// DefaultSchedule builds the boot-time schedule: one entry per detector with
// a scheduled scan, plus the daily data-retention sweep.
func DefaultSchedule(scanDetectorIDs []string) []ScheduleEntry {
	entries := make([]ScheduleEntry, 0, len(scanDetectorIDs)+1)
	for _, id := range scanDetectorIDs {
		pattern, ok := scanCadences[id]
		if !ok {
			pattern = "*/15 * * * *"
		}
		entries = append(entries, ScheduleEntry{
			Name:       "scan:" + id,
			Pattern:    pattern,
			DetectorID: id,
			OrgID:      "all",
		})
	}
	entries = append(entries, ScheduleEntry{
		Name:    "data-retention",
		Pattern: "0 3 * * *",
		OrgID:   "all",
	})
	return entries
}

// Scheduler reconciles the repeatable-job registry at boot and fires cron
// entries into the scheduled-scans and data-retention queues.
type Scheduler struct {
	cron      *cron.Cron
	scans     *Queue
	retention *Queue
	db        *database.Database
	cache     *cache.Cache
	logger    *zap.Logger
}

// NewScheduler constructs a scheduler over the two cron-driven queues.
func NewScheduler(scans, retention *Queue, db *database.Database, c *cache.Cache, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(),
		scans:     scans,
		retention: retention,
		db:        db,
		cache:     c,
		logger:    logger,
	}
}

// Reconcile replaces the persisted repeatable registry with the given
// entries: stale repeatables are deleted, current ones upserted, and a cron
// callback is registered for each.
func (s *Scheduler) Reconcile(ctx context.Context, entries []ScheduleEntry) error {
	existing, err := s.cache.HGetAll(ctx, repeatablesKey)
	if err != nil {
		return fmt.Errorf("failed to read repeatable registry: %w", err)
	}

	current := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		current[e.Name] = e.Pattern
	}

	for name := range existing {
		if _, ok := current[name]; !ok {
			if err := s.cache.Client.HDel(ctx, repeatablesKey, name).Err(); err != nil {
				return fmt.Errorf("failed to delete stale repeatable %s: %w", name, err)
			}
			s.logger.Info("deleted stale repeatable", zap.String("name", name))
		}
	}

	if err := s.cache.HSet(ctx, repeatablesKey, current); err != nil {
		return fmt.Errorf("failed to upsert repeatable registry: %w", err)
	}

	for _, e := range entries {
		entry := e
		if _, err := s.cron.AddFunc(entry.Pattern, func() { s.fire(entry) }); err != nil {
			return fmt.Errorf("invalid cron pattern %q for %s: %w", entry.Pattern, entry.Name, err)
		}
	}

	s.logger.Info("reconciled schedule", zap.Int("entries", len(entries)))
	return nil
}

// Start begins firing cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop; the returned context is done once in-flight
// callbacks have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) fire(entry ScheduleEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if entry.DetectorID == "" {
		s.fireRetention(ctx)
		return
	}

	orgIDs, err := s.resolveOrgs(ctx, entry.OrgID)
	if err != nil {
		s.logger.Error("failed to resolve organizations for scheduled scan",
			zap.String("entry", entry.Name),
			zap.Error(err),
		)
		return
	}

	slot := time.Now().Unix() / 60
	for _, orgID := range orgIDs {
		jobID := fmt.Sprintf("scan-%s-%s-%d", entry.DetectorID, orgID, slot)
		payload, _ := json.Marshal(ScanJob{DetectorID: entry.DetectorID, OrgID: orgID.String()})
		if err := s.scans.Enqueue(ctx, jobID, payload); err != nil {
			s.logger.Error("failed to enqueue scheduled scan",
				zap.String("detector_id", entry.DetectorID),
				zap.String("org_id", orgID.String()),
				zap.Error(err),
			)
		}
	}
}

func (s *Scheduler) fireRetention(ctx context.Context) {
	jobID := fmt.Sprintf("data-retention-%s", time.Now().Format("2006-01-02"))
	if err := s.retention.Enqueue(ctx, jobID, []byte(`{}`)); err != nil {
		s.logger.Error("failed to enqueue data-retention job", zap.Error(err))
	}
}

// TriggerScan enqueues a single detector scan ahead of everything waiting,
// bypassing the cron schedule. Used by the manual-trigger API.
func (s *Scheduler) TriggerScan(ctx context.Context, detectorID string, orgID uuid.UUID) (string, error) {
	jobID := fmt.Sprintf("scan-manual-%s-%s-%s", detectorID, orgID, uuid.New().String()[:8])
	payload, err := json.Marshal(ScanJob{DetectorID: detectorID, OrgID: orgID.String()})
	if err != nil {
		return "", err
	}
	if err := s.scans.EnqueueFront(ctx, jobID, payload); err != nil {
		return "", err
	}
	return jobID, nil
}

// resolveOrgs expands "all" to every organization with at least one active
// billing connection; anything else must parse as a single org id.
func (s *Scheduler) resolveOrgs(ctx context.Context, target string) ([]uuid.UUID, error) {
	if target != "all" {
		id, err := uuid.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("invalid org target %q: %w", target, err)
		}
		return []uuid.UUID{id}, nil
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT DISTINCT org_id FROM billing_connections WHERE is_active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active organizations: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
