package detection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revback/core/internal/queue"
	"github.com/revback/core/pkg/metrics"
)

// HandleScanJob is the scheduled-scans queue handler: one job is one
// detector's scan against one organization.
func (e *Engine) HandleScanJob(ctx context.Context, jobID string, payload []byte) error {
	var job queue.ScanJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("malformed scan job payload: %w", err)
	}

	orgID, err := uuid.Parse(job.OrgID)
	if err != nil {
		return fmt.Errorf("invalid org id in scan job: %w", err)
	}

	result, err := e.RunSingleDetectorScan(ctx, orgID, job.DetectorID)
	if err != nil {
		metrics.DetectorRuns.WithLabelValues(job.DetectorID, "scheduled", "error").Inc()
		return err
	}

	metrics.DetectorRuns.WithLabelValues(job.DetectorID, "scheduled", "ok").Inc()
	e.logger.Info("scheduled scan completed",
		zap.String("detector_id", result.DetectorID),
		zap.String("org_id", orgID.String()),
		zap.Int("total", result.Total),
		zap.Int("new", result.New),
	)
	return nil
}
