package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
	"github.com/revback/core/pkg/events"
)

type issueResponse struct {
	ID                    uuid.UUID              `json:"id"`
	UserID                *uuid.UUID             `json:"userId,omitempty"`
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
	ResolvedAt            *time.Time             `json:"resolvedAt,omitempty"`
	Resolution            string                 `json:"resolution,omitempty"`
}

func toIssueResponse(i models.Issue) issueResponse {
	return issueResponse{
		ID:                    i.ID,
		UserID:                i.UserID,
		IssueType:             i.IssueType,
		Severity:              string(i.Severity),
		Status:                string(i.Status),
		Title:                 i.Title,
		Description:           i.Description,
		EstimatedRevenueCents: i.EstimatedRevenueCents,
		Confidence:            i.Confidence,
		DetectorID:            i.DetectorID,
		DetectionTier:         string(i.DetectionTier),
		Evidence:              i.Evidence,
		CreatedAt:             i.CreatedAt,
		ResolvedAt:            i.ResolvedAt,
		Resolution:            i.Resolution,
	}
}

const issueColumns = `id, user_id, issue_type, severity, status, title, description,
	estimated_revenue_cents, confidence, detector_id, detection_tier, evidence, created_at, resolved_at, resolution`

func scanIssue(row pgx.Row) (models.Issue, error) {
	var i models.Issue
	err := row.Scan(
		&i.ID, &i.UserID, &i.IssueType, &i.Severity, &i.Status, &i.Title, &i.Description,
		&i.EstimatedRevenueCents, &i.Confidence, &i.DetectorID, &i.DetectionTier,
		&i.Evidence, &i.CreatedAt, &i.ResolvedAt, &i.Resolution,
	)
	return i, err
}

func (g *Gateway) handleListIssues(w http.ResponseWriter, r *http.Request) {
	orgID, err := g.orgIDBySlug(r.Context(), chi.URLParam(r, "orgSlug"))
	if err != nil {
		g.writeError(w, http.StatusNotFound, "organization not found")
		return
	}

	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	offset := 0
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}

	query := `SELECT ` + issueColumns + ` FROM issues WHERE org_id = $1`
	args := []interface{}{orgID}

	if status := r.URL.Query().Get("status"); status != "" {
		args = append(args, status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		args = append(args, severity)
		query += ` AND severity = $` + strconv.Itoa(len(args))
	}

	args = append(args, limit, offset)
	query += ` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := g.db.Pool.Query(r.Context(), query, args...)
	if err != nil {
		g.logger.Error("failed to list issues", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list issues")
		return
	}
	defer rows.Close()

	issues := []issueResponse{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			g.logger.Error("failed to scan issue", zap.Error(err))
			g.writeError(w, http.StatusInternalServerError, "failed to list issues")
			return
		}
		issues = append(issues, toIssueResponse(issue))
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"issues": issues,
		"limit":  limit,
		"offset": offset,
	})
}

func (g *Gateway) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	orgID, err := g.orgIDBySlug(r.Context(), chi.URLParam(r, "orgSlug"))
	if err != nil {
		g.writeError(w, http.StatusNotFound, "organization not found")
		return
	}

	issueID, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid issue id")
		return
	}

	issue, err := scanIssue(g.db.Pool.QueryRow(r.Context(),
		`SELECT `+issueColumns+` FROM issues WHERE id = $1 AND org_id = $2`, issueID, orgID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			g.writeError(w, http.StatusNotFound, "issue not found")
			return
		}
		g.logger.Error("failed to load issue", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load issue")
		return
	}

	g.writeJSON(w, http.StatusOK, toIssueResponse(issue))
}

// handleIssueStatus builds a handler for one status transition. resolve and
// dismiss close the issue (stamping resolved_at); acknowledge keeps it
// actionable but marks it seen. Each transition publishes its lifecycle
// event so configured alert channels hear about it.
func (g *Gateway) handleIssueStatus(target models.IssueStatus) http.HandlerFunc {
	eventTypes := map[models.IssueStatus]events.EventType{
		models.IssueResolved:     events.EventIssueResolved,
		models.IssueDismissed:    events.EventIssueDismissed,
		models.IssueAcknowledged: events.EventIssueAcknowledged,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		orgID, err := g.orgIDBySlug(r.Context(), chi.URLParam(r, "orgSlug"))
		if err != nil {
			g.writeError(w, http.StatusNotFound, "organization not found")
			return
		}

		issueID, err := uuid.Parse(chi.URLParam(r, "issueID"))
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid issue id")
			return
		}

		var body struct {
			Resolution string `json:"resolution"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}

		var query string
		switch target {
		case models.IssueAcknowledged:
			query = `UPDATE issues SET status = $1
				WHERE id = $2 AND org_id = $3 AND status = 'open'`
		default:
			query = `UPDATE issues SET status = $1, resolved_at = CURRENT_TIMESTAMP, resolution = $4
				WHERE id = $2 AND org_id = $3 AND status IN ('open', 'acknowledged')`
		}

		args := []interface{}{target, issueID, orgID}
		if target != models.IssueAcknowledged {
			args = append(args, body.Resolution)
		}

		tag, err := g.db.Pool.Exec(r.Context(), query, args...)
		if err != nil {
			g.logger.Error("failed to update issue status", zap.Error(err))
			g.writeError(w, http.StatusInternalServerError, "failed to update issue")
			return
		}
		if tag.RowsAffected() == 0 {
			g.writeError(w, http.StatusConflict, "issue not found or not in an updatable state")
			return
		}

		if eventType, ok := eventTypes[target]; ok {
			if err := g.bus.Publish(r.Context(), events.NewEvent(eventType, orgID.String(), map[string]interface{}{
				"issue_id": issueID.String(),
			})); err != nil {
				g.logger.Warn("failed to publish issue lifecycle event", zap.Error(err))
			}
		}

		g.writeJSON(w, http.StatusOK, map[string]string{"status": string(target)})
	}
}
