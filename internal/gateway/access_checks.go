package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/revback/core/internal/models"
)

// handleIngestAccessCheck accepts Tier-2 telemetry from the customer's app:
// whether a given user currently has access to a product. The external user
// id is resolved against known identities; an unmatched report is stored
// with a null user so the verified detectors can still aggregate it.
func (g *Gateway) handleIngestAccessCheck(w http.ResponseWriter, r *http.Request) {
	orgID, err := g.orgIDBySlug(r.Context(), chi.URLParam(r, "orgSlug"))
	if err != nil {
		g.writeError(w, http.StatusNotFound, "organization not found")
		return
	}

	var body struct {
		ExternalUserID string     `json:"externalUserId"`
		ProductID      string     `json:"productId"`
		HasAccess      *bool      `json:"hasAccess"`
		ReportedAt     *time.Time `json:"reportedAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		g.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if body.ExternalUserID == "" || body.ProductID == "" || body.HasAccess == nil {
		g.writeError(w, http.StatusBadRequest, "externalUserId, productId and hasAccess are required")
		return
	}

	reportedAt := time.Now().UTC()
	if body.ReportedAt != nil {
		reportedAt = body.ReportedAt.UTC()
	}

	userID := g.lookupUserByExternalID(r, orgID, body.ExternalUserID)

	var id uuid.UUID
	err = g.db.Pool.QueryRow(r.Context(), `
		INSERT INTO access_checks (org_id, user_id, product_id, external_user_id, has_access, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, orgID, userID, body.ProductID, body.ExternalUserID, *body.HasAccess, reportedAt).Scan(&id)
	if err != nil {
		g.logger.Error("failed to store access check", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to store access check")
		return
	}

	g.writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (g *Gateway) lookupUserByExternalID(r *http.Request, orgID uuid.UUID, externalUserID string) *uuid.UUID {
	var userID uuid.UUID
	err := g.db.Pool.QueryRow(r.Context(), `
		SELECT user_id FROM user_identities
		WHERE org_id = $1 AND id_type = $2 AND external_id = $3
		LIMIT 1
	`, orgID, models.IdentityAppUserID, externalUserID).Scan(&userID)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			g.logger.Warn("access check user lookup failed", zap.Error(err))
		}
		return nil
	}
	return &userID
}

// handleListConnections lists the org's active billing connections with
// credentials redacted.
func (g *Gateway) handleListConnections(w http.ResponseWriter, r *http.Request) {
	orgID, err := g.orgIDBySlug(r.Context(), chi.URLParam(r, "orgSlug"))
	if err != nil {
		g.writeError(w, http.StatusNotFound, "organization not found")
		return
	}

	connections, err := g.credentials.ListConnections(r.Context(), orgID)
	if err != nil {
		g.logger.Error("failed to list connections", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list connections")
		return
	}

	type connectionInfo struct {
		ID            uuid.UUID  `json:"id"`
		Source        string     `json:"source"`
		IsActive      bool       `json:"isActive"`
		LastWebhookAt *time.Time `json:"lastWebhookAt,omitempty"`
		CreatedAt     time.Time  `json:"createdAt"`
	}

	out := []connectionInfo{}
	for _, c := range connections {
		out = append(out, connectionInfo{
			ID:            c.ID,
			Source:        string(c.Source),
			IsActive:      c.IsActive,
			LastWebhookAt: c.LastWebhookAt,
			CreatedAt:     c.CreatedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"connections": out})
}

// handleTriggerScan runs one detector's scheduled scan on demand, ahead of
// the cron cadence.
func (g *Gateway) handleTriggerScan(w http.ResponseWriter, r *http.Request) {
	orgID, err := g.orgIDBySlug(r.Context(), chi.URLParam(r, "orgSlug"))
	if err != nil {
		g.writeError(w, http.StatusNotFound, "organization not found")
		return
	}

	detectorID := chi.URLParam(r, "detectorID")
	if _, err := g.detectors.Get(detectorID); err != nil {
		g.writeError(w, http.StatusNotFound, "unknown detector")
		return
	}

	jobID, err := g.scheduler.TriggerScan(r.Context(), detectorID, orgID)
	if err != nil {
		g.logger.Error("failed to trigger manual scan",
			zap.String("detector_id", detectorID),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to trigger scan")
		return
	}

	g.writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}
