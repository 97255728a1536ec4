package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/revback/core/internal/credentials"
	"github.com/revback/core/internal/ingestion"
	"github.com/revback/core/internal/models"
)

// maxWebhookBody bounds inbound payloads; provider webhooks are small, and
// anything past this is hostile.
const maxWebhookBody = 1 << 20

// handleInboundWebhook is the single ingress for provider webhooks. The body
// is read byte-exact (providers sign over the raw bytes) and 200 is returned
// as soon as the raw log is persisted and the processing job enqueued.
func (g *Gateway) handleInboundWebhook(w http.ResponseWriter, r *http.Request) {
	orgSlug := chi.URLParam(r, "orgSlug")
	source := models.Source(chi.URLParam(r, "source"))

	if !credentials.IsValidSource(string(source)) {
		g.writeError(w, http.StatusNotFound, "unknown billing source")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxWebhookBody {
		g.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	logID, err := g.pipeline.Ingest(r.Context(), orgSlug, source, body, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, ingestion.ErrOrganizationNotFound),
			errors.Is(err, ingestion.ErrConnectionNotFound):
			g.writeError(w, http.StatusNotFound, "no billing connection for this source")
		case errors.Is(err, ingestion.ErrSignatureInvalid):
			g.writeError(w, http.StatusUnauthorized, "signature verification failed")
		default:
			g.logger.Error("webhook ingestion failed",
				zap.String("org_slug", orgSlug),
				zap.String("source", string(source)),
				zap.Error(err),
			)
			g.writeError(w, http.StatusInternalServerError, "failed to accept webhook")
		}
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]string{"received": logID.String()})
}
