// Package gateway is the HTTP surface over the core: the provider webhook
// ingress, the issues API, Tier-2 access-check ingestion and operational
// endpoints, each behind its rate-limit tier.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/revback/core/internal/credentials"
	"github.com/revback/core/internal/detector"
	"github.com/revback/core/internal/ingestion"
	"github.com/revback/core/internal/queue"
	"github.com/revback/core/pkg/cache"
	"github.com/revback/core/pkg/database"
	"github.com/revback/core/pkg/events"
	"github.com/revback/core/pkg/metrics"
)

// Gateway handles API requests.
type Gateway struct {
	db          *database.Database
	cache       *cache.Cache
	logger      *zap.Logger
	pipeline    *ingestion.Pipeline
	detectors   *detector.Registry
	scheduler   *queue.Scheduler
	credentials *credentials.Service
	bus         *events.Bus
	rateLimiter *RateLimiter
	jwtSecret   string
	router      *chi.Mux
}

// NewGateway creates the API gateway.
func NewGateway(db *database.Database, c *cache.Cache, logger *zap.Logger, pipeline *ingestion.Pipeline, detectors *detector.Registry, scheduler *queue.Scheduler, creds *credentials.Service, bus *events.Bus, jwtSecret string) *Gateway {
	g := &Gateway{
		db:          db,
		cache:       c,
		logger:      logger,
		pipeline:    pipeline,
		detectors:   detectors,
		scheduler:   scheduler,
		credentials: creds,
		bus:         bus,
		rateLimiter: NewRateLimiter(c, logger),
		jwtSecret:   jwtSecret,
		router:      chi.NewRouter(),
	}

	g.setupRoutes()
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))

	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "https://*.revback.io"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health and metrics
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)
	g.router.Handle("/metrics", promhttp.Handler())

	// Provider webhook ingress: no auth, signature-verified, webhook tier
	// keyed by org slug.
	g.router.Group(func(r chi.Router) {
		r.Use(g.rateLimitMiddleware(TierWebhook, orgSlugFromPath))
		r.Post("/webhooks/{orgSlug}/{source}", g.handleInboundWebhook)
	})

	// Unauthenticated reference endpoints, public tier keyed by client IP.
	g.router.Group(func(r chi.Router) {
		r.Use(g.rateLimitMiddleware(TierPublic, clientIP))
		r.Get("/api/v1/detectors", g.handleListDetectors)
	})

	// Organization API, api tier keyed by org slug.
	g.router.Route("/api/v1/orgs/{orgSlug}", func(r chi.Router) {
		r.Use(g.rateLimitMiddleware(TierAPI, orgSlugFromPath))
		r.Use(g.authMiddleware)

		r.Get("/issues", g.handleListIssues)
		r.Get("/issues/{issueID}", g.handleGetIssue)
		r.Post("/issues/{issueID}/resolve", g.handleIssueStatus("resolved"))
		r.Post("/issues/{issueID}/dismiss", g.handleIssueStatus("dismissed"))
		r.Post("/issues/{issueID}/acknowledge", g.handleIssueStatus("acknowledged"))

		r.Post("/access-checks", g.handleIngestAccessCheck)
		r.Get("/connections", g.handleListConnections)
		r.Post("/scans/{detectorID}", g.handleTriggerScan)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady probes each dependency with a short deadline.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := g.db.Health(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
		metrics.SetDependencyUp("database", false)
	} else {
		checks["database"] = "ok"
		metrics.SetDependencyUp("database", true)
	}

	if err := g.cache.Health(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
		metrics.SetDependencyUp("redis", false)
	} else {
		checks["redis"] = "ok"
		metrics.SetDependencyUp("redis", true)
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	g.writeJSON(w, status, map[string]interface{}{"checks": checks})
}

func (g *Gateway) handleListDetectors(w http.ResponseWriter, r *http.Request) {
	type detectorInfo struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Scheduled   bool   `json:"scheduled"`
	}

	scheduled := make(map[string]bool)
	for _, d := range g.detectors.WithScheduledScan() {
		scheduled[d.ID()] = true
	}

	var out []detectorInfo
	for _, d := range g.detectors.All() {
		out = append(out, detectorInfo{
			ID:          d.ID(),
			Name:        d.Name(),
			Description: d.Description(),
			Scheduled:   scheduled[d.ID()],
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{"detectors": out})
}

func (g *Gateway) orgIDBySlug(ctx context.Context, slug string) (uuid.UUID, error) {
	var id uuid.UUID
	err := g.db.Pool.QueryRow(ctx, `SELECT id FROM organizations WHERE slug = $1`, slug).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("organization %q not found", slug)
	}
	return id, err
}
