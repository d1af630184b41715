package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/officeflow/internal/config"
	"github.com/pitabwire/officeflow/internal/definition"
	"github.com/pitabwire/officeflow/internal/idempotency"
	"github.com/pitabwire/officeflow/internal/observability"
	"github.com/pitabwire/officeflow/internal/workflow"
	"github.com/pitabwire/officeflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Registry     *definition.Registry
	Policy       model.PermissionResolver
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics
	Readiness    observability.ReadinessChecks
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler

	// MetricsHandler serves /metrics. Defaults to the global Prometheus
	// registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		metricsHandler := deps.MetricsHandler
		if metricsHandler == nil {
			metricsHandler = observability.Handler()
		}
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, metricsHandler)
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	creator := &instanceCreator{
		engine:    deps.Engine,
		store:     deps.Idempotency,
		ttl:       idempotencyTTL(cfg),
		metrics:   deps.Metrics,
		logger:    logger,
		sensitive: cfg.Observability.SensitiveFields,
	}
	if !cfg.Idempotency.Enabled {
		creator.store = nil
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(ResolvePermissions(deps.Policy, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Route("/templates", func(r chi.Router) {
			r.With(RequirePermission(model.PermWorkflowView)).Get("/", handleTemplateList(deps.Registry))
			r.With(RequirePermission(model.PermWorkflowCreate)).Post("/", handleTemplateCreate(deps.Registry, deps.Metrics))
			r.With(RequirePermission(model.PermWorkflowView)).Get("/{templateId}", handleTemplateGet(deps.Registry))
			r.With(RequirePermission(model.PermWorkflowEdit)).Put("/{templateId}", handleTemplateUpdate(deps.Registry, deps.Metrics))
			r.With(RequirePermission(model.PermWorkflowEdit)).Post("/{templateId}/active", handleTemplateSetActive(deps.Registry))
		})

		r.Route("/instances", func(r chi.Router) {
			r.With(RequirePermission(model.PermInstanceCreate)).Method(http.MethodPost, "/", creator)
			r.With(RequirePermission(model.PermInstanceView)).Get("/", handleInstanceList(deps.Engine))

			r.Route("/{instanceId}", func(r chi.Router) {
				r.With(RequirePermission(model.PermInstanceView)).Get("/", handleInstanceGet(deps.Engine))
				r.With(RequirePermission(model.PermInstanceView)).Get("/history", handleInstanceHistory(deps.Engine))
				r.With(RequirePermission(model.PermInstanceView)).Get("/approvals", handleInstanceApprovals(deps.Engine))
				r.With(RequirePermission(model.PermInstanceCreate)).Post("/submit", handleInstanceSubmit(deps.Engine))
				r.With(RequirePermission(model.PermApproval)).Post("/steps/{stepId}/decision", handleInstanceDecide(deps.Engine))
				r.With(RequirePermission(model.PermInstanceCreate)).Post("/steps/{stepId}/auto", handleInstanceAuto(deps.Engine))
				r.With(RequirePermission(model.PermInstanceCancel)).Post("/cancel", handleInstanceCancel(deps.Engine))
			})
		})

		r.With(RequirePermission(model.PermApproval)).Get("/tasks", handleTaskList(deps.Engine))
		r.With(RequirePermission(model.PermSystemSettings)).Post("/admin/recover", handleRecover(deps.Engine, logger))
	})

	return r
}

func idempotencyTTL(cfg *config.Config) time.Duration {
	if ttl := cfg.Idempotency.Store.DefaultTTL; ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}
