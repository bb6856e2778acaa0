package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/civicportal/internal/application"
	"github.com/pitabwire/civicportal/internal/catalog"
	"github.com/pitabwire/civicportal/internal/config"
	"github.com/pitabwire/civicportal/internal/observability"
	"github.com/pitabwire/civicportal/internal/openapi"
	"github.com/pitabwire/civicportal/internal/profile"
	"github.com/pitabwire/civicportal/model"
)

// multipartOverhead is the allowance on top of the largest upload for
// multipart boundaries and part headers.
const multipartOverhead = 64 << 10

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Tokens       TokenVerifier
	Capabilities model.CapabilityResolver
	Catalog      *catalog.Registry
	Applications *application.Service
	Profiles     *profile.Service
	Contract     *openapi.Index
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, authentication and
// catalog routes bypass the bearer token check.
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
	r.Use(observability.TracingMiddleware)
	r.Use(RequestID)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	uploadLimit := max(cfg.Uploads.MaxPictureBytes, cfg.Uploads.MaxDocumentBytes) + multipartOverhead

	r.Route("/api", func(r chi.Router) {
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))

		r.Group(func(r chi.Router) {
			r.Use(MaxBodyBytes(cfg.Server.MaxBodyBytes))

			r.Post("/auth/register", handleRegister(deps.Profiles, deps.Contract))
			r.Post("/auth/login", handleLogin(deps.Profiles, deps.Contract))
			r.Get("/services", handleListServices(deps.Catalog))
			r.Get("/services/{serviceId}", handleGetService(deps.Catalog))
		})

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Tokens, deps.Metrics))
			r.Use(ResolveCapabilities(deps.Capabilities, logger))

			r.Group(func(r chi.Router) {
				r.Use(MaxBodyBytes(uploadLimit))

				r.Post("/profile/picture", handleUploadPicture(deps.Profiles))
				r.Post("/profile/documents", handleUploadDocument(deps.Profiles))
			})

			r.Group(func(r chi.Router) {
				r.Use(MaxBodyBytes(cfg.Server.MaxBodyBytes))

				r.Get("/profile", handleGetProfile(deps.Profiles))
				r.Put("/profile", handleUpdateProfile(deps.Profiles, deps.Contract))
				r.Get("/profile/picture", handleGetPicture(deps.Profiles))
				r.Get("/profile/documents", handleListDocuments(deps.Profiles))
				r.Get("/profile/applications", handleListMyApplications(deps.Applications))
				r.Get("/profile/notifications", handleListNotifications(deps.Profiles))
				r.Put("/profile/notifications/{id}", handleUpdateNotification(deps.Profiles, deps.Contract))
				r.Delete("/profile/notifications/{id}", handleDeleteNotification(deps.Profiles))
				r.Put("/change-password", handleChangePassword(deps.Profiles, deps.Contract))

				r.Post("/applications", handleSubmitApplication(deps.Applications, deps.Contract))
				r.Get("/applications/{id}", handleGetApplication(deps.Applications))
				r.Get("/applications/{id}/history", handleApplicationHistory(deps.Applications))
				r.Post("/applications/{id}/payment", handlePayApplication(deps.Applications, deps.Contract))

				r.With(RequireCapability(model.CapApplicationsListAll)).
					Get("/admin/applications", handleListAllApplications(deps.Applications))
				r.With(RequireCapability(model.CapApplicationsReview)).
					Post("/admin/applications/{id}/transition", handleTransitionApplication(deps.Applications, deps.Contract))
			})
		})
	})

	return r
}
