package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/api/handler"
	apimw "github.com/notifyhub/push-delivery/internal/api/middleware"
	"github.com/notifyhub/push-delivery/internal/auth"
	"github.com/notifyhub/push-delivery/internal/breaker"
	"github.com/notifyhub/push-delivery/internal/broker"
	"github.com/notifyhub/push-delivery/internal/cache"
	"github.com/notifyhub/push-delivery/internal/inbox"
	"github.com/notifyhub/push-delivery/internal/repository"
	"github.com/notifyhub/push-delivery/internal/service"
)

// Deps carries everything the HTTP surface needs. Grouping them in a
// struct keeps NewRouter readable as the surface grows.
type Deps struct {
	Devices       *service.DeviceService
	Preferences   *service.PreferencesService
	Notifications *service.NotificationService
	Inbox         *inbox.Service
	Verifier      *auth.Verifier
	RateLimit     *apimw.UserRateLimiter

	Pool          *pgxpool.Pool
	Cache         *cache.Cache
	Broker        *broker.Broker
	NotifRepo     repository.NotificationRepository
	OutboxRepo    repository.OutboxRepository
	Breakers      map[string]*breaker.Breaker
	Registry      prometheus.Gatherer
	Logger        *zap.Logger
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(d.Logger))

	// --- handler instances ---
	dh := handler.NewDeviceHandler(d.Devices, d.Inbox, d.Logger)
	ph := handler.NewPreferencesHandler(d.Preferences, d.Logger)
	ih := handler.NewInboxHandler(d.Inbox, d.Notifications, d.Logger)
	hh := handler.NewHealthHandler(d.Pool, d.Cache, d.Broker, d.NotifRepo, d.OutboxRepo, d.Breakers)
	sh := handler.NewInternalHandler(d.OutboxRepo, d.Verifier, d.Logger)

	// --- routes ---
	r.Get("/health", hh.Live)
	r.Get("/health/live", hh.Live)
	r.Get("/health/ready", hh.Ready)
	r.Get("/health/detailed", hh.Detailed)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apimw.Authenticate(d.Verifier))
		r.Use(d.RateLimit.Middleware)

		r.Post("/devices/register", dh.Register)
		r.Post("/devices/refresh", dh.Refresh)
		r.Get("/devices", dh.List)
		r.Delete("/devices/{id}", dh.Unregister)

		r.Get("/preferences", ph.Get)
		r.Put("/preferences", ph.Update)
		r.Post("/preferences/categories", ph.SetCategories)

		// Literal segments must be registered before /{id} so chi does
		// not treat them as IDs.
		r.Get("/notifications", ih.List)
		r.Get("/notifications/unread-count", ih.UnreadCount)
		r.Post("/notifications/read-batch", ih.MarkReadBatch)
		r.Post("/notifications/groups/{id}/click", ih.GroupClick)
		r.Post("/notifications/{id}/read", ih.MarkRead)
		r.Post("/notifications/{id}/interactions", ih.Interact)
	})

	r.Route("/api/internal", func(r chi.Router) {
		r.Use(apimw.InternalOnly(d.Verifier))

		r.Get("/outbox/stats", sh.OutboxStats)
		r.Post("/revocations", sh.RevokeToken)
	})

	return r
}
