package api

import (
	"net/http"

	"github.com/ayo6706/p2p-settlement/internal/api/handler"
	"github.com/ayo6706/p2p-settlement/internal/api/middleware"
	"github.com/ayo6706/p2p-settlement/internal/api/spec"
	"github.com/ayo6706/p2p-settlement/internal/config"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Services groups the engine components the HTTP surface drives.
type Services struct {
	Freezing      *service.FreezingService
	Matcher       *service.Matcher
	Payouts       *service.PayoutService
	Redistributor *service.Redistributor
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	auth   *middleware.Authenticator
	db     handler.Pinger
	redis  redis.Cmdable
	svc    Services
}

// NewRouter wires the HTTP surface. db and rdb feed the readiness check and
// may be nil.
func NewRouter(cfg *config.Config, logger *zap.Logger, db handler.Pinger, rdb redis.Cmdable, svc Services) *Router {
	return &Router{
		cfg:    cfg,
		logger: logger,
		auth:   middleware.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience),
		db:     db,
		redis:  rdb,
		svc:    svc,
	}
}

// Authenticator returns the token validator used by protected routes.
func (api *Router) Authenticator() *middleware.Authenticator {
	return api.auth
}

func (api *Router) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	transactionHandler := handler.NewTransactionHandler(api.svc.Freezing)
	notificationHandler := handler.NewNotificationHandler(api.svc.Matcher)
	payoutHandler := handler.NewPayoutHandler(api.svc.Payouts)
	opsHandler := handler.NewOpsHandler(api.svc.Redistributor)

	// Public
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Get("/health/live", healthHandler.Live)
		r.Get("/health/ready", healthHandler.Ready)
		r.Handle("/metrics", promhttp.Handler())
		r.Get("/openapi.yaml", spec.OpenAPIHandler())
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))
	})

	// Protected
	r.Group(func(r chi.Router) {
		r.Use(api.auth.Middleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Route("/v1/transactions", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleMerchant, middleware.RoleAdmin))
			r.Post("/", transactionHandler.CreateTransaction)
			r.Post("/{id}/cancel", transactionHandler.CancelTransaction)
		})

		r.With(middleware.RequireRole(middleware.RoleDevice, middleware.RoleAdmin)).
			Post("/v1/notifications", notificationHandler.Ingest)

		r.Route("/v1/payouts", func(r chi.Router) {
			r.With(middleware.RequireRole(middleware.RoleMerchant, middleware.RoleAdmin)).Post("/", payoutHandler.CreatePayout)
			r.With(middleware.RequireRole(middleware.RoleTrader, middleware.RoleMerchant, middleware.RoleAdmin)).Post("/{id}/cancel", payoutHandler.CancelPayout)
			r.With(middleware.RequireRole(middleware.RoleTrader)).Post("/{id}/confirm", payoutHandler.ConfirmPayout)
			r.With(middleware.RequireRole(middleware.RoleMerchant, middleware.RoleAdmin)).Post("/{id}/approve", payoutHandler.ApprovePayout)
		})

		r.Route("/v1/ops", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleAdmin))
			r.Post("/redistribute", opsHandler.Redistribute)
			r.Get("/redistribute", opsHandler.LastPass)
		})
	})

	return r
}
