// Package app is the composition root: it builds every component from the
// configuration, wires the HTTP router and middleware chain, and owns the
// background scheduler.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-co-op/gocron/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vidgen-backend/internal/alerting"
	"vidgen-backend/internal/auth"
	"vidgen-backend/internal/config"
	apperrors "vidgen-backend/internal/errors"
	"vidgen-backend/internal/idempotency"
	"vidgen-backend/internal/interfaces/http/handlers"
	appmiddleware "vidgen-backend/internal/interfaces/http/middleware"
	"vidgen-backend/internal/observability"
	"vidgen-backend/internal/ratelimit"
	"vidgen-backend/internal/repository/sqlite"
	"vidgen-backend/internal/resilience"
	"vidgen-backend/internal/webhook"
)

// App holds the fully wired service.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	server    *http.Server
	scheduler gocron.Scheduler
	store     *sqlite.Store
}

// New builds the service from configuration. Any wiring failure here is a
// startup error.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	collector := observability.NewCollector("vidgen")
	windows := observability.NewWindowStats(10000, 15*time.Minute)

	breakers := resilience.NewBreakerRegistry(resilience.BreakerSettings{
		Threshold: cfg.BreakerThreshold,
		Window:    cfg.BreakerWindow,
		Cooldown:  cfg.BreakerCooldown,
	}, logger, func(operationID string) {
		collector.BreakerTrips.WithLabelValues(operationID).Inc()
	})
	engine := resilience.NewEngine(breakers, logger, collector)

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, apperrors.Wrap(err, "open generation store")
	}

	signer := webhook.NewSigner(cfg.WebhookSecret)
	verifier := webhook.NewVerifier(cfg.WebhookSecret, cfg.CallbackTolerance, 10000, logger, collector)

	dispatcher, err := webhook.NewDispatcher(cfg.WebhookEndpoint, engine, signer, store, logger, collector, windows)
	if err != nil {
		store.Close()
		return nil, err
	}
	reconciler := webhook.NewReconciler(store, dispatcher, cfg.CallbackWaitMax, logger)

	limiter := ratelimit.NewLimiter(limitRules(), logger, collector)
	cache := idempotency.NewCache(cfg.IdempotencyCapacity, cfg.IdempotencyTTL, logger, collector)

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerts")}}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.AlertWebhookURL,
			Logger: logger.Named("alerts"),
		})
	}
	evaluator := alerting.NewEvaluator(alerting.DefaultRules(), windows, notifiers, logger, collector)

	generationHandler := handlers.NewGenerationHandler(store, dispatcher, logger)
	callbackHandler := handlers.NewCallbackHandler(verifier, store, logger)
	adminHandler := handlers.NewAdminHandler(limiter, engine, cache, verifier, evaluator, dispatcher, logger)

	router := newRouter(routerDeps{
		logger:      logger,
		collector:   collector,
		windows:     windows,
		limiter:     limiter,
		cache:       cache,
		generations: generationHandler,
		callback:    callbackHandler,
		admin:       adminHandler,
	})

	scheduler, err := newScheduler(limiter, cache, verifier, windows, evaluator, reconciler, logger)
	if err != nil {
		store.Close()
		return nil, apperrors.Wrap(err, "build scheduler")
	}

	return &App{
		cfg:    cfg,
		logger: logger,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		scheduler: scheduler,
		store:     store,
	}, nil
}

type routerDeps struct {
	logger      *zap.Logger
	collector   *observability.Collector
	windows     *observability.WindowStats
	limiter     *ratelimit.Limiter
	cache       *idempotency.Cache
	generations *handlers.GenerationHandler
	callback    *handlers.CallbackHandler
	admin       *handlers.AdminHandler
}

func newRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotency.KeyHeader},
		ExposedHeaders:   []string{"X-Correlation-ID", idempotency.HitHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(appmiddleware.Correlation)
	r.Use(appmiddleware.Recovery(deps.logger))
	r.Use(appmiddleware.Metrics(deps.collector, deps.windows))
	r.Use(auth.Middleware)
	r.Use(ratelimit.Middleware(deps.limiter))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
		deps.collector.Registry(), promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(idempotency.Middleware(deps.cache))
		r.Route("/generations", func(r chi.Router) {
			r.Post("/", deps.generations.Create)
			r.Get("/", deps.generations.List)
			r.Get("/{generationId}", deps.generations.Get)
			r.Post("/{generationId}/retry", deps.generations.Retry)
		})
	})

	// The engine callback carries its own HMAC authentication; it bypasses
	// bearer auth and the idempotency layer (the replay set covers it).
	r.Post("/generations/callback", deps.callback.Handle)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats/ratelimit", deps.admin.RateLimitStats)
		r.Get("/stats/retry", deps.admin.RetryStats)
		r.Get("/stats/idempotency", deps.admin.IdempotencyStats)
		r.Get("/alerts", deps.admin.Alerts)
		r.Get("/webhooks/health", deps.admin.WebhookHealth)
		r.Post("/ratelimit/reset", deps.admin.ResetRateLimit)
		r.Post("/circuitbreaker/reset", deps.admin.ResetBreaker)
	})

	return r
}

// limitRules is the ordered rule chain. The first blocking rule answers the
// request; the signed callback route is exempt from the client rules.
func limitRules() []ratelimit.Rule {
	isCallback := func(r *http.Request) bool {
		return r.URL.Path == "/generations/callback"
	}
	hasPrefix := func(path, prefix string) bool {
		return len(path) >= len(prefix) && path[:len(prefix)] == prefix
	}
	return []ratelimit.Rule{
		{
			ID:          "global",
			Window:      time.Minute,
			MaxRequests: 300,
			Message:     "too many requests",
			Skip:        isCallback,
		},
		{
			ID:          "api",
			Window:      time.Minute,
			MaxRequests: 120,
			Message:     "API rate limit exceeded",
			Skip: func(r *http.Request) bool {
				return !hasPrefix(r.URL.Path, "/api/")
			},
		},
		{
			ID:          "generate",
			Window:      time.Minute,
			MaxRequests: 10,
			Message:     "generation rate limit exceeded, slow down",
			Skip: func(r *http.Request) bool {
				return r.Method != http.MethodPost || !hasPrefix(r.URL.Path, "/api/generations")
			},
		},
		{
			ID:          "callback",
			Window:      time.Minute,
			MaxRequests: 600,
			Message:     "callback rate limit exceeded",
			Skip: func(r *http.Request) bool {
				return !isCallback(r)
			},
		},
	}
}

func newScheduler(
	limiter *ratelimit.Limiter,
	cache *idempotency.Cache,
	verifier *webhook.Verifier,
	windows *observability.WindowStats,
	evaluator *alerting.Evaluator,
	reconciler *webhook.Reconciler,
	logger *zap.Logger,
) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	log := logger.Named("scheduler")

	_, err = s.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			evaluator.Evaluate(context.Background())
		}),
		gocron.WithName("alert-evaluation"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() {
			rl := limiter.Sweep()
			idem := cache.Sweep()
			replay := verifier.Sweep()
			windows.Sweep()
			if rl+idem+replay > 0 {
				log.Debug("sweep completed",
					zap.Int("ratelimit_records", rl),
					zap.Int("idempotency_records", idem),
					zap.Int("replay_fingerprints", replay),
				)
			}
		}),
		gocron.WithName("state-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	_, err = s.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() {
			reconciler.Run(context.Background())
		}),
		gocron.WithName("generation-reconciler"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Start runs the scheduler and the HTTP server. It blocks until the server
// stops.
func (a *App) Start() error {
	a.scheduler.Start()
	a.logger.Info("server starting",
		zap.String("addr", a.server.Addr),
		zap.String("environment", a.cfg.Environment),
	)
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server, stops the scheduler, and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	err := a.server.Shutdown(ctx)
	if serr := a.scheduler.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
