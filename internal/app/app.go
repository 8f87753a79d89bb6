package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/internal/infrastructure"
	"chaingate/internal/license"
	customMiddleware "chaingate/internal/middleware"
	"chaingate/internal/services"
	"chaingate/internal/store"
	handlers "chaingate/internal/transport/http"
	"chaingate/pkg/contracts"
)

// Application is the license server container
type Application struct {
	Config        *config.Config
	Router        *chi.Mux
	Server        *http.Server
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Services      *ServiceContainer

	dialer *license.CachingDialer
}

// ServiceContainer holds the server's services
type ServiceContainer struct {
	Catalog *license.Catalog
	Cache   *license.ValidationCache
	Checker *license.Checker
	Metrics *license.LicenseMetrics
	License services.LicenseService
	Health  *services.HealthService
	Store   store.Store
}

// Option customizes NewApplication
type Option func(*options)

type options struct {
	checkerOpts []license.CheckerOption
	store       store.Store
	storeSet    bool
}

// WithCheckerOptions passes extra options to the upstream checker
func WithCheckerOptions(opts ...license.CheckerOption) Option {
	return func(o *options) { o.checkerOpts = append(o.checkerOpts, opts...) }
}

// WithStore uses s instead of opening the configured store driver
func WithStore(s store.Store) Option {
	return func(o *options) {
		o.store = s
		o.storeSet = true
	}
}

// NewApplication wires the license server from cfg
func NewApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Application, error) {
	if err := cfg.ValidateServer(); err != nil {
		return nil, apperrors.NewConfigError("invalid server configuration", err)
	}
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Application{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
	}

	if err := a.initializeServices(ctx, o); err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := a.setupRouter(); err != nil {
		a.release(ctx)
		return nil, fmt.Errorf("failed to set up router: %w", err)
	}
	a.createServer()

	return a, nil
}

// initializeServices builds the license core and the remote store
func (a *Application) initializeServices(ctx context.Context, o options) error {
	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}

	a.dialer = license.NewCachingDialer(a.Config.Upstream.DNSRefresh)
	checkerOpts := append([]license.CheckerOption{
		license.WithHTTPClient(license.NewHTTPClient(a.dialer)),
		license.WithCheckerLogger(a.Logger),
		license.WithCheckerMetrics(metrics),
	}, o.checkerOpts...)

	checker, err := license.NewChecker(license.CheckerConfig{
		URL:            a.Config.Upstream.URL,
		AttemptTimeout: a.Config.Upstream.AttemptTimeout,
		MaxRetries:     a.Config.Upstream.MaxRetries,
		RetryDelay:     a.Config.Upstream.RetryDelay,
		ActiveMarker:   a.Config.Upstream.ActiveMarker,
	}, checkerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create upstream checker: %w", err)
	}

	st := o.store
	if !o.storeSet {
		st, err = store.Open(ctx, a.Config.Store, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to open %s store: %w", a.Config.Store.Driver, err)
		}
		if pg, ok := st.(*store.PostgresStore); ok {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return err
			}
		}
	}

	catalog := license.DefaultCatalog()
	cache := license.NewValidationCache(a.Config.Cache.TTL, nil)
	licenseService := services.NewLicenseService(catalog, checker, cache, metrics, a.Logger)

	deps := map[string]services.Pinger{}
	if st != nil {
		deps["store"] = st
	}

	a.Services = &ServiceContainer{
		Catalog: catalog,
		Cache:   cache,
		Checker: checker,
		Metrics: metrics,
		License: licenseService,
		Health:  services.NewHealthService(contracts.Version, licenseService, deps, a.Logger),
		Store:   st,
	}

	a.Logger.InfoContext(ctx, "license services initialized",
		slog.Int("products", catalog.Len()),
		slog.String("store", a.Config.Store.Driver),
		slog.Duration("cache_ttl", cache.TTL()))
	return nil
}

// setupRouter configures the HTTP router with all routes
func (a *Application) setupRouter() error {
	r := chi.NewRouter()
	errorHandler := apperrors.NewErrorHandler(a.Logger, false)

	httpMetrics, err := customMiddleware.NewHTTPMetrics(a.OTelProviders.Meter)
	if err != nil {
		return err
	}

	// RequestID → RealIP → TraceID → Telemetry → Logger → Recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.TraceID)
	r.Use(customMiddleware.Telemetry(a.OTelProviders.Tracer, httpMetrics))
	r.Use(customMiddleware.StructuredLogger(a.Logger))
	r.Use(apperrors.RecoveryMiddleware(errorHandler))
	if a.Config.Security.SecurityHeaders {
		r.Use(customMiddleware.SecurityHeaders)
	}

	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	// Scrapes and liveness probes stay outside the rate limit
	r.Get(config.HealthEndpoint, handlers.NewHealthHandler(a.Services.Health, a.Logger).HealthCheck)
	r.Method(http.MethodGet, config.MetricsEndpoint, handlers.NewMetricsHandler(a.OTelProviders.PrometheusHTTP))

	r.Group(func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(middleware.Timeout(a.Config.Server.RequestTimeout))
		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		handlers.NewLicenseHandler(a.Services.License, a.Services.Store, a.Config.Store.Timeout, a.Logger).RegisterRoutes(r)
	})

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:           fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:        a.Router,
		ReadTimeout:    a.Config.Server.ReadTimeout,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		IdleTimeout:    a.Config.Server.IdleTimeout,
		MaxHeaderBytes: a.Config.Server.MaxHeaderBytes,
	}
}

// Start listens on the configured port and serves in the background. A
// serve failure calls cancel so Run can shut down.
func (a *Application) Start(ctx context.Context, cancel context.CancelFunc) error {
	ln, err := net.Listen("tcp", a.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Server.Addr, err)
	}

	a.Logger.InfoContext(ctx, "Starting license server",
		slog.String("name", config.AppName),
		slog.String("version", contracts.Version),
		slog.String("address", ln.Addr().String()),
		slog.String("upstream", a.Config.Upstream.URL))

	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.ErrorContext(ctx, "Server error", slog.String("error", err.Error()))
			cancel()
		}
	}()

	return nil
}

// Stop gracefully stops the server and releases its resources
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down license server")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
	defer cancel()

	err := a.Server.Shutdown(shutdownCtx)
	a.release(shutdownCtx)
	if err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	a.Logger.InfoContext(ctx, "License server shutdown complete")
	return nil
}

// release closes the dialer, the store and the telemetry providers
func (a *Application) release(ctx context.Context) {
	if a.dialer != nil {
		a.dialer.Close()
	}
	if a.Services != nil && a.Services.Store != nil {
		if err := a.Services.Store.Close(); err != nil {
			a.Logger.ErrorContext(ctx, "Error closing store", slog.String("error", err.Error()))
		}
	}
	if a.OTelProviders != nil {
		if err := a.OTelProviders.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "Error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

// Run serves until SIGINT, SIGTERM or a serve failure
func (a *Application) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Start(ctx, cancel); err != nil {
		return err
	}

	<-ctx.Done()
	a.Logger.InfoContext(ctx, "Received shutdown signal")

	return a.Stop(ctx)
}
