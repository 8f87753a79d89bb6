package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"chaingate/internal/client"
	"chaingate/internal/config"
	apperrors "chaingate/internal/errors"
	"chaingate/internal/infrastructure"
	"chaingate/internal/license"
	"chaingate/internal/licensesync"
	customMiddleware "chaingate/internal/middleware"
	"chaingate/internal/mirror"
	"chaingate/internal/store"
	handlers "chaingate/internal/transport/http"
	ws "chaingate/internal/websocket"
	"chaingate/pkg/contracts/domain"
)

// Agent is the client-side container: verification façade, sync loop and
// the local UI server
type Agent struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	Verifier      *client.Verifier
	Loop          *licensesync.Loop
	Hub           *ws.Hub
	Router        *chi.Mux
	Server        *http.Server

	email       string
	mirror      mirror.Mirror
	store       store.Store
	dialer      *license.CachingDialer
	unsubscribe func()
	addr        net.Addr
	closeOnce   sync.Once
}

// AgentOption customizes NewAgent
type AgentOption func(*agentOptions)

type agentOptions struct {
	noMirror bool
	mirror   mirror.Mirror
	store    store.Store
	storeSet bool
	syncOpts []licensesync.Option
}

// WithoutMirror keeps the last decision in memory only
func WithoutMirror() AgentOption {
	return func(o *agentOptions) { o.noMirror = true }
}

// WithMirror uses m instead of the configured SQLite mirror
func WithMirror(m mirror.Mirror) AgentOption {
	return func(o *agentOptions) { o.mirror = m }
}

// WithAgentStore uses s as the fallback store instead of the configured driver
func WithAgentStore(s store.Store) AgentOption {
	return func(o *agentOptions) {
		o.store = s
		o.storeSet = true
	}
}

// WithSyncOptions passes extra options to the sync loop
func WithSyncOptions(opts ...licensesync.Option) AgentOption {
	return func(o *agentOptions) { o.syncOpts = append(o.syncOpts, opts...) }
}

// NewAgent wires the agent for email. Configuration problems are returned
// as errors; an unreachable store or mirror only degrades the fallbacks.
func NewAgent(ctx context.Context, cfg *config.Config, logger *slog.Logger, email string, opts ...AgentOption) (*Agent, error) {
	if err := cfg.ValidateAgent(); err != nil {
		return nil, apperrors.NewConfigError("invalid agent configuration", err)
	}
	email = domain.NormalizeIdentity(email)
	if email == "" {
		return nil, apperrors.NewInputError("an email is required")
	}
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	var o agentOptions
	for _, opt := range opts {
		opt(&o)
	}

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	a := &Agent{
		Config:        cfg,
		Logger:        logger,
		OTelProviders: otelProviders,
		email:         email,
	}

	if err := a.initialize(ctx, o); err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *Agent) initialize(ctx context.Context, o agentOptions) error {
	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize license metrics: %w", err)
	}
	wsMetrics, err := ws.NewMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("failed to initialize websocket metrics: %w", err)
	}

	a.mirror = a.openMirror(o)
	a.store = o.store
	if !o.storeSet {
		a.store = a.openStore(ctx)
	}

	a.dialer = license.NewCachingDialer(a.Config.Upstream.DNSRefresh)
	backend := client.NewBackendClient(a.Config.Agent.BackendURL, license.NewHTTPClient(a.dialer), a.Config.Agent.RequestTimeout)

	a.Verifier = client.NewVerifier(backend, license.DefaultCatalog(), a.mirror,
		client.WithSources(client.StoreSources(a.store)...),
		client.WithMetrics(metrics),
		client.WithLogger(a.Logger))

	a.Hub = ws.NewHub(a.Logger, wsMetrics)

	syncOpts := append([]licensesync.Option{
		licensesync.WithLogger(a.Logger),
		licensesync.WithMetrics(metrics),
		licensesync.WithActiveFunc(a.foreground),
	}, o.syncOpts...)
	a.Loop = licensesync.New(a.Verifier, licensesync.Config{
		Identity:         a.email,
		Interval:         a.Config.Agent.SyncInterval,
		SuspendThreshold: a.Config.Agent.SuspendThreshold,
	}, syncOpts...)

	return a.setupRouter()
}

func (a *Agent) openMirror(o agentOptions) mirror.Mirror {
	switch {
	case o.mirror != nil:
		return o.mirror
	case o.noMirror:
		return mirror.NewMemory()
	}

	m, err := mirror.OpenSQLite(a.Config.Agent.MirrorPath)
	if err != nil {
		a.Logger.Warn("license mirror unavailable, keeping decisions in memory",
			slog.String("path", a.Config.Agent.MirrorPath),
			slog.String("error", err.Error()))
		return mirror.NewMemory()
	}
	return m
}

func (a *Agent) openStore(ctx context.Context) store.Store {
	st, err := store.Open(ctx, a.Config.Store, a.Logger)
	if err != nil {
		a.Logger.WarnContext(ctx, "remote store unavailable, fallback stages disabled",
			slog.String("driver", a.Config.Store.Driver),
			slog.String("error", err.Error()))
		return nil
	}
	return st
}

// foreground stands in for host visibility: a headless agent is always in
// the foreground, one with a UI only while a UI client is connected.
func (a *Agent) foreground() bool {
	if a.Config.Agent.UIPort == 0 {
		return true
	}
	return a.Hub.ClientCount() > 0
}

func (a *Agent) setupRouter() error {
	r := chi.NewRouter()
	errorHandler := apperrors.NewErrorHandler(a.Logger, false)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.TraceID)

	// The upgrade needs the raw connection, so /ws skips the wrapping middleware
	r.Get(config.AgentWebSocketEndpoint, ws.Handler(a.Hub, func(context.Context) interface{} {
		return a.Loop.State()
	}))

	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Use(apperrors.RecoveryMiddleware(errorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		handlers.NewAgentHandler(a.Loop, a.Logger).RegisterRoutes(r)
	})

	r.NotFound(errorHandler.NotFound)
	a.Router = r
	return nil
}

// Email returns the normalized identity the agent verifies
func (a *Agent) Email() string {
	return a.email
}

// Verify runs one manual verification without starting the loop
func (a *Agent) Verify(ctx context.Context) *domain.ResolvedAccess {
	return a.Verifier.Verify(ctx, a.email, true)
}

// Start begins syncing and, when a UI port is configured, serves the local
// UI on the loopback interface. onEvent, if set, receives every sync event.
func (a *Agent) Start(ctx context.Context, onEvent func(licensesync.Event)) error {
	a.Hub.Start()

	unsubscribeHub := a.Loop.Subscribe(a.Hub.PublishSyncEvent)
	unsubscribeEvent := func() {}
	if onEvent != nil {
		unsubscribeEvent = a.Loop.Subscribe(onEvent)
	}
	a.unsubscribe = func() {
		unsubscribeHub()
		unsubscribeEvent()
	}

	if a.Config.Agent.UIPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", a.Config.Agent.UIPort))
		if err != nil {
			return fmt.Errorf("failed to listen for the agent ui: %w", err)
		}
		a.addr = ln.Addr()
		a.Server = &http.Server{
			Handler:     a.Router,
			ReadTimeout: a.Config.Server.ReadTimeout,
			IdleTimeout: a.Config.Server.IdleTimeout,
		}
		go func() {
			if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.ErrorContext(ctx, "agent ui server error", slog.String("error", err.Error()))
			}
		}()
		a.Logger.InfoContext(ctx, "agent ui listening", slog.String("address", ln.Addr().String()))
	}

	return a.Loop.Start(ctx)
}

// UIAddr returns the address of the local UI server once started
func (a *Agent) UIAddr() string {
	if a.addr == nil {
		return ""
	}
	return a.addr.String()
}

// Stop halts the loop and the UI server, then releases every resource
func (a *Agent) Stop(ctx context.Context) error {
	a.Loop.Stop()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}

	var err error
	if a.Server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Server.ShutdownTimeout)
		err = a.Server.Shutdown(shutdownCtx)
		cancel()
	}
	a.Hub.Stop()
	a.Close(ctx)

	if err != nil {
		return fmt.Errorf("agent ui shutdown error: %w", err)
	}
	return nil
}

// Close releases the mirror, the store, the dialer and telemetry. It is
// safe to call more than once.
func (a *Agent) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		if a.mirror != nil {
			if err := a.mirror.Close(); err != nil {
				a.Logger.WarnContext(ctx, "failed to close license mirror", slog.String("error", err.Error()))
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				a.Logger.WarnContext(ctx, "failed to close store", slog.String("error", err.Error()))
			}
		}
		if a.dialer != nil {
			a.dialer.Close()
		}
		if a.OTelProviders != nil {
			if err := a.OTelProviders.Shutdown(context.WithoutCancel(ctx)); err != nil {
				a.Logger.WarnContext(ctx, "failed to shut down telemetry", slog.String("error", err.Error()))
			}
		}
	})
}

// IsConfigError reports whether err came from bad configuration or input
// rather than a runtime failure
func IsConfigError(err error) bool {
	return errors.Is(err, apperrors.ErrConfig) || errors.Is(err, apperrors.ErrInvalidIdentity)
}
