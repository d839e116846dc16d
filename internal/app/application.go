// Package app wires configuration into the running process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"roomcast/internal/api"
	"roomcast/internal/auth"
	"roomcast/internal/bridge"
	"roomcast/internal/cache"
	"roomcast/internal/config"
	"roomcast/internal/database"
	"roomcast/internal/logging"
	"roomcast/internal/notify"
	"roomcast/internal/router"
	"roomcast/internal/supervisor"
	"roomcast/internal/websocket"
	"roomcast/pkg/interfaces"
	pkgdatabase "roomcast/pkg/database"
)

// Application owns every long-lived component.
// Build order: store → cache → notifier → bridge → auth → endpoints → HTTP → supervisor
type Application struct {
	config     *config.Config
	store      *database.Manager
	cache      interfaces.HistoryCache
	notifier   interfaces.Notifier
	bridge     *bridge.Bridge
	chat       *websocket.Handler
	signal     *websocket.Handler
	apiServer  *api.Server
	httpServer *http.Server
	tree       *supervisor.Tree
}

// NewApplication builds the component graph. Nothing accepts traffic until Run.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &Application{config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.closeBackends()
		}
	}()

	// STEP 1: durable store
	store, err := database.NewManager(&pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		WriteTimeout:    cfg.Database.WriteTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize message store: %w", err)
	}
	app.store = store

	// STEP 2: optional history cache
	if cfg.Cache.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		history, err := cache.NewRedisHistory(ctx, cache.Config{
			Addr:        cfg.Cache.RedisAddr,
			DB:          cfg.Cache.RedisDB,
			HistorySize: cfg.Cache.HistorySize,
			TTL:         cfg.Cache.TTL,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to connect history cache: %w", err)
		}
		app.cache = history
	}

	// STEP 3: offline notifier
	if cfg.Notify.NATSURL != "" {
		natsCfg := notify.DefaultConfig(cfg.Notify.NATSURL)
		natsCfg.SubjectPrefix = cfg.Notify.SubjectPrefix
		notifier, err := notify.NewNATSNotifier(natsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect notifier: %w", err)
		}
		app.notifier = notifier
	} else {
		app.notifier = notify.LogNotifier{}
	}

	// STEP 4: identity
	resolver, err := newResolver(cfg.Auth)
	if err != nil {
		return nil, err
	}
	authenticator := auth.NewAuthenticator(resolver, cfg.Auth.Timeout)

	// STEP 5: endpoints. Each has its own registry; presence follows the chat registry.
	chatRegistry := websocket.NewRegistry("chat")
	signalRegistry := websocket.NewRegistry("signal")

	app.bridge = bridge.New(bridge.Config{
		QueueSize:    cfg.Bridge.QueueSize,
		Workers:      cfg.Bridge.Workers,
		StoreTimeout: cfg.Bridge.StoreTimeout,
		HistoryLimit: cfg.Bridge.HistoryLimit,
	}, store, app.notifier, app.cache, chatRegistry)

	chatDispatcher := router.NewChatDispatcher(chatRegistry, websocket.NewRelay(chatRegistry), app.bridge,
		router.NewRateLimiter(cfg.WebSocket.FrameRate, cfg.WebSocket.FrameBurst))
	signalDispatcher := router.NewSignalingDispatcher(signalRegistry, websocket.NewRelay(signalRegistry),
		router.NewRateLimiter(cfg.WebSocket.FrameRate, cfg.WebSocket.FrameBurst))

	wsOpts := websocket.Options{
		PingInterval:  cfg.WebSocket.PingInterval,
		PongWait:      cfg.WebSocket.PongWait(),
		WriteTimeout:  cfg.WebSocket.WriteTimeout,
		SendBuffer:    cfg.WebSocket.SendBuffer,
		MaxFrameBytes: cfg.WebSocket.MaxFrameBytes,
		CheckOrigin:   cfg.WebSocket.CheckOrigin,
	}
	app.chat = websocket.NewHandler("chat", chatRegistry, authenticator, chatDispatcher, wsOpts)
	app.signal = websocket.NewHandler("signal", signalRegistry, authenticator, signalDispatcher, wsOpts)

	// STEP 6: HTTP surface
	app.apiServer = api.NewServer(api.Config{
		HandshakeRateLimit:  cfg.HTTP.HandshakeRateLimit,
		HandshakeRateWindow: cfg.HTTP.HandshakeRateWindow,
	}, store, app.bridge, app.chat, app.signal)

	app.httpServer = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           app.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	// STEP 7: supervision
	app.tree = supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	app.tree.AddDataService(app.bridge)
	app.tree.AddAPIService(supervisor.NewHTTPService(app.httpServer, cfg.Supervisor.ShutdownTimeout, app.chat, app.signal))

	ok = true
	return app, nil
}

func newResolver(cfg config.AuthConfig) (interfaces.IdentityResolver, error) {
	switch cfg.Mode {
	case config.AuthModeHTTP:
		return auth.NewHTTPResolver(auth.HTTPResolverConfig{
			URL:             cfg.IdentityURL,
			Client:          &http.Client{Timeout: cfg.Timeout},
			BreakerFailures: cfg.BreakerFailures,
			BreakerTimeout:  cfg.BreakerTimeout,
		}), nil
	default:
		resolver, err := auth.NewJWTResolver(cfg.JWTSecret, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize token resolver: %w", err)
		}
		return resolver, nil
	}
}

// Run serves until ctx is cancelled, then releases the backends.
// The bridge drains its queue before the store is closed.
func (app *Application) Run(ctx context.Context) error {
	logging.Info().
		Str("addr", app.httpServer.Addr).
		Str("auth_mode", app.config.Auth.Mode).
		Bool("redis_cache", app.cache != nil).
		Bool("nats_notify", app.config.Notify.NATSURL != "").
		Msg("Starting roomcast")

	err := app.tree.Serve(ctx)

	if unstopped, reportErr := app.tree.UnstoppedServiceReport(); reportErr == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop before timeout")
		}
	}

	// The api layer may stop after the bridge; flush what it submitted
	// before the store closes.
	if n := app.bridge.Drain(); n > 0 {
		logging.Info().Int("jobs", n).Msg("Persisted late bridge jobs")
	}
	if n := app.bridge.Pending(); n > 0 {
		logging.Warn().Int("jobs", n).Msg("Bridge jobs left unpersisted")
	}

	app.closeBackends()
	logging.Info().Msg("Roomcast shutdown complete")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (app *Application) closeBackends() {
	if app.notifier != nil {
		if err := app.notifier.Close(); err != nil {
			logging.Err(err).Msg("Notifier close failed")
		}
	}
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			logging.Err(err).Msg("History cache close failed")
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			logging.Err(err).Msg("Message store close failed")
		}
	}
}

// Handler returns the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Addr returns the configured listen address
func (app *Application) Addr() string {
	return app.httpServer.Addr
}
