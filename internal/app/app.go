package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/auth"
	"github.com/vovakirdan/voicechat/internal/chat"
	"github.com/vovakirdan/voicechat/internal/config"
	"github.com/vovakirdan/voicechat/internal/core"
	"github.com/vovakirdan/voicechat/internal/metrics"
	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/store"
	"github.com/vovakirdan/voicechat/internal/store/sqlite"
	"github.com/vovakirdan/voicechat/internal/transport"
	"github.com/vovakirdan/voicechat/internal/transport/memory"
	"github.com/vovakirdan/voicechat/internal/transport/redis"
	"github.com/vovakirdan/voicechat/internal/transport/relay"
)

// App wires a chat client together: identity, transport driver, hub,
// optional history store and metrics endpoint.
type App struct {
	cfg     config.Config
	log     *zerolog.Logger
	metrics *metrics.Metrics

	auth  *auth.Service
	pool  *core.Pool
	hub   *core.Hub
	store store.Store
	chat  *chat.Service

	closeDriver   func() error
	metricsServer *stdhttp.Server
}

// Option adjusts App construction.
type Option func(*options)

type options struct {
	driver   transport.Driver
	notifier chat.Notifier
}

// WithDriver overrides the driver selected by configuration.
func WithDriver(d transport.Driver) Option {
	return func(o *options) { o.driver = d }
}

// WithNotifier routes user-facing notices to n instead of the log.
func WithNotifier(n chat.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// New constructs the client application with provided configuration. It
// does not connect; call Start.
func New(ctx context.Context, cfg config.Config, logger *zerolog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: logger}

	reg := prometheus.NewRegistry()
	a.metrics = metrics.New(reg)
	if cfg.MetricsAddr != "" {
		mux := stdhttp.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		a.metricsServer = &stdhttp.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	// Identity
	a.auth = auth.NewService(jwtConfig(cfg), logger)
	if err := login(a.auth, cfg.Identity); err != nil {
		return nil, err
	}

	// Driver
	driver := o.driver
	if driver == nil {
		d, closer, err := newDriver(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		driver = d
		a.closeDriver = closer
	}

	// History
	if cfg.HistoryPath != "" {
		st, err := sqlite.New(cfg.HistoryPath)
		if err != nil {
			a.releaseDriver()
			return nil, fmt.Errorf("init store: %w", err)
		}
		a.store = st
		logger.Info().Str("db_path", cfg.HistoryPath).Msg("history store initialized")
	}

	known := make([]core.RoomInfo, 0, len(cfg.KnownRooms))
	for _, id := range cfg.KnownRooms {
		known = append(known, core.RoomInfo{ID: id, Name: id})
	}
	a.pool = core.NewPool(core.Options{
		Channel:    cfg.Channel,
		Driver:     driver,
		Users:      a.auth,
		Logger:     logger,
		Metrics:    a.metrics,
		Wait:       core.WaitPolicy{Interval: cfg.ConnectWait.Interval, Attempts: cfg.ConnectWait.Attempts},
		KnownRooms: known,
	})
	a.hub = a.pool.Hub(cfg.Channel)

	a.chat = chat.NewService(a.hub, chat.NewState(a.store, logger), a.auth, o.notifier, logger)
	return a, nil
}

// Start connects the hub, serves metrics when configured and initializes
// the chat. A missing broadcast channel is not fatal.
func (a *App) Start(ctx context.Context) error {
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
				a.log.Warn().Err(err).Str("addr", a.metricsServer.Addr).Msg("metrics server stopped")
			}
		}()
		a.log.Info().Str("addr", a.metricsServer.Addr).Msg("serving metrics")
	}

	if err := a.hub.Connect(ctx); err != nil && !core.IsUnavailable(err) {
		return err
	}
	return a.chat.Initialize(ctx)
}

// Hub returns the hub of the configured channel.
func (a *App) Hub() *core.Hub { return a.hub }

// Chat returns the chat service.
func (a *App) Chat() *chat.Service { return a.chat }

// Auth returns the identity service.
func (a *App) Auth() *auth.Service { return a.auth }

// Metrics returns the collectors.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Close disconnects every hub and releases the store, driver and metrics server.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.chat.Close()
	if err := a.pool.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown metrics: %w", err))
		}
	}
	a.cleanup()
	return errors.Join(errs...)
}

// cleanup closes database and driver resources.
func (a *App) cleanup() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
	a.releaseDriver()
}

func (a *App) releaseDriver() {
	if a.closeDriver == nil {
		return
	}
	if err := a.closeDriver(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close driver")
	}
	a.closeDriver = nil
}

func jwtConfig(cfg config.Config) *auth.JWTConfig {
	if cfg.Auth.JWTSecret == "" {
		return nil
	}
	return &auth.JWTConfig{
		Secret:   []byte(cfg.Auth.JWTSecret),
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
	}
}

func login(svc *auth.Service, id config.IdentityConfig) error {
	switch {
	case id.Token != "":
		if _, err := svc.LoginWithToken(id.Token); err != nil {
			return fmt.Errorf("identity token: %w", err)
		}
	case id.UserID != "":
		if _, err := svc.Login(proto.User{ID: id.UserID, Nickname: id.Nickname}); err != nil {
			return fmt.Errorf("identity: %w", err)
		}
	}
	return nil
}

func newDriver(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (transport.Driver, func() error, error) {
	switch cfg.Driver {
	case config.DriverRelay, "":
		return relay.NewDriver(cfg.Relay.URL, logger), nil, nil
	case config.DriverRedis:
		d, err := redis.New(ctx, logger, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, d.Close, nil
	case config.DriverMemory:
		return memory.NewBroker(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
