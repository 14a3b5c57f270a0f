package app

import (
	"context"
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/config"
	"github.com/vovakirdan/voicechat/internal/metrics"
	"github.com/vovakirdan/voicechat/internal/transport/relay"
)

// Relay serves the loopback broadcast relay.
type Relay struct {
	server          *stdhttp.Server
	relay           *relay.Server
	shutdownTimeout time.Duration
	log             *zerolog.Logger
}

// NewRelay builds the relay server from configuration. Metrics are served
// on /metrics next to the channel routes.
func NewRelay(cfg config.Config, logger *zerolog.Logger) *Relay {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	reg := prometheus.NewRegistry()
	srv := relay.NewServer(logger, relay.ServerOptions{
		RateLimit: cfg.Relay.RateLimit,
		Metrics:   metrics.New(reg),
	})

	mux := stdhttp.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", srv.Handler())

	httpServer := srv.HTTPServer(cfg.Relay.Addr)
	httpServer.Handler = mux

	timeout := cfg.Relay.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Relay{
		server:          httpServer,
		relay:           srv,
		shutdownTimeout: timeout,
		log:             logger,
	}
}

// Addr returns the listen address.
func (r *Relay) Addr() string { return r.server.Addr }

// Run starts the relay and blocks until context cancellation or fatal error.
func (r *Relay) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := r.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()
	r.log.Info().Str("addr", r.server.Addr).Msg("relay listening")

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
		defer cancel()

		r.log.Info().Msg("shutting down relay")
		if err := r.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-serverErr
	}
}
