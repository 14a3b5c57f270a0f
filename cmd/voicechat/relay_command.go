package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/voicechat/internal/app"
)

func newRelayCommand(ctx *commandContext) *cobra.Command {
	var addr string
	var rateLimit int

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the loopback broadcast relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(os.Stdout)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Relay.Addr = addr
			}
			if cmd.Flags().Changed("rate-limit") {
				cfg.Relay.RateLimit = rateLimit
			}
			logger := ctx.logger(cfg, os.Stdout)

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			relay := app.NewRelay(cfg, logger)
			if err := relay.Run(runCtx); err != nil {
				logger.Error().Err(err).Msg("relay exited with error")
				return err
			}
			logger.Info().Msg("relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "Frames per connection per minute, 0 disables")
	return cmd
}
