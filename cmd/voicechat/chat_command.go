package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/voicechat/internal/app"
)

func newChatCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var nickname string
	var token string
	var room string
	var driver string
	var channel string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the voice chat from this terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			// stdout belongs to the conversation; logs go to stderr.
			cfg, err := ctx.ensureConfig(os.Stderr)
			if err != nil {
				return err
			}
			if userID != "" {
				cfg.Identity.UserID = userID
				cfg.Identity.Token = ""
			}
			if nickname != "" {
				cfg.Identity.Nickname = nickname
			}
			if token != "" {
				cfg.Identity.Token = token
			}
			if driver != "" {
				cfg.Driver = driver
			}
			if channel != "" {
				cfg.Channel = channel
			}
			logger := ctx.logger(cfg, os.Stderr)

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := newSyncWriter(cmd.OutOrStdout())
			a, err := app.New(runCtx, cfg, logger, app.WithNotifier(newConsoleNotifier(out)))
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(context.Background()); err != nil {
					logger.Warn().Err(err).Msg("shutdown")
				}
			}()
			if err := a.Start(runCtx); err != nil {
				return err
			}
			if room != "" {
				if err := a.Chat().JoinRoom(runCtx, room); err != nil {
					logger.Warn().Err(err).Str("room_id", room).Msg("initial room")
				}
			}

			r := newREPL(a.Hub(), a.Chat(), cmd.InOrStdin(), out)
			return r.run(runCtx)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id (overrides identity.user_id)")
	cmd.Flags().StringVar(&nickname, "nickname", "", "Display name")
	cmd.Flags().StringVar(&token, "token", "", "Identity token")
	cmd.Flags().StringVar(&room, "room", "", "Room to join after start")
	cmd.Flags().StringVar(&driver, "driver", "", "Transport driver (relay, redis, memory)")
	cmd.Flags().StringVar(&channel, "channel", "", "Broadcast channel name")
	return cmd
}
