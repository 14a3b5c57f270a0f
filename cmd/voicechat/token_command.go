package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/voicechat/internal/auth"
	"github.com/vovakirdan/voicechat/internal/proto"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var userID string
	var nickname string
	var userType string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an identity token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig(os.Stderr)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			if userID == "" {
				return errors.New("--user is required")
			}
			token, err := auth.GenerateToken(&auth.JWTConfig{
				Secret:   []byte(cfg.Auth.JWTSecret),
				Issuer:   cfg.Auth.Issuer,
				Audience: cfg.Auth.Audience,
				TTL:      ttl,
			}, proto.User{ID: userID, Nickname: nickname, UserType: proto.UserType(userType)})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().StringVar(&nickname, "nickname", "", "Display name")
	cmd.Flags().StringVar(&userType, "type", string(proto.UserTypeStudent), "User type (STUDENT, TEACHER)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime, 0 for no expiry")
	return cmd
}
