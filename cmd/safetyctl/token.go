package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/peerlink/safety/config"
	"github.com/peerlink/safety/internal/auth"
)

func tokenCmd() *cobra.Command {
	var userID, role, fingerprint string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token using JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !auth.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if userID == "" {
				userID = uuid.NewString()
			}
			token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours).Generate(userID, role, fingerprint)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (random when empty)")
	cmd.Flags().StringVar(&role, "role", auth.RoleUser, "role: user or moderator")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "device fingerprint claim")
	return cmd
}
