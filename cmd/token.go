package cmd

import (
	"errors"
	"fmt"
	"time"

	"perfwatch/api"
	"perfwatch/config"

	"github.com/spf13/cobra"
)

// newTokenCmd creates the 'token' command
func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		Long: `Sign a bearer token for mutating API requests with the configured JWT
secret (auth.jwt_secret or PERFWATCH_JWT_SECRET).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := issueToken(cfg, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), map[string]string{"token": token, "subject": subject})
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Token subject, recorded as the actor of API changes")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func issueToken(cfg *config.Config, subject string, ttl time.Duration, now time.Time) (string, error) {
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		manager, err := config.NewSecretManager(cfg)
		if err != nil {
			return "", err
		}
		if secret, err = manager.GetJWTSecret(); err != nil {
			return "", fmt.Errorf("no JWT secret configured: %w", err)
		}
	}
	if len(secret) < 32 {
		return "", errors.New("JWT secret must be at least 32 characters")
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	return api.IssueToken(secret, cfg.Auth.Issuer, subject, ttl, now)
}

// newConfigCmd creates the 'config' command group
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return outputAsJSON(cmd.OutOrStdout(), cfg.Masked())
		},
	})
	return cmd
}
