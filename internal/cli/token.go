package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparlo/usage/internal/shared/auth"
)

func newTokenCmd(opts *options) *cobra.Command {
	var (
		service string
		expiry  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the internal API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if service == "" {
				return errors.New("--service is required")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if expiry <= 0 {
				expiry = cfg.Auth.TokenExpiry
			}

			tokens := auth.NewTokenManager(auth.TokenConfig{
				Secret:   cfg.Auth.ServiceTokenSecret,
				Issuer:   cfg.Auth.Issuer,
				Audience: cfg.Auth.Audience,
				Expiry:   expiry,
			})
			token, expiresAt, err := tokens.Issue(service)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "calling service name")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (defaults to auth.token_expiry)")
	return cmd
}
