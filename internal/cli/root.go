package cli

import (
	"github.com/spf13/cobra"

	"github.com/sparlo/usage/internal/shared/config"
)

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

type options struct {
	configPath string
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configPath)
}

// NewRootCmd builds the usage-server command tree.
func NewRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "usage-server",
		Short:         "Token usage accounting for Sparlo subscriptions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newPlansCmd(opts),
		newTokenCmd(opts),
	)
	return rootCmd
}
