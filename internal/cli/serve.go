package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sparlo/usage/internal/app"
	"github.com/sparlo/usage/internal/shared/logger"
	"github.com/sparlo/usage/internal/shared/migration"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			if cfg.Database.AutoMigrate {
				log := logger.New(&logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
				if err := migrateUp(cfg.Database.DSN(), log); err != nil {
					return err
				}
			}

			application, cleanup, err := app.InitializeApp(cfg)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return application.Run(ctx)
		},
	}
}

func migrateUp(dsn string, log *zap.Logger) error {
	m, err := migration.Open(dsn, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("failed to close migrator", zap.Error(err))
		}
	}()
	return m.Up()
}
