package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"referral-bot/logging"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables and indexes the configured backends need",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadStorageConfig()
		log := logging.Must(cfg.LogLevel, cfg.AppEnv)
		defer log.Sync() // nolint:errcheck
		if err != nil {
			log.Error("❌ invalid configuration", zap.Error(err))
			return err
		}

		b, err := openBackends(cmd.Context(), cfg, log)
		if err != nil {
			log.Error("❌ storage unavailable", zap.Error(err))
			return err
		}
		defer b.Close()
		return b.Migrate(cmd.Context())
	},
}
