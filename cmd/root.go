// Package cmd holds the referral-bot command line: serve, export and migrate.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"referral-bot/config"
)

var rootCmd = &cobra.Command{
	Use:          "referral-bot",
	Short:        "Telegram referral registration bot",
	SilenceUsage: true,
	// serve is the default so a bare binary runs the bot.
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// loadStorageConfig loads configuration for commands that only touch storage,
// so a missing BOT_TOKEN is not an error for them.
func loadStorageConfig() (config.Config, error) {
	cfg, err := config.Load()
	if errors.Is(err, config.ErrMissingToken) {
		err = cfg.ValidateStorage()
	}
	return cfg, err
}
