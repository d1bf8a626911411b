package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"referral-bot/export"
	"referral-bot/logging"
)

const (
	outFlagName    = "out"
	sheetsFlagName = "sheets"
)

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().String(outFlagName, export.FileName, "Path of the xlsx file to write")
	exportCmd.Flags().Bool(sheetsFlagName, false, "Also push the tables to the configured Google spreadsheet")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write users and referrals to an xlsx workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := cmd.Flags().GetString(outFlagName)
		if err != nil {
			return err
		}
		withSheets, err := cmd.Flags().GetBool(sheetsFlagName)
		if err != nil {
			return err
		}

		cfg, err := loadStorageConfig()
		log := logging.Must(cfg.LogLevel, cfg.AppEnv)
		defer log.Sync() // nolint:errcheck
		if err != nil {
			log.Error("❌ invalid configuration", zap.Error(err))
			return err
		}

		ctx := cmd.Context()
		b, err := openBackends(ctx, cfg, log)
		if err != nil {
			log.Error("❌ storage unavailable", zap.Error(err))
			return err
		}
		defer b.Close()

		if err := writeWorkbook(ctx, b.store, out); err != nil {
			return err
		}
		log.Info("✅ workbook written", zap.String("path", out))

		if !withSheets {
			return nil
		}
		if !cfg.SheetsEnabled() {
			return fmt.Errorf("SHEETS_SPREADSHEET_ID and SHEETS_CREDENTIALS_FILE must be set for --%s", sheetsFlagName)
		}
		srv, err := export.NewSheetsService(ctx, cfg.SheetsCredentials)
		if err != nil {
			return err
		}
		return export.NewSheetsSync(srv, cfg.SheetsSpreadsheetID, b.store, log, nil).Run(ctx)
	},
}

func writeWorkbook(ctx context.Context, src export.Source, path string) error {
	buf, err := export.Workbook(ctx, src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
