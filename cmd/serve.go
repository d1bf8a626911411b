package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"referral-bot/admin"
	"referral-bot/config"
	"referral-bot/export"
	"referral-bot/handlers"
	"referral-bot/logging"
	"referral-bot/metrics"
	"referral-bot/middleware"
	"referral-bot/referral"
	"referral-bot/registration"
	"referral-bot/server"
	"referral-bot/utils"
)

const (
	sessionSweepInterval = time.Hour
	shutdownTimeout      = 10 * time.Second
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, the scheduler and the ops HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	log := logging.Must(cfg.LogLevel, cfg.AppEnv)
	defer log.Sync() // nolint:errcheck
	if err != nil {
		log.Error("❌ invalid configuration", zap.Error(err))
		return err
	}
	log.Info("starting", zap.String("time", utils.FormatDate(time.Now())),
		zap.String("store", cfg.StoreDriver), zap.String("sessions", cfg.SessionBackend))

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		log.Error("❌ storage unavailable", zap.Error(err))
		return err
	}
	defer b.Close()
	if err := b.Migrate(ctx); err != nil {
		log.Error("❌ storage migration failed", zap.Error(err))
		return err
	}

	m := metrics.New()
	engine := referral.NewEngine(b.store, log, m)
	machine := registration.New(b.store, b.sessions, engine, log,
		registration.WithMetrics(m), registration.WithDiscountPercent(cfg.DiscountPercent))
	adminSvc := admin.NewService(b.store, cfg.BonusAmount, log, m)
	if err := adminSvc.SeedAdmins(ctx, cfg.AdminIDs); err != nil {
		log.Error("❌ seed admins", zap.Error(err))
		return err
	}

	var h *handlers.Handler
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  cfg.BotToken,
		Client: &http.Client{Timeout: cfg.PollTimeout + 30*time.Second},
		Poller: &telebot.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, c telebot.Context) {
			h.OnError(err, c)
		},
	})
	if err != nil {
		log.Error("❌ telegram bot init failed", zap.Error(err))
		return err
	}

	h = handlers.New(handlers.Deps{
		Machine:     machine,
		Users:       b.store,
		Admin:       adminSvc,
		Log:         log,
		BotUsername: bot.Me.Username,
		Timeout:     cfg.RequestTimeout,

		DiscountPercent: cfg.DiscountPercent,
	})

	spam := middleware.NewCommandSpamProtection(cfg.CommandDelay, adminSet(cfg.AdminIDs), log)
	bot.Use(middleware.Recover(log, h.OnError), middleware.PrivateOnly, spam.Middleware)
	h.Register(bot)
	if err := bot.SetCommands(handlers.Commands); err != nil {
		log.Warn("⚠️ set bot commands", zap.Error(err))
	}

	sched, err := newScheduler(ctx, cfg, b, m, log)
	if err != nil {
		log.Error("❌ scheduler init failed", zap.Error(err))
		return err
	}
	sched.Start()

	srv := server.New(cfg.HTTPAddr, b.checks, m.Registry, log)
	go func() {
		if err := srv.Listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("❌ http server stopped", zap.Error(err))
		}
	}()

	go spam.RunCleanup(ctx)
	go bot.Start()
	log.Info("🤖 Bot is running...", zap.String("username", bot.Me.Username))

	<-ctx.Done()
	log.Info("shutting down")

	bot.Stop()
	if err := sched.Shutdown(); err != nil {
		log.Warn("⚠️ scheduler shutdown", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("⚠️ http shutdown", zap.Error(err))
	}
	return nil
}

// adminSet exempts the configured admins from command throttling.
func adminSet(ids []int64) func(int64) bool {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id int64) bool {
		_, ok := set[id]
		return ok
	}
}

// newScheduler registers the periodic jobs: the Google Sheets mirror when it
// is configured and the session sweep for backends without native expiry.
func newScheduler(ctx context.Context, cfg config.Config, b *backends, m *metrics.Metrics, log *zap.Logger) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	if cfg.SheetsEnabled() && cfg.SheetsSyncInterval > 0 {
		srv, err := export.NewSheetsService(ctx, cfg.SheetsCredentials)
		if err != nil {
			return nil, err
		}
		syncer := export.NewSheetsSync(srv, cfg.SheetsSpreadsheetID, b.store, log, m)
		if err := addSheetsJob(sched, cfg.SheetsSyncInterval, syncer); err != nil {
			return nil, err
		}
		log.Info("📅 sheets sync scheduled", zap.Duration("every", cfg.SheetsSyncInterval))
	}

	if b.sweep != nil && cfg.SessionTTL > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(sessionSweepInterval),
			gocron.NewTask(func() {
				n, err := b.sweep(ctx)
				if err != nil {
					log.Error("❌ session sweep", zap.Error(err))
					return
				}
				if n > 0 {
					log.Info("🧹 expired sessions removed", zap.Int64("count", n))
				}
			}),
			gocron.WithName("session-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}

// addSheetsJob schedules syncer.Run, starting immediately. gocron passes the
// job context and records the returned error; Run logs and counts failures
// itself.
func addSheetsJob(sched gocron.Scheduler, every time.Duration, syncer interface {
	Run(ctx context.Context) error
}, opts ...gocron.JobOption) error {
	opts = append([]gocron.JobOption{
		gocron.WithName("sheets-sync"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}, opts...)
	_, err := sched.NewJob(gocron.DurationJob(every), gocron.NewTask(syncer.Run), opts...)
	return err
}
