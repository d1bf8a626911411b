package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"referral-bot/config"
	"referral-bot/database"
	"referral-bot/server"
	"referral-bot/session"
	"referral-bot/store"
	"referral-bot/store/mongostore"
	"referral-bot/store/pgstore"
)

// backends is the storage wiring chosen by STORE_DRIVER and SESSION_BACKEND.
type backends struct {
	store    store.Store
	sessions session.Store
	checks   map[string]server.Check
	migrate  []func(ctx context.Context) error
	closers  []func()
	log      *zap.Logger

	// sweep purges expired sessions; nil when the backend expires them itself.
	sweep func(ctx context.Context) (int64, error)
}

func openBackends(ctx context.Context, cfg config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{checks: map[string]server.Check{}, log: log}

	switch cfg.StoreDriver {
	case config.DriverMongo:
		client, err := database.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := database.DisconnectMongo(client); err != nil {
				log.Warn("⚠️ mongo disconnect", zap.Error(err))
			}
		})
		ms := mongostore.New(client, cfg.MongoDB)
		b.store = ms
		b.migrate = append(b.migrate, ms.Migrate)
		if cfg.SessionBackend == config.SessionStore {
			ss := ms.Sessions(cfg.SessionTTL)
			b.sessions = ss
			b.migrate = append(b.migrate, ss.Migrate)
		}
		log.Info("✅ connected to MongoDB", zap.String("db", cfg.MongoDB))

	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		ps := pgstore.New(pool)
		b.store = ps
		b.migrate = append(b.migrate, ps.Migrate)
		if cfg.SessionBackend == config.SessionStore {
			ss := ps.Sessions(cfg.SessionTTL)
			b.sessions = ss
			b.sweep = ss.Sweep
		}
		log.Info("✅ connected to PostgreSQL")

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	b.checks["store"] = b.store.Ping

	if cfg.SessionBackend == config.SessionRedis {
		client, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = client.Close() })
		b.sessions = session.NewRedisStore(client, cfg.SessionTTL)
		b.checks["sessions"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		log.Info("✅ connected to Redis")
	}
	return b, nil
}

// Migrate creates indexes and tables for every opened backend.
func (b *backends) Migrate(ctx context.Context) error {
	for _, m := range b.migrate {
		if err := m(ctx); err != nil {
			return err
		}
	}
	b.log.Info("✅ storage migrated")
	return nil
}

// Close releases connections in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}
