package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BOT_TOKEN", "STORE_DRIVER", "MONGO_URI", "DATABASE_URL", "REDIS_URL",
		"SESSION_BACKEND", "SESSION_TTL", "ADMIN_IDS", "REFERRAL_BONUS_AMOUNT",
		"REFERRAL_DISCOUNT_PERCENT", "BOT_POLL_TIMEOUT", "SHEETS_SYNC_INTERVAL",
		"COMMAND_DELAY", "REQUEST_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")
}

func TestFromEnvDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, DriverMongo, cfg.StoreDriver)
	assert.Equal(t, SessionStore, cfg.SessionBackend)
	assert.Equal(t, 72*time.Hour, cfg.SessionTTL)
	assert.Equal(t, "100", cfg.BonusAmount.String())
	assert.Equal(t, 10, cfg.DiscountPercent)
	assert.Equal(t, 2*time.Second, cfg.CommandDelay)
	assert.False(t, cfg.SheetsEnabled())
}

func TestFromEnvMissingToken(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BOT_TOKEN", "")

	_, err := FromEnv()
	assert.True(t, errors.Is(err, ErrMissingToken))
}

func TestFromEnvRedisSelectedWhenURLSet(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, SessionRedis, cfg.SessionBackend)
}

func TestFromEnvPostgresRequiresURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORE_DRIVER", "postgres")

	_, err := FromEnv()
	require.Error(t, err)

	t.Setenv("DATABASE_URL", "postgres://localhost/referral_bot")
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
}

func TestFromEnvParsesValues(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("ADMIN_IDS", "1, 2,3")
	t.Setenv("SESSION_TTL", "3600")
	t.Setenv("COMMAND_DELAY", "500ms")
	t.Setenv("REFERRAL_BONUS_AMOUNT", "150.50")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, cfg.AdminIDs)
	assert.Equal(t, time.Hour, cfg.SessionTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.CommandDelay)
	assert.Equal(t, "150.5", cfg.BonusAmount.String())
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"ADMIN_IDS":                 "abc",
		"SESSION_TTL":               "soon",
		"REFERRAL_BONUS_AMOUNT":     "-5",
		"REFERRAL_DISCOUNT_PERCENT": "150",
		"STORE_DRIVER":              "sqlite",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(key, value)
			_, err := FromEnv()
			assert.Error(t, err)
		})
	}
}
