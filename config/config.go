package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"

	SessionRedis = "redis"
	SessionStore = "store"
)

const (
	defaultPollTimeout    = 10 * time.Second
	defaultSessionTTL     = 72 * time.Hour
	defaultCommandDelay   = 2 * time.Second
	defaultRequestTimeout = 5 * time.Second
	defaultHTTPAddr       = ":8080"
	defaultMongoDB        = "referral_bot"
)

// ErrMissingToken is returned when BOT_TOKEN is not configured. The process
// must refuse to start in that case.
var ErrMissingToken = errors.New("BOT_TOKEN must be set")

// Config captures runtime configuration loaded from the environment.
type Config struct {
	BotToken    string
	PollTimeout time.Duration
	AdminIDs    []int64

	StoreDriver    string
	MongoURI       string
	MongoDB        string
	DatabaseURL    string
	SessionBackend string
	RedisURL       string
	SessionTTL     time.Duration

	BonusAmount     decimal.Decimal
	DiscountPercent int

	HTTPAddr string
	LogLevel string
	AppEnv   string

	SheetsSpreadsheetID string
	SheetsCredentials   string
	SheetsSyncInterval  time.Duration

	CommandDelay   time.Duration
	RequestTimeout time.Duration
}

// Load reads a .env file if present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		BotToken:            os.Getenv("BOT_TOKEN"),
		StoreDriver:         strings.ToLower(getEnv("STORE_DRIVER", DriverMongo)),
		MongoURI:            os.Getenv("MONGO_URI"),
		MongoDB:             getEnv("MONGO_DB", defaultMongoDB),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		HTTPAddr:            getEnv("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		AppEnv:              getEnv("APP_ENV", "production"),
		SheetsSpreadsheetID: os.Getenv("SHEETS_SPREADSHEET_ID"),
		SheetsCredentials:   os.Getenv("SHEETS_CREDENTIALS_FILE"),
	}

	var err error
	if cfg.PollTimeout, err = getDuration("BOT_POLL_TIMEOUT", defaultPollTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = getDuration("SESSION_TTL", defaultSessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.SheetsSyncInterval, err = getDuration("SHEETS_SYNC_INTERVAL", 0); err != nil {
		return Config{}, err
	}
	if cfg.CommandDelay, err = getDuration("COMMAND_DELAY", defaultCommandDelay); err != nil {
		return Config{}, err
	}
	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", defaultRequestTimeout); err != nil {
		return Config{}, err
	}

	cfg.BonusAmount, err = decimal.NewFromString(getEnv("REFERRAL_BONUS_AMOUNT", "100"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REFERRAL_BONUS_AMOUNT: %w", err)
	}
	if cfg.BonusAmount.IsNegative() {
		return Config{}, fmt.Errorf("REFERRAL_BONUS_AMOUNT must not be negative")
	}
	cfg.DiscountPercent, err = strconv.Atoi(getEnv("REFERRAL_DISCOUNT_PERCENT", "10"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REFERRAL_DISCOUNT_PERCENT: %w", err)
	}
	if cfg.DiscountPercent < 0 || cfg.DiscountPercent > 100 {
		return Config{}, fmt.Errorf("REFERRAL_DISCOUNT_PERCENT must be between 0 and 100")
	}

	if cfg.AdminIDs, err = parseIDs(os.Getenv("ADMIN_IDS")); err != nil {
		return Config{}, err
	}

	cfg.SessionBackend = strings.ToLower(os.Getenv("SESSION_BACKEND"))
	if cfg.SessionBackend == "" {
		cfg.SessionBackend = SessionStore
		if cfg.RedisURL != "" {
			cfg.SessionBackend = SessionRedis
		}
	}

	if cfg.BotToken == "" {
		return cfg, ErrMissingToken
	}
	return cfg, cfg.ValidateStorage()
}

// ValidateStorage checks the store and session backend settings on their own.
// Commands that never talk to Telegram use it after ErrMissingToken.
func (c Config) ValidateStorage() error {
	switch c.StoreDriver {
	case DriverMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI must be set when STORE_DRIVER=%s", c.StoreDriver)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when STORE_DRIVER=%s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.SessionBackend {
	case SessionRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when SESSION_BACKEND=%s", c.SessionBackend)
		}
	case SessionStore:
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.SessionBackend)
	}
	return nil
}

// SheetsEnabled reports whether the Google Sheets mirror is configured.
func (c Config) SheetsEnabled() bool {
	return c.SheetsSpreadsheetID != "" && c.SheetsCredentials != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_IDS entry %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
