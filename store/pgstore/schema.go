package pgstore

import (
	"fmt"

	"referral-bot/models"
)

var schema = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS users (
    telegram_id       BIGINT PRIMARY KEY,
    username          VARCHAR(100) NOT NULL,
    first_name        VARCHAR(%[1]d),
    last_name         VARCHAR(%[1]d),
    patronymic        VARCHAR(%[1]d),
    email             VARCHAR(%[2]d),
    phone             VARCHAR(%[3]d),
    referral_code     VARCHAR(16) NOT NULL,
    registration_date TIMESTAMPTZ NOT NULL DEFAULT now(),
    bonus_balance     NUMERIC(12,2) NOT NULL DEFAULT 0 CHECK (bonus_balance >= 0),
    is_active         BOOLEAN NOT NULL DEFAULT TRUE,
    CONSTRAINT users_referral_code_key UNIQUE (referral_code)
);

CREATE INDEX IF NOT EXISTS idx_users_registration_date ON users (registration_date DESC);

CREATE TABLE IF NOT EXISTS referrals (
    id                 UUID PRIMARY KEY,
    referrer_id        BIGINT NOT NULL REFERENCES users (telegram_id),
    referred_user_id   BIGINT NOT NULL REFERENCES users (telegram_id),
    referral_code_used VARCHAR(16) NOT NULL,
    discount_applied   BOOLEAN NOT NULL DEFAULT FALSE,
    bonus_paid         BOOLEAN NOT NULL DEFAULT FALSE,
    referral_date      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT referrals_pair_key UNIQUE (referrer_id, referred_user_id),
    CONSTRAINT referrals_not_self CHECK (referrer_id <> referred_user_id)
);

CREATE INDEX IF NOT EXISTS idx_referrals_unpaid ON referrals (referral_date DESC) WHERE NOT bonus_paid;

CREATE TABLE IF NOT EXISTS admins (
    telegram_id BIGINT PRIMARY KEY,
    username    VARCHAR(100) NOT NULL DEFAULT '',
    full_name   VARCHAR(200) NOT NULL DEFAULT '',
    permissions VARCHAR(16) NOT NULL DEFAULT 'view',
    is_active   BOOLEAN NOT NULL DEFAULT TRUE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payouts (
    id                UUID PRIMARY KEY,
    user_id           BIGINT NOT NULL REFERENCES users (telegram_id),
    referral_id       UUID NOT NULL REFERENCES referrals (id),
    amount            NUMERIC(12,2) NOT NULL,
    status            VARCHAR(20) NOT NULL DEFAULT 'paid',
    payout_date       TIMESTAMPTZ NOT NULL DEFAULT now(),
    admin_telegram_id BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payouts_user_id ON payouts (user_id);

CREATE TABLE IF NOT EXISTS user_sessions (
    telegram_id       BIGINT PRIMARY KEY,
    current_step      VARCHAR(16) NOT NULL,
    registration_data JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_user_sessions_updated_at ON user_sessions (updated_at);
`, models.MaxNamePartLen, models.MaxEmailLen, models.MaxPhoneLen)
