// Package pgstore implements store.Store and session.Store on PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"referral-bot/models"
	"referral-bot/store"
)

const (
	codeUniqueViolation       = "23505"
	codeForeignKeyViolation   = "23503"
	constraintUsersPkey       = "users_pkey"
	constraintReferralCodeKey = "users_referral_code_key"
)

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close(context.Context) error { return nil }

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

const userColumns = `telegram_id, username, first_name, last_name, patronymic, email, phone,
    referral_code, registration_date, bonus_balance::text, is_active`

func scanUser(row pgx.Row) (*models.User, error) {
	var (
		u       models.User
		balance string
	)
	err := row.Scan(&u.TelegramID, &u.Username, &u.FirstName, &u.LastName, &u.Patronymic,
		&u.Email, &u.Phone, &u.ReferralCode, &u.RegisteredAt, &balance, &u.IsActive)
	if err != nil {
		return nil, err
	}
	if u.BonusBalance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("bonus_balance %q: %w", balance, err)
	}
	return &u, nil
}

func (s *Store) UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pgstore: user %d: %w", telegramID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: user %d: %w", telegramID, err)
	}
	return u, nil
}

func (s *Store) UserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE referral_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pgstore: user by code %q: %w", code, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: user by code %q: %w", code, err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = s.now().UTC()
	}
	const q = `INSERT INTO users (telegram_id, username, first_name, last_name, patronymic, email, phone,
        referral_code, registration_date, bonus_balance, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11)`
	_, err := s.pool.Exec(ctx, q, user.TelegramID, user.Username, user.FirstName, user.LastName,
		user.Patronymic, user.Email, user.Phone, user.ReferralCode, user.RegisteredAt,
		user.BonusBalance.String(), user.IsActive)
	if pgErr, ok := pgError(err); ok && pgErr.Code == codeUniqueViolation {
		switch pgErr.ConstraintName {
		case constraintReferralCodeKey:
			return fmt.Errorf("pgstore: create user %d: %w", user.TelegramID, store.ErrDuplicateCode)
		case constraintUsersPkey:
			return fmt.Errorf("pgstore: create user %d: %w", user.TelegramID, store.ErrDuplicateUser)
		}
	}
	if err != nil {
		return fmt.Errorf("pgstore: create user %d: %w", user.TelegramID, err)
	}
	return nil
}

func (s *Store) SetPhone(ctx context.Context, telegramID int64, phone string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET phone = $2 WHERE telegram_id = $1`, telegramID, phone)
	if err != nil {
		return fmt.Errorf("pgstore: set phone %d: %w", telegramID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pgstore: set phone %d: %w", telegramID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context, limit int) ([]models.User, error) {
	q := `SELECT ` + userColumns + ` FROM users ORDER BY registration_date DESC, telegram_id DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: list users: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list users: %w", err)
	}
	return users, nil
}

func (s *Store) CreateReferral(ctx context.Context, ref *models.Referral) error {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = s.now().UTC()
	}
	const q = `INSERT INTO referrals (id, referrer_id, referred_user_id, referral_code_used,
        discount_applied, bonus_paid, referral_date)
        VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)`
	_, err := s.pool.Exec(ctx, q, ref.ID, ref.ReferrerID, ref.ReferredID, ref.CodeUsed,
		ref.DiscountApplied, ref.BonusPaid, ref.CreatedAt)
	if pgErr, ok := pgError(err); ok {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("pgstore: create referral %d->%d: %w", ref.ReferrerID, ref.ReferredID, store.ErrDuplicateReferral)
		case codeForeignKeyViolation:
			return fmt.Errorf("pgstore: create referral %d->%d: %w", ref.ReferrerID, ref.ReferredID, store.ErrNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("pgstore: create referral %d->%d: %w", ref.ReferrerID, ref.ReferredID, err)
	}
	return nil
}

const referralViewQuery = `SELECT r.id::text, r.referrer_id, r.referred_user_id, r.referral_code_used,
        r.discount_applied, r.bonus_paid, r.referral_date,
        COALESCE(u1.username, ''), COALESCE(u2.username, '')
    FROM referrals r
    LEFT JOIN users u1 ON u1.telegram_id = r.referrer_id
    LEFT JOIN users u2 ON u2.telegram_id = r.referred_user_id`

func (s *Store) ReferralsByReferrer(ctx context.Context, referrerID int64) ([]models.ReferralView, error) {
	return s.referralViews(ctx, ` WHERE r.referrer_id = $1`, referrerID)
}

func (s *Store) UnpaidReferrals(ctx context.Context) ([]models.ReferralView, error) {
	return s.referralViews(ctx, ` WHERE NOT r.bonus_paid`)
}

func (s *Store) AllReferrals(ctx context.Context) ([]models.ReferralView, error) {
	return s.referralViews(ctx, ``)
}

func (s *Store) referralViews(ctx context.Context, where string, args ...any) ([]models.ReferralView, error) {
	rows, err := s.pool.Query(ctx, referralViewQuery+where+` ORDER BY r.referral_date DESC, r.id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list referrals: %w", err)
	}
	defer rows.Close()

	var out []models.ReferralView
	for rows.Next() {
		var v models.ReferralView
		if err := rows.Scan(&v.ID, &v.ReferrerID, &v.ReferredID, &v.CodeUsed, &v.DiscountApplied,
			&v.BonusPaid, &v.CreatedAt, &v.ReferrerName, &v.ReferredName); err != nil {
			return nil, fmt.Errorf("pgstore: list referrals: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: list referrals: %w", err)
	}
	return out, nil
}

// MarkBonusPaid flips the flag, credits the referrer and records the payout in
// one transaction.
func (s *Store) MarkBonusPaid(ctx context.Context, referralID string, adminID int64, amount decimal.Decimal) (*models.Payout, error) {
	if _, err := uuid.Parse(referralID); err != nil {
		return nil, fmt.Errorf("pgstore: mark paid %s: %w", referralID, store.ErrNotFound)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("pgstore: mark paid %s: %w", referralID, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var referrerID int64
	err = tx.QueryRow(ctx, `UPDATE referrals SET bonus_paid = TRUE
        WHERE id = $1::uuid AND NOT bonus_paid RETURNING referrer_id`, referralID).Scan(&referrerID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM referrals WHERE id = $1::uuid)`, referralID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("pgstore: mark paid %s: %w", referralID, err)
		}
		if !exists {
			return nil, fmt.Errorf("pgstore: mark paid %s: %w", referralID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("pgstore: mark paid %s: %w", referralID, store.ErrAlreadyPaid)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: mark paid %s: %w", referralID, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET bonus_balance = bonus_balance + $2::numeric
        WHERE telegram_id = $1`, referrerID, amount.String()); err != nil {
		return nil, fmt.Errorf("pgstore: credit %d: %w", referrerID, err)
	}

	p := models.Payout{
		ID:              uuid.NewString(),
		UserID:          referrerID,
		ReferralID:      referralID,
		Amount:          amount,
		Status:          models.PayoutStatusPaid,
		PaidAt:          s.now().UTC(),
		AdminTelegramID: adminID,
	}
	if _, err := tx.Exec(ctx, `INSERT INTO payouts (id, user_id, referral_id, amount, status, payout_date, admin_telegram_id)
        VALUES ($1::uuid, $2, $3::uuid, $4::numeric, $5, $6, $7)`,
		p.ID, p.UserID, p.ReferralID, p.Amount.String(), p.Status, p.PaidAt, p.AdminTelegramID); err != nil {
		return nil, fmt.Errorf("pgstore: insert payout %s: %w", referralID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: mark paid %s: %w", referralID, err)
	}
	return &p, nil
}

func (s *Store) PayoutsByUser(ctx context.Context, telegramID int64) ([]models.Payout, error) {
	rows, err := s.pool.Query(ctx, `SELECT id::text, user_id, referral_id::text, amount::text, status,
        payout_date, admin_telegram_id
        FROM payouts WHERE user_id = $1 ORDER BY payout_date DESC`, telegramID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: payouts %d: %w", telegramID, err)
	}
	defer rows.Close()

	var out []models.Payout
	for rows.Next() {
		var (
			p      models.Payout
			amount string
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.ReferralID, &amount, &p.Status, &p.PaidAt, &p.AdminTelegramID); err != nil {
			return nil, fmt.Errorf("pgstore: payouts %d: %w", telegramID, err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("pgstore: payout amount %q: %w", amount, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: payouts %d: %w", telegramID, err)
	}
	return out, nil
}

func (s *Store) IsAdmin(ctx context.Context, telegramID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM admins WHERE telegram_id = $1 AND is_active)`, telegramID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("pgstore: is admin %d: %w", telegramID, err)
	}
	return ok, nil
}

func (s *Store) EnsureAdmin(ctx context.Context, admin models.Admin) error {
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = s.now().UTC()
	}
	if admin.Permissions == "" {
		admin.Permissions = models.PermissionView
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO admins (telegram_id, username, full_name, permissions, is_active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (telegram_id) DO NOTHING`,
		admin.TelegramID, admin.Username, admin.FullName, admin.Permissions, admin.IsActive, admin.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: ensure admin %d: %w", admin.TelegramID, err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.pool.QueryRow(ctx, `SELECT
        (SELECT COUNT(*) FROM users),
        (SELECT COUNT(*) FROM referrals),
        (SELECT COUNT(*) FROM referrals WHERE NOT bonus_paid),
        (SELECT COUNT(*) FROM referrals WHERE bonus_paid)`).
		Scan(&st.TotalUsers, &st.TotalReferrals, &st.UnpaidBonuses, &st.PaidBonuses)
	if err != nil {
		return models.Stats{}, fmt.Errorf("pgstore: stats: %w", err)
	}
	return st, nil
}
