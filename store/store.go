// Package store defines the persistence contract for users, referral edges,
// admins and payouts. Backends live in the sub-packages.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"referral-bot/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrDuplicateUser means a user with the same Telegram ID already exists.
	ErrDuplicateUser = errors.New("user already registered")
	// ErrDuplicateCode means the generated referral code is taken.
	ErrDuplicateCode = errors.New("referral code already in use")
	// ErrDuplicateReferral means the (referrer, referred) edge already exists.
	ErrDuplicateReferral = errors.New("referral already recorded")
	// ErrAlreadyPaid is returned by MarkBonusPaid when the flag is already set.
	ErrAlreadyPaid = errors.New("bonus already paid")
)

type UserStore interface {
	UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	UserByReferralCode(ctx context.Context, code string) (*models.User, error)
	// CreateUser inserts a new user. It returns ErrDuplicateUser or
	// ErrDuplicateCode on the respective unique violations.
	CreateUser(ctx context.Context, user *models.User) error
	SetPhone(ctx context.Context, telegramID int64, phone string) error
	ListUsers(ctx context.Context, limit int) ([]models.User, error)
}

type ReferralStore interface {
	CreateReferral(ctx context.Context, ref *models.Referral) error
	ReferralsByReferrer(ctx context.Context, referrerID int64) ([]models.ReferralView, error)
	UnpaidReferrals(ctx context.Context) ([]models.ReferralView, error)
	AllReferrals(ctx context.Context) ([]models.ReferralView, error)
	// MarkBonusPaid flips bonus_paid, credits the referrer's balance and
	// appends a payout. Returns ErrAlreadyPaid if the flag was already set.
	MarkBonusPaid(ctx context.Context, referralID string, adminID int64, amount decimal.Decimal) (*models.Payout, error)
	PayoutsByUser(ctx context.Context, telegramID int64) ([]models.Payout, error)
}

type AdminStore interface {
	IsAdmin(ctx context.Context, telegramID int64) (bool, error)
	EnsureAdmin(ctx context.Context, admin models.Admin) error
	Stats(ctx context.Context) (models.Stats, error)
}

// Store is the full User/Referral store.
type Store interface {
	UserStore
	ReferralStore
	AdminStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
