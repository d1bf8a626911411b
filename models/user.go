package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Length limits for the free-text user fields, in characters. The SQL schema
// sizes its columns from them.
const (
	MaxNamePartLen = 100
	MaxEmailLen    = 120
	MaxPhoneLen    = 32
)

type User struct {
	TelegramID   int64           `bson:"telegram_id" json:"telegram_id"`
	Username     string          `bson:"username" json:"username"`
	FirstName    *string         `bson:"first_name,omitempty" json:"first_name,omitempty"`
	LastName     *string         `bson:"last_name,omitempty" json:"last_name,omitempty"`
	Patronymic   *string         `bson:"patronymic,omitempty" json:"patronymic,omitempty"`
	Email        *string         `bson:"email,omitempty" json:"email,omitempty"`
	Phone        *string         `bson:"phone,omitempty" json:"phone,omitempty"`
	ReferralCode string          `bson:"referral_code" json:"referral_code"`
	RegisteredAt time.Time       `bson:"registration_date" json:"registration_date"`
	BonusBalance decimal.Decimal `bson:"-" json:"bonus_balance"`
	IsActive     bool            `bson:"is_active" json:"is_active"`
}

// FullName joins the legal-name parts that are present.
func (u User) FullName() string {
	name := ""
	for _, part := range []*string{u.LastName, u.FirstName, u.Patronymic} {
		if part == nil || *part == "" {
			continue
		}
		if name != "" {
			name += " "
		}
		name += *part
	}
	return name
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or fallback when nil or empty.
func Deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
