// Package export renders users and referral edges as tables and writes them
// to an xlsx workbook or a Google Sheets spreadsheet.
package export

import (
	"context"
	"fmt"

	"referral-bot/models"
)

const (
	UsersSheet     = "Пользователи"
	ReferralsSheet = "Рефералы"

	// FileName is the attachment name used when sending the workbook.
	FileName = "referral_data.xlsx"

	timeLayout = "2006-01-02 15:04:05"
)

// Source is the read side of the store that exports draw from.
type Source interface {
	ListUsers(ctx context.Context, limit int) ([]models.User, error)
	AllReferrals(ctx context.Context) ([]models.ReferralView, error)
}

// Table is one sheet: a header row followed by data rows.
type Table struct {
	Name string
	Rows [][]interface{}
}

var (
	userHeader = []interface{}{
		"telegram_id", "username", "last_name", "first_name", "patronymic",
		"email", "phone", "referral_code", "registration_date", "bonus_balance", "is_active",
	}
	referralHeader = []interface{}{
		"id", "referrer_id", "referrer_name", "referred_user_id", "referred_name",
		"referral_code_used", "discount_applied", "bonus_paid", "referral_date",
	}
)

// Collect reads every user and referral from src, newest first.
func Collect(ctx context.Context, src Source) ([]Table, error) {
	users, err := src.ListUsers(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("export: list users: %w", err)
	}
	refs, err := src.AllReferrals(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: list referrals: %w", err)
	}
	return []Table{UsersTable(users), ReferralsTable(refs)}, nil
}

func UsersTable(users []models.User) Table {
	rows := make([][]interface{}, 0, len(users)+1)
	rows = append(rows, userHeader)
	for _, u := range users {
		rows = append(rows, []interface{}{
			u.TelegramID,
			u.Username,
			models.Deref(u.LastName, ""),
			models.Deref(u.FirstName, ""),
			models.Deref(u.Patronymic, ""),
			models.Deref(u.Email, ""),
			models.Deref(u.Phone, ""),
			u.ReferralCode,
			u.RegisteredAt.UTC().Format(timeLayout),
			u.BonusBalance.StringFixed(2),
			u.IsActive,
		})
	}
	return Table{Name: UsersSheet, Rows: rows}
}

func ReferralsTable(refs []models.ReferralView) Table {
	rows := make([][]interface{}, 0, len(refs)+1)
	rows = append(rows, referralHeader)
	for _, r := range refs {
		rows = append(rows, []interface{}{
			r.ID,
			r.ReferrerID,
			r.ReferrerName,
			r.ReferredID,
			r.ReferredName,
			r.CodeUsed,
			r.DiscountApplied,
			r.BonusPaid,
			r.CreatedAt.UTC().Format(timeLayout),
		})
	}
	return Table{Name: ReferralsSheet, Rows: rows}
}
