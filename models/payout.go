package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const PayoutStatusPaid = "paid"

// Payout is the audit record written when an admin marks a referral bonus paid.
type Payout struct {
	ID              string          `bson:"_id" json:"id"`
	UserID          int64           `bson:"user_id" json:"user_id"` // beneficiary (referrer)
	ReferralID      string          `bson:"referral_id" json:"referral_id"`
	Amount          decimal.Decimal `bson:"-" json:"amount"`
	Status          string          `bson:"status" json:"status"`
	PaidAt          time.Time       `bson:"payout_date" json:"payout_date"`
	AdminTelegramID int64           `bson:"admin_telegram_id" json:"admin_telegram_id"`
}
