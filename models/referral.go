package models

import "time"

// Referral is the edge from a referrer to the user who redeemed their code.
type Referral struct {
	ID              string    `bson:"_id" json:"id"`
	ReferrerID      int64     `bson:"referrer_id" json:"referrer_id"`
	ReferredID      int64     `bson:"referred_user_id" json:"referred_user_id"`
	CodeUsed        string    `bson:"referral_code_used" json:"referral_code_used"`
	DiscountApplied bool      `bson:"discount_applied" json:"discount_applied"`
	BonusPaid       bool      `bson:"bonus_paid" json:"bonus_paid"`
	CreatedAt       time.Time `bson:"referral_date" json:"referral_date"`
}

// ReferralView is a Referral joined with both sides' display handles.
type ReferralView struct {
	Referral
	ReferrerName string `json:"referrer_name"`
	ReferredName string `json:"referred_name"`
}

type Stats struct {
	TotalUsers     int64
	TotalReferrals int64
	UnpaidBonuses  int64
	PaidBonuses    int64
}
