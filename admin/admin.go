// Package admin implements the operator actions behind the admin panel:
// statistics, the unpaid-bonus queue, payout marking, phone corrections and
// data export.
package admin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"referral-bot/export"
	"referral-bot/metrics"
	"referral-bot/models"
	"referral-bot/registration"
	"referral-bot/store"
)

// UserListLimit caps the user cards shown in the panel.
const UserListLimit = 30

var ErrInvalidPhone = errors.New("phone must contain at least 10 digits")

type Service struct {
	store   store.Store
	bonus   decimal.Decimal
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewService(s store.Store, bonus decimal.Decimal, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, bonus: bonus, log: log.Named("admin"), metrics: m}
}

func (s *Service) IsAdmin(ctx context.Context, telegramID int64) (bool, error) {
	return s.store.IsAdmin(ctx, telegramID)
}

// SeedAdmins makes sure every configured id has an active full-permission
// admin record. Existing records are left as they are.
func (s *Service) SeedAdmins(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		err := s.store.EnsureAdmin(ctx, models.Admin{
			TelegramID:  id,
			Permissions: models.PermissionFull,
			IsActive:    true,
		})
		if err != nil {
			return fmt.Errorf("admin: seed %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		s.log.Info("✅ admins seeded", zap.Int64s("telegram_ids", ids))
	}
	return nil
}

func (s *Service) Stats(ctx context.Context) (models.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) Unpaid(ctx context.Context) ([]models.ReferralView, error) {
	return s.store.UnpaidReferrals(ctx)
}

// MarkPaid flags the referral's bonus as paid by adminID and credits the
// configured bonus to the referrer. A second call for the same referral
// returns store.ErrAlreadyPaid.
func (s *Service) MarkPaid(ctx context.Context, referralID string, adminID int64) (*models.Payout, error) {
	p, err := s.store.MarkBonusPaid(ctx, referralID, adminID, s.bonus)
	s.metrics.Payout(err == nil)
	if err != nil {
		s.log.Warn("⚠️ payout not recorded",
			zap.String("referral_id", referralID),
			zap.Int64("admin_id", adminID),
			zap.Error(err))
		return nil, err
	}
	s.log.Info("✅ bonus paid",
		zap.String("referral_id", referralID),
		zap.Int64("beneficiary", p.UserID),
		zap.String("amount", p.Amount.String()),
		zap.Int64("admin_id", adminID))
	return p, nil
}

// SetPhone keeps digits and '+' from raw and stores the result on the user.
// It returns the stored value.
func (s *Service) SetPhone(ctx context.Context, telegramID int64, raw string) (string, error) {
	phone := NormalizePhone(raw)
	if registration.CountDigits(phone) < 10 || len(phone) > models.MaxPhoneLen {
		return "", ErrInvalidPhone
	}
	if err := s.store.SetPhone(ctx, telegramID, phone); err != nil {
		return "", err
	}
	s.log.Info("phone updated by admin", zap.Int64("telegram_id", telegramID))
	return phone, nil
}

func (s *Service) Users(ctx context.Context) ([]models.User, error) {
	return s.store.ListUsers(ctx, UserListLimit)
}

// Export renders the full users and referrals workbook.
func (s *Service) Export(ctx context.Context) (*bytes.Buffer, error) {
	buf, err := export.Workbook(ctx, s.store)
	s.metrics.Export("xlsx", err == nil)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
