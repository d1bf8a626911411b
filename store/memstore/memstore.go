// Package memstore is an in-process implementation of store.Store and
// session.Store. It backs the unit tests and local runs without a database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"referral-bot/models"
	"referral-bot/store"
)

type pair struct{ referrer, referred int64 }

type Store struct {
	mu        sync.RWMutex
	users     map[int64]models.User
	codes     map[string]int64
	referrals map[string]models.Referral
	pairs     map[pair]string
	admins    map[int64]models.Admin
	payouts   []models.Payout
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:     make(map[int64]models.User),
		codes:     make(map[string]int64),
		referrals: make(map[string]models.Referral),
		pairs:     make(map[pair]string),
		admins:    make(map[int64]models.Admin),
		now:       time.Now,
	}
}

func (s *Store) UserByTelegramID(_ context.Context, telegramID int64) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[telegramID]
	if !ok {
		return nil, fmt.Errorf("memstore: user %d: %w", telegramID, store.ErrNotFound)
	}
	return &u, nil
}

func (s *Store) UserByReferralCode(_ context.Context, code string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("memstore: user by code %q: %w", code, store.ErrNotFound)
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.TelegramID]; ok {
		return fmt.Errorf("memstore: create user %d: %w", user.TelegramID, store.ErrDuplicateUser)
	}
	if _, ok := s.codes[user.ReferralCode]; ok {
		return fmt.Errorf("memstore: create user %d: %w", user.TelegramID, store.ErrDuplicateCode)
	}
	if user.RegisteredAt.IsZero() {
		user.RegisteredAt = s.now().UTC()
	}
	s.users[user.TelegramID] = *user
	s.codes[user.ReferralCode] = user.TelegramID
	return nil
}

func (s *Store) SetPhone(_ context.Context, telegramID int64, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[telegramID]
	if !ok {
		return fmt.Errorf("memstore: set phone %d: %w", telegramID, store.ErrNotFound)
	}
	u.Phone = models.StringPtr(phone)
	s.users[telegramID] = u
	return nil
}

func (s *Store) ListUsers(_ context.Context, limit int) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].TelegramID > out[j].TelegramID
		}
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateReferral(_ context.Context, ref *models.Referral) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pair{ref.ReferrerID, ref.ReferredID}
	if _, ok := s.pairs[key]; ok {
		return fmt.Errorf("memstore: create referral %d->%d: %w", ref.ReferrerID, ref.ReferredID, store.ErrDuplicateReferral)
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = s.now().UTC()
	}
	s.referrals[ref.ID] = *ref
	s.pairs[key] = ref.ID
	return nil
}

func (s *Store) ReferralsByReferrer(_ context.Context, referrerID int64) ([]models.ReferralView, error) {
	return s.views(func(r models.Referral) bool { return r.ReferrerID == referrerID }), nil
}

func (s *Store) UnpaidReferrals(_ context.Context) ([]models.ReferralView, error) {
	return s.views(func(r models.Referral) bool { return !r.BonusPaid }), nil
}

func (s *Store) AllReferrals(_ context.Context) ([]models.ReferralView, error) {
	return s.views(func(models.Referral) bool { return true }), nil
}

// views returns matching referrals newest first.
func (s *Store) views(match func(models.Referral) bool) []models.ReferralView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ReferralView, 0)
	for _, r := range s.referrals {
		if !match(r) {
			continue
		}
		out = append(out, models.ReferralView{
			Referral:     r,
			ReferrerName: s.users[r.ReferrerID].Username,
			ReferredName: s.users[r.ReferredID].Username,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) MarkBonusPaid(_ context.Context, referralID string, adminID int64, amount decimal.Decimal) (*models.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.referrals[referralID]
	if !ok {
		return nil, fmt.Errorf("memstore: mark paid %s: %w", referralID, store.ErrNotFound)
	}
	if ref.BonusPaid {
		return nil, fmt.Errorf("memstore: mark paid %s: %w", referralID, store.ErrAlreadyPaid)
	}
	ref.BonusPaid = true
	s.referrals[referralID] = ref

	if u, ok := s.users[ref.ReferrerID]; ok {
		u.BonusBalance = u.BonusBalance.Add(amount)
		s.users[ref.ReferrerID] = u
	}

	p := models.Payout{
		ID:              uuid.NewString(),
		UserID:          ref.ReferrerID,
		ReferralID:      referralID,
		Amount:          amount,
		Status:          models.PayoutStatusPaid,
		PaidAt:          s.now().UTC(),
		AdminTelegramID: adminID,
	}
	s.payouts = append(s.payouts, p)
	return &p, nil
}

func (s *Store) PayoutsByUser(_ context.Context, telegramID int64) ([]models.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Payout
	// payouts is append-only, so walking it backwards yields newest first.
	for i := len(s.payouts) - 1; i >= 0; i-- {
		if p := s.payouts[i]; p.UserID == telegramID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) IsAdmin(_ context.Context, telegramID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[telegramID]
	return ok && a.IsActive, nil
}

func (s *Store) EnsureAdmin(_ context.Context, admin models.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admins[admin.TelegramID]; ok {
		return nil
	}
	if admin.CreatedAt.IsZero() {
		admin.CreatedAt = s.now().UTC()
	}
	if admin.Permissions == "" {
		admin.Permissions = models.PermissionView
	}
	s.admins[admin.TelegramID] = admin
	return nil
}

func (s *Store) Stats(_ context.Context) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := models.Stats{
		TotalUsers:     int64(len(s.users)),
		TotalReferrals: int64(len(s.referrals)),
	}
	for _, r := range s.referrals {
		if r.BonusPaid {
			st.PaidBonuses++
		} else {
			st.UnpaidBonuses++
		}
	}
	return st, nil
}

func (s *Store) Ping(context.Context) error  { return nil }
func (s *Store) Close(context.Context) error { return nil }
