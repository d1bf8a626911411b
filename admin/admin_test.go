package admin

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"referral-bot/models"
	"referral-bot/store"
	"referral-bot/store/memstore"
)

func newService(t *testing.T) (*Service, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	return NewService(s, decimal.NewFromInt(100), zap.NewNop(), nil), s
}

func seedReferral(t *testing.T, s *memstore.Store) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, &models.User{TelegramID: 1, Username: "anna", ReferralCode: "AAAA1111", IsActive: true}))
	require.NoError(t, s.CreateUser(ctx, &models.User{TelegramID: 2, Username: "boris", ReferralCode: "BBBB2222", IsActive: true}))
	ref := &models.Referral{ReferrerID: 1, ReferredID: 2, CodeUsed: "AAAA1111"}
	require.NoError(t, s.CreateReferral(ctx, ref))
	return ref.ID
}

func TestMarkPaidTwice(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	refID := seedReferral(t, s)

	p, err := svc.MarkPaid(ctx, refID, 99)
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(99), p.AdminTelegramID)

	_, err = svc.MarkPaid(ctx, refID, 99)
	assert.True(t, errors.Is(err, store.ErrAlreadyPaid))

	payouts, err := s.PayoutsByUser(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)

	user, err := s.UserByTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "100", user.BonusBalance.String())

	unpaid, err := svc.Unpaid(ctx)
	require.NoError(t, err)
	assert.Empty(t, unpaid)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PaidBonuses)
	assert.Equal(t, int64(0), stats.UnpaidBonuses)
}

func TestMarkPaidUnknownReferral(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.MarkPaid(context.Background(), "missing", 99)
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSetPhone(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	seedReferral(t, s)

	phone, err := svc.SetPhone(ctx, 2, "+7 (900) 123-45-67")
	require.NoError(t, err)
	assert.Equal(t, "+79001234567", phone)

	user, err := s.UserByTelegramID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "+79001234567", models.Deref(user.Phone, ""))

	_, err = svc.SetPhone(ctx, 2, "12-34")
	assert.True(t, errors.Is(err, ErrInvalidPhone))

	_, err = svc.SetPhone(ctx, 2, strings.Repeat("7", models.MaxPhoneLen+1))
	assert.True(t, errors.Is(err, ErrInvalidPhone))

	_, err = svc.SetPhone(ctx, 404, "+79001234567")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestSeedAdmins(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.SeedAdmins(ctx, []int64{10, 11}))

	for _, id := range []int64{10, 11} {
		ok, err := svc.IsAdmin(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := svc.IsAdmin(ctx, 12)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUsersIsCapped(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()
	for i := int64(1); i <= 40; i++ {
		require.NoError(t, s.CreateUser(ctx, &models.User{TelegramID: i, ReferralCode: decimal.NewFromInt(i).String()}))
	}

	users, err := svc.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, UserListLimit)
}

func TestExport(t *testing.T) {
	svc, s := newService(t)
	seedReferral(t, s)

	buf, err := svc.Export(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, buf.Len())
}
