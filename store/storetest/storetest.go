// Package storetest holds behaviour tests shared by every store.Store and
// session.Store backend.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-bot/models"
	"referral-bot/session"
	"referral-bot/store"
)

func user(id int64, code string) *models.User {
	return &models.User{
		TelegramID:   id,
		Username:     "user",
		FirstName:    models.StringPtr("Ivan"),
		LastName:     models.StringPtr("Ivanov"),
		ReferralCode: code,
		RegisteredAt: time.Now().UTC().Add(time.Duration(id) * time.Second).Truncate(time.Millisecond),
		BonusBalance: decimal.Zero,
		IsActive:     true,
	}
}

// RunStore exercises a store.Store. newStore must return an empty store.
func RunStore(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.UserByTelegramID(ctx, 1)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.CreateUser(ctx, user(1, "AAAA1111")))
		got, err := s.UserByTelegramID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "AAAA1111", got.ReferralCode)
		assert.Equal(t, "Ivanov Ivan", got.FullName())
		assert.Nil(t, got.Email)
		assert.True(t, got.BonusBalance.IsZero())

		byCode, err := s.UserByReferralCode(ctx, "AAAA1111")
		require.NoError(t, err)
		assert.Equal(t, int64(1), byCode.TelegramID)

		_, err = s.UserByTelegramID(ctx, 2)
		assert.True(t, errors.Is(err, store.ErrNotFound))
		_, err = s.UserByReferralCode(ctx, "FFFF0000")
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("unique user and code", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, user(1, "AAAA1111")))

		err := s.CreateUser(ctx, user(1, "BBBB2222"))
		assert.True(t, errors.Is(err, store.ErrDuplicateUser), "got %v", err)

		err = s.CreateUser(ctx, user(2, "AAAA1111"))
		assert.True(t, errors.Is(err, store.ErrDuplicateCode), "got %v", err)
	})

	t.Run("set phone and list", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, user(1, "AAAA1111")))
		require.NoError(t, s.CreateUser(ctx, user(2, "BBBB2222")))
		require.NoError(t, s.CreateUser(ctx, user(3, "CCCC3333")))

		require.NoError(t, s.SetPhone(ctx, 2, "+79001234567"))
		got, err := s.UserByTelegramID(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, "+79001234567", models.Deref(got.Phone, ""))

		err = s.SetPhone(ctx, 99, "+79001234567")
		assert.True(t, errors.Is(err, store.ErrNotFound))

		users, err := s.ListUsers(ctx, 2)
		require.NoError(t, err)
		require.Len(t, users, 2)
		assert.Equal(t, int64(3), users[0].TelegramID, "newest first")

		all, err := s.ListUsers(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("referrals", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, user(1, "AAAA1111")))
		require.NoError(t, s.CreateUser(ctx, user(2, "BBBB2222")))
		require.NoError(t, s.CreateUser(ctx, user(3, "CCCC3333")))

		first := &models.Referral{ReferrerID: 1, ReferredID: 2, CodeUsed: "AAAA1111"}
		require.NoError(t, s.CreateReferral(ctx, first))
		assert.NotEmpty(t, first.ID)
		second := &models.Referral{ReferrerID: 1, ReferredID: 3, CodeUsed: "AAAA1111"}
		require.NoError(t, s.CreateReferral(ctx, second))

		err := s.CreateReferral(ctx, &models.Referral{ReferrerID: 1, ReferredID: 2, CodeUsed: "AAAA1111"})
		assert.True(t, errors.Is(err, store.ErrDuplicateReferral), "got %v", err)

		views, err := s.ReferralsByReferrer(ctx, 1)
		require.NoError(t, err)
		require.Len(t, views, 2)
		for _, v := range views {
			assert.Equal(t, "user", v.ReferrerName)
			assert.Equal(t, "user", v.ReferredName)
			assert.False(t, v.BonusPaid)
		}

		all, err := s.AllReferrals(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)

		none, err := s.ReferralsByReferrer(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("mark bonus paid once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateUser(ctx, user(1, "AAAA1111")))
		require.NoError(t, s.CreateUser(ctx, user(2, "BBBB2222")))
		ref := &models.Referral{ReferrerID: 1, ReferredID: 2, CodeUsed: "AAAA1111"}
		require.NoError(t, s.CreateReferral(ctx, ref))

		amount := decimal.RequireFromString("100.50")
		p, err := s.MarkBonusPaid(ctx, ref.ID, 77, amount)
		require.NoError(t, err)
		assert.Equal(t, int64(1), p.UserID)
		assert.Equal(t, ref.ID, p.ReferralID)
		assert.True(t, p.Amount.Equal(amount))

		_, err = s.MarkBonusPaid(ctx, ref.ID, 77, amount)
		assert.True(t, errors.Is(err, store.ErrAlreadyPaid), "got %v", err)

		payouts, err := s.PayoutsByUser(ctx, 1)
		require.NoError(t, err)
		require.Len(t, payouts, 1)
		assert.True(t, payouts[0].Amount.Equal(amount))
		assert.Equal(t, int64(77), payouts[0].AdminTelegramID)

		referrer, err := s.UserByTelegramID(ctx, 1)
		require.NoError(t, err)
		assert.True(t, referrer.BonusBalance.Equal(amount), "balance %s", referrer.BonusBalance)

		unpaid, err := s.UnpaidReferrals(ctx)
		require.NoError(t, err)
		assert.Empty(t, unpaid)

		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.Stats{TotalUsers: 2, TotalReferrals: 1, PaidBonuses: 1}, st)
	})

	t.Run("mark bonus paid unknown referral", func(t *testing.T) {
		s := newStore(t)
		_, err := s.MarkBonusPaid(context.Background(), "00000000-0000-0000-0000-000000000000", 77, decimal.NewFromInt(1))
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
	})

	t.Run("admins", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.EnsureAdmin(ctx, models.Admin{TelegramID: 9, Permissions: models.PermissionFull, IsActive: true}))
		require.NoError(t, s.EnsureAdmin(ctx, models.Admin{TelegramID: 9, Permissions: models.PermissionFull, IsActive: true}))
		require.NoError(t, s.EnsureAdmin(ctx, models.Admin{TelegramID: 10, Permissions: models.PermissionView, IsActive: false}))

		ok, err := s.IsAdmin(ctx, 9)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.IsAdmin(ctx, 10)
		require.NoError(t, err)
		assert.False(t, ok, "inactive admin")

		ok, err = s.IsAdmin(ctx, 11)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(context.Background()))
	})
}

// RunSessions exercises a session.Store. newStore must return an empty store.
func RunSessions(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Run("create is idempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Get(ctx, 1)
		assert.True(t, errors.Is(err, session.ErrNotFound))

		created, err := s.Create(ctx, 1, session.StepName)
		require.NoError(t, err)
		assert.Equal(t, session.StepName, created.Step)

		_, err = s.Update(ctx, 1, session.StepEmail, session.Patch{FullName: session.Str("Ivanov Ivan")})
		require.NoError(t, err)

		again, err := s.Create(ctx, 1, session.StepName)
		require.NoError(t, err)
		assert.Equal(t, session.StepEmail, again.Step)
		assert.Equal(t, "Ivanov Ivan", again.Payload.FullName)
	})

	t.Run("update merges", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, 1, session.StepName)
		require.NoError(t, err)

		_, err = s.Update(ctx, 1, "", session.Patch{ReferralCode: session.Str("AAAA1111")})
		require.NoError(t, err)
		_, err = s.Update(ctx, 1, session.StepEmail, session.Patch{FullName: session.Str("A B"), ReferralCode: session.Str("BBBB2222")})
		require.NoError(t, err)
		got, err := s.Update(ctx, 1, session.StepPhone, session.Patch{Email: session.Str("")})
		require.NoError(t, err)

		assert.Equal(t, session.StepPhone, got.Step)
		assert.Equal(t, "A B", got.Payload.FullName)
		assert.Equal(t, "AAAA1111", got.Payload.ReferralCode)

		stored, err := s.Get(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, got.Payload, stored.Payload)
		assert.Equal(t, session.StepPhone, stored.Step)
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Update(context.Background(), 1, session.StepEmail, session.Patch{})
		assert.True(t, errors.Is(err, session.ErrNotFound))
	})

	t.Run("reset and delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, err := s.Create(ctx, 1, session.StepName)
		require.NoError(t, err)
		_, err = s.Update(ctx, 1, session.StepConfirm, session.Patch{FullName: session.Str("A B"), ReferralCode: session.Str("AAAA1111")})
		require.NoError(t, err)

		reset, err := s.Reset(ctx, 1, session.StepName)
		require.NoError(t, err)
		assert.Equal(t, session.StepName, reset.Step)
		assert.Equal(t, session.Payload{}, reset.Payload)

		require.NoError(t, s.Delete(ctx, 1))
		require.NoError(t, s.Delete(ctx, 1))
		_, err = s.Get(ctx, 1)
		assert.True(t, errors.Is(err, session.ErrNotFound))

		_, err = s.Reset(ctx, 1, session.StepName)
		assert.True(t, errors.Is(err, session.ErrNotFound))
	})
}
