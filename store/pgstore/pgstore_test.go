package pgstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"referral-bot/database"
	"referral-bot/models"
	"referral-bot/session"
	"referral-bot/store"
	"referral-bot/store/storetest"
)

// freshStore migrates a throwaway schema on POSTGRES_TEST_URL or skips.
func freshStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("POSTGRES_TEST_URL")
	if url == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	ctx := context.Background()

	admin, err := database.NewPostgresPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(admin.Close)

	schemaName := "refbot_test_" + uuid.NewString()[:8]
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schemaName)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), fmt.Sprintf("DROP SCHEMA %s CASCADE", schemaName))
	})

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schemaName
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := New(pool)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestStoreBehaviour(t *testing.T) {
	storetest.RunStore(t, func(t *testing.T) store.Store { return freshStore(t) })
}

func TestSessionsBehaviour(t *testing.T) {
	storetest.RunSessions(t, func(t *testing.T) session.Store { return freshStore(t).Sessions(time.Hour) })
}

func TestSchemaColumnsFollowFieldLimits(t *testing.T) {
	for col, size := range map[string]int{
		"first_name": models.MaxNamePartLen,
		"last_name":  models.MaxNamePartLen,
		"patronymic": models.MaxNamePartLen,
		"email":      models.MaxEmailLen,
		"phone":      models.MaxPhoneLen,
	} {
		assert.Regexp(t, fmt.Sprintf(`\n\s+%s\s+VARCHAR\(%d\),`, col, size), schema, col)
	}
}

func TestCreateUserAtFieldLimits(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()

	name := strings.Repeat("Я", models.MaxNamePartLen)
	email := strings.Repeat("a", models.MaxEmailLen-len("@example.com")) + "@example.com"
	phone := strings.Repeat("7", models.MaxPhoneLen)
	require.NoError(t, s.CreateUser(ctx, &models.User{
		TelegramID:   1,
		Username:     "alice",
		FirstName:    &name,
		LastName:     &name,
		Patronymic:   &name,
		Email:        &email,
		Phone:        &phone,
		ReferralCode: "AAAA1111",
		IsActive:     true,
	}))

	u, err := s.UserByTelegramID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, phone, models.Deref(u.Phone, ""))
}

func TestEnsureAdminDefaultsToView(t *testing.T) {
	s := freshStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureAdmin(ctx, models.Admin{TelegramID: 9, IsActive: true}))

	var perms string
	require.NoError(t, s.pool.QueryRow(ctx, `SELECT permissions FROM admins WHERE telegram_id = 9`).Scan(&perms))
	assert.Equal(t, models.PermissionView, perms)
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := freshStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestMarkBonusPaidRejectsMalformedID(t *testing.T) {
	s := freshStore(t)

	_, err := s.MarkBonusPaid(context.Background(), "not-a-uuid", 1, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessionsExpireAndSweep(t *testing.T) {
	s := freshStore(t)
	sessions := s.Sessions(time.Hour)
	ctx := context.Background()

	_, err := sessions.Create(ctx, 1, session.StepName)
	require.NoError(t, err)
	_, err = sessions.Update(ctx, 1, session.StepEmail, session.Patch{FullName: session.Str("Ivanov Ivan")})
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	_, err = sessions.Get(ctx, 1)
	require.ErrorIs(t, err, session.ErrNotFound)

	fresh, err := sessions.Create(ctx, 1, session.StepName)
	require.NoError(t, err)
	assert.Equal(t, session.StepName, fresh.Step)
	assert.Equal(t, session.Payload{}, fresh.Payload)

	_, err = sessions.Create(ctx, 2, session.StepName)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(4 * time.Hour) }

	n, err := sessions.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
