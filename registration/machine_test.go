package registration

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"referral-bot/models"
	"referral-bot/referral"
	"referral-bot/session"
	"referral-bot/store"
	"referral-bot/store/memstore"
)

type fixture struct {
	machine  *Machine
	users    *memstore.Store
	sessions *memstore.Sessions
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	users := memstore.New()
	sessions := memstore.NewSessions()
	engine := referral.NewEngine(users, zap.NewNop(), nil)
	return &fixture{
		machine:  New(users, sessions, engine, zap.NewNop(), opts...),
		users:    users,
		sessions: sessions,
	}
}

func (f *fixture) addUser(t *testing.T, id int64, code string) {
	t.Helper()
	require.NoError(t, f.users.CreateUser(context.Background(), &models.User{
		TelegramID: id, Username: "referrer", ReferralCode: code, IsActive: true,
	}))
}

func (f *fixture) step(t *testing.T, id int64) session.Step {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return sess.Step
}

func (f *fixture) say(t *testing.T, c Contact, text string) Reply {
	t.Helper()
	reply, ok := f.machine.Handle(context.Background(), c, text)
	require.True(t, ok, "expected an active registration")
	return reply
}

func (f *fixture) register(t *testing.T, c Contact, code string) Reply {
	t.Helper()
	f.machine.Start(context.Background(), c, code)
	f.say(t, c, "Иванов Иван Иванович")
	f.say(t, c, "ivan@example.com")
	f.say(t, c, "+7 900 123-45-67")
	return f.say(t, c, "да")
}

func TestStartCreatesSessionAtName(t *testing.T) {
	f := newFixture(t)
	c := Contact{ID: 2, FirstName: "Ivan"}

	reply := f.machine.Start(context.Background(), c, "")

	assert.Equal(t, session.StepName, reply.State)
	assert.Contains(t, reply.Text, msgAskName)
	assert.Equal(t, session.StepName, f.step(t, 2))
}

func TestStartKeepsEarlierReferralCode(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, "AAAA1111")
	f.addUser(t, 3, "BBBB2222")
	ctx := context.Background()
	c := Contact{ID: 2}

	f.machine.Start(ctx, c, "aaaa1111")
	f.say(t, c, "Иванов Иван")
	reply := f.machine.Start(ctx, c, "BBBB2222")

	assert.Contains(t, reply.Text, "AAAA1111")
	sess, err := f.sessions.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, session.StepName, sess.Step)
	assert.Equal(t, "AAAA1111", sess.Payload.ReferralCode)
	assert.Equal(t, "Иванов Иван", sess.Payload.FullName)
}

func TestStartWithUnknownCodeWarnsButStoresIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reply := f.machine.Start(ctx, Contact{ID: 2}, "ZZZZ9999")

	assert.Equal(t, session.StepName, reply.State)
	assert.Contains(t, reply.Text, "не найден")
	sess, err := f.sessions.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "ZZZZ9999", sess.Payload.ReferralCode)
}

func TestNameNeedsTwoTokens(t *testing.T) {
	f := newFixture(t)
	c := Contact{ID: 2}
	f.machine.Start(context.Background(), c, "")

	reply := f.say(t, c, "Иван")
	assert.Equal(t, session.StepName, reply.State)
	assert.Equal(t, msgNameInvalid, reply.Text)
	assert.Equal(t, session.StepName, f.step(t, 2))

	reply = f.say(t, c, "  Иванов   Иван ")
	assert.Equal(t, session.StepEmail, reply.State)

	sess, err := f.sessions.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "Иванов", sess.Payload.LastName)
	assert.Equal(t, "Иван", sess.Payload.FirstName)
	assert.Equal(t, "", sess.Payload.Patronymic)
}

func TestEmailValidation(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
		saved string
	}{
		{"ivan@example.com", true, "ivan@example.com"},
		{"Ivan.Petrov+tag@Mail.RU", true, "Ivan.Petrov+tag@Mail.RU"},
		{"-", true, ""},
		{"ivan@example", false, ""},
		{"not an email", false, ""},
		{"@example.com", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f := newFixture(t)
			c := Contact{ID: 2}
			f.machine.Start(context.Background(), c, "")
			f.say(t, c, "Иванов Иван")

			reply := f.say(t, c, tt.input)
			if !tt.ok {
				assert.Equal(t, session.StepEmail, reply.State)
				assert.Equal(t, session.StepEmail, f.step(t, 2))
				return
			}
			assert.Equal(t, session.StepPhone, reply.State)
			sess, err := f.sessions.Get(context.Background(), 2)
			require.NoError(t, err)
			assert.Equal(t, tt.saved, sess.Payload.Email)
		})
	}
}

func TestPhoneValidation(t *testing.T) {
	tests := []struct {
		input string
		ok    bool
	}{
		{"+7 (900) 123-45-67", true},
		{"89001234567", true},
		{"-", true},
		{"12345", false},
		{"phone 123-456", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			f := newFixture(t)
			c := Contact{ID: 2}
			f.machine.Start(context.Background(), c, "")
			f.say(t, c, "Иванов Иван")
			f.say(t, c, "-")

			reply := f.say(t, c, tt.input)
			if !tt.ok {
				assert.Equal(t, session.StepPhone, reply.State)
				assert.Equal(t, session.StepPhone, f.step(t, 2))
				return
			}
			assert.Equal(t, session.StepConfirm, reply.State)
			assert.Equal(t, []string{"Да", "Нет"}, reply.Buttons)
		})
	}
}

func TestConfirmationSummary(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, "AAAA1111")
	c := Contact{ID: 2, Username: "ivan"}
	f.machine.Start(context.Background(), c, "AAAA1111")
	f.say(t, c, "Иванов Иван")
	f.say(t, c, "-")

	reply := f.say(t, c, "+79001234567")

	assert.Contains(t, reply.Text, "Иванов Иван")
	assert.Contains(t, reply.Text, "Email: не указан")
	assert.Contains(t, reply.Text, "+79001234567")
	assert.Contains(t, reply.Text, "@ivan")
	assert.Contains(t, reply.Text, "AAAA1111")
}

func TestConfirmNoResetsPayload(t *testing.T) {
	f := newFixture(t)
	c := Contact{ID: 2}
	f.machine.Start(context.Background(), c, "")
	f.say(t, c, "Иванов Иван")
	f.say(t, c, "ivan@example.com")
	f.say(t, c, "-")

	reply := f.say(t, c, "Нет")

	assert.Equal(t, session.StepName, reply.State)
	sess, err := f.sessions.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, session.StepName, sess.Step)
	assert.Equal(t, session.Payload{}, sess.Payload)
}

func TestConfirmOtherInputReprompts(t *testing.T) {
	f := newFixture(t)
	c := Contact{ID: 2}
	f.machine.Start(context.Background(), c, "")
	f.say(t, c, "Иванов Иван")
	f.say(t, c, "-")
	f.say(t, c, "-")

	reply := f.say(t, c, "может быть")
	assert.Equal(t, session.StepConfirm, reply.State)
	assert.Equal(t, msgConfirmInvalid, reply.Text)
}

func TestConfirmYesRegistersAndAttributes(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, "AAAA1111")
	ctx := context.Background()
	c := Contact{ID: 2, Username: "petr"}

	reply := f.register(t, c, "AAAA1111")

	assert.Equal(t, session.StepEnd, reply.State)
	require.NotEmpty(t, reply.Code)
	assert.Contains(t, reply.Text, reply.Code)

	user, err := f.users.UserByTelegramID(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "petr", user.Username)
	assert.Equal(t, "Иванович", models.Deref(user.Patronymic, ""))
	assert.Equal(t, "ivan@example.com", models.Deref(user.Email, ""))
	assert.True(t, user.IsActive)
	assert.True(t, user.BonusBalance.IsZero())

	refs, err := f.users.ReferralsByReferrer(ctx, 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(2), refs[0].ReferredID)
	assert.Equal(t, "AAAA1111", refs[0].CodeUsed)
	assert.False(t, refs[0].BonusPaid)

	_, err = f.sessions.Get(ctx, 2)
	assert.True(t, errors.Is(err, session.ErrNotFound))
}

func TestRegisteredTextQuotesDiscount(t *testing.T) {
	f := newFixture(t, WithDiscountPercent(15))
	reply := f.register(t, Contact{ID: 2}, "")
	assert.Contains(t, reply.Text, "Они получат скидку 15% при регистрации")

	f = newFixture(t)
	reply = f.register(t, Contact{ID: 2}, "")
	assert.Contains(t, reply.Text, "Они получат скидку при регистрации")
}

func TestConfirmYesWithoutCodeCreatesNoEdge(t *testing.T) {
	f := newFixture(t)
	c := Contact{ID: 2}

	reply := f.register(t, c, "")
	assert.Equal(t, session.StepEnd, reply.State)

	user, err := f.users.UserByTelegramID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "user_2", user.Username)

	refs, err := f.users.AllReferrals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestRegistrationRetriesCodeCollision(t *testing.T) {
	codes := []string{"AAAA1111", "AAAA1111", "CCCC3333"}
	calls := 0
	gen := func() (string, error) {
		code := codes[calls]
		calls++
		return code, nil
	}
	f := newFixture(t, WithCodeGenerator(gen))
	f.addUser(t, 1, "AAAA1111")

	reply := f.register(t, Contact{ID: 2}, "")

	assert.Equal(t, "CCCC3333", reply.Code)
	assert.Equal(t, 3, calls)
	user, err := f.users.UserByTelegramID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "CCCC3333", user.ReferralCode)
}

func TestRegistrationGivesUpAfterCollisions(t *testing.T) {
	f := newFixture(t, WithCodeGenerator(func() (string, error) { return "AAAA1111", nil }))
	f.addUser(t, 1, "AAAA1111")

	reply := f.register(t, Contact{ID: 2}, "")

	assert.Equal(t, session.StepConfirm, reply.State)
	assert.Equal(t, msgFinalizeFailed, reply.Text)
	_, err := f.users.UserByTelegramID(context.Background(), 2)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, session.StepConfirm, f.step(t, 2))
}

func TestSelfReferralOnRegistrationCreatesNoEdge(t *testing.T) {
	f := newFixture(t, WithCodeGenerator(func() (string, error) { return "DDDD4444", nil }))
	ctx := context.Background()
	c := Contact{ID: 2}

	// The pending code ends up belonging to the registering user.
	reply := f.register(t, c, "DDDD4444")
	require.Equal(t, "DDDD4444", reply.Code)

	refs, err := f.users.AllReferrals(ctx)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestExistingUserWithInvalidCode(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 42, "EEEE5555")

	reply := f.machine.Start(context.Background(), Contact{ID: 42}, "ABCD1234")

	assert.Equal(t, session.StepEnd, reply.State)
	assert.Equal(t, OutcomeText(referral.InvalidCode, ""), reply.Text)
	refs, err := f.users.AllReferrals(context.Background())
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestExistingUserAppliesCode(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, "AAAA1111")
	f.addUser(t, 2, "BBBB2222")
	ctx := context.Background()

	reply := f.machine.Start(ctx, Contact{ID: 2}, "AAAA1111")
	assert.Contains(t, reply.Text, "успешно применен")

	reply = f.machine.Start(ctx, Contact{ID: 2}, "AAAA1111")
	assert.Equal(t, OutcomeText(referral.AlreadyAttributed, ""), reply.Text)

	reply = f.machine.Start(ctx, Contact{ID: 2}, "BBBB2222")
	assert.Equal(t, OutcomeText(referral.SelfReferral, ""), reply.Text)

	reply = f.machine.Start(ctx, Contact{ID: 2, FirstName: "Петр"}, "")
	assert.Contains(t, reply.Text, "Петр")
	assert.Contains(t, reply.Text, "С возвращением")
}

func TestReferrerInvitesNewUserScenario(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, "AAAA1111")
	ctx := context.Background()
	c := Contact{ID: 2, Username: "newbie"}

	reply := f.machine.Start(ctx, c, "AAAA1111")
	assert.Equal(t, session.StepName, reply.State)
	f.say(t, c, "Петров Петр")
	f.say(t, c, "-")
	f.say(t, c, "-")
	reply = f.say(t, c, "yes")

	assert.Equal(t, session.StepEnd, reply.State)
	_, err := f.users.UserByTelegramID(ctx, 2)
	require.NoError(t, err)

	refs, err := f.users.AllReferrals(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(1), refs[0].ReferrerID)
	assert.Equal(t, int64(2), refs[0].ReferredID)

	_, handled := f.machine.Handle(ctx, c, "привет")
	assert.False(t, handled)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := Contact{ID: 2}

	reply := f.machine.Cancel(ctx, c)
	assert.Equal(t, msgNothingToCancel, reply.Text)

	f.machine.Start(ctx, c, "")
	f.say(t, c, "Иванов Иван")
	reply = f.machine.Cancel(ctx, c)
	assert.Equal(t, msgCancelled, reply.Text)
	assert.Equal(t, session.StepEnd, reply.State)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestAttachCode(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, 1, "AAAA1111")
	ctx := context.Background()
	c := Contact{ID: 2}

	_, ok := f.machine.AttachCode(ctx, c, "AAAA1111")
	assert.False(t, ok)

	f.machine.Start(ctx, c, "")
	f.say(t, c, "Иванов Иван")
	reply, ok := f.machine.AttachCode(ctx, c, "aaaa1111")
	require.True(t, ok)
	assert.Equal(t, session.StepEmail, reply.State)
	assert.Contains(t, reply.Text, "сохранён")

	reply, ok = f.machine.AttachCode(ctx, c, "BBBB2222")
	require.True(t, ok)
	assert.Contains(t, reply.Text, "AAAA1111")

	sess, err := f.sessions.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "AAAA1111", sess.Payload.ReferralCode)
	assert.Equal(t, session.StepEmail, sess.Step)
}

type brokenSessions struct{ session.Store }

func (brokenSessions) Get(context.Context, int64) (*session.Session, error) {
	return &session.Session{TelegramID: 2, Step: session.StepEmail}, nil
}

func (brokenSessions) Update(context.Context, int64, session.Step, session.Patch) (*session.Session, error) {
	return nil, errors.New("i/o timeout")
}

func TestStorageFailureKeepsStep(t *testing.T) {
	users := memstore.New()
	m := New(users, brokenSessions{}, referral.NewEngine(users, zap.NewNop(), nil), zap.NewNop())

	reply, ok := m.Handle(context.Background(), Contact{ID: 2}, "ivan@example.com")

	require.True(t, ok)
	assert.Equal(t, msgRetry, reply.Text)
	assert.Equal(t, session.StepEmail, reply.State)
}

func TestCountDigits(t *testing.T) {
	assert.Equal(t, 11, CountDigits("+7 (900) 123-45-67"))
	assert.Equal(t, 0, CountDigits("нет"))
	assert.Equal(t, 10, CountDigits("٠١٢٣٤٥٦٧٨٩"))
}

func TestOversizeInputStaysAtStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := Contact{ID: 2}
	f.machine.Start(ctx, c, "")

	longPart := strings.Repeat("Я", models.MaxNamePartLen+1)
	reply := f.say(t, c, "Иванов "+longPart)
	assert.Equal(t, msgNameTooLong, reply.Text)
	assert.Equal(t, session.StepName, f.step(t, 2))

	reply = f.say(t, c, "Иванов "+strings.Repeat("Я", models.MaxNamePartLen))
	assert.Equal(t, session.StepEmail, reply.State)

	longEmail := strings.Repeat("a", models.MaxEmailLen) + "@example.com"
	reply = f.say(t, c, longEmail)
	assert.Equal(t, msgEmailTooLong, reply.Text)
	assert.Equal(t, session.StepEmail, f.step(t, 2))
	f.say(t, c, "-")

	reply = f.say(t, c, "+7 (999) 123-45-67, доб. 1234, рабочий")
	assert.Equal(t, msgPhoneTooLong, reply.Text)
	assert.Equal(t, session.StepPhone, reply.State)
	assert.Equal(t, session.StepPhone, f.step(t, 2))

	sess, err := f.sessions.Get(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, sess.Payload.Phone)

	reply = f.say(t, c, "+7 (999) 123-45-67")
	assert.Equal(t, session.StepConfirm, reply.State)
}
