package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"referral-bot/admin"
	"referral-bot/export"
	"referral-bot/models"
	"referral-bot/referral"
	"referral-bot/registration"
	"referral-bot/session"
	"referral-bot/store/memstore"
	"referral-bot/utils"
)

type sent struct {
	what interface{}
	opts []interface{}
}

type fakeContext struct {
	telebot.Context
	sender  *telebot.User
	text    string
	data    string
	args    []string
	sent    []sent
	edited  []interface{}
	answers int
}

func (c *fakeContext) Sender() *telebot.User { return c.sender }
func (c *fakeContext) Chat() *telebot.Chat {
	return &telebot.Chat{ID: c.sender.ID, Type: telebot.ChatPrivate}
}
func (c *fakeContext) Text() string   { return c.text }
func (c *fakeContext) Data() string   { return c.data }
func (c *fakeContext) Args() []string { return c.args }

func (c *fakeContext) Send(what interface{}, opts ...interface{}) error {
	c.sent = append(c.sent, sent{what: what, opts: opts})
	return nil
}

func (c *fakeContext) Edit(what interface{}, _ ...interface{}) error {
	c.edited = append(c.edited, what)
	return nil
}

func (c *fakeContext) Respond(_ ...*telebot.CallbackResponse) error {
	c.answers++
	return nil
}

func (c *fakeContext) lastText(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, c.sent)
	s, ok := c.sent[len(c.sent)-1].what.(string)
	require.True(t, ok, "last message is %T", c.sent[len(c.sent)-1].what)
	return s
}

type fixture struct {
	store    *memstore.Store
	sessions *memstore.Sessions
	h        *Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	sessions := memstore.NewSessions()
	log := zap.NewNop()
	engine := referral.NewEngine(st, log, nil)
	machine := registration.New(st, sessions, engine, log)
	h := New(Deps{
		Machine:     machine,
		Users:       st,
		Admin:       admin.NewService(st, decimal.NewFromInt(100), log, nil),
		Log:         log,
		BotUsername: "refbot",

		DiscountPercent: 10,
	})
	return &fixture{store: st, sessions: sessions, h: h}
}

func (f *fixture) user(t *testing.T, id int64, username, code string) {
	t.Helper()
	require.NoError(t, f.store.CreateUser(context.Background(), &models.User{
		TelegramID:   id,
		Username:     username,
		ReferralCode: code,
		IsActive:     true,
	}))
}

func msg(id int64, text string) *fakeContext {
	return &fakeContext{sender: &telebot.User{ID: id, Username: "user", FirstName: "Ivan"}, text: text}
}

func TestRegistrationThroughText(t *testing.T) {
	f := newFixture(t)

	c := msg(2, "/start")
	require.NoError(t, f.h.Start(c))
	assert.Contains(t, c.lastText(t), "Как вас зовут")

	for _, step := range []struct{ in, want string }{
		{"Иванов Иван Иванович", "email"},
		{"-", "телефона"},
		{"+7 900 123 45 67", "Проверьте ваши данные"},
	} {
		c = msg(2, step.in)
		require.NoError(t, f.h.OnText(c))
		assert.Contains(t, c.lastText(t), step.want)
	}

	markup, ok := c.sent[0].opts[0].(*telebot.ReplyMarkup)
	require.True(t, ok)
	require.Len(t, markup.ReplyKeyboard, 1)
	assert.Equal(t, "Да", markup.ReplyKeyboard[0][0].Text)

	c = msg(2, "да")
	require.NoError(t, f.h.OnText(c))
	assert.Contains(t, c.lastText(t), "Регистрация завершена")

	u, err := f.store.UserByTelegramID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "+7 900 123 45 67", models.Deref(u.Phone, ""))
	assert.Zero(t, f.sessions.Len())
}

func TestStartWithDeepLinkAttributesOnCompletion(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "alice", "AAAA1111")

	c := msg(2, "/start AAAA1111")
	c.data = "AAAA1111"
	require.NoError(t, f.h.Start(c))

	for _, in := range []string{"Петров Петр", "-", "-", "Да"} {
		require.NoError(t, f.h.OnText(msg(2, in)))
	}

	refs, err := f.store.ReferralsByReferrer(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(2), refs[0].ReferredID)
}

func TestReferralPromptThenCode(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "alice", "AAAA1111")

	c := msg(2, "/referral")
	require.NoError(t, f.h.Referral(c))
	assert.Equal(t, msgAskCode, c.lastText(t))

	c = msg(2, " aaaa1111 ")
	require.NoError(t, f.h.OnText(c))
	assert.Contains(t, c.lastText(t), "Как вас зовут")

	sess, err := f.sessions.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, "AAAA1111", sess.Payload.ReferralCode)

	c = msg(2, "Иванов Иван")
	require.NoError(t, f.h.OnText(c))
	assert.Contains(t, c.lastText(t), "email", "the code prompt is consumed once")
}

func TestReferralArgumentForRegisteredUser(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "alice", "AAAA1111")
	f.user(t, 2, "bob", "BBBB2222")

	c := msg(2, "/referral AAAA1111")
	c.args = []string{"AAAA1111"}
	require.NoError(t, f.h.Referral(c))
	assert.Contains(t, c.lastText(t), "успешно применен")

	c = msg(2, "/referral BBBB2222")
	c.args = []string{"BBBB2222"}
	require.NoError(t, f.h.Referral(c))
	assert.Contains(t, c.lastText(t), "собственный")
}

func TestReferralArgumentDuringRegistration(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "alice", "AAAA1111")
	require.NoError(t, f.h.Start(msg(2, "/start")))
	require.NoError(t, f.h.OnText(msg(2, "Иванов Иван")))

	c := msg(2, "/referral AAAA1111")
	c.args = []string{"AAAA1111"}
	require.NoError(t, f.h.Referral(c))
	assert.Contains(t, c.lastText(t), "сохранён")

	sess, err := f.sessions.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, session.StepEmail, sess.Step)
	assert.Equal(t, "AAAA1111", sess.Payload.ReferralCode)
}

func TestFreeText(t *testing.T) {
	f := newFixture(t)

	c := msg(5, "что это?")
	require.NoError(t, f.h.OnText(c))
	assert.Equal(t, msgUnknown, c.lastText(t))

	c = msg(5, "Помощь")
	require.NoError(t, f.h.OnText(c))
	assert.Equal(t, msgHelp, c.lastText(t))

	c = msg(5, "старт")
	require.NoError(t, f.h.OnText(c))
	assert.Contains(t, c.lastText(t), "Как вас зовут")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.Start(msg(2, "/start")))

	c := msg(2, "/cancel")
	require.NoError(t, f.h.Cancel(c))
	assert.Contains(t, c.lastText(t), "Регистрация отменена")
	assert.Zero(t, f.sessions.Len())
}

func TestUserCommandsRequireRegistration(t *testing.T) {
	f := newFixture(t)

	for name, handler := range map[string]telebot.HandlerFunc{
		"mycode":    f.h.MyCode,
		"myref":     f.h.MyRef,
		"balance":   f.h.Balance,
		"referrals": f.h.Referrals,
	} {
		c := msg(9, "/"+name)
		require.NoError(t, handler(c), name)
		assert.Equal(t, registration.NotRegistered(), c.lastText(t), name)
	}
}

func TestUserCommands(t *testing.T) {
	f := newFixture(t)
	f.user(t, 1, "alice", "AAAA1111")
	f.user(t, 2, "bob", "BBBB2222")
	require.NoError(t, f.store.CreateReferral(context.Background(), &models.Referral{ReferrerID: 1, ReferredID: 2, CodeUsed: "AAAA1111"}))

	c := msg(1, "/mycode")
	require.NoError(t, f.h.MyCode(c))
	assert.Contains(t, c.lastText(t), "<code>AAAA1111</code>")

	c = msg(1, "/balance")
	require.NoError(t, f.h.Balance(c))
	assert.Contains(t, c.lastText(t), "Приведено друзей: 1")
	assert.Contains(t, c.lastText(t), "Начислено бонусов: 0")
	assert.NotContains(t, c.lastText(t), "Последнее начисление")
	assert.Contains(t, c.lastText(t), "руб.")

	c = msg(1, "/referrals")
	require.NoError(t, f.h.Referrals(c))
	assert.Contains(t, c.lastText(t), "1. bob - ⏳ Ожидает выплаты")

	c = msg(2, "/referrals")
	require.NoError(t, f.h.Referrals(c))
	assert.Contains(t, c.lastText(t), "нет рефералов")

	c = msg(1, "/myref")
	require.NoError(t, f.h.MyRef(c))
	require.Len(t, c.sent, 1)
	photo, ok := c.sent[0].what.(*telebot.Photo)
	require.True(t, ok, "got %T", c.sent[0].what)
	assert.Contains(t, photo.Caption, "https://t.me/refbot?start=AAAA1111")
	assert.Contains(t, photo.Caption, "друг получит скидку 10%")
}

func TestAdminPanelAccess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.admin.SeedAdmins(context.Background(), []int64{100}))

	c := msg(5, "/adminpanel")
	require.NoError(t, f.h.AdminPanel(c))
	assert.Equal(t, msgNoPanelAccess, c.lastText(t))

	c = msg(100, "/adminpanel")
	require.NoError(t, f.h.AdminPanel(c))
	assert.Contains(t, c.lastText(t), "Всего пользователей: 0")
	markup, ok := c.sent[0].opts[0].(*telebot.ReplyMarkup)
	require.True(t, ok)
	assert.Len(t, markup.InlineKeyboard, 4)

	c = msg(5, "")
	require.NoError(t, f.h.OnRefresh(c))
	assert.Equal(t, 1, c.answers)
	assert.Empty(t, c.edited)
}

func TestPayTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.h.admin.SeedAdmins(ctx, []int64{100}))
	f.user(t, 1, "alice", "AAAA1111")
	f.user(t, 2, "bob", "BBBB2222")
	ref := &models.Referral{ReferrerID: 1, ReferredID: 2, CodeUsed: "AAAA1111"}
	require.NoError(t, f.store.CreateReferral(ctx, ref))

	c := msg(100, "")
	require.NoError(t, f.h.OnUnpaid(c))
	require.Len(t, c.sent, 2)
	markup := c.sent[1].opts[0].(*telebot.ReplyMarkup)
	assert.Equal(t, "pay", markup.InlineKeyboard[0][0].Unique)
	assert.Equal(t, ref.ID, markup.InlineKeyboard[0][0].Data)

	c = msg(100, "")
	c.data = ref.ID
	require.NoError(t, f.h.OnPay(c))
	assert.Equal(t, []interface{}{msgPaid}, c.edited)

	c = msg(100, "")
	c.data = ref.ID
	require.NoError(t, f.h.OnPay(c))
	assert.Equal(t, []interface{}{msgPayFailed}, c.edited)

	payouts, err := f.store.PayoutsByUser(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, payouts, 1)

	c = msg(1, "/balance")
	require.NoError(t, f.h.Balance(c))
	assert.Contains(t, c.lastText(t), "Начислено бонусов: 1")
	assert.Contains(t, c.lastText(t), "Последнее начисление: "+utils.FormatMoney(decimal.NewFromInt(100)))

	c = msg(100, "")
	require.NoError(t, f.h.OnUnpaid(c))
	assert.Equal(t, msgNoUnpaid, c.lastText(t))
}

func TestSetPhone(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.admin.SeedAdmins(context.Background(), []int64{100}))
	f.user(t, 1, "alice", "AAAA1111")

	cases := []struct {
		args []string
		want string
	}{
		{nil, msgSetPhoneUsage},
		{[]string{"abc", "+79001234567"}, msgBadID},
		{[]string{"1", "12345"}, msgBadPhone},
		{[]string{"7", "+79001234567"}, msgNoSuchUser},
		{[]string{"1", "+7", "(900)", "123-45-67"}, "✅ Номер успешно обновлён: <code>+79001234567</code>"},
	}
	for _, tc := range cases {
		c := msg(100, "/setphone")
		c.args = tc.args
		require.NoError(t, f.h.SetPhone(c))
		assert.Equal(t, tc.want, c.lastText(t), "args %v", tc.args)
	}

	c := msg(5, "/setphone 1 +79001234567")
	c.args = []string{"1", "+79001234567"}
	require.NoError(t, f.h.SetPhone(c))
	assert.Equal(t, msgNoRights, c.lastText(t))
}

func TestUsersAndEnterNum(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.admin.SeedAdmins(context.Background(), []int64{100}))
	f.user(t, 1, "alice", "AAAA1111")
	f.user(t, 2, "user_2", "BBBB2222")

	c := msg(100, "")
	require.NoError(t, f.h.OnUsers(c))
	require.Len(t, c.sent, 2)
	for _, s := range c.sent {
		markup := s.opts[0].(*telebot.ReplyMarkup)
		last := markup.InlineKeyboard[len(markup.InlineKeyboard)-1][0]
		assert.Equal(t, "enternum", last.Unique)
	}

	c = msg(100, "")
	c.data = "2"
	require.NoError(t, f.h.OnEnterNum(c))
	assert.Contains(t, c.lastText(t), "/setphone 2 +79001234567")
}

func TestExportCommand(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.h.admin.SeedAdmins(context.Background(), []int64{100}))
	f.user(t, 1, "alice", "AAAA1111")

	c := msg(100, "/export")
	require.NoError(t, f.h.ExportCommand(c))
	require.Len(t, c.sent, 1)
	doc, ok := c.sent[0].what.(*telebot.Document)
	require.True(t, ok, "got %T", c.sent[0].what)
	assert.Equal(t, export.FileName, doc.FileName)
	assert.Equal(t, exportCaption, doc.Caption)
}

func TestOnErrorApologises(t *testing.T) {
	f := newFixture(t)
	c := msg(1, "/balance")

	f.h.OnError(errors.New("boom"), c)
	assert.Equal(t, msgUnexpected, c.lastText(t))
}

type recordingRouter struct {
	endpoints []string
}

func (r *recordingRouter) Handle(endpoint interface{}, _ telebot.HandlerFunc, _ ...telebot.MiddlewareFunc) {
	switch e := endpoint.(type) {
	case string:
		r.endpoints = append(r.endpoints, e)
	case telebot.CallbackEndpoint:
		r.endpoints = append(r.endpoints, e.CallbackUnique())
	}
}

func TestRegisterRoutes(t *testing.T) {
	f := newFixture(t)
	r := &recordingRouter{}
	f.h.Register(r)

	for _, want := range []string{"/start", "/cancel", "/referral", "/mycode", "/myref", "/balance",
		"/referrals", "/help", "/adminpanel", "/setphone", "/export", "\fpay", "\fenternum",
		"\fadmin_refresh", "\fadmin_unpaid", "\fadmin_export", "\fadmin_users", telebot.OnText} {
		assert.Contains(t, r.endpoints, want)
	}
}
