// Package handlers maps Telegram updates onto the registration dialogue, the
// user commands and the admin panel.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"referral-bot/admin"
	"referral-bot/models"
	"referral-bot/registration"
)

const defaultTimeout = 5 * time.Second

const msgUnexpected = "❌ Произошла непредвиденная ошибка. Пожалуйста, попробуйте позже."

// Router is the part of *telebot.Bot that routes are registered on.
type Router interface {
	Handle(endpoint interface{}, h telebot.HandlerFunc, m ...telebot.MiddlewareFunc)
}

// Users is the read side behind /mycode, /balance and /referrals.
type Users interface {
	UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	ReferralsByReferrer(ctx context.Context, referrerID int64) ([]models.ReferralView, error)
	PayoutsByUser(ctx context.Context, telegramID int64) ([]models.Payout, error)
}

type Deps struct {
	Machine     *registration.Machine
	Users       Users
	Admin       *admin.Service
	Log         *zap.Logger
	BotUsername string
	// DiscountPercent is quoted to users sharing their referral link.
	DiscountPercent int
	// Timeout bounds the storage work done for one update.
	Timeout time.Duration
}

type Handler struct {
	machine     *registration.Machine
	users       Users
	admin       *admin.Service
	log         *zap.Logger
	botUsername string
	timeout     time.Duration
	awaiting    *awaitingCodes

	discountPercent int
}

func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	return &Handler{
		machine:     d.Machine,
		users:       d.Users,
		admin:       d.Admin,
		log:         d.Log.Named("handlers"),
		botUsername: d.BotUsername,
		timeout:     d.Timeout,
		awaiting:    newAwaitingCodes(),

		discountPercent: d.DiscountPercent,
	}
}

// Commands is the menu published with SetCommands.
var Commands = []telebot.Command{
	{Text: "start", Description: "Регистрация в системе"},
	{Text: "mycode", Description: "Мой реферальный код"},
	{Text: "myref", Description: "Реферальная ссылка и QR-код"},
	{Text: "balance", Description: "Баланс бонусов"},
	{Text: "referrals", Description: "Мои рефералы"},
	{Text: "referral", Description: "Ввести реферальный код"},
	{Text: "cancel", Description: "Отменить регистрацию"},
	{Text: "help", Description: "Список команд"},
}

func (h *Handler) Register(r Router) {
	r.Handle("/start", h.Start)
	r.Handle("/cancel", h.Cancel)
	r.Handle("/help", h.Help)
	r.Handle("/referral", h.Referral)

	r.Handle("/mycode", h.MyCode)
	r.Handle("/myref", h.MyRef)
	r.Handle("/balance", h.Balance)
	r.Handle("/referrals", h.Referrals)

	r.Handle("/adminpanel", h.AdminPanel)
	r.Handle("/setphone", h.SetPhone)
	r.Handle("/export", h.ExportCommand)
	r.Handle(&btnRefresh, h.OnRefresh)
	r.Handle(&btnUnpaid, h.OnUnpaid)
	r.Handle(&btnExport, h.OnExport)
	r.Handle(&btnUsers, h.OnUsers)
	r.Handle(&btnPay, h.OnPay)
	r.Handle(&btnEnterNum, h.OnEnterNum)

	r.Handle(telebot.OnText, h.OnText)
}

// OnError is installed as telebot.Settings.OnError.
func (h *Handler) OnError(err error, c telebot.Context) {
	if c == nil {
		h.log.Error("❌ bot error", zap.Error(err))
		return
	}
	var userID int64
	if sender := c.Sender(); sender != nil {
		userID = sender.ID
	}
	h.log.Error("❌ handler error", zap.Int64("telegram_id", userID), zap.Error(err))
	if sendErr := c.Send(msgUnexpected); sendErr != nil {
		h.log.Warn("⚠️ could not deliver apology", zap.Int64("telegram_id", userID), zap.Error(sendErr))
	}
}

func (h *Handler) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.timeout)
}

func contact(u *telebot.User) registration.Contact {
	return registration.Contact{ID: u.ID, Username: u.Username, FirstName: u.FirstName}
}

// reply sends a dialogue reply. Buttons become a one-time reply keyboard;
// without buttons any previous keyboard is removed.
func reply(c telebot.Context, r registration.Reply) error {
	markup := &telebot.ReplyMarkup{RemoveKeyboard: true}
	if len(r.Buttons) > 0 {
		markup = &telebot.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
		btns := make([]telebot.Btn, 0, len(r.Buttons))
		for _, text := range r.Buttons {
			btns = append(btns, markup.Text(text))
		}
		markup.Reply(markup.Row(btns...))
	}
	return c.Send(r.Text, markup, telebot.ModeHTML)
}
