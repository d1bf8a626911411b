package handlers

import (
	"strings"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"referral-bot/referral"
	"referral-bot/registration"
)

const (
	msgHelp = "🤖 Я бот реферальной системы!\n\n" + registration.CommandList

	msgUnknown = "🤖 Я не понимаю эту команду.\n\n" +
		"Используйте /start для регистрации или /help для списка команд."

	msgAskCode = "🔑 Отправьте реферальный код одним сообщением."

	msgEmptyCode = "❌ Код не может быть пустым. Попробуйте ещё раз: /referral"
)

// Start handles /start with an optional deep-link code.
func (h *Handler) Start(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	ct := contact(c.Sender())
	h.awaiting.take(ct.ID)
	h.log.Info("start", zap.Int64("telegram_id", ct.ID), zap.String("payload", c.Data()))
	return reply(c, h.machine.Start(ctx, ct, c.Data()))
}

func (h *Handler) Cancel(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	ct := contact(c.Sender())
	h.awaiting.take(ct.ID)
	return reply(c, h.machine.Cancel(ctx, ct))
}

func (h *Handler) Help(c telebot.Context) error {
	return c.Send(msgHelp)
}

// Referral handles /referral [CODE]. Without an argument the next text
// message is taken as the code.
func (h *Handler) Referral(c telebot.Context) error {
	args := c.Args()
	if len(args) == 0 {
		h.awaiting.add(c.Sender().ID)
		return c.Send(msgAskCode)
	}
	return h.applyCode(c, args[0])
}

// applyCode attaches code to a registration in progress. Otherwise it goes
// through the same path as a deep link: registered users get the attribution
// outcome, everyone else starts registering with the code pending.
func (h *Handler) applyCode(c telebot.Context, code string) error {
	code = referral.NormalizeCode(code)
	if code == "" {
		return c.Send(msgEmptyCode)
	}

	ctx, cancel := h.opContext()
	defer cancel()

	ct := contact(c.Sender())
	if r, ok := h.machine.AttachCode(ctx, ct, code); ok {
		return reply(c, r)
	}
	return reply(c, h.machine.Start(ctx, ct, code))
}

// OnText routes free text: a pending /referral code, the start keywords, the
// registration dialogue, then help keywords.
func (h *Handler) OnText(c telebot.Context) error {
	text := strings.TrimSpace(c.Text())
	ct := contact(c.Sender())

	if h.awaiting.take(ct.ID) {
		return h.applyCode(c, text)
	}

	switch strings.ToLower(text) {
	case "start", "старт":
		return h.Start(c)
	}

	ctx, cancel := h.opContext()
	defer cancel()
	if r, ok := h.machine.Handle(ctx, ct, text); ok {
		return reply(c, r)
	}

	switch strings.ToLower(text) {
	case "help", "помощь", "команды":
		return h.Help(c)
	}
	return c.Send(msgUnknown)
}
