package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"referral-bot/models"
	"referral-bot/registration"
	"referral-bot/store"
	"referral-bot/utils"
)

// registeredUser loads the sender's user record. On failure it answers the
// chat itself and returns nil.
func (h *Handler) registeredUser(ctx context.Context, c telebot.Context) (*models.User, error) {
	id := c.Sender().ID
	user, err := h.users.UserByTelegramID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, c.Send(registration.NotRegistered())
	}
	if err != nil {
		h.log.Error("❌ load user", zap.Int64("telegram_id", id), zap.Error(err))
		return nil, c.Send(registration.RetryLater())
	}
	return user, nil
}

func (h *Handler) MyCode(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	user, err := h.registeredUser(ctx, c)
	if user == nil {
		return err
	}
	return c.Send(fmt.Sprintf("🎯 Ваш реферальный код:\n\n<code>%s</code>\n\n"+
		"Поделитесь этим кодом с друзьями! 💫\n\n"+
		"Используйте /myref чтобы получить QR-код и ссылку", html.EscapeString(user.ReferralCode)), telebot.ModeHTML)
}

// MyRef sends the deep link as a QR code with the link and code in the caption.
func (h *Handler) MyRef(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	user, err := h.registeredUser(ctx, c)
	if user == nil {
		return err
	}

	link := utils.ReferralLink(h.botUsername, user.ReferralCode)
	caption := fmt.Sprintf("🎁 Ваши реферальные материалы:\n\n"+
		"🔗 <b>Ссылка:</b>\n<code>%s</code>\n\n"+
		"📝 <b>Код:</b> <code>%s</code>\n\n"+
		"📱 <b>Поделитесь с друзьями:</b>\n"+
		"• Отправьте ссылку или QR-код\n"+
		"• При регистрации по вашей ссылке друг получит %s\n"+
		"• Вы получите бонус после подтверждения администратором",
		html.EscapeString(link), html.EscapeString(user.ReferralCode), registration.DiscountText(h.discountPercent))
	if err := utils.SendQR(c, link, caption); err != nil {
		h.log.Error("❌ send referral qr", zap.Int64("telegram_id", user.TelegramID), zap.Error(err))
		return c.Send("❌ Ошибка при генерации ссылки.")
	}
	return nil
}

func (h *Handler) Balance(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	user, err := h.registeredUser(ctx, c)
	if user == nil {
		return err
	}
	refs, err := h.users.ReferralsByReferrer(ctx, user.TelegramID)
	if err != nil {
		h.log.Error("❌ load referrals", zap.Int64("telegram_id", user.TelegramID), zap.Error(err))
		return c.Send(registration.RetryLater())
	}
	payouts, err := h.users.PayoutsByUser(ctx, user.TelegramID)
	if err != nil {
		h.log.Error("❌ load payouts", zap.Int64("telegram_id", user.TelegramID), zap.Error(err))
		return c.Send(registration.RetryLater())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "💰 Ваш баланс: %s\n\n👥 Приведено друзей: %d\n✅ Начислено бонусов: %d\n",
		utils.FormatMoney(user.BonusBalance), len(refs), len(payouts))
	if len(payouts) > 0 {
		// newest first
		last := payouts[0]
		fmt.Fprintf(&b, "📅 Последнее начисление: %s, %s\n", utils.FormatMoney(last.Amount), utils.FormatDate(last.PaidAt))
	}
	fmt.Fprintf(&b, "💎 Реферальный код: <code>%s</code>", html.EscapeString(user.ReferralCode))
	return c.Send(b.String(), telebot.ModeHTML)
}

func (h *Handler) Referrals(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	user, err := h.registeredUser(ctx, c)
	if user == nil {
		return err
	}
	refs, err := h.users.ReferralsByReferrer(ctx, user.TelegramID)
	if err != nil {
		h.log.Error("❌ load referrals", zap.Int64("telegram_id", user.TelegramID), zap.Error(err))
		return c.Send(registration.RetryLater())
	}

	if len(refs) == 0 {
		return c.Send(fmt.Sprintf("😔 У вас пока нет рефералов.\n\n"+
			"Поделитесь вашим кодом: <code>%s</code>\n"+
			"или используйте /myref для получения ссылки и QR-кода\n"+
			"и приглашайте друзей! 🚀", html.EscapeString(user.ReferralCode)), telebot.ModeHTML)
	}

	var b strings.Builder
	b.WriteString("👥 Ваши рефералы:\n\n")
	for i, ref := range refs {
		status := "⏳ Ожидает выплаты"
		if ref.BonusPaid {
			status = "✅ Бонус выплачен"
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, html.EscapeString(ref.ReferredName), status)
	}
	return c.Send(b.String(), telebot.ModeHTML)
}
