package handlers

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"

	"referral-bot/admin"
	"referral-bot/export"
	"referral-bot/models"
	"referral-bot/registration"
	"referral-bot/store"
	"referral-bot/utils"
)

var (
	btnRefresh  = telebot.Btn{Unique: "admin_refresh", Text: "📊 Обновить статистику"}
	btnUnpaid   = telebot.Btn{Unique: "admin_unpaid", Text: "📋 Список невыплаченных"}
	btnExport   = telebot.Btn{Unique: "admin_export", Text: "📤 Экспорт в Excel"}
	btnUsers    = telebot.Btn{Unique: "admin_users", Text: "👥 Список пользователей"}
	btnPay      = telebot.Btn{Unique: "pay"}
	btnEnterNum = telebot.Btn{Unique: "enternum"}
)

const (
	msgNoPanelAccess = "❌ У вас нет доступа к админ-панели.\nОбратитесь к администратору системы."
	msgNoRights      = "❌ У вас нет прав для этой команды."

	msgPaid       = "✅ Бонус успешно выплачен!\n\nСтатус обновлен в системе."
	msgPayFailed  = "❌ Ошибка при выплате бонуса.\nВозможно, бонус уже был выплачен."
	msgNoUnpaid   = "📋 Нет невыплаченных бонусов\n\nВсе рефералы уже обработаны! ✅"
	msgNoUsers    = "👥 Пользователи не найдены."
	msgExportFail = "❌ Ошибка при экспорте. Попробуйте позже."
	exportCaption = "📊 Экспорт данных в Excel"
	notSet        = "Не указан"

	msgSetPhoneUsage = "Использование: /setphone <telegram_id> <номер>\nПример: /setphone 123456789 +79001234567"
	msgBadID         = "❌ Неправильный telegram_id."
	msgBadPhone      = "❌ Неправильный формат номера."
	msgNoSuchUser    = "❌ Пользователь не найден."
)

func adminMenu() *telebot.ReplyMarkup {
	m := &telebot.ReplyMarkup{}
	m.Inline(m.Row(btnRefresh), m.Row(btnUnpaid), m.Row(btnExport), m.Row(btnUsers))
	return m
}

// allowed checks the sender against the admin table. When it returns false
// the refusal (or retry) text has already been sent.
func (h *Handler) allowed(ctx context.Context, c telebot.Context, refusal string) (bool, error) {
	id := c.Sender().ID
	ok, err := h.admin.IsAdmin(ctx, id)
	if err != nil {
		h.log.Error("❌ admin check", zap.Int64("telegram_id", id), zap.Error(err))
		return false, c.Send(registration.RetryLater())
	}
	if !ok {
		h.log.Warn("⚠️ admin action refused", zap.Int64("telegram_id", id))
		return false, c.Send(refusal)
	}
	return true, nil
}

func (h *Handler) statsText(ctx context.Context) (string, error) {
	st, err := h.admin.Stats(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("🔧 Админ Панель\n\n"+
		"👥 Всего пользователей: %d\n"+
		"📊 Всего рефералов: %d\n"+
		"💰 Невыплаченные бонусы: %d\n"+
		"✅ Выплаченные бонусы: %d",
		st.TotalUsers, st.TotalReferrals, st.UnpaidBonuses, st.PaidBonuses), nil
}

func (h *Handler) AdminPanel(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	if ok, err := h.allowed(ctx, c, msgNoPanelAccess); !ok {
		return err
	}
	text, err := h.statsText(ctx)
	if err != nil {
		h.log.Error("❌ load stats", zap.Error(err))
		return c.Send(registration.RetryLater())
	}
	return c.Send(text, adminMenu())
}

// callback acknowledges the button press and runs fn for admins only.
func (h *Handler) callback(c telebot.Context, fn func(ctx context.Context) error) error {
	if err := c.Respond(); err != nil {
		h.log.Warn("⚠️ callback respond", zap.Error(err))
	}
	ctx, cancel := h.opContext()
	defer cancel()

	if ok, err := h.allowed(ctx, c, msgNoPanelAccess); !ok {
		return err
	}
	return fn(ctx)
}

func (h *Handler) OnRefresh(c telebot.Context) error {
	return h.callback(c, func(ctx context.Context) error {
		text, err := h.statsText(ctx)
		if err != nil {
			h.log.Error("❌ load stats", zap.Error(err))
			return c.Send(registration.RetryLater())
		}
		return c.Edit(text, adminMenu())
	})
}

// OnUnpaid lists the unpaid referrals, then sends one message with a pay
// button per referral.
func (h *Handler) OnUnpaid(c telebot.Context) error {
	return h.callback(c, func(ctx context.Context) error {
		refs, err := h.admin.Unpaid(ctx)
		if err != nil {
			h.log.Error("❌ load unpaid referrals", zap.Error(err))
			return c.Send(registration.RetryLater())
		}
		if len(refs) == 0 {
			return c.Send(msgNoUnpaid)
		}

		var b strings.Builder
		b.WriteString("📋 Невыплаченные бонусы:\n\n")
		for i, ref := range refs {
			fmt.Fprintf(&b, "%d. 👤 %s\n   👥 Привел: %s\n   📅 %s\n   [ID: %s]\n\n",
				i+1, html.EscapeString(ref.ReferrerName), html.EscapeString(ref.ReferredName),
				utils.FormatDate(ref.CreatedAt), ref.ID)
		}
		if err := c.Send(b.String(), telebot.ModeHTML); err != nil {
			return err
		}

		for _, ref := range refs {
			m := &telebot.ReplyMarkup{}
			m.Inline(m.Row(m.Data("💸 Выплатить бонус "+ref.ReferrerName, btnPay.Unique, ref.ID)))
			text := fmt.Sprintf("Бонус для %s - %s", html.EscapeString(ref.ReferrerName), html.EscapeString(ref.ReferredName))
			if err := c.Send(text, m, telebot.ModeHTML); err != nil {
				return err
			}
		}
		return nil
	})
}

func (h *Handler) OnExport(c telebot.Context) error {
	return h.callback(c, func(ctx context.Context) error {
		return h.sendExport(ctx, c)
	})
}

func (h *Handler) ExportCommand(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	if ok, err := h.allowed(ctx, c, msgNoRights); !ok {
		return err
	}
	return h.sendExport(ctx, c)
}

func (h *Handler) sendExport(ctx context.Context, c telebot.Context) error {
	buf, err := h.admin.Export(ctx)
	if err != nil {
		h.log.Error("❌ export", zap.Error(err))
		return c.Send(msgExportFail)
	}
	return utils.SendDocument(c, buf.Bytes(), export.FileName, exportCaption)
}

// OnUsers sends a card per user, newest first, capped at admin.UserListLimit.
func (h *Handler) OnUsers(c telebot.Context) error {
	return h.callback(c, func(ctx context.Context) error {
		users, err := h.admin.Users(ctx)
		if err != nil {
			h.log.Error("❌ list users", zap.Error(err))
			return c.Send(registration.RetryLater())
		}
		if len(users) == 0 {
			return c.Send(msgNoUsers)
		}

		for _, u := range users {
			text := fmt.Sprintf("👤 @%s\nID: %d\nEmail: %s\nТел: %s\n",
				html.EscapeString(u.Username), u.TelegramID,
				html.EscapeString(models.Deref(u.Email, notSet)), html.EscapeString(models.Deref(u.Phone, notSet)))

			m := &telebot.ReplyMarkup{}
			rows := []telebot.Row{}
			if !strings.HasPrefix(u.Username, "user_") {
				rows = append(rows, m.Row(m.URL("Открыть чат", "https://t.me/"+u.Username)))
			}
			rows = append(rows, m.Row(m.Data("Ввести номер вручную", btnEnterNum.Unique, strconv.FormatInt(u.TelegramID, 10))))
			m.Inline(rows...)

			if err := c.Send(text, m, telebot.ModeHTML); err != nil {
				return err
			}
		}
		return nil
	})
}

// OnPay marks the referral in the callback data as paid by the sender.
func (h *Handler) OnPay(c telebot.Context) error {
	return h.callback(c, func(ctx context.Context) error {
		referralID := strings.TrimSpace(c.Data())
		_, err := h.admin.MarkPaid(ctx, referralID, c.Sender().ID)
		switch {
		case err == nil:
			return c.Edit(msgPaid)
		case errors.Is(err, store.ErrAlreadyPaid), errors.Is(err, store.ErrNotFound):
			return c.Edit(msgPayFailed)
		default:
			return c.Send(registration.RetryLater())
		}
	})
}

func (h *Handler) OnEnterNum(c telebot.Context) error {
	return h.callback(c, func(ctx context.Context) error {
		id := strings.TrimSpace(c.Data())
		return c.Send(fmt.Sprintf("Введите команду для установки номера пользователю:\n"+
			"/setphone %s <номер>\n\nПример: /setphone %s +79001234567", id, id))
	})
}

// SetPhone handles /setphone <telegram_id> <phone>.
func (h *Handler) SetPhone(c telebot.Context) error {
	ctx, cancel := h.opContext()
	defer cancel()

	if ok, err := h.allowed(ctx, c, msgNoRights); !ok {
		return err
	}

	args := c.Args()
	if len(args) < 2 {
		return c.Send(msgSetPhoneUsage)
	}
	target, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Send(msgBadID)
	}

	phone, err := h.admin.SetPhone(ctx, target, strings.Join(args[1:], ""))
	switch {
	case errors.Is(err, admin.ErrInvalidPhone):
		return c.Send(msgBadPhone)
	case errors.Is(err, store.ErrNotFound):
		return c.Send(msgNoSuchUser)
	case err != nil:
		h.log.Error("❌ set phone", zap.Int64("target", target), zap.Error(err))
		return c.Send(registration.RetryLater())
	}
	return c.Send(fmt.Sprintf("✅ Номер успешно обновлён: <code>%s</code>", html.EscapeString(phone)), telebot.ModeHTML)
}
