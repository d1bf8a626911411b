package registration

import (
	"fmt"
	"html"
	"strings"

	"referral-bot/models"
	"referral-bot/referral"
	"referral-bot/session"
)

// CommandList is appended to greetings and the help text.
const CommandList = "Используйте команды:\n" +
	"/start - регистрация в системе\n" +
	"/mycode - ваш реферальный код\n" +
	"/myref - ваша реферальная ссылка и QR-код\n" +
	"/balance - ваш баланс бонусов\n" +
	"/referrals - ваши рефералы\n" +
	"/referral - ввести реферальный код\n" +
	"/adminpanel - админ панель"

const (
	msgAskName = "📝 Как вас зовут? (Фамилия Имя Отчество):"

	msgNameInvalid = "Пожалуйста, введите Фамилию Имя Отчество (минимум фамилию и имя):"

	msgAskEmail = "📧 Укажите ваш email (необязательно):\n" +
		"Или отправьте '-' чтобы пропустить этот шаг."

	msgEmailInvalid = "❌ Неверный формат email. Введите корректный email или '-' чтобы пропустить:"

	msgAskPhone = "📞 Укажите ваш номер телефона (необязательно):\n" +
		"Или отправьте '-' чтобы пропустить этот шаг."

	msgPhoneInvalid = "❌ Неверный формат телефона. Введите номер (минимум 10 цифр) или '-' чтобы пропустить:"

	msgConfirmInvalid = "Пожалуйста, ответьте 'Да' или 'Нет':\n" +
		"✅ 'Да' - завершить регистрацию\n" +
		"❌ 'Нет' - ввести данные заново"

	msgRestart = "Давайте начнем заново. 📝\n\n" + msgAskName

	msgCancelled = "Регистрация отменена. 😔\n\n" +
		"Если захотите зарегистрироваться, просто отправьте /start"

	msgNothingToCancel = "Сейчас нет активной регистрации. Для начала отправьте /start"

	msgRetry = "❌ Произошла ошибка. Попробуйте еще раз чуть позже."

	msgFinalizeFailed = "❌ Произошла ошибка при регистрации. Отправьте 'Да' ещё раз или начните заново: /start"

	msgNotRegistered = "❌ Вы еще не зарегистрированы.\nИспользуйте /start для регистрации."
)

var (
	msgNameTooLong = fmt.Sprintf("❌ Слишком длинное имя: каждая часть не больше %d символов.\n"+
		"Пожалуйста, введите Фамилию Имя Отчество ещё раз:", models.MaxNamePartLen)

	msgEmailTooLong = fmt.Sprintf("❌ Email не может быть длиннее %d символов. Введите другой email или '-' чтобы пропустить:",
		models.MaxEmailLen)

	msgPhoneTooLong = fmt.Sprintf("❌ Номер не может быть длиннее %d символов. Введите только номер или '-' чтобы пропустить:",
		models.MaxPhoneLen)
)

// NotRegistered is the reply for user commands sent before registration.
func NotRegistered() string { return msgNotRegistered }

// RetryLater is the generic reply for storage failures.
func RetryLater() string { return msgRetry }

func greeting(name string) string {
	return fmt.Sprintf("Привет, %s! 🎉\n\n"+
		"Добро пожаловать в реферальную систему!\n\n"+
		"🔹 Регистрируйтесь и получайте персональный реферальный код\n"+
		"🔹 Приглашайте друзей и получайте бонусы\n\n", html.EscapeString(name))
}

func welcomeBack(greeting, name string) string {
	return fmt.Sprintf("%s, %s! 👋\nС возвращением!\n\n%s", greeting, html.EscapeString(name), CommandList)
}

func invalidCodeNote(code string) string {
	return fmt.Sprintf("⚠️ Реферальный код <code>%s</code> не найден. Вы можете продолжить регистрацию без него.\n\n", html.EscapeString(code))
}

func keptCodeNote(code string) string {
	return fmt.Sprintf("ℹ️ У вас уже указан реферальный код <code>%s</code>, он будет применён после регистрации.\n\n", html.EscapeString(code))
}

// codeSaved is the reply when a manually entered code is attached to an
// unfinished registration.
func codeSaved(code string) string {
	return fmt.Sprintf("✅ Реферальный код <code>%s</code> сохранён и будет применён после завершения регистрации.", html.EscapeString(code))
}

func confirmation(p session.Payload, handle string) string {
	var b strings.Builder
	b.WriteString("✅ Проверьте ваши данные:\n\n")
	fmt.Fprintf(&b, "👤 Имя: %s\n", html.EscapeString(orDefault(p.FullName, "не указано")))
	fmt.Fprintf(&b, "📧 Email: %s\n", html.EscapeString(orDefault(p.Email, "не указан")))
	fmt.Fprintf(&b, "📞 Телефон: %s\n", html.EscapeString(orDefault(p.Phone, "не указан")))
	fmt.Fprintf(&b, "🔗 Telegram: @%s\n", html.EscapeString(handle))
	if p.ReferralCode != "" {
		fmt.Fprintf(&b, "🎟 Реферальный код: <code>%s</code>\n", html.EscapeString(p.ReferralCode))
	}
	b.WriteString("\nВсё верно? Отправьте 'Да' для подтверждения или 'Нет' для изменения данных.")
	return b.String()
}

// DiscountText names the discount a referred friend gets, with the
// percentage when one is configured.
func DiscountText(percent int) string {
	if percent > 0 {
		return fmt.Sprintf("скидку %d%%", percent)
	}
	return "скидку"
}

func registered(code string, discountPercent int) string {
	return fmt.Sprintf("🎉 Регистрация завершена! 🎉\n\n"+
		"✅ Ваш реферальный код: <code>%s</code>\n\n"+
		"📱 Поделитесь этим кодом с друзьями:\n"+
		"• Они получат %s при регистрации\n"+
		"• Вы получите бонус на счет\n\n"+
		"%s\n\nСпасибо за регистрацию! 🚀", html.EscapeString(code), DiscountText(discountPercent), CommandList)
}

// OutcomeText maps an attribution outcome for a registered user to a reply.
func OutcomeText(o referral.Outcome, referrerHandle string) string {
	switch o {
	case referral.Attributed:
		return fmt.Sprintf("✅ Реферальный код успешно применен!\n\n"+
			"Вы были приглашены пользователем: %s\n"+
			"Бонус будет начислен после подтверждения администратором.", html.EscapeString(referrerHandle))
	case referral.SelfReferral:
		return "❌ Нельзя использовать собственный реферальный код."
	case referral.AlreadyAttributed:
		return "ℹ️ Этот реферальный код уже был применён к вашему аккаунту."
	default:
		return "❌ Неверный реферальный код"
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
