package utils

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var moscow = loadMoscow()

func loadMoscow() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		return time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

// MoscowTime converts t to Moscow local time.
func MoscowTime(t time.Time) time.Time {
	return t.In(moscow)
}

// GetGreeting picks a time-of-day greeting for t in Moscow time.
func GetGreeting(t time.Time) string {
	hour := MoscowTime(t).Hour()
	switch {
	case hour >= 5 && hour < 12:
		return "Доброе утро"
	case hour >= 12 && hour < 18:
		return "Добрый день"
	case hour >= 18 && hour < 23:
		return "Добрый вечер"
	default:
		return "Доброй ночи"
	}
}

// FormatMoney renders an amount the Russian way, e.g. "1 500,00 руб.".
func FormatMoney(amount decimal.Decimal) string {
	p := message.NewPrinter(language.Russian)
	return p.Sprintf("%.2f руб.", amount.Round(2).InexactFloat64())
}

// FormatDate renders t as dd.mm.yyyy hh:mm in Moscow time.
func FormatDate(t time.Time) string {
	return MoscowTime(t).Format("02.01.2006 15:04")
}

// ReferralLink is the deep link that opens the bot with code as the start
// parameter.
func ReferralLink(botUsername, code string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", botUsername, code)
}
