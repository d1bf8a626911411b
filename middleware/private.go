// Package middleware holds telebot middlewares shared by every route.
package middleware

import (
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
	telemw "gopkg.in/telebot.v3/middleware"
)

// PrivateOnly rejects updates from groups and channels.
func PrivateOnly(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		chat := c.Chat()
		if chat != nil && chat.Type != telebot.ChatPrivate {
			return c.Send("❌ Бот работает только в личных сообщениях.")
		}
		return next(c)
	}
}

// Recover logs a handler panic and passes it to onError, which answers the
// user.
func Recover(log *zap.Logger, onError telemw.RecoverFunc) telebot.MiddlewareFunc {
	return telemw.Recover(func(err error, c telebot.Context) {
		log.Error("❌ handler panic", zap.Error(err))
		onError(err, c)
	})
}
