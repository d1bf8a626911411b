package middleware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

const (
	maxWarnings     = 5
	banDuration     = 5 * time.Minute
	inactiveAfter   = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

// CommandSpamProtection enforces a minimum delay between commands from the
// same user. Repeated violations earn a temporary ban.
type CommandSpamProtection struct {
	mu           sync.RWMutex
	lastCommand  map[int64]time.Time
	warningCount map[int64]int
	banUntil     map[int64]time.Time
	commandDelay time.Duration
	exempt       func(userID int64) bool
	log          *zap.Logger
	now          func() time.Time
}

// NewCommandSpamProtection builds the limiter. exempt may be nil; users it
// returns true for are never throttled.
func NewCommandSpamProtection(delay time.Duration, exempt func(int64) bool, log *zap.Logger) *CommandSpamProtection {
	if log == nil {
		log = zap.NewNop()
	}
	if exempt == nil {
		exempt = func(int64) bool { return false }
	}
	return &CommandSpamProtection{
		lastCommand:  make(map[int64]time.Time),
		warningCount: make(map[int64]int),
		banUntil:     make(map[int64]time.Time),
		commandDelay: delay,
		exempt:       exempt,
		log:          log.Named("antispam"),
		now:          time.Now,
	}
}

// RunCleanup drops idle users and expired bans until ctx is done.
func (sp *CommandSpamProtection) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sp.cleanup()
		}
	}
}

func (sp *CommandSpamProtection) cleanup() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	now := sp.now()
	for userID, last := range sp.lastCommand {
		if now.Sub(last) > inactiveAfter {
			delete(sp.lastCommand, userID)
			delete(sp.warningCount, userID)
		}
	}
	for userID, until := range sp.banUntil {
		if now.After(until) {
			delete(sp.banUntil, userID)
			sp.log.Info("🔓 user unbanned", zap.Int64("telegram_id", userID))
		}
	}
}

func isCommand(text string) bool {
	return strings.HasPrefix(text, "/")
}

// Middleware throttles slash commands. Plain text passes through so the
// registration dialogue is never blocked.
func (sp *CommandSpamProtection) Middleware(next telebot.HandlerFunc) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		sender := c.Sender()
		if sender == nil || sp.exempt(sender.ID) {
			return next(c)
		}
		userID := sender.ID

		if banned, until := sp.isUserBanned(userID); banned {
			return c.Send(fmt.Sprintf(
				"🚫 <b>Вы временно заблокированы за спам.</b>\n\nПодождите ещё %d сек.",
				int(until.Sub(sp.now()).Seconds())+1,
			), telebot.ModeHTML)
		}

		if !isCommand(c.Text()) {
			return next(c)
		}

		allowed, wait := sp.allowCommand(userID)
		if !allowed {
			warnings := sp.addWarning(userID)
			if warnings >= maxWarnings {
				sp.banUser(userID, banDuration)
				sp.log.Warn("🚫 user banned for spam", zap.Int64("telegram_id", userID), zap.Duration("for", banDuration))
				return c.Send("🚫 <b>Слишком много команд подряд.</b>\n\nДоступ ограничен на 5 минут.", telebot.ModeHTML)
			}
			return c.Send(fmt.Sprintf(
				"⏰ <b>Не так быстро!</b>\n\n"+
					"Между командами нужно подождать <b>%d сек.</b>\n"+
					"Предупреждение: %d/%d",
				int(wait.Seconds())+1, warnings, maxWarnings,
			), telebot.ModeHTML)
		}

		sp.resetWarnings(userID)
		sp.recordCommand(userID)
		return next(c)
	}
}

func (sp *CommandSpamProtection) allowCommand(userID int64) (bool, time.Duration) {
	sp.mu.RLock()
	last, ok := sp.lastCommand[userID]
	sp.mu.RUnlock()
	if !ok {
		return true, 0
	}
	if elapsed := sp.now().Sub(last); elapsed < sp.commandDelay {
		return false, sp.commandDelay - elapsed
	}
	return true, 0
}

func (sp *CommandSpamProtection) recordCommand(userID int64) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.lastCommand[userID] = sp.now()
}

func (sp *CommandSpamProtection) addWarning(userID int64) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.warningCount[userID]++
	return sp.warningCount[userID]
}

func (sp *CommandSpamProtection) resetWarnings(userID int64) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.warningCount, userID)
}

func (sp *CommandSpamProtection) banUser(userID int64, d time.Duration) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.banUntil[userID] = sp.now().Add(d)
	sp.warningCount[userID] = 0
}

func (sp *CommandSpamProtection) isUserBanned(userID int64) (bool, time.Time) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	until, ok := sp.banUntil[userID]
	if !ok || sp.now().After(until) {
		return false, time.Time{}
	}
	return true, until
}
