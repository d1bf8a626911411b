// Package registration drives the multi-step sign-up dialogue. Each inbound
// text is routed through a table keyed by the persisted session step; every
// transition returns the reply to send and the resulting step.
package registration

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"referral-bot/metrics"
	"referral-bot/models"
	"referral-bot/referral"
	"referral-bot/session"
	"referral-bot/store"
	"referral-bot/utils"
)

const (
	skipToken       = "-"
	minPhoneDigits  = 10
	maxCodeAttempts = 8
)

var emailRe = regexp.MustCompile(`(?i)^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

var (
	confirmYes = map[string]bool{"да": true, "yes": true, "д": true, "y": true}
	confirmNo  = map[string]bool{"нет": true, "no": true, "н": true, "n": true}
)

// Contact identifies the person on the other side of the chat.
type Contact struct {
	ID        int64
	Username  string
	FirstName string
}

// Handle is the display handle stored with the user: the Telegram username
// or user_<id> when there is none.
func (c Contact) Handle() string {
	if c.Username != "" {
		return c.Username
	}
	return "user_" + strconv.FormatInt(c.ID, 10)
}

func (c Contact) displayName() string {
	if c.FirstName != "" {
		return c.FirstName
	}
	return c.Handle()
}

// Reply is what the dispatcher sends back. State is the step the identity is
// in after the transition; StepEnd means no registration is in progress.
type Reply struct {
	Text    string
	Buttons []string
	State   session.Step
	// Code is the referral code issued when registration completed.
	Code string
}

// Users is the part of store.UserStore the dialogue writes to.
type Users interface {
	UserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
}

type stepFunc func(ctx context.Context, c Contact, sess *session.Session, text string) Reply

type Machine struct {
	users    Users
	sessions session.Store
	engine   *referral.Engine
	log      *zap.Logger
	metrics  *metrics.Metrics
	newCode  func() (string, error)
	now      func() time.Time
	steps    map[session.Step]stepFunc

	discountPercent int
}

type Option func(*Machine)

// WithCodeGenerator replaces referral.NewCode.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(m *Machine) { m.newCode = gen }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithDiscountPercent sets the friend's discount quoted after registration.
func WithDiscountPercent(p int) Option {
	return func(m *Machine) { m.discountPercent = p }
}

func New(users Users, sessions session.Store, engine *referral.Engine, log *zap.Logger, opts ...Option) *Machine {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Machine{
		users:    users,
		sessions: sessions,
		engine:   engine,
		log:      log.Named("registration"),
		newCode:  referral.NewCode,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.steps = map[session.Step]stepFunc{
		session.StepName:    m.onName,
		session.StepEmail:   m.onEmail,
		session.StepPhone:   m.onPhone,
		session.StepConfirm: m.onConfirm,
	}
	return m
}

// Start is the entry point for /start with an optional referral code.
func (m *Machine) Start(ctx context.Context, c Contact, code string) Reply {
	code = referral.NormalizeCode(code)

	user, err := m.users.UserByTelegramID(ctx, c.ID)
	switch {
	case err == nil:
		return m.startRegistered(ctx, c, user, code)
	case !errors.Is(err, store.ErrNotFound):
		m.log.Error("❌ lookup user on start", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: session.StepEnd}
	}

	if _, err := m.sessions.Create(ctx, c.ID, session.StepName); err != nil {
		m.log.Error("❌ create session", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: session.StepEnd}
	}

	patch := session.Patch{}
	if code != "" {
		patch.ReferralCode = session.Str(code)
	}
	sess, err := m.sessions.Update(ctx, c.ID, session.StepName, patch)
	if err != nil {
		m.log.Error("❌ update session on start", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: session.StepEnd}
	}

	var notes string
	if code != "" {
		switch {
		case sess.Payload.ReferralCode != code:
			notes = keptCodeNote(sess.Payload.ReferralCode)
		default:
			if _, err := m.engine.Resolve(ctx, code, c.ID); errors.Is(err, referral.ErrInvalidCode) {
				notes = invalidCodeNote(code)
			} else if err != nil && !errors.Is(err, referral.ErrSelfReferral) {
				m.log.Warn("⚠️ could not check referral code", zap.String("code", code), zap.Error(err))
			}
		}
	}

	m.log.Info("registration started", zap.Int64("telegram_id", c.ID), zap.String("code", code))
	return Reply{Text: greeting(c.displayName()) + notes + msgAskName, State: session.StepName}
}

func (m *Machine) startRegistered(ctx context.Context, c Contact, user *models.User, code string) Reply {
	if code == "" {
		return Reply{Text: welcomeBack(utils.GetGreeting(m.now()), c.displayName()), State: session.StepEnd}
	}
	outcome, referrer, err := m.engine.AttributeExisting(ctx, code, user.TelegramID)
	if err != nil {
		return Reply{Text: msgRetry, State: session.StepEnd}
	}
	handle := ""
	if referrer != nil {
		handle = referrer.Username
	}
	return Reply{Text: OutcomeText(outcome, handle), State: session.StepEnd}
}

// Handle routes text from an identity with a session to the step handler.
// ok is false when the identity has no registration in progress.
func (m *Machine) Handle(ctx context.Context, c Contact, text string) (reply Reply, ok bool) {
	sess, err := m.sessions.Get(ctx, c.ID)
	if errors.Is(err, session.ErrNotFound) {
		return Reply{State: session.StepEnd}, false
	}
	if err != nil {
		m.log.Error("❌ load session", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: session.StepEnd}, true
	}

	step, found := m.steps[sess.Step]
	if !found {
		m.log.Warn("⚠️ unknown session step, restarting", zap.Int64("telegram_id", c.ID), zap.String("step", string(sess.Step)))
		step = m.onName
		sess.Step = session.StepName
	}
	return step(ctx, c, sess, strings.TrimSpace(text)), true
}

// Active reports whether telegramID has an unfinished registration.
func (m *Machine) Active(ctx context.Context, telegramID int64) (bool, error) {
	_, err := m.sessions.Get(ctx, telegramID)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Cancel drops any registration in progress.
func (m *Machine) Cancel(ctx context.Context, c Contact) Reply {
	active, err := m.Active(ctx, c.ID)
	if err != nil {
		m.log.Error("❌ load session on cancel", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: session.StepEnd}
	}
	if !active {
		return Reply{Text: msgNothingToCancel, State: session.StepEnd}
	}
	if err := m.sessions.Delete(ctx, c.ID); err != nil {
		m.log.Error("❌ delete session on cancel", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: session.StepEnd}
	}
	m.log.Info("registration cancelled", zap.Int64("telegram_id", c.ID))
	return Reply{Text: msgCancelled, State: session.StepEnd}
}

// AttachCode stores a manually entered referral code in an unfinished
// registration. ok is false when there is none.
func (m *Machine) AttachCode(ctx context.Context, c Contact, code string) (reply Reply, ok bool) {
	code = referral.NormalizeCode(code)
	sess, err := m.sessions.Update(ctx, c.ID, "", session.Patch{ReferralCode: session.Str(code)})
	if errors.Is(err, session.ErrNotFound) {
		return Reply{State: session.StepEnd}, false
	}
	if err != nil {
		m.log.Error("❌ attach referral code", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: session.StepEnd}, true
	}
	if sess.Payload.ReferralCode != code {
		return Reply{Text: keptCodeNote(sess.Payload.ReferralCode), State: sess.Step}, true
	}
	if _, err := m.engine.Resolve(ctx, code, c.ID); errors.Is(err, referral.ErrInvalidCode) {
		return Reply{Text: invalidCodeNote(code), State: sess.Step}, true
	}
	return Reply{Text: codeSaved(code), State: sess.Step}, true
}

func (m *Machine) onName(ctx context.Context, c Contact, sess *session.Session, text string) Reply {
	parts := strings.Fields(text)
	if len(parts) < 2 {
		m.metrics.Step(string(session.StepName), false)
		return Reply{Text: msgNameInvalid, State: sess.Step}
	}
	for _, part := range parts {
		if utf8.RuneCountInString(part) > models.MaxNamePartLen {
			m.metrics.Step(string(session.StepName), false)
			return Reply{Text: msgNameTooLong, State: sess.Step}
		}
	}
	patronymic := ""
	if len(parts) > 2 {
		patronymic = parts[2]
	}
	patch := session.Patch{
		FullName:   session.Str(strings.Join(parts, " ")),
		LastName:   session.Str(parts[0]),
		FirstName:  session.Str(parts[1]),
		Patronymic: session.Str(patronymic),
	}
	return m.advance(ctx, c, sess, session.StepName, session.StepEmail, patch, msgAskEmail)
}

func (m *Machine) onEmail(ctx context.Context, c Contact, sess *session.Session, text string) Reply {
	email := ""
	if text != skipToken {
		if utf8.RuneCountInString(text) > models.MaxEmailLen {
			m.metrics.Step(string(session.StepEmail), false)
			return Reply{Text: msgEmailTooLong, State: sess.Step}
		}
		if !emailRe.MatchString(text) {
			m.metrics.Step(string(session.StepEmail), false)
			return Reply{Text: msgEmailInvalid, State: sess.Step}
		}
		email = text
	}
	return m.advance(ctx, c, sess, session.StepEmail, session.StepPhone, session.Patch{Email: session.Str(email)}, msgAskPhone)
}

func (m *Machine) onPhone(ctx context.Context, c Contact, sess *session.Session, text string) Reply {
	phone := ""
	if text != skipToken {
		if utf8.RuneCountInString(text) > models.MaxPhoneLen {
			m.metrics.Step(string(session.StepPhone), false)
			return Reply{Text: msgPhoneTooLong, State: sess.Step}
		}
		if CountDigits(text) < minPhoneDigits {
			m.metrics.Step(string(session.StepPhone), false)
			return Reply{Text: msgPhoneInvalid, State: sess.Step}
		}
		phone = text
	}
	updated, err := m.sessions.Update(ctx, c.ID, session.StepConfirm, session.Patch{Phone: session.Str(phone)})
	if err != nil {
		m.log.Error("❌ save phone", zap.Int64("telegram_id", c.ID), zap.Error(err))
		return Reply{Text: msgRetry, State: sess.Step}
	}
	m.metrics.Step(string(session.StepPhone), true)
	return Reply{
		Text:    confirmation(updated.Payload, c.Handle()),
		Buttons: []string{"Да", "Нет"},
		State:   session.StepConfirm,
	}
}

func (m *Machine) onConfirm(ctx context.Context, c Contact, sess *session.Session, text string) Reply {
	answer := strings.ToLower(text)
	switch {
	case confirmYes[answer]:
		return m.finalize(ctx, c, sess)
	case confirmNo[answer]:
		if _, err := m.sessions.Reset(ctx, c.ID, session.StepName); err != nil {
			m.log.Error("❌ reset session", zap.Int64("telegram_id", c.ID), zap.Error(err))
			return Reply{Text: msgRetry, State: sess.Step}
		}
		return Reply{Text: msgRestart, State: session.StepName}
	default:
		m.metrics.Step(string(session.StepConfirm), false)
		return Reply{Text: msgConfirmInvalid, Buttons: []string{"Да", "Нет"}, State: sess.Step}
	}
}

func (m *Machine) advance(ctx context.Context, c Contact, sess *session.Session, from, to session.Step, patch session.Patch, prompt string) Reply {
	if _, err := m.sessions.Update(ctx, c.ID, to, patch); err != nil {
		m.log.Error("❌ save registration step", zap.Int64("telegram_id", c.ID), zap.String("step", string(from)), zap.Error(err))
		return Reply{Text: msgRetry, State: sess.Step}
	}
	m.metrics.Step(string(from), true)
	return Reply{Text: prompt, State: to}
}

func (m *Machine) finalize(ctx context.Context, c Contact, sess *session.Session) Reply {
	p := sess.Payload
	user := &models.User{
		TelegramID:   c.ID,
		Username:     c.Handle(),
		LastName:     models.StringPtr(p.LastName),
		FirstName:    models.StringPtr(p.FirstName),
		Patronymic:   models.StringPtr(p.Patronymic),
		Email:        models.StringPtr(p.Email),
		Phone:        models.StringPtr(p.Phone),
		RegisteredAt: m.now().UTC(),
		BonusBalance: decimal.Zero,
		IsActive:     true,
	}

	created := false
	for attempt := 1; attempt <= maxCodeAttempts && !created; attempt++ {
		code, err := m.newCode()
		if err != nil {
			m.log.Error("❌ generate referral code", zap.Error(err))
			return Reply{Text: msgFinalizeFailed, State: sess.Step}
		}
		user.ReferralCode = code

		err = m.users.CreateUser(ctx, user)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, store.ErrDuplicateCode):
			m.log.Warn("⚠️ referral code collision, retrying", zap.String("code", code), zap.Int("attempt", attempt))
		case errors.Is(err, store.ErrDuplicateUser):
			m.log.Warn("⚠️ user registered concurrently", zap.Int64("telegram_id", c.ID))
			m.dropSession(ctx, c.ID)
			return Reply{Text: welcomeBack(utils.GetGreeting(m.now()), c.displayName()), State: session.StepEnd}
		default:
			m.log.Error("❌ create user", zap.Int64("telegram_id", c.ID), zap.Error(err))
			return Reply{Text: msgFinalizeFailed, State: sess.Step}
		}
	}
	if !created {
		m.log.Error("❌ no free referral code", zap.Int("attempts", maxCodeAttempts))
		return Reply{Text: msgFinalizeFailed, State: sess.Step}
	}

	if p.ReferralCode != "" {
		// Registration already succeeded; attribution problems are logged only.
		_, _ = m.engine.AttributeNew(ctx, p.ReferralCode, c.ID)
	}
	m.dropSession(ctx, c.ID)
	m.metrics.Registered()
	m.log.Info("✅ user registered", zap.Int64("telegram_id", c.ID), zap.String("referral_code", user.ReferralCode))

	return Reply{Text: registered(user.ReferralCode, m.discountPercent), State: session.StepEnd, Code: user.ReferralCode}
}

func (m *Machine) dropSession(ctx context.Context, telegramID int64) {
	if err := m.sessions.Delete(ctx, telegramID); err != nil {
		m.log.Warn("⚠️ delete session", zap.Int64("telegram_id", telegramID), zap.Error(err))
	}
}

// CountDigits counts the decimal digits in s, in any script.
func CountDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
