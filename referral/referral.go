// Package referral decides whether a referral code may be credited to an
// identity and records the referrer → referred edge.
package referral

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"referral-bot/metrics"
	"referral-bot/models"
	"referral-bot/store"
)

var (
	ErrInvalidCode  = errors.New("referral code does not exist")
	ErrSelfReferral = errors.New("own referral code")
)

type Outcome int

const (
	Attributed Outcome = iota
	InvalidCode
	SelfReferral
	AlreadyAttributed
)

func (o Outcome) String() string {
	switch o {
	case Attributed:
		return "attributed"
	case InvalidCode:
		return "invalid_code"
	case SelfReferral:
		return "self_referral"
	case AlreadyAttributed:
		return "already_attributed"
	}
	return "unknown"
}

// Store is the subset of store.Store the engine needs.
type Store interface {
	UserByReferralCode(ctx context.Context, code string) (*models.User, error)
	CreateReferral(ctx context.Context, ref *models.Referral) error
}

type Engine struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewEngine(s Store, log *zap.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{store: s, log: log.Named("referral"), metrics: m}
}

// NormalizeCode trims and upper-cases user input.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NewCode returns 4 random bytes as 8 uppercase hex characters.
func NewCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("referral: generate code: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// Resolve returns the referrer owning code, provided it is not telegramID
// itself.
func (e *Engine) Resolve(ctx context.Context, code string, telegramID int64) (*models.User, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrInvalidCode
	}
	referrer, err := e.store.UserByReferralCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, fmt.Errorf("referral: resolve %q: %w", code, err)
	}
	if referrer.TelegramID == telegramID {
		return nil, ErrSelfReferral
	}
	return referrer, nil
}

// AttributeExisting credits code to an already registered identity. The
// returned referrer is set only for the Attributed outcome. A non-nil error
// means storage failed and no outcome was reached.
func (e *Engine) AttributeExisting(ctx context.Context, code string, telegramID int64) (Outcome, *models.User, error) {
	outcome, referrer, err := e.attribute(ctx, code, telegramID)
	if err != nil {
		e.log.Error("❌ attribution failed", zap.Int64("telegram_id", telegramID), zap.Error(err))
		return outcome, nil, err
	}
	e.metrics.Attribution("existing", outcome.String())
	e.log.Info("referral code applied by registered user",
		zap.Int64("telegram_id", telegramID),
		zap.String("code", NormalizeCode(code)),
		zap.Stringer("outcome", outcome))
	return outcome, referrer, nil
}

// AttributeNew runs right after a registration completes. Nothing is shown
// to the user; the outcome is only logged.
func (e *Engine) AttributeNew(ctx context.Context, code string, telegramID int64) (Outcome, error) {
	outcome, _, err := e.attribute(ctx, code, telegramID)
	if err != nil {
		e.log.Error("❌ attribution on registration failed", zap.Int64("telegram_id", telegramID), zap.Error(err))
		return outcome, err
	}
	e.metrics.Attribution("new", outcome.String())
	if outcome == Attributed {
		e.log.Info("✅ new user attributed", zap.Int64("telegram_id", telegramID), zap.String("code", NormalizeCode(code)))
	} else {
		e.log.Warn("⚠️ pending referral code not applied",
			zap.Int64("telegram_id", telegramID),
			zap.String("code", NormalizeCode(code)),
			zap.Stringer("outcome", outcome))
	}
	return outcome, nil
}

func (e *Engine) attribute(ctx context.Context, code string, telegramID int64) (Outcome, *models.User, error) {
	referrer, err := e.Resolve(ctx, code, telegramID)
	switch {
	case errors.Is(err, ErrInvalidCode):
		return InvalidCode, nil, nil
	case errors.Is(err, ErrSelfReferral):
		return SelfReferral, nil, nil
	case err != nil:
		return InvalidCode, nil, err
	}

	ref := &models.Referral{
		ReferrerID: referrer.TelegramID,
		ReferredID: telegramID,
		CodeUsed:   NormalizeCode(code),
	}
	err = e.store.CreateReferral(ctx, ref)
	if errors.Is(err, store.ErrDuplicateReferral) {
		return AlreadyAttributed, nil, nil
	}
	if err != nil {
		return InvalidCode, nil, fmt.Errorf("referral: record %d->%d: %w", referrer.TelegramID, telegramID, err)
	}
	return Attributed, referrer, nil
}
