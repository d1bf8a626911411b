// Package session holds the in-progress registration record for identities
// that have not finished the registration dialogue.
package session

import (
	"context"
	"errors"
	"time"
)

// Step is the registration state tag persisted with a session.
type Step string

const (
	StepStart   Step = "start"
	StepName    Step = "name"
	StepEmail   Step = "email"
	StepPhone   Step = "phone"
	StepConfirm Step = "confirm"
	// StepEnd is terminal and never persisted.
	StepEnd Step = "end"
)

var ErrNotFound = errors.New("session not found")

// Payload is the partial registration collected so far. Empty strings mean
// "not provided" (a skipped email or phone is stored as empty).
type Payload struct {
	FullName     string `json:"full_name,omitempty" bson:"full_name,omitempty"`
	LastName     string `json:"last_name,omitempty" bson:"last_name,omitempty"`
	FirstName    string `json:"first_name,omitempty" bson:"first_name,omitempty"`
	Patronymic   string `json:"patronymic,omitempty" bson:"patronymic,omitempty"`
	Email        string `json:"email,omitempty" bson:"email,omitempty"`
	Phone        string `json:"phone,omitempty" bson:"phone,omitempty"`
	ReferralCode string `json:"referral_code,omitempty" bson:"referral_code,omitempty"`
}

// Patch is a partial update. Nil fields are left untouched by Merge.
type Patch struct {
	FullName     *string
	LastName     *string
	FirstName    *string
	Patronymic   *string
	Email        *string
	Phone        *string
	ReferralCode *string
}

// Merge applies patch over p. ReferralCode is only written while p has none;
// clearing it requires a Reset.
func (p Payload) Merge(patch Patch) Payload {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.FullName, patch.FullName)
	set(&p.LastName, patch.LastName)
	set(&p.FirstName, patch.FirstName)
	set(&p.Patronymic, patch.Patronymic)
	set(&p.Email, patch.Email)
	set(&p.Phone, patch.Phone)
	if p.ReferralCode == "" && patch.ReferralCode != nil {
		p.ReferralCode = *patch.ReferralCode
	}
	return p
}

type Session struct {
	TelegramID int64     `json:"telegram_id" bson:"telegram_id"`
	Step       Step      `json:"current_step" bson:"current_step"`
	Payload    Payload   `json:"registration_data" bson:"registration_data"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" bson:"updated_at"`
}

// Store persists one session per identity.
//
// Update is a read-merge-write. The Redis and Postgres backends isolate it
// per identity; the Mongo and in-memory ones let the last writer win.
type Store interface {
	Get(ctx context.Context, telegramID int64) (*Session, error)
	// Create inserts a fresh session at step. If one already exists it is
	// returned unchanged.
	Create(ctx context.Context, telegramID int64, step Step) (*Session, error)
	// Update sets the step (unless empty) and merges patch into the payload.
	// Returns ErrNotFound when there is no session.
	Update(ctx context.Context, telegramID int64, step Step, patch Patch) (*Session, error)
	// Reset replaces the payload with an empty one and sets the step.
	Reset(ctx context.Context, telegramID int64, step Step) (*Session, error)
	Delete(ctx context.Context, telegramID int64) error
}

// Str is a helper for building patches.
func Str(s string) *string { return &s }
