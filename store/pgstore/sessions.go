package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"referral-bot/session"
)

// SessionStore keeps registration sessions in user_sessions. Update locks the
// row for the read-merge-write. Stale rows are hidden from reads and removed
// by Sweep.
type SessionStore struct {
	store *Store
	ttl   time.Duration
}

var _ session.Store = (*SessionStore)(nil)

func (s *Store) Sessions(ttl time.Duration) *SessionStore {
	if ttl < 0 {
		ttl = 0
	}
	return &SessionStore{store: s, ttl: ttl}
}

func (s *SessionStore) cutoff() time.Time {
	if s.ttl <= 0 {
		return time.Time{}
	}
	return s.store.now().UTC().Add(-s.ttl)
}

const sessionColumns = `telegram_id, current_step, registration_data::text, created_at, updated_at`

func scanSession(row pgx.Row) (*session.Session, error) {
	var (
		sess session.Session
		data string
	)
	if err := row.Scan(&sess.TelegramID, &sess.Step, &data, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &sess.Payload); err != nil {
		return nil, fmt.Errorf("registration_data: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) Get(ctx context.Context, telegramID int64) (*session.Session, error) {
	sess, err := scanSession(s.store.pool.QueryRow(ctx, `SELECT `+sessionColumns+`
        FROM user_sessions WHERE telegram_id = $1 AND updated_at > $2`, telegramID, s.cutoff()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get session %d: %w", telegramID, err)
	}
	return sess, nil
}

// Create inserts a session, replacing a stale row if one is left over.
func (s *SessionStore) Create(ctx context.Context, telegramID int64, step session.Step) (*session.Session, error) {
	now := s.store.now().UTC()
	sess, err := scanSession(s.store.pool.QueryRow(ctx, `INSERT INTO user_sessions
        (telegram_id, current_step, registration_data, created_at, updated_at)
        VALUES ($1, $2, '{}'::jsonb, $3, $3)
        ON CONFLICT (telegram_id) DO UPDATE
            SET current_step = EXCLUDED.current_step,
                registration_data = EXCLUDED.registration_data,
                created_at = EXCLUDED.created_at,
                updated_at = EXCLUDED.updated_at
            WHERE user_sessions.updated_at <= $4
        RETURNING `+sessionColumns, telegramID, string(step), now, s.cutoff()))
	if errors.Is(err, pgx.ErrNoRows) {
		return s.Get(ctx, telegramID)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: create session %d: %w", telegramID, err)
	}
	return sess, nil
}

func (s *SessionStore) Update(ctx context.Context, telegramID int64, step session.Step, patch session.Patch) (*session.Session, error) {
	return s.mutate(ctx, telegramID, func(sess *session.Session) {
		if step != "" {
			sess.Step = step
		}
		sess.Payload = sess.Payload.Merge(patch)
	})
}

func (s *SessionStore) Reset(ctx context.Context, telegramID int64, step session.Step) (*session.Session, error) {
	return s.mutate(ctx, telegramID, func(sess *session.Session) {
		sess.Step = step
		sess.Payload = session.Payload{}
	})
}

func (s *SessionStore) Delete(ctx context.Context, telegramID int64) error {
	if _, err := s.store.pool.Exec(ctx, `DELETE FROM user_sessions WHERE telegram_id = $1`, telegramID); err != nil {
		return fmt.Errorf("pgstore: delete session %d: %w", telegramID, err)
	}
	return nil
}

// Sweep deletes sessions idle for longer than the TTL and reports how many
// rows went.
func (s *SessionStore) Sweep(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	tag, err := s.store.pool.Exec(ctx, `DELETE FROM user_sessions WHERE updated_at <= $1`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("pgstore: sweep sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *SessionStore) mutate(ctx context.Context, telegramID int64, fn func(*session.Session)) (*session.Session, error) {
	tx, err := s.store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("pgstore: update session %d: %w", telegramID, err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	sess, err := scanSession(tx.QueryRow(ctx, `SELECT `+sessionColumns+`
        FROM user_sessions WHERE telegram_id = $1 AND updated_at > $2 FOR UPDATE`, telegramID, s.cutoff()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: update session %d: %w", telegramID, err)
	}

	fn(sess)
	sess.UpdatedAt = s.store.now().UTC()
	data, err := json.Marshal(sess.Payload)
	if err != nil {
		return nil, fmt.Errorf("pgstore: encode session %d: %w", telegramID, err)
	}

	if _, err := tx.Exec(ctx, `UPDATE user_sessions
        SET current_step = $2, registration_data = $3::jsonb, updated_at = $4
        WHERE telegram_id = $1`, telegramID, string(sess.Step), string(data), sess.UpdatedAt); err != nil {
		return nil, fmt.Errorf("pgstore: update session %d: %w", telegramID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: update session %d: %w", telegramID, err)
	}
	return sess, nil
}
