package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix       = "refbot:session:"
	maxWatchRetries = 5
)

var errTooManyRetries = errors.New("session: too many concurrent updates")

// RedisStore keeps sessions as JSON values with a sliding TTL. Updates run
// under WATCH so two racing writes for one identity cannot interleave.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore builds a Redis session store. ttl <= 0 disables expiry.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func key(telegramID int64) string {
	return keyPrefix + strconv.FormatInt(telegramID, 10)
}

func (s *RedisStore) Get(ctx context.Context, telegramID int64) (*Session, error) {
	raw, err := s.client.Get(ctx, key(telegramID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %d: %w", telegramID, err)
	}
	return decode(raw)
}

func (s *RedisStore) Create(ctx context.Context, telegramID int64, step Step) (*Session, error) {
	now := s.now().UTC()
	sess := &Session{TelegramID: telegramID, Step: step, CreatedAt: now, UpdatedAt: now}
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("session: encode %d: %w", telegramID, err)
	}

	created, err := s.client.SetNX(ctx, key(telegramID), raw, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("session: create %d: %w", telegramID, err)
	}
	if !created {
		return s.Get(ctx, telegramID)
	}
	return sess, nil
}

func (s *RedisStore) Update(ctx context.Context, telegramID int64, step Step, patch Patch) (*Session, error) {
	return s.mutate(ctx, telegramID, func(sess *Session) {
		if step != "" {
			sess.Step = step
		}
		sess.Payload = sess.Payload.Merge(patch)
	})
}

func (s *RedisStore) Reset(ctx context.Context, telegramID int64, step Step) (*Session, error) {
	return s.mutate(ctx, telegramID, func(sess *Session) {
		sess.Step = step
		sess.Payload = Payload{}
	})
}

func (s *RedisStore) Delete(ctx context.Context, telegramID int64) error {
	if err := s.client.Del(ctx, key(telegramID)).Err(); err != nil {
		return fmt.Errorf("session: delete %d: %w", telegramID, err)
	}
	return nil
}

func (s *RedisStore) mutate(ctx context.Context, telegramID int64, fn func(*Session)) (*Session, error) {
	k := key(telegramID)
	var out *Session

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decode(raw)
		if err != nil {
			return err
		}

		fn(sess)
		sess.UpdatedAt = s.now().UTC()
		updated, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, updated, s.ttl)
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, k)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("session: update %d: %w", telegramID, err)
		}
	}
	return nil, errTooManyRetries
}

func decode(raw []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &sess, nil
}
