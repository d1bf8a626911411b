package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"referral-bot/session"
)

const sessionTTLIndex = "updated_at_ttl"

// SessionStore keeps registration sessions in the sessions collection. Expiry
// is delegated to a TTL index on updated_at; reads also ignore stale rows the
// TTL monitor has not removed yet.
type SessionStore struct {
	coll *mongo.Collection
	ttl  time.Duration
	now  func() time.Time
}

var _ session.Store = (*SessionStore)(nil)

func (s *Store) Sessions(ttl time.Duration) *SessionStore {
	return &SessionStore{coll: s.db.Collection(sessionsCollection), ttl: ttl, now: time.Now}
}

// Migrate creates the unique identity index and, when a TTL is configured,
// the expiry index. A TTL index with a different expiry is replaced.
func (s *SessionStore) Migrate(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "telegram_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongostore: session index: %w", err)
	}
	if s.ttl <= 0 {
		return nil
	}

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "updated_at", Value: 1}},
		Options: options.Index().SetName(sessionTTLIndex).SetExpireAfterSeconds(int32(s.ttl.Seconds())),
	}
	_, err = s.coll.Indexes().CreateOne(ctx, ttlIndex)
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.Code == 85 || cmdErr.Code == 86) {
		if _, err := s.coll.Indexes().DropOne(ctx, sessionTTLIndex); err != nil {
			return fmt.Errorf("mongostore: drop session ttl index: %w", err)
		}
		_, err = s.coll.Indexes().CreateOne(ctx, ttlIndex)
	}
	if err != nil {
		return fmt.Errorf("mongostore: session ttl index: %w", err)
	}
	return nil
}

func (s *SessionStore) filter(telegramID int64) bson.M {
	f := bson.M{"telegram_id": telegramID}
	if s.ttl > 0 {
		f["updated_at"] = bson.M{"$gt": s.now().Add(-s.ttl)}
	}
	return f
}

func (s *SessionStore) Get(ctx context.Context, telegramID int64) (*session.Session, error) {
	var sess session.Session
	err := s.coll.FindOne(ctx, s.filter(telegramID)).Decode(&sess)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get session %d: %w", telegramID, err)
	}
	return &sess, nil
}

// Create inserts a fresh session unless a live one exists. An expired row
// still waiting for the TTL monitor is replaced.
func (s *SessionStore) Create(ctx context.Context, telegramID int64, step session.Step) (*session.Session, error) {
	if sess, err := s.Get(ctx, telegramID); err == nil {
		return sess, nil
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	fresh := session.Session{TelegramID: telegramID, Step: step, CreatedAt: now, UpdatedAt: now}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"telegram_id": telegramID}, fresh, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("mongostore: create session %d: %w", telegramID, err)
	}
	return &fresh, nil
}

// Update is read-merge-write; concurrent updates for one identity are last
// writer wins.
func (s *SessionStore) Update(ctx context.Context, telegramID int64, step session.Step, patch session.Patch) (*session.Session, error) {
	sess, err := s.Get(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if step != "" {
		sess.Step = step
	}
	sess.Payload = sess.Payload.Merge(patch)
	return s.write(ctx, sess)
}

func (s *SessionStore) Reset(ctx context.Context, telegramID int64, step session.Step) (*session.Session, error) {
	sess, err := s.Get(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	sess.Step = step
	sess.Payload = session.Payload{}
	return s.write(ctx, sess)
}

func (s *SessionStore) write(ctx context.Context, sess *session.Session) (*session.Session, error) {
	sess.UpdatedAt = s.now().UTC()
	res, err := s.coll.UpdateOne(ctx, bson.M{"telegram_id": sess.TelegramID}, bson.M{"$set": bson.M{
		"current_step":      sess.Step,
		"registration_data": sess.Payload,
		"updated_at":        sess.UpdatedAt,
	}})
	if err != nil {
		return nil, fmt.Errorf("mongostore: update session %d: %w", sess.TelegramID, err)
	}
	if res.MatchedCount == 0 {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

func (s *SessionStore) Delete(ctx context.Context, telegramID int64) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"telegram_id": telegramID}); err != nil {
		return fmt.Errorf("mongostore: delete session %d: %w", telegramID, err)
	}
	return nil
}
