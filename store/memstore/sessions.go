package memstore

import (
	"context"
	"sync"
	"time"

	"referral-bot/session"
)

// Sessions is a mutex-guarded map of registration sessions. It has no expiry.
type Sessions struct {
	mu   sync.Mutex
	data map[int64]session.Session
	now  func() time.Time
}

var _ session.Store = (*Sessions)(nil)

func NewSessions() *Sessions {
	return &Sessions{data: make(map[int64]session.Session), now: time.Now}
}

func (s *Sessions) Get(_ context.Context, telegramID int64) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[telegramID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return &sess, nil
}

func (s *Sessions) Create(_ context.Context, telegramID int64, step session.Step) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.data[telegramID]; ok {
		return &sess, nil
	}
	now := s.now().UTC()
	sess := session.Session{TelegramID: telegramID, Step: step, CreatedAt: now, UpdatedAt: now}
	s.data[telegramID] = sess
	return &sess, nil
}

func (s *Sessions) Update(_ context.Context, telegramID int64, step session.Step, patch session.Patch) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[telegramID]
	if !ok {
		return nil, session.ErrNotFound
	}
	if step != "" {
		sess.Step = step
	}
	sess.Payload = sess.Payload.Merge(patch)
	sess.UpdatedAt = s.now().UTC()
	s.data[telegramID] = sess
	return &sess, nil
}

func (s *Sessions) Reset(_ context.Context, telegramID int64, step session.Step) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data[telegramID]
	if !ok {
		return nil, session.ErrNotFound
	}
	sess.Step = step
	sess.Payload = session.Payload{}
	sess.UpdatedAt = s.now().UTC()
	s.data[telegramID] = sess
	return &sess, nil
}

func (s *Sessions) Delete(_ context.Context, telegramID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, telegramID)
	return nil
}

// Len reports the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
