package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rcn/rcn/internal/platform/kv"
)

const (
	sessionKeyPrefix = "rcn:payment-session:"
	// Points a department row at its open session.
	rowKeyPrefix = "rcn:payment-session-row:"
)

// SessionStore keeps pending card payments until they are confirmed,
// cancelled or expire.
type SessionStore struct {
	kv  kv.KV
	ttl time.Duration
	now func() time.Time
}

func NewSessionStore(store kv.KV, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SessionStore{kv: store, ttl: ttl, now: time.Now}
}

func sessionKey(id uuid.UUID) string { return sessionKeyPrefix + id.String() }

func rowKey(referralID, departmentID uuid.UUID) string {
	return rowKeyPrefix + referralID.String() + ":" + departmentID.String()
}

func (s *SessionStore) Save(ctx context.Context, sess *Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	sess.CreatedAt = s.now().UTC()
	sess.ExpiresAt = sess.CreatedAt.Add(s.ttl)
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode payment session: %w", err)
	}
	if err := s.kv.Set(ctx, sessionKey(sess.ID), string(b), s.ttl); err != nil {
		return fmt.Errorf("store payment session: %w", err)
	}
	if err := s.kv.Set(ctx, rowKey(sess.ReferralID, sess.DepartmentID), sess.ID.String(), s.ttl); err != nil {
		return fmt.Errorf("index payment session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	raw, err := s.kv.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrMiss) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode payment session: %w", err)
	}
	return &sess, nil
}

// Delete removes the session and, if it still points here, its row index.
func (s *SessionStore) Delete(ctx context.Context, id uuid.UUID) error {
	sess, err := s.Get(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	key := rowKey(sess.ReferralID, sess.DepartmentID)
	if cur, err := s.kv.Get(ctx, key); err == nil && cur == id.String() {
		if err := s.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete payment session index: %w", err)
		}
	}
	return s.kv.Delete(ctx, sessionKey(id))
}

// DeleteForRow drops the open session of a department row, if any. It
// reports whether one was removed.
func (s *SessionStore) DeleteForRow(ctx context.Context, referralID, departmentID uuid.UUID) (bool, error) {
	key := rowKey(referralID, departmentID)
	raw, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load payment session index: %w", err)
	}
	if err := s.kv.Delete(ctx, key); err != nil {
		return false, fmt.Errorf("delete payment session index: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return false, nil
	}
	if _, err := s.Get(ctx, id); errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err := s.kv.Delete(ctx, sessionKey(id)); err != nil {
		return false, fmt.Errorf("delete payment session: %w", err)
	}
	return true, nil
}
