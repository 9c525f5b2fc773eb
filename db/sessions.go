package db

import (
	"context"
	"fmt"
	"time"

	"lanchat/models"
)

// RecordSession persists an issued session token for auditing.
func (s *Store) RecordSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO user_sessions (user_id, session_token, created_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?)`),
		sess.UserID, sess.Token, sess.CreatedAt.UTC(), sess.ExpiresAt.UTC(), sess.Active)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func (s *Store) DeactivateSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE user_sessions SET is_active = ? WHERE session_token = ?"), false, token)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// PurgeExpiredSessions deletes sessions whose expiry is before now,
// active or not.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM user_sessions WHERE expires_at < ?"), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// LoadSessions returns every session that is still active and unexpired.
func (s *Store) LoadSessions(ctx context.Context, now time.Time) ([]models.Session, error) {
	var sessions []models.Session
	err := s.db.SelectContext(ctx, &sessions, s.db.Rebind(
		`SELECT session_token, user_id, created_at, expires_at, is_active
		FROM user_sessions WHERE is_active = ? AND expires_at > ?`), true, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	return sessions, nil
}
