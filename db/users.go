package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"lanchat/models"
)

const (
	MinUsernameLength = 3
	MinPasswordLength = 6
)

const userColumns = `id, username, display_name, email, status, status_message, is_online, last_seen, avatar, created_at`

// profileColumns omits the avatar; used for users embedded in messages.
const profileColumns = `id, username, display_name, email, status, status_message, is_online, last_seen, created_at`

// RegisterUser creates an account and enrolls it in the company group.
func (s *Store) RegisterUser(ctx context.Context, username, password, displayName, email string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if utf8.RuneCountInString(username) < MinUsernameLength {
		return nil, models.Reason("username must be at least %d characters", MinUsernameLength)
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return nil, models.Reason("password must be at least %d characters", MinPasswordLength)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = username
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists,
			tx.Rebind("SELECT COUNT(*) FROM users WHERE username = ?"), username); err != nil {
			return err
		}
		if exists > 0 {
			return models.Reason("username already exists")
		}

		now := s.clock()
		id, err = insertReturningID(ctx, tx, tx.Rebind(
			`INSERT INTO users (username, password_hash, display_name, email, status, is_online, last_seen, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
			username, string(hashed), displayName, strings.TrimSpace(email), models.StatusOffline, false, now, now)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}

		groupID, ok, err := s.companyGroupID(ctx, tx)
		if err != nil || !ok {
			return err
		}
		_, err = tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)"),
			groupID, id, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// Authenticate checks credentials and returns the account on success.
func (s *Store) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var row struct {
		ID   int64  `db:"id"`
		Hash string `db:"password_hash"`
	}
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind("SELECT id, password_hash FROM users WHERE username = ?"), strings.TrimSpace(username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.Reason("invalid username or password")
	}
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.Hash), []byte(password)) != nil {
		return nil, models.Reason("invalid username or password")
	}
	return s.GetUserByID(ctx, row.ID)
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u, s.db.Rebind("SELECT "+userColumns+" FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u,
		s.db.Rebind("SELECT "+userColumns+" FROM users WHERE username = ?"), strings.TrimSpace(username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("user")
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	if err := s.db.SelectContext(ctx, &users, "SELECT "+userColumns+" FROM users ORDER BY username"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// profiles loads users by id without avatars.
func (s *Store) profiles(ctx context.Context, ids []int64) (map[int64]*models.User, error) {
	out := make(map[int64]*models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In("SELECT "+profileColumns+" FROM users WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	var users []models.User
	if err := s.db.SelectContext(ctx, &users, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for i := range users {
		out[users[i].ID] = &users[i]
	}
	return out, nil
}

// SetOnline records a login or a disconnect.
func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	status := models.StatusOffline
	if online {
		status = models.StatusOnline
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE users SET is_online = ?, status = ?, last_seen = ? WHERE id = ?"),
		online, status, s.clock(), userID)
	if err != nil {
		return fmt.Errorf("set online %d: %w", userID, err)
	}
	return nil
}

// ResetPresence marks every user offline. Called at startup, when no
// connection can exist yet.
func (s *Store) ResetPresence(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE users SET is_online = ?, status = ? WHERE is_online = ?"),
		false, models.StatusOffline, true)
	if err != nil {
		return fmt.Errorf("reset presence: %w", err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, userID int64, status, statusMessage string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE users SET status = ?, status_message = ?, last_seen = ? WHERE id = ?"),
		status, statusMessage, s.clock(), userID)
	if err != nil {
		return fmt.Errorf("update status %d: %w", userID, err)
	}
	return expectRow(res, "user")
}

func (s *Store) UpdateAvatar(ctx context.Context, userID int64, avatar []byte) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE users SET avatar = ? WHERE id = ?"), avatar, userID)
	if err != nil {
		return fmt.Errorf("update avatar %d: %w", userID, err)
	}
	return expectRow(res, "user")
}

func expectRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NotFound(what)
	}
	return nil
}
