package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Store is the SQL-backed persistence layer. Queries are written with '?'
// placeholders and rebound for the active driver.
type Store struct {
	db           *sqlx.DB
	driver       string
	bcryptCost   int
	companyGroup string
	now          func() time.Time
}

type Option func(*Store)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(s *Store) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
	}
}

// WithCompanyGroup names the group created on first start that every new
// user joins.
func WithCompanyGroup(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.companyGroup = name
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func Open(driver, dsn string, opts ...Option) (*Store, error) {
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000"
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	s := &Store{
		db:           conn,
		driver:       driver,
		bcryptCost:   bcrypt.DefaultCost,
		companyGroup: "Company",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	if err := s.init(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

func (s *Store) init(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	for _, query := range schema {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return s.ensureCompanyGroup(ctx)
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		status_message TEXT NOT NULL DEFAULT '',
		is_online BOOLEAN NOT NULL DEFAULT 0,
		last_seen TIMESTAMP NOT NULL,
		avatar BLOB,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		creator_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id INTEGER NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMP NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL REFERENCES users(id),
		receiver_id INTEGER REFERENCES users(id),
		group_id INTEGER REFERENCES chat_groups(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL DEFAULT 'text',
		file_name TEXT NOT NULL DEFAULT '',
		file_data BLOB,
		file_size INTEGER NOT NULL DEFAULT 0,
		sent_at TIMESTAMP NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT 0,
		is_edited BOOLEAN NOT NULL DEFAULT 0,
		reply_to_id INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user1_id INTEGER NOT NULL REFERENCES users(id),
		user2_id INTEGER NOT NULL REFERENCES users(id),
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (user1_id, user2_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		session_token TEXT UNIQUE NOT NULL,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_private ON messages(sender_id, receiver_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON user_sessions(expires_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'offline',
		status_message TEXT NOT NULL DEFAULT '',
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen TIMESTAMPTZ NOT NULL,
		avatar BYTEA,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS chat_groups (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		creator_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id BIGINT NOT NULL REFERENCES chat_groups(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		sender_id BIGINT NOT NULL REFERENCES users(id),
		receiver_id BIGINT REFERENCES users(id),
		group_id BIGINT REFERENCES chat_groups(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT '',
		message_type TEXT NOT NULL DEFAULT 'text',
		file_name TEXT NOT NULL DEFAULT '',
		file_data BYTEA,
		file_size BIGINT NOT NULL DEFAULT 0,
		sent_at TIMESTAMPTZ NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		is_edited BOOLEAN NOT NULL DEFAULT FALSE,
		reply_to_id BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		user1_id BIGINT NOT NULL REFERENCES users(id),
		user2_id BIGINT NOT NULL REFERENCES users(id),
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user1_id, user2_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_sessions (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		session_token TEXT UNIQUE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_private ON messages(sender_id, receiver_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_group ON messages(group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_group_members_user ON group_members(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON user_sessions(expires_at)`,
}

// migrate adds columns introduced after the first release to existing databases.
func (s *Store) migrate(ctx context.Context) error {
	if !s.columnExists(ctx, "messages", "client_message_id") {
		if _, err := s.db.ExecContext(ctx,
			"ALTER TABLE messages ADD COLUMN client_message_id TEXT NOT NULL DEFAULT ''"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	if s.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.columns WHERE table_name = ? AND column_name = ?"
	}
	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(query), table, column); err != nil {
		return false
	}
	return count > 0
}

// ensureCompanyGroup creates the company-wide group when no group exists yet.
func (s *Store) ensureCompanyGroup(ctx context.Context) error {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM chat_groups"); err != nil {
		return fmt.Errorf("count groups: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind("INSERT INTO chat_groups (name, creator_id, created_at) VALUES (?, NULL, ?)"),
		s.companyGroup, s.clock())
	if err != nil {
		return fmt.Errorf("create company group: %w", err)
	}
	return nil
}

// companyGroupID returns the oldest group, which every new user joins.
func (s *Store) companyGroupID(ctx context.Context, q sqlx.QueryerContext) (int64, bool, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, "SELECT id FROM chat_groups ORDER BY id LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

// insertReturningID runs an INSERT ... RETURNING id statement.
func insertReturningID(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (int64, error) {
	var id int64
	if err := q.QueryRowxContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
