package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"lanchat/models"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
	DefaultSearchLimit  = 20
)

const messageColumns = `id, client_message_id, sender_id, receiver_id, group_id, content, message_type,
	file_name, file_data, file_size, sent_at, is_read, is_edited, reply_to_id`

// SaveMessage stores m and returns the persisted copy with sender and
// receiver profiles attached. Private messages also bump the pair's
// conversation entry.
func (s *Store) SaveMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if (m.ReceiverID == nil) == (m.GroupID == nil) {
		return nil, fmt.Errorf("save message: exactly one of receiver and group must be set")
	}
	if m.MessageType == "" {
		m.MessageType = models.MessageText
	}

	now := s.clock()
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		id, err = insertReturningID(ctx, tx, tx.Rebind(
			`INSERT INTO messages (client_message_id, sender_id, receiver_id, group_id, content, message_type,
				file_name, file_data, file_size, sent_at, is_read, is_edited, reply_to_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			m.ClientMessageID, m.SenderID, m.ReceiverID, m.GroupID, m.Content, m.MessageType,
			m.FileName, m.FileData, m.FileSize, now, false, false, m.ReplyToID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if m.ReceiverID == nil {
			return nil
		}

		u1, u2 := orderedPair(m.SenderID, *m.ReceiverID)
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO conversations (user1_id, user2_id, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (user1_id, user2_id) DO UPDATE SET updated_at = excluded.updated_at`),
			u1, u2, now)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

func orderedPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

func (s *Store) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m, s.db.Rebind("SELECT "+messageColumns+" FROM messages WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("message")
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	msgs := []models.Message{m}
	if err := s.attachProfiles(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// GetMessages returns the newest Limit messages of a conversation, oldest
// first. Group history requires membership.
func (s *Store) GetMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		query string
		args  []any
	)
	switch {
	case q.GroupID != 0:
		member, err := s.IsGroupMember(ctx, q.GroupID, q.UserID)
		if err != nil {
			return nil, err
		}
		if !member {
			return nil, models.Reason("not a member of this group")
		}
		query = "SELECT " + messageColumns + " FROM messages WHERE group_id = ? ORDER BY id DESC LIMIT ? OFFSET ?"
		args = []any{q.GroupID, limit, offset}
	case q.OtherUserID != 0:
		query = "SELECT " + messageColumns + ` FROM messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY id DESC LIMIT ? OFFSET ?`
		args = []any{q.UserID, q.OtherUserID, q.OtherUserID, q.UserID, limit, offset}
	default:
		return []models.Message{}, nil
	}

	msgs := []models.Message{}
	if err := s.db.SelectContext(ctx, &msgs, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if err := s.attachProfiles(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkRead marks every message from senderID to readerID as read.
func (s *Store) MarkRead(ctx context.Context, readerID, senderID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE messages SET is_read = ? WHERE sender_id = ? AND receiver_id = ? AND is_read = ?"),
		true, senderID, readerID, false)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// SearchMessages matches content case-insensitively across the user's
// private messages and the groups they belong to, newest first.
func (s *Store) SearchMessages(ctx context.Context, userID int64, query string, limit int) ([]models.Message, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []models.Message{}, nil
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	pattern := "%" + likeEscaper.Replace(strings.ToLower(query)) + "%"
	msgs := []models.Message{}
	err := s.db.SelectContext(ctx, &msgs, s.db.Rebind("SELECT "+messageColumns+` FROM messages
		WHERE LOWER(content) LIKE ? ESCAPE '\'
		AND (sender_id = ? OR receiver_id = ?
			OR group_id IN (SELECT group_id FROM group_members WHERE user_id = ?))
		ORDER BY id DESC LIMIT ?`),
		pattern, userID, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	if err := s.attachProfiles(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// DeleteMessage removes a message sent by userID and returns what was deleted.
func (s *Store) DeleteMessage(ctx context.Context, messageID, userID int64) (*models.Message, error) {
	m, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != userID {
		return nil, models.Reason("only the sender can delete a message")
	}
	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM messages WHERE id = ? AND sender_id = ?"), messageID, userID); err != nil {
		return nil, fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return m, nil
}

// ClearChat deletes the private history between two users. Group
// messages are never touched.
func (s *Store) ClearChat(ctx context.Context, userID, otherID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM messages
		WHERE group_id IS NULL
		AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`),
		userID, otherID, otherID, userID)
	if err != nil {
		return 0, fmt.Errorf("clear chat: %w", err)
	}
	return res.RowsAffected()
}

// GetConversations lists the user's private and group conversations,
// most recently updated first.
func (s *Store) GetConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	var rows []struct {
		ID        int64     `db:"id"`
		OtherID   int64     `db:"other_id"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id,
		CASE WHEN user1_id = ? THEN user2_id ELSE user1_id END AS other_id, updated_at
		FROM conversations WHERE user1_id = ? OR user2_id = ?`), userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	convs := []models.Conversation{}
	for _, r := range rows {
		other, err := s.GetUserByID(ctx, r.OtherID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		last, err := s.lastMessage(ctx,
			`(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)`,
			userID, r.OtherID, r.OtherID, userID)
		if err != nil {
			return nil, err
		}
		var unread int
		if err := s.db.GetContext(ctx, &unread, s.db.Rebind(
			"SELECT COUNT(*) FROM messages WHERE sender_id = ? AND receiver_id = ? AND is_read = ?"),
			r.OtherID, userID, false); err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}

		convs = append(convs, models.Conversation{
			Type:           models.ConversationPrivate,
			ConversationID: r.ID,
			OtherUser:      other,
			LastMessage:    last,
			UpdatedAt:      r.UpdatedAt,
			UnreadCount:    unread,
		})
	}

	var groupIDs []int64
	if err := s.db.SelectContext(ctx, &groupIDs, s.db.Rebind(
		"SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id"), userID); err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	for _, gid := range groupIDs {
		conv, err := s.GroupConversation(ctx, gid)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *conv)
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})
	return convs, nil
}

func (s *Store) lastMessage(ctx context.Context, where string, args ...any) (*models.Message, error) {
	var m models.Message
	err := s.db.GetContext(ctx, &m,
		s.db.Rebind("SELECT "+messageColumns+" FROM messages WHERE "+where+" ORDER BY id DESC LIMIT 1"), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last message: %w", err)
	}
	msgs := []models.Message{m}
	if err := s.attachProfiles(ctx, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

// attachProfiles fills Sender and Receiver from one batched lookup.
func (s *Store) attachProfiles(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	seen := make(map[int64]bool)
	var ids []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for i := range msgs {
		add(msgs[i].SenderID)
		if msgs[i].ReceiverID != nil {
			add(*msgs[i].ReceiverID)
		}
	}

	users, err := s.profiles(ctx, ids)
	if err != nil {
		return err
	}
	for i := range msgs {
		msgs[i].Sender = users[msgs[i].SenderID]
		if msgs[i].ReceiverID != nil {
			msgs[i].Receiver = users[*msgs[i].ReceiverID]
		}
	}
	return nil
}
