package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"lanchat/models"
)

const groupColumns = `id, name, COALESCE(creator_id, 0) AS creator_id, created_at`

// CreateGroup creates a group owned by creatorID. The creator is always a
// member; every other member id must name an existing user.
func (s *Store) CreateGroup(ctx context.Context, name string, creatorID int64, memberIDs []int64) (*models.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, models.Reason("group name is required")
	}

	members := []int64{creatorID}
	seen := map[int64]bool{creatorID: true}
	for _, id := range memberIDs {
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}

	var groupID int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In("SELECT COUNT(*) FROM users WHERE id IN (?)", members)
		if err != nil {
			return err
		}
		var found int
		if err := tx.GetContext(ctx, &found, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("check members: %w", err)
		}
		if found != len(members) {
			return models.NotFound("member")
		}

		now := s.clock()
		groupID, err = insertReturningID(ctx, tx,
			tx.Rebind("INSERT INTO chat_groups (name, creator_id, created_at) VALUES (?, ?, ?)"),
			name, creatorID, now)
		if err != nil {
			return fmt.Errorf("insert group: %w", err)
		}
		for _, id := range members {
			if _, err := tx.ExecContext(ctx,
				tx.Rebind("INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)"),
				groupID, id, now); err != nil {
				return fmt.Errorf("insert member %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetGroup(ctx, groupID)
}

// GetGroup returns the group with its member ids.
func (s *Store) GetGroup(ctx context.Context, groupID int64) (*models.Group, error) {
	return s.getGroup(ctx, s.db, groupID)
}

func (s *Store) getGroup(ctx context.Context, q queryer, groupID int64) (*models.Group, error) {
	var g models.Group
	err := sqlx.GetContext(ctx, q, &g, q.Rebind("SELECT "+groupColumns+" FROM chat_groups WHERE id = ?"), groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("group")
	}
	if err != nil {
		return nil, fmt.Errorf("get group %d: %w", groupID, err)
	}
	g.MemberIDs = []int64{}
	if err := sqlx.SelectContext(ctx, q, &g.MemberIDs,
		q.Rebind("SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id"), groupID); err != nil {
		return nil, fmt.Errorf("get group members %d: %w", groupID, err)
	}
	return &g, nil
}

func (s *Store) GetGroupMembers(ctx context.Context, groupID int64) ([]models.User, error) {
	if _, err := s.GetGroup(ctx, groupID); err != nil {
		return nil, err
	}
	users := []models.User{}
	err := s.db.SelectContext(ctx, &users, s.db.Rebind(`SELECT `+prefixed("u.", userColumns)+`
		FROM users u JOIN group_members gm ON gm.user_id = u.id
		WHERE gm.group_id = ? ORDER BY u.username`), groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members %d: %w", groupID, err)
	}
	return users, nil
}

func (s *Store) IsGroupMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind("SELECT COUNT(*) FROM group_members WHERE group_id = ? AND user_id = ?"), groupID, userID)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return n > 0, nil
}

// AddMember adds memberID to the group. Only the creator may add members.
func (s *Store) AddMember(ctx context.Context, groupID, actorID, memberID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		g, err := s.getGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g.CreatorID != actorID {
			return models.Reason("only the group creator can add members")
		}
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM users WHERE id = ?"), memberID); err != nil {
			return err
		}
		if n == 0 {
			return models.NotFound("user")
		}
		if g.HasMember(memberID) {
			return models.Reason("user is already a member of this group")
		}
		_, err = tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO group_members (group_id, user_id, joined_at) VALUES (?, ?, ?)"),
			groupID, memberID, s.clock())
		return err
	})
}

// RemoveMember removes memberID from the group. Only the creator may remove
// members and the creator cannot remove themself.
func (s *Store) RemoveMember(ctx context.Context, groupID, actorID, memberID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		g, err := s.getGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if g.CreatorID != actorID {
			return models.Reason("only the group creator can remove members")
		}
		if memberID == g.CreatorID {
			return models.Reason("the group creator cannot be removed")
		}
		if !g.HasMember(memberID) {
			return models.Reason("user is not a member of this group")
		}
		_, err = tx.ExecContext(ctx,
			tx.Rebind("DELETE FROM group_members WHERE group_id = ? AND user_id = ?"), groupID, memberID)
		return err
	})
}

// GroupConversation builds the conversation-list entry for a group.
func (s *Store) GroupConversation(ctx context.Context, groupID int64) (*models.Conversation, error) {
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	last, err := s.lastMessage(ctx, "group_id = ?", groupID)
	if err != nil {
		return nil, err
	}
	conv := &models.Conversation{
		Type:        models.ConversationGroup,
		GroupID:     g.ID,
		GroupName:   g.Name,
		MemberCount: len(g.MemberIDs),
		LastMessage: last,
		UpdatedAt:   g.CreatedAt,
	}
	if last != nil {
		conv.UpdatedAt = last.Timestamp
	}
	return conv, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
