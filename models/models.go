package models

import "time"

// User statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
	StatusBusy    = "busy"
)

// Message kinds.
const (
	MessageText  = "text"
	MessageImage = "image"
	MessageFile  = "file"
	MessageEmoji = "emoji"
)

// Conversation kinds.
const (
	ConversationPrivate = "private"
	ConversationGroup   = "group"
)

type User struct {
	ID            int64     `json:"id" db:"id"`
	Username      string    `json:"username" db:"username"`
	DisplayName   string    `json:"display_name" db:"display_name"`
	Email         string    `json:"email" db:"email"`
	Status        string    `json:"status" db:"status"`
	StatusMessage string    `json:"status_message" db:"status_message"`
	IsOnline      bool      `json:"is_online" db:"is_online"`
	LastSeen      time.Time `json:"last_seen" db:"last_seen"`
	Avatar        []byte    `json:"avatar,omitempty" db:"avatar"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Message is a stored chat message. Exactly one of ReceiverID and GroupID is set.
type Message struct {
	ID              int64     `json:"id" db:"id"`
	ClientMessageID string    `json:"client_message_id,omitempty" db:"client_message_id"`
	SenderID        int64     `json:"sender_id" db:"sender_id"`
	Sender          *User     `json:"sender,omitempty" db:"-"`
	ReceiverID      *int64    `json:"receiver_id,omitempty" db:"receiver_id"`
	Receiver        *User     `json:"receiver,omitempty" db:"-"`
	GroupID         *int64    `json:"group_id,omitempty" db:"group_id"`
	Content         string    `json:"content" db:"content"`
	MessageType     string    `json:"message_type" db:"message_type"`
	FileName        string    `json:"file_name,omitempty" db:"file_name"`
	FileData        []byte    `json:"file_data,omitempty" db:"file_data"`
	FileSize        int64     `json:"file_size,omitempty" db:"file_size"`
	Timestamp       time.Time `json:"timestamp" db:"sent_at"`
	IsRead          bool      `json:"is_read" db:"is_read"`
	IsEdited        bool      `json:"is_edited" db:"is_edited"`
	ReplyToID       *int64    `json:"reply_to_id,omitempty" db:"reply_to_id"`
}

func (m *Message) IsGroup() bool { return m.GroupID != nil }

type Group struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatorID int64     `json:"creator_id" db:"creator_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	MemberIDs []int64   `json:"member_ids,omitempty" db:"-"`
}

func (g *Group) HasMember(userID int64) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Conversation is one entry of a user's conversation list.
type Conversation struct {
	Type           string    `json:"type"`
	ConversationID int64     `json:"conversation_id,omitempty"`
	OtherUser      *User     `json:"other_user,omitempty"`
	GroupID        int64     `json:"group_id,omitempty"`
	GroupName      string    `json:"group_name,omitempty"`
	MemberCount    int       `json:"member_count,omitempty"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	UnreadCount    int       `json:"unread_count"`
}

type Session struct {
	Token     string    `db:"session_token"`
	UserID    int64     `db:"user_id"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
	Active    bool      `db:"is_active"`
}

// Valid reports whether the session authorizes requests at now.
func (s *Session) Valid(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// TypingEntry records that a user is composing in a conversation.
type TypingEntry struct {
	UserID          int64
	ConversationKey string
	LastSetAt       time.Time
}

// MessageQuery selects a conversation history page. GroupID takes
// precedence over OtherUserID. Offset skips that many of the newest
// messages.
type MessageQuery struct {
	UserID      int64
	GroupID     int64
	OtherUserID int64
	Limit       int
	Offset      int
}
