package server

import (
	"context"
	"time"

	"lanchat/models"
)

// Store is the persistence boundary of the server. Denials meant for the
// client are returned as *models.ReasonError or wrap models.ErrNotFound;
// any other error is treated as internal.
type Store interface {
	RegisterUser(ctx context.Context, username, password, displayName, email string) (*models.User, error)
	Authenticate(ctx context.Context, username, password string) (*models.User, error)

	RecordSession(ctx context.Context, sess models.Session) error
	DeactivateSession(ctx context.Context, token string) error
	PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error)
	LoadSessions(ctx context.Context, now time.Time) ([]models.Session, error)

	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SetOnline(ctx context.Context, userID int64, online bool) error
	ResetPresence(ctx context.Context) error
	UpdateStatus(ctx context.Context, userID int64, status, statusMessage string) error
	UpdateAvatar(ctx context.Context, userID int64, avatar []byte) error

	SaveMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	GetMessage(ctx context.Context, id int64) (*models.Message, error)
	GetMessages(ctx context.Context, q models.MessageQuery) ([]models.Message, error)
	GetConversations(ctx context.Context, userID int64) ([]models.Conversation, error)
	MarkRead(ctx context.Context, readerID, senderID int64) (int64, error)
	SearchMessages(ctx context.Context, userID int64, query string, limit int) ([]models.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) (*models.Message, error)
	ClearChat(ctx context.Context, userID, otherID int64) (int64, error)

	CreateGroup(ctx context.Context, name string, creatorID int64, memberIDs []int64) (*models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (*models.Group, error)
	GetGroupMembers(ctx context.Context, groupID int64) ([]models.User, error)
	IsGroupMember(ctx context.Context, groupID, userID int64) (bool, error)
	AddMember(ctx context.Context, groupID, actorID, memberID int64) error
	RemoveMember(ctx context.Context, groupID, actorID, memberID int64) error
	GroupConversation(ctx context.Context, groupID int64) (*models.Conversation, error)
}
