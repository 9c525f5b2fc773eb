package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"

	"lanchat/models"
	"lanchat/protocol"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
}

var validStatuses = map[string]bool{
	models.StatusOnline: true, models.StatusAway: true, models.StatusBusy: true, models.StatusOffline: true,
}

func (s *Server) handlePing(ctx context.Context, c *Conn, req *protocol.Request, _ int64) (*protocol.Response, error) {
	return protocol.OK(protocol.TypePong), nil
}

func (s *Server) handleRegister(ctx context.Context, c *Conn, req *protocol.Request, _ int64) (*protocol.Response, error) {
	u, err := s.store.RegisterUser(ctx, req.Username, req.Password, req.DisplayName, req.Email)
	if err != nil {
		return nil, err
	}
	c.log.Info("user registered", "user", u.ID, "username", u.Username)
	return protocol.OK(protocol.TypeRegister).
		WithMessage("registration successful").
		With("user", u).
		With("user_id", u.ID), nil
}

func (s *Server) handleLogin(ctx context.Context, c *Conn, req *protocol.Request, _ int64) (*protocol.Response, error) {
	u, err := s.store.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	sess, err := s.registry.CreateSession(u.ID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := s.store.RecordSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}
	if err := s.store.SetOnline(ctx, u.ID, true); err != nil {
		return nil, fmt.Errorf("set online: %w", err)
	}

	// The stream switches identity: the previous user goes offline.
	if prevUser := c.UserID(); prevUser != 0 && prevUser != u.ID {
		if s.registry.Unbind(prevUser, c) {
			s.goOffline(ctx, prevUser)
		}
	}
	c.setUser(u.ID)
	if prev := s.registry.Bind(u.ID, c); prev != nil {
		c.log.Info("replacing previous connection", "user", u.ID, "prev", prev.ID())
		prev.Close()
	}
	s.refreshOnlineGauge()
	s.bcast.Forget(u.ID)
	s.bcast.UserStatus(ctx, u.ID)

	u.IsOnline = true
	u.Status = models.StatusOnline

	contacts, err := s.contacts(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	convs, err := s.store.GetConversations(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	c.log.Info("user logged in", "user", u.ID, "username", u.Username)

	return protocol.OK(protocol.TypeLogin).
		WithMessage("login successful").
		With("user", u).
		With("user_id", u.ID).
		With("session_token", sess.Token).
		With("all_users", contacts).
		With("conversations", convs), nil
}

func (s *Server) handleLogout(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	s.registry.Invalidate(req.SessionToken)
	if err := s.store.DeactivateSession(ctx, req.SessionToken); err != nil {
		c.log.Warn("deactivate stored session", "user", userID, "error", err)
	}
	if s.registry.Unbind(userID, c) {
		c.setUser(0)
		s.refreshOnlineGauge()
		s.goOffline(ctx, userID)
	}
	c.log.Info("user logged out", "user", userID)
	return protocol.OK(protocol.TypeLogout).WithMessage("logged out"), nil
}

// goOffline records the user as offline and tells everyone else.
func (s *Server) goOffline(ctx context.Context, userID int64) {
	s.typing.DropUser(userID)
	if err := s.store.SetOnline(ctx, userID, false); err != nil {
		s.log.Error("set offline", "user", userID, "error", err)
	}
	s.bcast.Forget(userID)
	s.bcast.UserStatus(ctx, userID)
}

// contacts lists every user except self, with live presence overlaid.
func (s *Server) contacts(ctx context.Context, self int64) ([]models.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID == self {
			continue
		}
		u.IsOnline = s.registry.IsOnline(u.ID)
		out = append(out, u)
	}
	return out, nil
}

func (s *Server) requireMember(ctx context.Context, groupID, userID int64) error {
	ok, err := s.store.IsGroupMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return models.Reason("not a member of this group")
	}
	return nil
}

func (s *Server) handleSendMessage(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if req.GroupID == 0 {
		return nil, models.Reason("group id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, models.Reason("message content is required")
	}
	if err := s.requireMember(ctx, req.GroupID, userID); err != nil {
		return nil, err
	}
	groupID := req.GroupID
	msg, err := s.store.SaveMessage(ctx, &models.Message{
		ClientMessageID: req.ClientMessageID,
		SenderID:        userID,
		GroupID:         &groupID,
		Content:         req.Content,
		MessageType:     messageType(req.MessageType),
		ReplyToID:       optionalID(req.ReplyToID),
	})
	if err != nil {
		return nil, err
	}
	if err := s.bcast.GroupMessage(ctx, msg); err != nil {
		c.log.Error("group fan-out", "group", groupID, "message", msg.ID, "error", err)
	}
	return sentResponse(protocol.TypeSendMessage, msg), nil
}

func (s *Server) handleSendPrivateMessage(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, models.Reason("message content is required")
	}
	receiver, err := s.userByName(ctx, req.Receiver, "receiver")
	if err != nil {
		return nil, err
	}
	receiverID := receiver.ID
	msg, err := s.store.SaveMessage(ctx, &models.Message{
		ClientMessageID: req.ClientMessageID,
		SenderID:        userID,
		ReceiverID:      &receiverID,
		Content:         req.Content,
		MessageType:     messageType(req.MessageType),
		ReplyToID:       optionalID(req.ReplyToID),
	})
	if err != nil {
		return nil, err
	}
	s.bcast.PrivateMessage(msg)
	return sentResponse(protocol.TypeSendPrivateMessage, msg), nil
}

func (s *Server) handleUploadFile(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if req.FileName == "" || req.FileData == "" {
		return nil, models.Reason("file name and data are required")
	}
	data, err := decodePayload(req.FileData, s.cfg.MaxFileSize, "file")
	if err != nil {
		return nil, err
	}
	name := filepath.Base(req.FileName)
	msg := &models.Message{
		ClientMessageID: req.ClientMessageID,
		SenderID:        userID,
		Content:         "📎 " + name,
		MessageType:     fileMessageType(name),
		FileName:        name,
		FileData:        data,
		FileSize:        int64(len(data)),
	}

	switch {
	case req.GroupID != 0:
		if err := s.requireMember(ctx, req.GroupID, userID); err != nil {
			return nil, err
		}
		groupID := req.GroupID
		msg.GroupID = &groupID
	case req.Receiver != "":
		receiver, err := s.userByName(ctx, req.Receiver, "receiver")
		if err != nil {
			return nil, err
		}
		msg.ReceiverID = &receiver.ID
	default:
		return nil, models.Reason("receiver or group id is required")
	}

	saved, err := s.store.SaveMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if saved.IsGroup() {
		if err := s.bcast.GroupMessage(ctx, saved); err != nil {
			c.log.Error("group fan-out", "group", *saved.GroupID, "message", saved.ID, "error", err)
		}
	} else {
		s.bcast.PrivateMessage(saved)
	}
	c.log.Info("file uploaded", "user", userID, "file", name, "bytes", len(data))
	return sentResponse(protocol.TypeUploadFile, saved).With("file_name", name), nil
}

func (s *Server) handleGetContacts(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	all, err := s.contacts(ctx, userID)
	if err != nil {
		return nil, err
	}
	online := make([]models.User, 0, len(all))
	for _, u := range all {
		if u.IsOnline {
			online = append(online, u)
		}
	}
	return protocol.OK(protocol.TypeGetContacts).
		With("online_users", online).
		With("all_users", all), nil
}

func (s *Server) handleGetConversations(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	convs, err := s.store.GetConversations(ctx, userID)
	if err != nil {
		return nil, err
	}
	return protocol.OK(protocol.TypeGetConversations).With("conversations", convs), nil
}

func (s *Server) handleGetMessages(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	q := models.MessageQuery{UserID: userID, Limit: req.Limit, Offset: req.Offset}
	resp := protocol.OK(protocol.TypeGetMessages)
	switch {
	case req.GroupID != 0:
		q.GroupID = req.GroupID
		resp.With("group_id", req.GroupID)
	case req.OtherUser != "":
		other, err := s.userByName(ctx, req.OtherUser, "user")
		if err != nil {
			return nil, err
		}
		q.OtherUserID = other.ID
		resp.With("other_user", other.Username)
	default:
		return resp.With("messages", []models.Message{}), nil
	}

	msgs, err := s.store.GetMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return resp.With("messages", msgs), nil
}

func (s *Server) handleMarkRead(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	name := req.Sender
	if name == "" {
		name = req.OtherUser
	}
	sender, err := s.userByName(ctx, name, "sender")
	if err != nil {
		return nil, err
	}
	n, err := s.store.MarkRead(ctx, userID, sender.ID)
	if err != nil {
		return nil, err
	}
	return protocol.OK(protocol.TypeMarkRead).With("count", n), nil
}

func (s *Server) handleTypingStart(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	return s.typingChange(ctx, req, userID, true)
}

func (s *Server) handleTypingStop(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	return s.typingChange(ctx, req, userID, false)
}

func (s *Server) typingChange(ctx context.Context, req *protocol.Request, userID int64, typing bool) (*protocol.Response, error) {
	respType := protocol.TypeTypingStop
	if typing {
		respType = protocol.TypeTypingStart
	}

	var (
		key      string
		audience []int64
		groupID  int64
	)
	if req.IsGroup || req.GroupID != 0 {
		if req.GroupID == 0 {
			return nil, models.Reason("group id is required")
		}
		if err := s.requireMember(ctx, req.GroupID, userID); err != nil {
			return nil, err
		}
		members, err := s.store.GetGroupMembers(ctx, req.GroupID)
		if err != nil {
			return nil, err
		}
		for _, m := range members {
			if m.ID != userID && s.registry.IsOnline(m.ID) {
				audience = append(audience, m.ID)
			}
		}
		groupID = req.GroupID
		key = groupKey(groupID)
	} else {
		name := req.OtherUser
		if name == "" {
			name = req.Receiver
		}
		other, err := s.userByName(ctx, name, "user")
		if err != nil {
			return nil, err
		}
		audience = []int64{other.ID}
		key = privateKey(other.Username)
	}

	if typing {
		s.typing.Start(userID, key, s.now())
	} else {
		s.typing.Stop(userID, key)
	}
	s.bcast.Typing(ctx, userID, audience, typing, groupID)
	return protocol.OK(respType), nil
}

func (s *Server) handleUpdateStatus(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	status := req.Status
	if status == "" {
		status = models.StatusOnline
	}
	if !validStatuses[status] {
		return nil, models.Reason("invalid status")
	}
	if err := s.store.UpdateStatus(ctx, userID, status, req.StatusMessage); err != nil {
		return nil, err
	}
	s.bcast.Forget(userID)
	s.bcast.UserStatus(ctx, userID)
	return protocol.OK(protocol.TypeUpdateStatus).
		With("status", status).
		With("status_message", req.StatusMessage), nil
}

func (s *Server) handleSearchMessages(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, models.Reason("search query is required")
	}
	msgs, err := s.store.SearchMessages(ctx, userID, query, req.Limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return protocol.OK(protocol.TypeSearchResults).
		With("query", query).
		With("messages", msgs), nil
}

func (s *Server) handleDeleteMessage(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if req.MessageID == 0 {
		return nil, models.Reason("message id is required")
	}
	msg, err := s.store.DeleteMessage(ctx, req.MessageID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.bcast.MessageDeleted(ctx, msg); err != nil {
		c.log.Error("delete notification", "message", msg.ID, "error", err)
	}
	return protocol.OK(protocol.TypeDeleteMessage).With("message_id", msg.ID), nil
}

func (s *Server) handleClearChat(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	other, err := s.userByName(ctx, req.OtherUser, "user")
	if err != nil {
		return nil, err
	}
	n, err := s.store.ClearChat(ctx, userID, other.ID)
	if err != nil {
		return nil, err
	}
	return protocol.OK(protocol.TypeChatCleared).
		With("cleared_with_user", other.Username).
		With("count", n), nil
}

func (s *Server) handleUploadAvatar(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if req.AvatarData == "" {
		return nil, models.Reason("avatar data is required")
	}
	data, err := decodePayload(req.AvatarData, s.cfg.MaxAvatarSize, "avatar")
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateAvatar(ctx, userID, data); err != nil {
		return nil, err
	}
	s.bcast.Forget(userID)
	s.bcast.UserStatus(ctx, userID)
	return protocol.OK(protocol.TypeUploadAvatar).WithMessage("avatar updated"), nil
}

func (s *Server) handleCreateGroup(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	g, err := s.store.CreateGroup(ctx, req.GroupName, userID, req.MemberIDs)
	if err != nil {
		return nil, err
	}
	if err := s.bcast.NewGroup(ctx, g.ID, g.MemberIDs); err != nil {
		c.log.Error("new group notification", "group", g.ID, "error", err)
	}
	c.log.Info("group created", "group", g.ID, "creator", userID, "members", len(g.MemberIDs))
	return protocol.OK(protocol.TypeGroupCreated).
		With("group_id", g.ID).
		With("group_name", g.Name).
		With("member_ids", g.MemberIDs), nil
}

func (s *Server) handleGetGroupMembers(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if req.GroupID == 0 {
		return nil, models.Reason("group id is required")
	}
	g, err := s.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if err := s.requireMember(ctx, g.ID, userID); err != nil {
		return nil, err
	}
	members, err := s.store.GetGroupMembers(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	return protocol.OK(protocol.TypeGroupMembersList).
		With("group_id", g.ID).
		With("creator_id", g.CreatorID).
		With("members", members), nil
}

func (s *Server) handleAddGroupMember(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if req.GroupID == 0 || req.MemberID == 0 {
		return nil, models.Reason("group id and member id are required")
	}
	if err := s.store.AddMember(ctx, req.GroupID, userID, req.MemberID); err != nil {
		return nil, err
	}
	g, err := s.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	if err := s.bcast.NewGroup(ctx, g.ID, []int64{req.MemberID}); err != nil {
		c.log.Error("new group notification", "group", g.ID, "error", err)
	}
	if err := s.bcast.GroupMembers(ctx, g); err != nil {
		c.log.Error("member list push", "group", g.ID, "error", err)
	}
	return protocol.OK(protocol.TypeAddMemberResponse).
		WithMessage("member added").
		With("group_id", g.ID).
		With("member_id", req.MemberID), nil
}

func (s *Server) handleRemoveGroupMember(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error) {
	if req.GroupID == 0 || req.MemberID == 0 {
		return nil, models.Reason("group id and member id are required")
	}
	if err := s.store.RemoveMember(ctx, req.GroupID, userID, req.MemberID); err != nil {
		return nil, err
	}
	g, err := s.store.GetGroup(ctx, req.GroupID)
	if err != nil {
		return nil, err
	}
	s.typing.Stop(req.MemberID, groupKey(g.ID))
	s.bcast.RemovedFromGroup(req.MemberID, g.ID)
	if err := s.bcast.GroupMembers(ctx, g); err != nil {
		c.log.Error("member list push", "group", g.ID, "error", err)
	}
	return protocol.OK(protocol.TypeRemoveMemberResponse).
		WithMessage("member removed").
		With("group_id", g.ID).
		With("member_id", req.MemberID), nil
}

// userByName resolves a username, reporting a miss as "<what> not found".
func (s *Server) userByName(ctx context.Context, username, what string) (*models.User, error) {
	if username == "" {
		return nil, models.NotFound(what)
	}
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if _, ok := models.ClientReason(err); ok {
			return nil, models.NotFound(what)
		}
		return nil, err
	}
	return u, nil
}

func sentResponse(typ string, msg *models.Message) *protocol.Response {
	resp := protocol.OK(typ).
		With("message_id", msg.ID).
		With("timestamp", msg.Timestamp)
	if msg.ClientMessageID != "" {
		resp.With("client_message_id", msg.ClientMessageID)
	}
	return resp
}

func decodePayload(data string, limit int64, what string) ([]byte, error) {
	// Reject on encoded length first; base64 is 4/3 the decoded size.
	if int64(base64.StdEncoding.DecodedLen(len(data))) > limit+2 {
		return nil, tooLarge(what, limit)
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, models.Reason("invalid %s data", what)
	}
	if int64(len(b)) > limit {
		return nil, tooLarge(what, limit)
	}
	return b, nil
}

func tooLarge(what string, limit int64) error {
	return models.Reason("%s too large (max %s)", what, formatSize(limit))
}

func formatSize(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%dMB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%dKB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}

func messageType(t string) string {
	switch t {
	case models.MessageImage, models.MessageFile, models.MessageEmoji:
		return t
	default:
		return models.MessageText
	}
}

func fileMessageType(name string) string {
	if imageExtensions[strings.ToLower(filepath.Ext(name))] {
		return models.MessageImage
	}
	return models.MessageFile
}

func optionalID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}
