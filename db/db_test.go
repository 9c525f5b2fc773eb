package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lanchat/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(DriverSQLite, path, WithBcryptCost(bcrypt.MinCost), WithCompanyGroup("Everyone"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustRegister(t *testing.T, s *Store, username string) *models.User {
	t.Helper()
	u, err := s.RegisterUser(context.Background(), username, "secret123", "", "")
	if err != nil {
		t.Fatalf("RegisterUser(%s): %v", username, err)
	}
	return u
}

func reasonOf(err error) string {
	r, _ := models.ClientReason(err)
	return r
}

func TestRegisterValidation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		username, password string
		reason             string
	}{
		{"ab", "secret123", "username must be at least 3 characters"},
		{"alice", "12345", "password must be at least 6 characters"},
	}
	for _, tt := range tests {
		_, err := s.RegisterUser(ctx, tt.username, tt.password, "", "")
		if reasonOf(err) != tt.reason {
			t.Errorf("RegisterUser(%q, %q): expected %q, got %v", tt.username, tt.password, tt.reason, err)
		}
	}

	u := mustRegister(t, s, "alice")
	if u.DisplayName != "alice" || u.Status != models.StatusOffline || u.IsOnline {
		t.Errorf("unexpected new user %+v", u)
	}

	_, err := s.RegisterUser(ctx, "alice", "another1", "", "")
	if reasonOf(err) != "username already exists" {
		t.Errorf("expected duplicate username error, got %v", err)
	}
}

func TestRegisterJoinsCompanyGroup(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := mustRegister(t, s, "alice")

	convs, err := s.GetConversations(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Type != models.ConversationGroup || convs[0].GroupName != "Everyone" {
		t.Fatalf("expected company group conversation, got %+v", convs)
	}
}

func TestAuthenticate(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	mustRegister(t, s, "alice")

	u, err := s.Authenticate(ctx, "alice", "secret123")
	if err != nil || u.Username != "alice" {
		t.Fatalf("Authenticate: %v, %+v", err, u)
	}
	if _, err := s.Authenticate(ctx, "alice", "wrong-password"); reasonOf(err) != "invalid username or password" {
		t.Errorf("expected credential error, got %v", err)
	}
	if _, err := s.Authenticate(ctx, "nobody", "secret123"); reasonOf(err) != "invalid username or password" {
		t.Errorf("expected credential error for unknown user, got %v", err)
	}
}

func TestPrivateHistory(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustRegister(t, s, "alice")
	bob := mustRegister(t, s, "bob")

	for i := 0; i < 5; i++ {
		from, to := alice.ID, bob.ID
		if i%2 == 1 {
			from, to = bob.ID, alice.ID
		}
		_, err := s.SaveMessage(ctx, &models.Message{
			SenderID:        from,
			ReceiverID:      &to,
			Content:         fmt.Sprintf("msg %d", i),
			ClientMessageID: fmt.Sprintf("c-%d", i),
		})
		if err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	msgs, err := s.GetMessages(ctx, models.MessageQuery{UserID: alice.ID, OtherUserID: bob.ID, Limit: 3})
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"msg 2", "msg 3", "msg 4"} {
		if msgs[i].Content != want {
			t.Errorf("message %d: expected %q, got %q", i, want, msgs[i].Content)
		}
	}
	if msgs[0].Sender == nil || msgs[0].Sender.Username != "alice" || msgs[0].Receiver.Username != "bob" {
		t.Errorf("profiles not attached: %+v", msgs[0])
	}
	if msgs[2].ClientMessageID != "c-4" {
		t.Errorf("client message id not preserved: %q", msgs[2].ClientMessageID)
	}

	pages := []struct {
		offset int
		want   []string
	}{
		{0, []string{"msg 3", "msg 4"}},
		{2, []string{"msg 1", "msg 2"}},
		{4, []string{"msg 0"}},
		{6, nil},
	}
	for _, p := range pages {
		page, err := s.GetMessages(ctx, models.MessageQuery{UserID: bob.ID, OtherUserID: alice.ID, Limit: 2, Offset: p.offset})
		if err != nil {
			t.Fatalf("GetMessages offset %d: %v", p.offset, err)
		}
		var got []string
		for _, m := range page {
			got = append(got, m.Content)
		}
		if fmt.Sprint(got) != fmt.Sprint(p.want) {
			t.Errorf("offset %d: got %v, want %v", p.offset, got, p.want)
		}
	}

	convs, err := s.GetConversations(ctx, bob.ID)
	if err != nil {
		t.Fatalf("GetConversations: %v", err)
	}
	var private *models.Conversation
	for i := range convs {
		if convs[i].Type == models.ConversationPrivate {
			private = &convs[i]
		}
	}
	if private == nil || private.OtherUser.Username != "alice" || private.UnreadCount != 3 {
		t.Fatalf("unexpected private conversation %+v", private)
	}
	if private.LastMessage == nil || private.LastMessage.Content != "msg 4" {
		t.Errorf("unexpected last message %+v", private.LastMessage)
	}

	n, err := s.MarkRead(ctx, bob.ID, alice.ID)
	if err != nil || n != 3 {
		t.Errorf("MarkRead: expected 3 rows, got %d, %v", n, err)
	}
}

func TestGroupMembership(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustRegister(t, s, "alice")
	bob := mustRegister(t, s, "bob")
	carol := mustRegister(t, s, "carol")

	g, err := s.CreateGroup(ctx, "ops", alice.ID, []int64{bob.ID, bob.ID})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if g.CreatorID != alice.ID || len(g.MemberIDs) != 2 {
		t.Fatalf("unexpected group %+v", g)
	}

	if _, err := s.CreateGroup(ctx, "bad", alice.ID, []int64{9999}); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected unknown member error, got %v", err)
	}
	if _, err := s.CreateGroup(ctx, "  ", alice.ID, nil); reasonOf(err) != "group name is required" {
		t.Errorf("expected name error, got %v", err)
	}

	if err := s.AddMember(ctx, g.ID, bob.ID, carol.ID); reasonOf(err) != "only the group creator can add members" {
		t.Errorf("expected creator-only error, got %v", err)
	}
	if err := s.AddMember(ctx, g.ID, alice.ID, carol.ID); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	if err := s.AddMember(ctx, g.ID, alice.ID, carol.ID); reasonOf(err) != "user is already a member of this group" {
		t.Errorf("expected duplicate member error, got %v", err)
	}
	if err := s.RemoveMember(ctx, g.ID, alice.ID, alice.ID); reasonOf(err) != "the group creator cannot be removed" {
		t.Errorf("expected creator removal error, got %v", err)
	}
	if err := s.RemoveMember(ctx, g.ID, alice.ID, bob.ID); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	members, err := s.GetGroupMembers(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetGroupMembers: %v", err)
	}
	if len(members) != 2 || members[0].Username != "alice" || members[1].Username != "carol" {
		t.Errorf("unexpected members %+v", members)
	}

	if _, err := s.GetMessages(ctx, models.MessageQuery{UserID: bob.ID, GroupID: g.ID}); reasonOf(err) != "not a member of this group" {
		t.Errorf("expected membership error, got %v", err)
	}
}

func TestSearchDeleteClear(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alice := mustRegister(t, s, "alice")
	bob := mustRegister(t, s, "bob")
	g, err := s.CreateGroup(ctx, "ops", alice.ID, []int64{bob.ID})
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}

	gid := g.ID
	groupMsg, err := s.SaveMessage(ctx, &models.Message{SenderID: bob.ID, GroupID: &gid, Content: "Deploy at noon"})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	bid := bob.ID
	private, err := s.SaveMessage(ctx, &models.Message{SenderID: alice.ID, ReceiverID: &bid, Content: "deploy 100% done"})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	results, err := s.SearchMessages(ctx, alice.ID, "DEPLOY", 0)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(results) != 2 || results[0].ID != private.ID {
		t.Errorf("expected newest-first results, got %+v", results)
	}
	results, err = s.SearchMessages(ctx, alice.ID, "100%", 0)
	if err != nil || len(results) != 1 {
		t.Errorf("expected literal percent match, got %d, %v", len(results), err)
	}

	if _, err := s.DeleteMessage(ctx, groupMsg.ID, alice.ID); reasonOf(err) != "only the sender can delete a message" {
		t.Errorf("expected sender-only error, got %v", err)
	}
	deleted, err := s.DeleteMessage(ctx, groupMsg.ID, bob.ID)
	if err != nil || deleted.GroupID == nil || *deleted.GroupID != g.ID {
		t.Fatalf("DeleteMessage: %v, %+v", err, deleted)
	}
	if _, err := s.GetMessage(ctx, groupMsg.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected deleted message to be gone, got %v", err)
	}

	if _, err := s.SaveMessage(ctx, &models.Message{SenderID: alice.ID, GroupID: &gid, Content: "keep me"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	n, err := s.ClearChat(ctx, alice.ID, bob.ID)
	if err != nil || n != 1 {
		t.Errorf("ClearChat: expected 1 row, got %d, %v", n, err)
	}
	msgs, err := s.GetMessages(ctx, models.MessageQuery{UserID: alice.ID, GroupID: g.ID})
	if err != nil || len(msgs) != 1 || msgs[0].Content != "keep me" {
		t.Errorf("group history should survive clear_chat: %+v, %v", msgs, err)
	}
}

func TestPurgeExpiredSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := mustRegister(t, s, "alice")

	now := time.Now().UTC()
	sessions := []models.Session{
		{Token: "expired", UserID: u.ID, CreatedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-time.Hour), Active: true},
		{Token: "inactive-expired", UserID: u.ID, CreatedAt: now.Add(-8 * 24 * time.Hour), ExpiresAt: now.Add(-time.Minute), Active: false},
		{Token: "live", UserID: u.ID, CreatedAt: now, ExpiresAt: now.Add(time.Hour), Active: true},
	}
	for _, sess := range sessions {
		if err := s.RecordSession(ctx, sess); err != nil {
			t.Fatalf("RecordSession: %v", err)
		}
	}

	n, err := s.PurgeExpiredSessions(ctx, now)
	if err != nil || n != 2 {
		t.Fatalf("PurgeExpiredSessions: expected 2, got %d, %v", n, err)
	}
	live, err := s.LoadSessions(ctx, now)
	if err != nil || len(live) != 1 || live[0].Token != "live" {
		t.Errorf("unexpected live sessions %+v, %v", live, err)
	}

	if err := s.DeactivateSession(ctx, "live"); err != nil {
		t.Fatalf("DeactivateSession: %v", err)
	}
	live, _ = s.LoadSessions(ctx, now)
	if len(live) != 0 {
		t.Errorf("expected no active sessions, got %+v", live)
	}
}

func TestSetOnlineAndStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	u := mustRegister(t, s, "alice")

	if err := s.SetOnline(ctx, u.ID, true); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}
	if err := s.UpdateStatus(ctx, u.ID, models.StatusBusy, "in a meeting"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.UpdateAvatar(ctx, u.ID, []byte{0x89, 'P', 'N', 'G'}); err != nil {
		t.Fatalf("UpdateAvatar: %v", err)
	}
	got, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if !got.IsOnline || got.Status != models.StatusBusy || got.StatusMessage != "in a meeting" || len(got.Avatar) != 4 {
		t.Errorf("unexpected user %+v", got)
	}
	if err := s.UpdateStatus(ctx, 9999, models.StatusAway, ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}
