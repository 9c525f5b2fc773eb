package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"lanchat/models"
	"lanchat/protocol"
)

const (
	profileCacheSize = 1024
	profileCacheTTL  = time.Minute
)

// Broadcaster delivers pushes to bound connections. A peer that fails a
// write is closed and skipped; delivery to the others continues.
type Broadcaster struct {
	registry *Registry
	store    Store
	metrics  *Metrics
	log      *slog.Logger

	profiles *expirable.LRU[int64, models.User]
}

func NewBroadcaster(registry *Registry, store Store, metrics *Metrics, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		store:    store,
		metrics:  metrics,
		log:      log,
		profiles: expirable.NewLRU[int64, models.User](profileCacheSize, nil, profileCacheTTL),
	}
}

// profile returns the cached public view of a user.
func (b *Broadcaster) profile(ctx context.Context, userID int64) (*models.User, error) {
	if u, ok := b.profiles.Get(userID); ok {
		return &u, nil
	}
	u, err := b.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	b.profiles.Add(userID, *u)
	return u, nil
}

// Forget evicts a user whose profile just changed.
func (b *Broadcaster) Forget(userID int64) {
	b.profiles.Remove(userID)
}

func (b *Broadcaster) encode(push *protocol.Response) ([]byte, bool) {
	frame, err := json.Marshal(push)
	if err != nil {
		b.log.Error("encode push", "type", push.Type, "error", err)
		return nil, false
	}
	return frame, true
}

func (b *Broadcaster) deliver(userID int64, p Peer, typ string, frame []byte) {
	if err := p.SendFrame(frame); err != nil {
		b.metrics.PushFailures.Inc()
		b.log.Warn("push failed, closing peer", "type", typ, "user", userID, "conn", p.ID(), "error", err)
		p.Close()
		return
	}
	b.metrics.Pushes.WithLabelValues(typ).Inc()
}

// sendTo pushes to each listed user that is currently bound.
func (b *Broadcaster) sendTo(userIDs []int64, push *protocol.Response) {
	frame, ok := b.encode(push)
	if !ok {
		return
	}
	seen := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := b.registry.Lookup(id); ok {
			b.deliver(id, p, push.Type, frame)
		}
	}
}

// sendAllExcept pushes to every bound user but one.
func (b *Broadcaster) sendAllExcept(except int64, push *protocol.Response) {
	frame, ok := b.encode(push)
	if !ok {
		return
	}
	for id, p := range b.registry.Peers() {
		if id != except {
			b.deliver(id, p, push.Type, frame)
		}
	}
}

func (b *Broadcaster) memberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	members, err := b.store.GetGroupMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// UserStatus announces a presence or profile change to everyone else online.
func (b *Broadcaster) UserStatus(ctx context.Context, userID int64) {
	u, err := b.profile(ctx, userID)
	if err != nil {
		b.log.Error("load profile for status push", "user", userID, "error", err)
		return
	}
	b.sendAllExcept(userID, protocol.NewPush(protocol.PushUserStatus).With("user", u))
}

// GroupMessage pushes a saved group message to every bound member,
// sender included.
func (b *Broadcaster) GroupMessage(ctx context.Context, msg *models.Message) error {
	ids, err := b.memberIDs(ctx, *msg.GroupID)
	if err != nil {
		return err
	}
	b.sendTo(ids, protocol.NewPush(protocol.PushNewMessage).With("message", msg))
	return nil
}

// PrivateMessage pushes to the receiver and echoes to the sender.
func (b *Broadcaster) PrivateMessage(msg *models.Message) {
	b.sendTo([]int64{*msg.ReceiverID, msg.SenderID}, protocol.NewPush(protocol.PushNewMessage).With("message", msg))
}

// Typing pushes a typing state change to the given audience.
func (b *Broadcaster) Typing(ctx context.Context, userID int64, audience []int64, typing bool, groupID int64) {
	u, err := b.profile(ctx, userID)
	if err != nil {
		b.log.Error("load profile for typing push", "user", userID, "error", err)
		return
	}
	push := protocol.NewPush(protocol.PushTypingStatus).
		With("user", u).
		With("is_typing", typing).
		With("is_group", groupID != 0)
	if groupID != 0 {
		push.With("group_id", groupID)
	}
	b.sendTo(audience, push)
}

// MessageDeleted notifies the participants of the message's conversation.
func (b *Broadcaster) MessageDeleted(ctx context.Context, msg *models.Message) error {
	push := protocol.NewPush(protocol.PushMessageDeleted).With("message_id", msg.ID)
	if msg.IsGroup() {
		push.With("group_id", *msg.GroupID)
		ids, err := b.memberIDs(ctx, *msg.GroupID)
		if err != nil {
			return err
		}
		b.sendTo(ids, push)
		return nil
	}
	b.sendTo([]int64{msg.SenderID, *msg.ReceiverID}, push)
	return nil
}

// GroupMembers pushes the current member list to every bound member.
func (b *Broadcaster) GroupMembers(ctx context.Context, group *models.Group) error {
	members, err := b.store.GetGroupMembers(ctx, group.ID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	b.sendTo(ids, protocol.NewPush(protocol.PushGroupMembersList).
		With("group_id", group.ID).
		With("creator_id", group.CreatorID).
		With("members", members))
	return nil
}

func (b *Broadcaster) RemovedFromGroup(userID, groupID int64) {
	b.sendTo([]int64{userID}, protocol.NewPush(protocol.PushRemovedFromGroup).With("group_id", groupID))
}

// NewGroup tells users they were added to a group.
func (b *Broadcaster) NewGroup(ctx context.Context, groupID int64, userIDs []int64) error {
	conv, err := b.store.GroupConversation(ctx, groupID)
	if err != nil {
		return err
	}
	b.sendTo(userIDs, protocol.NewPush(protocol.PushNewGroup).With("conversation", conv))
	return nil
}
