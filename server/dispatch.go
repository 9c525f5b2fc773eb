package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lanchat/models"
	"lanchat/protocol"
)

const (
	reasonInvalidSession = "invalid session"
	reasonUnknownType    = "unknown message type"
	reasonInvalidRequest = "invalid request"
	reasonInternal       = "internal error"
)

// HandlerFunc serves one request type. userID is the session's user, or
// zero for types that do not require a session.
type HandlerFunc func(ctx context.Context, c *Conn, req *protocol.Request, userID int64) (*protocol.Response, error)

type route struct {
	handler HandlerFunc
	// respType tags failure responses; successes set their own type.
	respType string
	public   bool
}

func (s *Server) routes() map[string]route {
	r := func(h HandlerFunc, respType string) route { return route{handler: h, respType: respType} }
	pub := func(h HandlerFunc, respType string) route { return route{handler: h, respType: respType, public: true} }

	return map[string]route{
		protocol.TypePing:               pub(s.handlePing, protocol.TypePong),
		protocol.TypeRegister:           pub(s.handleRegister, protocol.TypeRegister),
		protocol.TypeLogin:              pub(s.handleLogin, protocol.TypeLogin),
		protocol.TypeLogout:             r(s.handleLogout, protocol.TypeLogout),
		protocol.TypeSendMessage:        r(s.handleSendMessage, protocol.TypeSendMessage),
		protocol.TypeSendPrivateMessage: r(s.handleSendPrivateMessage, protocol.TypeSendPrivateMessage),
		protocol.TypeUploadFile:         r(s.handleUploadFile, protocol.TypeUploadFile),
		protocol.TypeGetContacts:        r(s.handleGetContacts, protocol.TypeGetContacts),
		protocol.TypeGetConversations:   r(s.handleGetConversations, protocol.TypeGetConversations),
		protocol.TypeGetMessages:        r(s.handleGetMessages, protocol.TypeGetMessages),
		protocol.TypeMarkRead:           r(s.handleMarkRead, protocol.TypeMarkRead),
		protocol.TypeTypingStart:        r(s.handleTypingStart, protocol.TypeTypingStart),
		protocol.TypeTypingStop:         r(s.handleTypingStop, protocol.TypeTypingStop),
		protocol.TypeUpdateStatus:       r(s.handleUpdateStatus, protocol.TypeUpdateStatus),
		protocol.TypeSearchMessages:     r(s.handleSearchMessages, protocol.TypeSearchResults),
		protocol.TypeDeleteMessage:      r(s.handleDeleteMessage, protocol.TypeDeleteMessage),
		protocol.TypeClearChat:          r(s.handleClearChat, protocol.TypeChatCleared),
		protocol.TypeUploadAvatar:       r(s.handleUploadAvatar, protocol.TypeUploadAvatar),
		protocol.TypeCreateGroup:        r(s.handleCreateGroup, protocol.TypeGroupCreated),
		protocol.TypeGetGroupMembers:    r(s.handleGetGroupMembers, protocol.TypeGroupMembersList),
		protocol.TypeAddGroupMember:     r(s.handleAddGroupMember, protocol.TypeAddMemberResponse),
		protocol.TypeRemoveGroupMember:  r(s.handleRemoveGroupMember, protocol.TypeRemoveMemberResponse),
	}
}

// dispatch turns one frame into exactly one response.
func (s *Server) dispatch(ctx context.Context, c *Conn, frame json.RawMessage) (resp *protocol.Response) {
	start := time.Now()

	// Read as any: a mistyped body field must not hide the session check.
	var head struct {
		Type         any `json:"type"`
		SessionToken any `json:"session_token"`
	}
	_ = json.Unmarshal(frame, &head)
	typ, _ := head.Type.(string)
	token, _ := head.SessionToken.(string)

	rt, known := s.handlers[typ]
	label := typ
	if !known {
		label = "unknown"
	}

	ctx, span := s.tracer.Start(ctx, "lanchat."+label,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("lanchat.conn_id", c.ID()),
			attribute.String("lanchat.request_type", typ),
		),
	)
	status := "ok"
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("handler panic", "type", typ, "panic", p)
			span.RecordError(fmt.Errorf("panic: %v", p))
			resp = protocol.Fail(rt.respType, reasonInternal)
			status = "error"
		}
		if !resp.Success {
			span.SetStatus(codes.Error, resp.Error)
		}
		span.End()
		s.metrics.Requests.WithLabelValues(label, status).Inc()
		s.metrics.RequestDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	if !known {
		status = "unknown"
		return protocol.Fail(protocol.TypeError, reasonUnknownType)
	}

	var userID int64
	if !rt.public {
		id, ok := s.registry.Validate(token)
		if !ok {
			status = "denied"
			return protocol.Fail(rt.respType, reasonInvalidSession)
		}
		userID = id
		span.SetAttributes(attribute.Int64("lanchat.user_id", userID))
	}

	req, err := protocol.ParseRequest(frame)
	if err != nil {
		status = "invalid"
		c.log.Debug("invalid request", "type", typ, "error", err)
		return protocol.Fail(rt.respType, reasonInvalidRequest)
	}

	resp, err = rt.handler(ctx, c, req, userID)
	if err != nil {
		reason, ok := models.ClientReason(err)
		if !ok {
			span.RecordError(err)
			c.log.Error("request failed", "type", typ, "user", userID, "error", err)
			reason = reasonInternal
			status = "error"
		} else {
			status = "rejected"
		}
		return protocol.Fail(rt.respType, reason)
	}
	return resp
}
