package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Request types.
const (
	TypeRegister           = "register"
	TypeLogin              = "login"
	TypeLogout             = "logout"
	TypeSendMessage        = "send_message"
	TypeSendPrivateMessage = "send_private_message"
	TypeUploadFile         = "upload_file"
	TypeGetContacts        = "get_contacts"
	TypeGetConversations   = "get_conversations"
	TypeGetMessages        = "get_messages"
	TypeMarkRead           = "mark_read"
	TypeTypingStart        = "typing_start"
	TypeTypingStop         = "typing_stop"
	TypeUpdateStatus       = "update_status"
	TypeSearchMessages     = "search_messages"
	TypeDeleteMessage      = "delete_message"
	TypeClearChat          = "clear_chat"
	TypeUploadAvatar       = "upload_avatar"
	TypeCreateGroup        = "create_group"
	TypeGetGroupMembers    = "get_group_members"
	TypeAddGroupMember     = "add_group_member"
	TypeRemoveGroupMember  = "remove_group_member"
	TypePing               = "ping"
)

// Response types that differ from the request type.
const (
	TypePong                 = "pong"
	TypeError                = "error"
	TypeSearchResults        = "search_results"
	TypeChatCleared          = "chat_cleared"
	TypeGroupCreated         = "group_created"
	TypeGroupMembersList     = "group_members_list"
	TypeAddMemberResponse    = "add_member_response"
	TypeRemoveMemberResponse = "remove_member_response"
)

// Push types, sent without a preceding request.
const (
	PushNewMessage       = "new_message"
	PushUserStatus       = "user_status"
	PushTypingStatus     = "typing_status"
	PushMessageDeleted   = "message_deleted"
	PushRemovedFromGroup = "removed_from_group"
	PushGroupMembersList = TypeGroupMembersList
	PushNewGroup         = "new_group_notification"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
	ErrFieldMissing  = errors.New("field missing")
)

// Request is the union of all client request fields. Each handler reads
// the subset its type defines.
type Request struct {
	Type         string `json:"type"`
	SessionToken string `json:"session_token,omitempty"`

	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`

	GroupID         int64  `json:"group_id,omitempty"`
	Receiver        string `json:"receiver,omitempty"`
	OtherUser       string `json:"other_user,omitempty"`
	Sender          string `json:"sender,omitempty"`
	Content         string `json:"content,omitempty"`
	MessageType     string `json:"message_type,omitempty"`
	ClientMessageID string `json:"client_message_id,omitempty"`
	ReplyToID       int64  `json:"reply_to_id,omitempty"`
	MessageID       int64  `json:"message_id,omitempty"`

	// Base64 payloads.
	FileName   string `json:"file_name,omitempty"`
	FileData   string `json:"file_data,omitempty"`
	AvatarData string `json:"avatar_data,omitempty"`

	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
	IsGroup       bool   `json:"is_group,omitempty"`
	Status        string `json:"status,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
	Query         string `json:"query,omitempty"`

	GroupName string  `json:"group_name,omitempty"`
	MemberIDs []int64 `json:"member_ids,omitempty"`
	MemberID  int64   `json:"member_id,omitempty"`
}

// ParseRequest decodes one frame. A frame with an empty type is returned
// as-is so the dispatcher can answer it.
func ParseRequest(frame []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPacket, err)
	}
	return &req, nil
}

// Response is an outbound frame: a type tag, the success envelope for
// replies, and named payload fields flattened next to them.
type Response struct {
	Type    string
	Success bool
	Message string
	Error   string
	Fields  map[string]any

	push bool
}

func OK(typ string) *Response {
	return &Response{Type: typ, Success: true}
}

func Fail(typ, reason string) *Response {
	return &Response{Type: typ, Error: reason}
}

// NewPush builds a server-initiated frame. Pushes carry no success flag.
func NewPush(typ string) *Response {
	return &Response{Type: typ, push: true}
}

func (r *Response) IsPush() bool { return r.push }

func (r *Response) With(key string, v any) *Response {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	r.Fields[key] = v
	return r
}

func (r *Response) WithMessage(msg string) *Response {
	r.Message = msg
	return r
}

// Field decodes the named payload field into v.
func (r *Response) Field(key string, v any) error {
	val, ok := r.Fields[key]
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrFieldMissing)
	}
	raw, ok := val.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		raw = b
	}
	return json.Unmarshal(raw, v)
}

func (r Response) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+4)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["type"] = r.Type
	if !r.push {
		m["success"] = r.Success
	}
	if r.Message != "" {
		m["message"] = r.Message
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return json.Marshal(m)
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Response{}
	for k, raw := range m {
		var err error
		switch k {
		case "type":
			err = json.Unmarshal(raw, &r.Type)
		case "success":
			err = json.Unmarshal(raw, &r.Success)
		case "message":
			// Pushes use "message" for a chat message object.
			if len(raw) > 0 && raw[0] == '"' {
				err = json.Unmarshal(raw, &r.Message)
			} else {
				r.With(k, raw)
			}
		case "error":
			err = json.Unmarshal(raw, &r.Error)
		default:
			r.With(k, raw)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
	}
	_, hasSuccess := m["success"]
	r.push = !hasSuccess
	return nil
}

// Encode writes v as a single JSON object with no trailing delimiter.
func Encode(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
