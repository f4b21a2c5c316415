package gateway

import (
	"fmt"
	"net/http"
	"time"

	"github.com/campushub/chat-relay/internal/types"
)

const (
	ActionJoinRoom      = "join_room"
	ActionLeaveRoom     = "leave_room"
	ActionSendMessage   = "send_message"
	ActionEditMessage   = "edit_message"
	ActionDeleteMessage = "delete_message"
	ActionMarkRead      = "mark_read"
	ActionPing          = "ping"
)

const (
	EventMessageCreated = "message_created"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventReadReceipt    = "read_receipt"
	EventPresence       = "presence"
	EventNotification   = "notification"
	EventResponse       = "response"
)

const maxContentLen = 4000

// ClientFrame is one inbound request from a connection. Id is a
// client-assigned correlation number echoed on the response.
type ClientFrame struct {
	Id      int           `json:"id,omitempty"`
	Action  string        `json:"action"`
	RoomId  string        `json:"room_id,omitempty"`
	Payload *FramePayload `json:"payload,omitempty"`
	client  *Client
}

type FramePayload struct {
	Content       string            `json:"content,omitempty"`
	Kind          types.MessageKind `json:"kind,omitempty"`
	ReplyToId     string            `json:"reply_to_id,omitempty"`
	AttachmentRef string            `json:"attachment_ref,omitempty"`
	// MessageId is the target for edit_message, delete_message and
	// mark_read ("read up to here") actions.
	MessageId string `json:"message_id,omitempty"`
}

// validate checks frame shape only; authorization happens in the room.
func (f *ClientFrame) validate() error {
	switch f.Action {
	case ActionPing:
		return nil
	case ActionJoinRoom, ActionLeaveRoom:
		if f.RoomId == "" {
			return fmt.Errorf("%s requires room_id", f.Action)
		}
		return nil
	case ActionSendMessage:
		if f.RoomId == "" {
			return fmt.Errorf("%s requires room_id", f.Action)
		}
		if f.Payload == nil || (f.Payload.Content == "" && f.Payload.AttachmentRef == "") {
			return fmt.Errorf("%s requires content or an attachment", f.Action)
		}
		if len(f.Payload.Content) > maxContentLen {
			return fmt.Errorf("content exceeds %d bytes", maxContentLen)
		}
		if f.Payload.Kind != "" && !f.Payload.Kind.Valid() {
			return fmt.Errorf("unknown message kind %q", f.Payload.Kind)
		}
		return nil
	case ActionEditMessage:
		if f.RoomId == "" || f.Payload == nil || f.Payload.MessageId == "" {
			return fmt.Errorf("%s requires room_id and message_id", f.Action)
		}
		if f.Payload.Content == "" {
			return fmt.Errorf("%s requires content", f.Action)
		}
		if len(f.Payload.Content) > maxContentLen {
			return fmt.Errorf("content exceeds %d bytes", maxContentLen)
		}
		return nil
	case ActionDeleteMessage, ActionMarkRead:
		if f.RoomId == "" || f.Payload == nil || f.Payload.MessageId == "" {
			return fmt.Errorf("%s requires room_id and message_id", f.Action)
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", f.Action)
	}
}

// ServerEvent is one outbound event. UserId targets notification
// fan-out to every connection of a user; SkipClient excludes the
// originating connection from a room broadcast.
type ServerEvent struct {
	Id           int                  `json:"id,omitempty"`
	Event        string               `json:"event"`
	RoomId       string               `json:"room_id,omitempty"`
	Timestamp    time.Time            `json:"timestamp"`
	Message      *types.Message       `json:"message,omitempty"`
	Receipt      *ReadReceipt         `json:"receipt,omitempty"`
	Presence     *Presence            `json:"presence,omitempty"`
	Notification *MessageNotification `json:"notification,omitempty"`
	Response     *Response            `json:"response,omitempty"`

	UserId     string  `json:"-"`
	SkipClient *Client `json:"-"`
}

type ReadReceipt struct {
	UserId        string `json:"user_id"`
	UpToMessageId string `json:"up_to_message_id"`
}

type Presence struct {
	Present bool   `json:"present"`
	UserId  string `json:"user_id"`
	RoomId  string `json:"room_id"`
}

// MessageNotification is delivered on a user's notification channel
// when a message arrives in a conversation they are not viewing.
type MessageNotification struct {
	RoomId    string `json:"room_id"`
	MessageId string `json:"message_id"`
	Preview   string `json:"preview,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	// Retryable hints that the frame failed on a transient storage
	// error and may be resent as-is.
	Retryable bool `json:"retryable,omitempty"`
	Data      any  `json:"data,omitempty"`
}

func NoErrOK(id int, data any) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int, data any) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusAccepted,
			Data:         data,
		},
	}
}

func ErrRoomNotFound(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "room not found",
		},
	}
}

func ErrMessageNotFound(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusNotFound,
			Error:        "message not found",
		},
	}
}

func ErrForbidden(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusForbidden,
			Error:        "forbidden",
		},
	}
}

func ErrInternalError(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusInternalServerError,
			Error:        "internal server error",
		},
	}
}

func ErrStorageUnavailable(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "storage unavailable",
			Retryable:    true,
		},
	}
}

func ErrServiceUnavailable(id int) *ServerEvent {
	return &ServerEvent{
		Id:        id,
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

func ErrInvalidFrame(id int, reason string) *ServerEvent {
	ev := &ServerEvent{
		Event:     EventResponse,
		Timestamp: Now(),
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid frame",
		},
	}

	if reason != "" {
		ev.Response.Error = reason
	}
	if id > 0 {
		ev.Id = id
	}
	return ev
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
