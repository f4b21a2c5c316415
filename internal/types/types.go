package types

import (
	"time"
)

// Identity is the authenticated principal attached to a connection
// after a successful handshake.
type Identity struct {
	UserId   string   `json:"user_id"`
	TenantId string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

// MessageKind enumerates the payload types a chat message may carry.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindAudio  MessageKind = "audio"
	MessageKindVideo  MessageKind = "video"
	MessageKindSystem MessageKind = "system"
	MessageKindReply  MessageKind = "reply"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindImage, MessageKindFile,
		MessageKindAudio, MessageKindVideo, MessageKindSystem, MessageKindReply:
		return true
	}
	return false
}

type Message struct {
	Id            string      `json:"id"`
	RoomId        string      `json:"room_id"`
	SenderId      string      `json:"sender_id,omitempty"`
	Content       string      `json:"content"`
	Kind          MessageKind `json:"kind"`
	ReplyToId     string      `json:"reply_to_id,omitempty"`
	AttachmentRef string      `json:"attachment_ref,omitempty"`
	AttachmentURL string      `json:"attachment_url,omitempty"`
	Edited        bool        `json:"edited,omitempty"`
	Deleted       bool        `json:"deleted,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

type Participant struct {
	UserId            string    `json:"user_id"`
	UnreadCount       int       `json:"unread_count"`
	Muted             bool      `json:"muted,omitempty"`
	Pinned            bool      `json:"pinned,omitempty"`
	LastReadMessageId string    `json:"last_read_message_id,omitempty"`
	LastReadAt        time.Time `json:"last_read_at,omitempty"`
	IsPresent         bool      `json:"is_present,omitempty"`
	JoinedAt          time.Time `json:"joined_at,omitempty"`
}

type Conversation struct {
	Id                 int           `json:"id"`
	ExternalId         string        `json:"external_id"`
	TenantId           string        `json:"tenant_id"`
	Kind               string        `json:"kind"`
	Title              string        `json:"title"`
	LastMessageId      string        `json:"last_message_id,omitempty"`
	LastMessagePreview string        `json:"last_message_preview,omitempty"`
	LastMessageAt      time.Time     `json:"last_message_at,omitempty"`
	UnreadCount        int           `json:"unread_count,omitempty"`
	Participants       []Participant `json:"participants,omitempty"`
	CreatedAt          time.Time     `json:"created_at,omitempty"`
	UpdatedAt          time.Time     `json:"updated_at,omitempty"`
}
