package store

import (
	"database/sql"
	"time"
)

const (
	ConversationKindDirect  = "direct"
	ConversationKindGroup   = "group"
	ConversationKindClass   = "class"
	ConversationKindCourse  = "course"
	ConversationKindSupport = "support"
)

type Conversation struct {
	Id                 int
	ExternalId         string
	TenantId           string
	Kind               string
	Title              string
	LastMessageId      string
	LastMessagePreview string
	LastMessageAt      time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Participants       []Participant
}

// Participant is the per-user, per-conversation bookkeeping row:
// membership window, unread counter and read cursor.
type Participant struct {
	Id                int
	ConversationId    int
	UserId            string
	UnreadCount       int
	Muted             bool
	Pinned            bool
	LastReadMessageId string
	LastReadAt        time.Time
	JoinedAt          time.Time
	LeftAt            sql.NullTime
	Conversation      Conversation
}

// Message ids are ULIDs, so lexicographic order on Id is creation
// order within a conversation.
type Message struct {
	Id             string
	ConversationId int
	SenderId       string
	Content        string
	Kind           string
	ReplyToId      string
	AttachmentRef  string
	Edited         bool
	Deleted        bool
	CreatedAt      time.Time
	EditedAt       sql.NullTime
}

type ReadStatus struct {
	MessageId string
	UserId    string
	ReadAt    time.Time
}

// NotificationPreference controls notification-channel delivery for a
// user. Quiet hours are minutes since midnight UTC; start == end means
// no quiet window.
type NotificationPreference struct {
	UserId        string
	QuietStartMin int
	QuietEndMin   int
	UpdatedAt     time.Time
}

// InQuietHours reports whether t falls inside the user's quiet window,
// handling windows that wrap past midnight.
func (p NotificationPreference) InQuietHours(t time.Time) bool {
	if p.QuietStartMin == p.QuietEndMin {
		return false
	}

	minute := t.UTC().Hour()*60 + t.UTC().Minute()
	if p.QuietStartMin < p.QuietEndMin {
		return minute >= p.QuietStartMin && minute < p.QuietEndMin
	}
	return minute >= p.QuietStartMin || minute < p.QuietEndMin
}

type CreateConversationParams struct {
	ExternalId string `json:"external_id"`
	TenantId   string `json:"tenant_id"`
	Kind       string `json:"kind"`
	Title      string `json:"title"`
}
