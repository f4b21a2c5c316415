package store

import "time"

type RelayRepository interface {
	Ping() error
	CreateConversation(params CreateConversationParams) (Conversation, error)
	GetConversationByExternalId(externalId string) (Conversation, error)
	GetConversationWithParticipants(conversationId int) (*Conversation, error)
	ListConversations(userId string) ([]Participant, error)
	AddParticipant(conversationId int, userId string) (Participant, error)
	RemoveParticipant(conversationId int, userId string) error
	GetParticipant(conversationId int, userId string) (Participant, error)
	ParticipantExists(conversationId int, userId string) bool
	CreateMessage(msg Message) error
	GetMessage(id string) (Message, error)
	UpdateMessageContent(id, content string, editedAt time.Time) error
	SoftDeleteMessage(id string) error
	ListMessages(conversationId int, after, before string, limit int) ([]Message, error)
	IncrementUnread(conversationId int, exceptUserId string) error
	UpdateConversationOnMessage(msg Message) error
	MarkRead(conversationId int, userId, upToMessageId string, readAt time.Time) error
	GetNotificationPreference(userId string) (NotificationPreference, error)
}
