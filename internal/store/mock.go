package store

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockRelayRepository struct {
	mock.Mock
}

func (m *MockRelayRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRelayRepository) CreateConversation(params CreateConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockRelayRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}
func (m *MockRelayRepository) GetConversationWithParticipants(conversationId int) (*Conversation, error) {
	args := m.Called(conversationId)
	if conv, ok := args.Get(0).(*Conversation); ok {
		return conv, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRelayRepository) ListConversations(userId string) ([]Participant, error) {
	args := m.Called(userId)
	return args.Get(0).([]Participant), args.Error(1)
}
func (m *MockRelayRepository) AddParticipant(conversationId int, userId string) (Participant, error) {
	args := m.Called(conversationId, userId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRelayRepository) RemoveParticipant(conversationId int, userId string) error {
	args := m.Called(conversationId, userId)
	return args.Error(0)
}
func (m *MockRelayRepository) GetParticipant(conversationId int, userId string) (Participant, error) {
	args := m.Called(conversationId, userId)
	return args.Get(0).(Participant), args.Error(1)
}
func (m *MockRelayRepository) ParticipantExists(conversationId int, userId string) bool {
	args := m.Called(conversationId, userId)
	return args.Bool(0)
}
func (m *MockRelayRepository) CreateMessage(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockRelayRepository) GetMessage(id string) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockRelayRepository) UpdateMessageContent(id, content string, editedAt time.Time) error {
	args := m.Called(id, content, editedAt)
	return args.Error(0)
}
func (m *MockRelayRepository) SoftDeleteMessage(id string) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockRelayRepository) ListMessages(conversationId int, after, before string, limit int) ([]Message, error) {
	args := m.Called(conversationId, after, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockRelayRepository) IncrementUnread(conversationId int, exceptUserId string) error {
	args := m.Called(conversationId, exceptUserId)
	return args.Error(0)
}
func (m *MockRelayRepository) UpdateConversationOnMessage(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockRelayRepository) MarkRead(conversationId int, userId, upToMessageId string, readAt time.Time) error {
	args := m.Called(conversationId, userId, upToMessageId, readAt)
	return args.Error(0)
}
func (m *MockRelayRepository) GetNotificationPreference(userId string) (NotificationPreference, error) {
	args := m.Called(userId)
	return args.Get(0).(NotificationPreference), args.Error(1)
}
