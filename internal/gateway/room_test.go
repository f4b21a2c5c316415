package gateway

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/campushub/chat-relay/internal/stats"
	"github.com/campushub/chat-relay/internal/store"
	"github.com/campushub/chat-relay/internal/types"
)

func testConversation() *store.Conversation {
	return &store.Conversation{
		Id:         1,
		ExternalId: "abc",
		TenantId:   "t1",
		Kind:       store.ConversationKindGroup,
		Title:      "study group",
		Participants: []store.Participant{
			{ConversationId: 1, UserId: "u1"},
			{ConversationId: 1, UserId: "u2"},
			{ConversationId: 1, UserId: "u3"},
		},
	}
}

func Test_addClient_removeClient(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	room := newRoom(gw, testConversation())
	room.killTimer = time.NewTimer(time.Hour)

	c := newTestClient(gw, "u1", "t1")
	room.addClient(c)
	assert.Contains(t, room.clients, c)
	assert.True(t, room.userPresent("u1"))
	assert.Equal(t, room, c.getRoom(room.id), "expected client to hold the room")

	room.removeClient(c)
	assert.NotContains(t, room.clients, c)
	assert.False(t, room.userPresent("u1"))
	assert.Nil(t, c.getRoom(room.id))

	// removing an unknown client is a no-op
	room.removeClient(c)
}

func Test_newMessageId_ordering(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	room := newRoom(gw, testConversation())

	now := time.Now()
	prev := room.newMessageId(now)
	for range 100 {
		next := room.newMessageId(now)
		assert.Greater(t, next, prev, "expected ids to be strictly increasing at the same timestamp")
		prev = next
	}

	// a clock that steps backwards must not break the order
	earlier := room.newMessageId(now.Add(-2 * time.Millisecond))
	assert.Greater(t, earlier, prev, "expected ids to keep increasing across a backwards timestamp")
	later := room.newMessageId(now.Add(time.Millisecond))
	assert.Greater(t, later, earlier)
}

func Test_handleSend(t *testing.T) {
	t.Run("persists and fans out", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", mock.AnythingOfType("store.Message")).Return(nil)
		db.On("IncrementUnread", 1, "u1").Return(nil)
		db.On("UpdateConversationOnMessage", mock.AnythingOfType("store.Message")).Return(nil)
		db.On("GetNotificationPreference", "u3").Return(store.NotificationPreference{UserId: "u3"}, nil)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricMessagesPublished).Return(nil).Once()

		gw := newTestGateway(t, db, su)
		room := newRoom(gw, testConversation())

		sender := newTestClient(gw, "u1", "t1")
		peer := newTestClient(gw, "u2", "t1")
		room.addClient(sender)
		room.addClient(peer)

		room.handleSend(&ClientFrame{
			Id:      3,
			Action:  ActionSendMessage,
			RoomId:  room.id,
			Payload: &FramePayload{Content: "hello"},
			client:  sender,
		})

		ack := recvEvent(t, sender)
		assert.Equal(t, 3, ack.Id)
		assert.Equal(t, 202, ack.Response.ResponseCode)
		msgId := ack.Response.Data.(map[string]any)["message_id"].(string)
		assert.NotEmpty(t, msgId)

		for _, c := range []*Client{sender, peer} {
			ev := recvEvent(t, c)
			assert.Equal(t, EventMessageCreated, ev.Event)
			assert.Equal(t, msgId, ev.Message.Id)
			assert.Equal(t, "u1", ev.Message.SenderId)
			assert.Equal(t, "hello", ev.Message.Content)
		}

		// u3 has no connection in the room and gets a notification
		select {
		case ev := <-gw.notifyChan:
			assert.Equal(t, "u3", ev.UserId)
			assert.Equal(t, room.id, ev.Notification.RoomId)
			assert.Equal(t, msgId, ev.Notification.MessageId)
		default:
			t.Error("expected a notification for the absent participant")
		}

		// unread counters bumped for everyone but the sender
		for _, p := range room.participants {
			if p.UserId == "u1" {
				assert.Zero(t, p.UnreadCount)
			} else {
				assert.Equal(t, 1, p.UnreadCount)
			}
		}

		su.AssertExpectations(t)
	})

	t.Run("non-member is forbidden", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())

		intruder := newTestClient(gw, "outsider", "t1")
		room.handleSend(&ClientFrame{
			Id:      1,
			Action:  ActionSendMessage,
			RoomId:  room.id,
			Payload: &FramePayload{Content: "hello"},
			client:  intruder,
		})

		ev := recvEvent(t, intruder)
		assert.Equal(t, 403, ev.Response.ResponseCode)
		db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("storage failure is retryable and nothing is delivered", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("CreateMessage", mock.AnythingOfType("store.Message")).Return(errors.New("connection refused"))

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())

		sender := newTestClient(gw, "u1", "t1")
		peer := newTestClient(gw, "u2", "t1")
		room.addClient(sender)
		room.addClient(peer)

		room.handleSend(&ClientFrame{
			Id:      1,
			Action:  ActionSendMessage,
			RoomId:  room.id,
			Payload: &FramePayload{Content: "hello"},
			client:  sender,
		})

		ev := recvEvent(t, sender)
		assert.Equal(t, 503, ev.Response.ResponseCode)
		assert.True(t, ev.Response.Retryable)
		assert.Empty(t, peer.send, "expected no delivery for an unpersisted message")
	})

	t.Run("reply kind is inferred", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		db.On("CreateMessage", mock.MatchedBy(func(m store.Message) bool {
			return m.Kind == "reply" && m.ReplyToId == "01ARZ"
		})).Return(nil)
		db.On("IncrementUnread", 1, "u1").Return(nil)
		db.On("UpdateConversationOnMessage", mock.AnythingOfType("store.Message")).Return(nil)
		db.On("GetNotificationPreference", mock.Anything).Return(store.NotificationPreference{}, nil)

		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricMessagesPublished).Return(nil)

		gw := newTestGateway(t, db, su)
		room := newRoom(gw, testConversation())
		sender := newTestClient(gw, "u1", "t1")
		room.addClient(sender)

		room.handleSend(&ClientFrame{
			Id:      1,
			Action:  ActionSendMessage,
			RoomId:  room.id,
			Payload: &FramePayload{Content: "agreed", ReplyToId: "01ARZ"},
			client:  sender,
		})

		db.AssertExpectations(t)
	})
}

func Test_handleEdit(t *testing.T) {
	stored := store.Message{
		Id:             "01ARZ",
		ConversationId: 1,
		SenderId:       "u1",
		Content:        "typo",
		Kind:           "text",
	}

	t.Run("author edits own message", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "01ARZ").Return(stored, nil)
		db.On("UpdateMessageContent", "01ARZ", "fixed", mock.AnythingOfType("time.Time")).Return(nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		author := newTestClient(gw, "u1", "t1")
		peer := newTestClient(gw, "u2", "t1")
		room.addClient(author)
		room.addClient(peer)

		room.handleEdit(&ClientFrame{
			Id:      2,
			Action:  ActionEditMessage,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "01ARZ", Content: "fixed"},
			client:  author,
		})

		ack := recvEvent(t, author)
		assert.Equal(t, 200, ack.Response.ResponseCode)

		ev := recvEvent(t, peer)
		assert.Equal(t, EventMessageEdited, ev.Event)
		assert.Equal(t, "fixed", ev.Message.Content)
		assert.True(t, ev.Message.Edited)
	})

	t.Run("only the author may edit", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "01ARZ").Return(stored, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		other := newTestClient(gw, "u2", "t1")
		room.addClient(other)

		room.handleEdit(&ClientFrame{
			Id:      2,
			Action:  ActionEditMessage,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "01ARZ", Content: "hijacked"},
			client:  other,
		})

		ev := recvEvent(t, other)
		assert.Equal(t, 403, ev.Response.ResponseCode)
		db.AssertNotCalled(t, "UpdateMessageContent", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("message not found", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		db.On("GetMessage", "missing").Return(store.Message{}, sql.ErrNoRows)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		c := newTestClient(gw, "u1", "t1")

		room.handleEdit(&ClientFrame{
			Id:      2,
			Action:  ActionEditMessage,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "missing", Content: "x"},
			client:  c,
		})

		ev := recvEvent(t, c)
		assert.Equal(t, 404, ev.Response.ResponseCode)
	})

	t.Run("message from another conversation is not found", func(t *testing.T) {
		foreign := stored
		foreign.ConversationId = 42

		db := &store.MockRelayRepository{}
		db.On("GetMessage", "01ARZ").Return(foreign, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		c := newTestClient(gw, "u1", "t1")

		room.handleEdit(&ClientFrame{
			Id:      2,
			Action:  ActionEditMessage,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "01ARZ", Content: "x"},
			client:  c,
		})

		ev := recvEvent(t, c)
		assert.Equal(t, 404, ev.Response.ResponseCode)
	})

	t.Run("deleted message cannot be edited", func(t *testing.T) {
		deleted := stored
		deleted.Deleted = true

		db := &store.MockRelayRepository{}
		db.On("GetMessage", "01ARZ").Return(deleted, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		c := newTestClient(gw, "u1", "t1")

		room.handleEdit(&ClientFrame{
			Id:      2,
			Action:  ActionEditMessage,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "01ARZ", Content: "x"},
			client:  c,
		})

		ev := recvEvent(t, c)
		assert.Equal(t, 400, ev.Response.ResponseCode)
	})
}

func Test_handleDelete(t *testing.T) {
	stored := store.Message{
		Id:             "01ARZ",
		ConversationId: 1,
		SenderId:       "u1",
		Content:        "oops",
		Kind:           "text",
	}

	db := &store.MockRelayRepository{}
	defer db.AssertExpectations(t)
	db.On("GetMessage", "01ARZ").Return(stored, nil)
	db.On("SoftDeleteMessage", "01ARZ").Return(nil)

	gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
	room := newRoom(gw, testConversation())
	author := newTestClient(gw, "u1", "t1")
	peer := newTestClient(gw, "u2", "t1")
	room.addClient(author)
	room.addClient(peer)

	room.handleDelete(&ClientFrame{
		Id:      4,
		Action:  ActionDeleteMessage,
		RoomId:  room.id,
		Payload: &FramePayload{MessageId: "01ARZ"},
		client:  author,
	})

	ack := recvEvent(t, author)
	assert.Equal(t, 200, ack.Response.ResponseCode)

	ev := recvEvent(t, peer)
	assert.Equal(t, EventMessageDeleted, ev.Event)
	assert.True(t, ev.Message.Deleted)
	assert.Empty(t, ev.Message.Content, "expected deleted messages to carry no content")
}

func Test_handleMarkRead(t *testing.T) {
	stored := store.Message{
		Id:             "01ARZ",
		ConversationId: 1,
		SenderId:       "u2",
		Content:        "hi",
		Kind:           "text",
	}

	t.Run("resets unread and broadcasts a receipt", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "01ARZ").Return(stored, nil)
		db.On("MarkRead", 1, "u1", "01ARZ", mock.AnythingOfType("time.Time")).Return(nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		room.participants[0].UnreadCount = 5

		reader := newTestClient(gw, "u1", "t1")
		peer := newTestClient(gw, "u2", "t1")
		room.addClient(reader)
		room.addClient(peer)

		room.handleMarkRead(&ClientFrame{
			Id:      6,
			Action:  ActionMarkRead,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "01ARZ"},
			client:  reader,
		})

		ack := recvEvent(t, reader)
		assert.Equal(t, 200, ack.Response.ResponseCode)
		assert.Zero(t, room.participants[0].UnreadCount)

		// the receipt goes to the rest of the room, not back to the reader
		ev := recvEvent(t, peer)
		assert.Equal(t, EventReadReceipt, ev.Event)
		assert.Equal(t, "u1", ev.Receipt.UserId)
		assert.Equal(t, "01ARZ", ev.Receipt.UpToMessageId)
		assert.Empty(t, reader.send)
	})

	t.Run("replay leaves state unchanged", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "01ARZ").Return(stored, nil).Twice()
		db.On("MarkRead", 1, "u1", "01ARZ", mock.AnythingOfType("time.Time")).Return(nil).Twice()

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		room.participants[0].UnreadCount = 3

		reader := newTestClient(gw, "u1", "t1")
		room.addClient(reader)

		frame := func() *ClientFrame {
			return &ClientFrame{
				Id:      6,
				Action:  ActionMarkRead,
				RoomId:  room.id,
				Payload: &FramePayload{MessageId: "01ARZ"},
				client:  reader,
			}
		}

		room.handleMarkRead(frame())
		ack := recvEvent(t, reader)
		assert.Equal(t, 200, ack.Response.ResponseCode)
		assert.Zero(t, room.participants[0].UnreadCount)

		// a duplicate from a reconnecting client acks the same way and
		// moves nothing
		room.handleMarkRead(frame())
		ack = recvEvent(t, reader)
		assert.Equal(t, 200, ack.Response.ResponseCode)
		assert.Zero(t, room.participants[0].UnreadCount)
	})

	t.Run("unknown message id is rejected", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "ZZZZZZZZZZZZZZZZZZZZZZZZZZ").Return(store.Message{}, sql.ErrNoRows)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		reader := newTestClient(gw, "u1", "t1")
		room.addClient(reader)

		room.handleMarkRead(&ClientFrame{
			Id:      6,
			Action:  ActionMarkRead,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "ZZZZZZZZZZZZZZZZZZZZZZZZZZ"},
			client:  reader,
		})

		ev := recvEvent(t, reader)
		assert.Equal(t, 404, ev.Response.ResponseCode)
		db.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("message from another conversation is rejected", func(t *testing.T) {
		foreign := stored
		foreign.ConversationId = 42

		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetMessage", "01ARZ").Return(foreign, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		reader := newTestClient(gw, "u1", "t1")
		room.addClient(reader)

		room.handleMarkRead(&ClientFrame{
			Id:      6,
			Action:  ActionMarkRead,
			RoomId:  room.id,
			Payload: &FramePayload{MessageId: "01ARZ"},
			client:  reader,
		})

		ev := recvEvent(t, reader)
		assert.Equal(t, 404, ev.Response.ResponseCode)
		db.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func Test_notifyAway(t *testing.T) {
	t.Run("muted participant is skipped", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		conv := testConversation()
		conv.Participants[2].Muted = true
		room := newRoom(gw, conv)
		room.addClient(newTestClient(gw, "u2", "t1"))

		room.notifyAway(store.Message{Id: "01ARZ", SenderId: "u1", Content: "hi", CreatedAt: Now()})

		assert.Empty(t, gw.notifyChan, "expected no notification for a muted participant")
		db.AssertNotCalled(t, "GetNotificationPreference", mock.Anything)
	})

	t.Run("quiet hours suppress delivery only", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetNotificationPreference", "u3").
			Return(store.NotificationPreference{UserId: "u3", QuietStartMin: 0, QuietEndMin: 1440}, nil).Once()

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		room.addClient(newTestClient(gw, "u2", "t1"))

		room.notifyAway(store.Message{Id: "01ARZ", SenderId: "u1", Content: "hi", CreatedAt: Now()})
		assert.Empty(t, gw.notifyChan)

		// preferences are cached after the first lookup
		room.notifyAway(store.Message{Id: "01AS0", SenderId: "u1", Content: "hi again", CreatedAt: Now()})
	})

	t.Run("present participant is skipped", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetNotificationPreference", "u3").Return(store.NotificationPreference{UserId: "u3"}, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		room.addClient(newTestClient(gw, "u2", "t1"))

		room.notifyAway(store.Message{Id: "01ARZ", SenderId: "u1", Content: "hi", CreatedAt: Now()})

		ev := <-gw.notifyChan
		assert.Equal(t, "u3", ev.UserId, "expected only the absent, unmuted participant to be notified")
		assert.Empty(t, gw.notifyChan)
	})
}

func Test_handleRoomTimeout(t *testing.T) {
	t.Run("requests unload", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		room.killTimer = time.NewTimer(time.Hour)

		room.handleRoomTimeout()
		select {
		case req := <-gw.unloadRoomChan:
			assert.Equal(t, room.id, req.roomId)
		default:
			t.Error("expected an unload request")
		}
	})

	t.Run("retries later when the unload channel is full", func(t *testing.T) {
		gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
		gw.unloadRoomChan = make(chan unloadRoomRequest, 1)
		gw.unloadRoomChan <- unloadRoomRequest{roomId: "conv:other"}

		room := newRoom(gw, testConversation())
		room.killTimer = time.NewTimer(0)
		<-room.killTimer.C

		room.handleRoomTimeout()
		assert.True(t, room.killTimer.Stop(), "expected the kill timer to be rearmed")
	})
}

func Test_roomHandleJoin(t *testing.T) {
	t.Run("cross-tenant client is rejected", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		room.killTimer = time.NewTimer(time.Hour)

		c := newTestClient(gw, "u1", "other-tenant")
		room.handleJoin(&ClientFrame{Id: 1, Action: ActionJoinRoom, RoomId: room.id, client: c})

		ev := recvEvent(t, c)
		assert.Equal(t, 403, ev.Response.ResponseCode)
		assert.Empty(t, room.clients)
	})

	t.Run("non-member is rejected after a roster recheck", func(t *testing.T) {
		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("ParticipantExists", 1, "stranger").Return(false)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, testConversation())
		room.killTimer = time.NewTimer(time.Hour)

		c := newTestClient(gw, "stranger", "t1")
		room.handleJoin(&ClientFrame{Id: 1, Action: ActionJoinRoom, RoomId: room.id, client: c})

		ev := recvEvent(t, c)
		assert.Equal(t, 403, ev.Response.ResponseCode)
	})

	t.Run("member joins and peers see presence", func(t *testing.T) {
		conv := testConversation()

		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("GetConversationWithParticipants", 1).Return(conv, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, conv)
		room.killTimer = time.NewTimer(time.Hour)

		peer := newTestClient(gw, "u2", "t1")
		room.addClient(peer)

		c := newTestClient(gw, "u1", "t1")
		room.handleJoin(&ClientFrame{Id: 1, Action: ActionJoinRoom, RoomId: room.id, client: c})

		ack := recvEvent(t, c)
		assert.Equal(t, 200, ack.Response.ResponseCode)
		info := ack.Response.Data.(types.Conversation)
		assert.Equal(t, "abc", info.ExternalId)
		assert.Len(t, info.Participants, 3)

		ev := recvEvent(t, peer)
		assert.Equal(t, EventPresence, ev.Event)
		assert.True(t, ev.Presence.Present)
		assert.Equal(t, "u1", ev.Presence.UserId)
		assert.Empty(t, c.send, "expected the joiner not to receive their own presence event")
	})

	t.Run("lagging roster cache is reloaded", func(t *testing.T) {
		conv := testConversation()
		grown := testConversation()
		grown.Participants = append(grown.Participants, store.Participant{ConversationId: 1, UserId: "u4"})

		db := &store.MockRelayRepository{}
		defer db.AssertExpectations(t)
		db.On("ParticipantExists", 1, "u4").Return(true)
		db.On("GetConversationWithParticipants", 1).Return(grown, nil)

		gw := newTestGateway(t, db, &stats.MockStatsUpdater{})
		room := newRoom(gw, conv)
		room.killTimer = time.NewTimer(time.Hour)

		c := newTestClient(gw, "u4", "t1")
		room.handleJoin(&ClientFrame{Id: 1, Action: ActionJoinRoom, RoomId: room.id, client: c})

		ack := recvEvent(t, c)
		assert.Equal(t, 200, ack.Response.ResponseCode)
		assert.True(t, room.isMember("u4"))
	})
}

func Test_handleLeave(t *testing.T) {
	gw := newTestGateway(t, &store.MockRelayRepository{}, &stats.MockStatsUpdater{})
	room := newRoom(gw, testConversation())
	room.killTimer = time.NewTimer(time.Hour)

	leaver := newTestClient(gw, "u1", "t1")
	peer := newTestClient(gw, "u2", "t1")
	room.addClient(leaver)
	room.addClient(peer)

	room.handleLeave(&ClientFrame{Id: 9, Action: ActionLeaveRoom, RoomId: room.id, client: leaver})

	ack := recvEvent(t, leaver)
	assert.Equal(t, 200, ack.Response.ResponseCode)

	ev := recvEvent(t, peer)
	assert.Equal(t, EventPresence, ev.Event)
	assert.False(t, ev.Presence.Present)
	assert.Equal(t, "u1", ev.Presence.UserId)
	assert.NotContains(t, room.clients, leaver)
}
